package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
)

// where compiles a filter into " WHERE ..." (or "") plus its arguments.
// Nil comparisons follow the memory adapter: eq nil is IS NULL and ne/not_in
// also match NULL columns.
func (s *Store) where(model string, where []store.Where) (string, []any, error) {
	if _, ok := s.schema[model]; !ok {
		return "", nil, fmt.Errorf("%w: %s", store.ErrUnknownModel, model)
	}
	where, err := s.schema.NormalizeWhere(model, where)
	if err != nil {
		return "", nil, err
	}
	if len(where) == 0 {
		return "", nil, nil
	}

	var args []any
	compile := func(group []store.Where) ([]string, error) {
		parts := make([]string, 0, len(group))
		for _, w := range group {
			f, _ := s.schema.Field(model, w.Field)
			expr, a, err := condition(f.Type, w)
			if err != nil {
				return nil, err
			}
			parts = append(parts, expr)
			args = append(args, a...)
		}
		return parts, nil
	}

	and, or := store.Split(where)
	andParts, err := compile(and)
	if err != nil {
		return "", nil, err
	}
	orParts, err := compile(or)
	if err != nil {
		return "", nil, err
	}
	if len(orParts) > 0 {
		andParts = append(andParts, "("+strings.Join(orParts, " OR ")+")")
	}
	return " WHERE " + strings.Join(andParts, " AND "), args, nil
}

func condition(t store.FieldType, w store.Where) (string, []any, error) {
	col := quote(w.Field)
	switch w.Operator {
	case store.OpEq, store.OpNe:
		if w.Value == nil {
			if w.Operator == store.OpEq {
				return col + " IS NULL", nil, nil
			}
			return col + " IS NOT NULL", nil, nil
		}
		v, err := encode(w.Value)
		if err != nil {
			return "", nil, err
		}
		if w.Operator == store.OpEq {
			return col + " = ?", []any{v}, nil
		}
		return "(" + col + " <> ? OR " + col + " IS NULL)", []any{v}, nil
	case store.OpLt, store.OpLte, store.OpGt, store.OpGte:
		v, err := encode(w.Value)
		if err != nil {
			return "", nil, err
		}
		op := map[store.Operator]string{store.OpLt: "<", store.OpLte: "<=", store.OpGt: ">", store.OpGte: ">="}[w.Operator]
		return col + " " + op + " ?", []any{v}, nil
	case store.OpIn, store.OpNotIn:
		vs := w.Value.([]any)
		if len(vs) == 0 {
			if w.Operator == store.OpIn {
				return "0 = 1", nil, nil
			}
			return "1 = 1", nil, nil
		}
		args := make([]any, len(vs))
		for i, v := range vs {
			var err error
			if args[i], err = encode(v); err != nil {
				return "", nil, err
			}
		}
		if w.Operator == store.OpIn {
			return col + " IN (" + placeholders(len(vs)) + ")", args, nil
		}
		return "(" + col + " NOT IN (" + placeholders(len(vs)) + ") OR " + col + " IS NULL)", args, nil
	case store.OpContains:
		needle := w.Value.(string)
		if t == store.StringList {
			b, _ := json.Marshal(needle)
			needle = string(b)
		}
		return "instr(" + col + ", ?) > 0", []any{needle}, nil
	case store.OpStartsWith:
		return "substr(" + col + ", 1, length(?)) = ?", []any{w.Value, w.Value}, nil
	case store.OpEndsWith:
		return "substr(" + col + ", -length(?)) = ?", []any{w.Value, w.Value}, nil
	}
	return "", nil, fmt.Errorf("unsupported operator %q", w.Operator)
}

// encode converts a normalized value to its column representation: dates
// are unix milliseconds, booleans 0/1, lists and json are JSON text.
func encode(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, int64:
		return x, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case time.Time:
		return x.UnixMilli(), nil
	case []string:
		if x == nil {
			return nil, nil
		}
		b, err := json.Marshal(x)
		return string(b), err
	case json.RawMessage:
		return string(x), nil
	}
	return nil, fmt.Errorf("cannot encode %T", v)
}

func decode(t store.FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch t {
	case store.String:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case store.Number:
		if n, ok := v.(int64); ok {
			return n, nil
		}
	case store.Boolean:
		if n, ok := v.(int64); ok {
			return n != 0, nil
		}
	case store.Date:
		if n, ok := v.(int64); ok {
			return time.UnixMilli(n).UTC(), nil
		}
	case store.StringList:
		if s, ok := v.(string); ok {
			var out []string
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, err
			}
			return out, nil
		}
	case store.JSON:
		if s, ok := v.(string); ok {
			return json.RawMessage(s), nil
		}
	}
	return nil, fmt.Errorf("unexpected %T for %s column", v, t)
}
