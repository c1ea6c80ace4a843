package store

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"time"

	"github.com/aussiebroadwan/gatehouse/pkg/idx"
)

// FieldType is the storage type of a model field.
type FieldType int

const (
	String FieldType = iota
	Number
	Boolean
	Date
	StringList
	JSON
)

func (t FieldType) String() string {
	switch t {
	case String:
		return "string"
	case Number:
		return "number"
	case Boolean:
		return "boolean"
	case Date:
		return "date"
	case StringList:
		return "string[]"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// Field describes one column of a model.
type Field struct {
	Type   FieldType
	Unique bool
}

// Model is a named set of fields. Every model has a unique string "id".
type Model map[string]Field

// Schema maps model names to their fields. Drivers consume the same Schema
// the engine is built with.
type Schema map[string]Model

// Merge returns a schema holding the models of s and others. Later models
// replace earlier ones of the same name.
func (s Schema) Merge(others ...Schema) Schema {
	out := maps.Clone(s)
	if out == nil {
		out = Schema{}
	}
	for _, o := range others {
		maps.Copy(out, o)
	}
	return out
}

// Models returns the model names in sorted order.
func (s Schema) Models() []string {
	return slices.Sorted(maps.Keys(s))
}

// Field looks up a field of a model.
func (s Schema) Field(model, field string) (Field, error) {
	m, ok := s[model]
	if !ok {
		return Field{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	f, ok := m[field]
	if !ok {
		return Field{}, fmt.Errorf("%w: %s.%s", ErrUnknownField, model, field)
	}
	return f, nil
}

// Normalize validates r against the model and converts every value to its
// canonical Go type: string, int64, bool, time.Time (UTC, millisecond
// precision), []string or json.RawMessage. Nil stays nil.
func (s Schema) Normalize(model string, r Record) (Record, error) {
	if _, ok := s[model]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	out := make(Record, len(r))
	for k, v := range r {
		f, err := s.Field(model, k)
		if err != nil {
			return nil, err
		}
		nv, err := NormalizeValue(f.Type, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", model, k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// PrepareCreate normalizes data and assigns a new id when none is set.
func (s Schema) PrepareCreate(model string, data Record) (Record, error) {
	r, err := s.Normalize(model, data)
	if err != nil {
		return nil, err
	}
	if id, _ := r["id"].(string); id == "" {
		r["id"] = idx.NewString()
	}
	return r, nil
}

// NormalizeWhere validates field names and normalizes comparison values.
// The value of in/not_in is normalized element-wise; the string operators
// take a plain string.
func (s Schema) NormalizeWhere(model string, where []Where) ([]Where, error) {
	out := make([]Where, len(where))
	for i, w := range where {
		f, err := s.Field(model, w.Field)
		if err != nil {
			return nil, err
		}
		switch w.Operator {
		case OpIn, OpNotIn:
			vs, ok := w.Value.([]any)
			if !ok {
				return nil, fmt.Errorf("%s.%s: %s needs a list value", model, w.Field, w.Operator)
			}
			nvs := make([]any, len(vs))
			for j, v := range vs {
				if nvs[j], err = NormalizeValue(f.Type, v); err != nil {
					return nil, fmt.Errorf("%s.%s: %w", model, w.Field, err)
				}
			}
			w.Value = nvs
		case OpContains, OpStartsWith, OpEndsWith:
			str, ok := w.Value.(string)
			if !ok {
				return nil, fmt.Errorf("%s.%s: %s needs a string value", model, w.Field, w.Operator)
			}
			w.Value = str
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
			if w.Value, err = NormalizeValue(f.Type, w.Value); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", model, w.Field, err)
			}
		default:
			return nil, fmt.Errorf("%s.%s: unknown operator %q", model, w.Field, w.Operator)
		}
		if w.Connector == "" {
			w.Connector = And
		}
		out[i] = w
	}
	return out, nil
}

// NormalizeValue converts v to the canonical representation of t.
func NormalizeValue(t FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		v = rv.Elem().Interface()
		rv = rv.Elem()
	}

	switch t {
	case String:
		if rv.Kind() == reflect.String {
			return rv.String(), nil
		}
	case Number:
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return rv.Int(), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return int64(rv.Uint()), nil
		case reflect.Float32, reflect.Float64:
			f := rv.Float()
			if f == math.Trunc(f) {
				return int64(f), nil
			}
		}
	case Boolean:
		if rv.Kind() == reflect.Bool {
			return rv.Bool(), nil
		}
	case Date:
		switch d := v.(type) {
		case time.Time:
			if d.IsZero() {
				return nil, nil
			}
			return d.UTC().Truncate(time.Millisecond), nil
		case int64:
			return time.UnixMilli(d).UTC(), nil
		}
	case StringList:
		switch l := v.(type) {
		case []string:
			return slices.Clone(l), nil
		case []any:
			out := make([]string, 0, len(l))
			for _, e := range l {
				s, ok := e.(string)
				if !ok {
					return nil, fmt.Errorf("string list holds %T", e)
				}
				out = append(out, s)
			}
			return out, nil
		}
	case JSON:
		switch j := v.(type) {
		case json.RawMessage:
			return rawJSON(j)
		case []byte:
			return rawJSON(j)
		case string:
			return rawJSON([]byte(j))
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			return json.RawMessage(b), nil
		}
	}
	return nil, fmt.Errorf("cannot store %T as %s", v, t)
}

func rawJSON(b []byte) (any, error) {
	if !json.Valid(b) {
		return nil, fmt.Errorf("invalid json")
	}
	return json.RawMessage(slices.Clone(b)), nil
}
