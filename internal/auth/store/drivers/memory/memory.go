// Package memory is an in-process store.Adapter. It is used by tests and by
// single-node deployments that do not need persistence.
package memory

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
)

// Adapter keeps every model in a slice guarded by one mutex, which makes each
// operation (and therefore every conditional Update) atomic.
type Adapter struct {
	mu     sync.RWMutex
	schema store.Schema
	tables map[string][]store.Record
}

var _ store.Adapter = (*Adapter)(nil)

// New creates an empty adapter for schema.
func New(schema store.Schema) *Adapter {
	return &Adapter{schema: schema, tables: make(map[string][]store.Record)}
}

func (a *Adapter) Create(_ context.Context, model string, data store.Record) (store.Record, error) {
	rec, err := a.schema.PrepareCreate(model, data)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkUnique(model, rec, -1); err != nil {
		return nil, err
	}
	a.tables[model] = append(a.tables[model], rec)
	return clone(rec), nil
}

func (a *Adapter) FindOne(_ context.Context, model string, where ...store.Where) (store.Record, error) {
	where, err := a.schema.NormalizeWhere(model, where)
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, rec := range a.tables[model] {
		if matches(rec, where) {
			return clone(rec), nil
		}
	}
	return nil, store.ErrNotFound
}

func (a *Adapter) FindMany(_ context.Context, model string, q store.Query) ([]store.Record, error) {
	where, err := a.schema.NormalizeWhere(model, q.Where)
	if err != nil {
		return nil, err
	}
	if q.SortBy != "" {
		if _, err := a.schema.Field(model, q.SortBy); err != nil {
			return nil, err
		}
	}

	a.mu.RLock()
	var out []store.Record
	for _, rec := range a.tables[model] {
		if matches(rec, where) {
			out = append(out, clone(rec))
		}
	}
	a.mu.RUnlock()

	if q.SortBy != "" {
		slices.SortStableFunc(out, func(x, y store.Record) int {
			c, _ := compare(x[q.SortBy], y[q.SortBy])
			if q.Desc {
				return -c
			}
			return c
		})
	}
	if q.Offset > 0 {
		out = out[min(q.Offset, len(out)):]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (a *Adapter) Update(_ context.Context, model string, where []store.Where, set store.Record) (store.Record, error) {
	where, set, err := a.prepareUpdate(model, where, set)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, rec := range a.tables[model] {
		if !matches(rec, where) {
			continue
		}
		next := clone(rec)
		maps.Copy(next, set)
		if err := a.checkUnique(model, next, i); err != nil {
			return nil, err
		}
		a.tables[model][i] = next
		return clone(next), nil
	}
	return nil, store.ErrNotFound
}

func (a *Adapter) UpdateMany(_ context.Context, model string, where []store.Where, set store.Record) (int, error) {
	where, set, err := a.prepareUpdate(model, where, set)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for i, rec := range a.tables[model] {
		if !matches(rec, where) {
			continue
		}
		next := clone(rec)
		maps.Copy(next, set)
		if err := a.checkUnique(model, next, i); err != nil {
			return n, err
		}
		a.tables[model][i] = next
		n++
	}
	return n, nil
}

func (a *Adapter) Delete(ctx context.Context, model string, where ...store.Where) error {
	_, err := a.DeleteMany(ctx, model, where...)
	return err
}

func (a *Adapter) DeleteMany(_ context.Context, model string, where ...store.Where) (int, error) {
	where, err := a.schema.NormalizeWhere(model, where)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	before := len(a.tables[model])
	a.tables[model] = slices.DeleteFunc(a.tables[model], func(rec store.Record) bool {
		return matches(rec, where)
	})
	return before - len(a.tables[model]), nil
}

func (a *Adapter) Count(_ context.Context, model string, where ...store.Where) (int, error) {
	where, err := a.schema.NormalizeWhere(model, where)
	if err != nil {
		return 0, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	n := 0
	for _, rec := range a.tables[model] {
		if matches(rec, where) {
			n++
		}
	}
	return n, nil
}

func (a *Adapter) Ping(context.Context) error { return nil }

func (a *Adapter) Close() error { return nil }

func (a *Adapter) prepareUpdate(model string, where []store.Where, set store.Record) ([]store.Where, store.Record, error) {
	where, err := a.schema.NormalizeWhere(model, where)
	if err != nil {
		return nil, nil, err
	}
	set, err = a.schema.Normalize(model, set)
	if err != nil {
		return nil, nil, err
	}
	delete(set, "id")
	return where, set, nil
}

// checkUnique must be called with the write lock held. skip is the index of
// the row being replaced, or -1.
func (a *Adapter) checkUnique(model string, rec store.Record, skip int) error {
	for field, f := range a.schema[model] {
		if !f.Unique {
			continue
		}
		v := rec[field]
		if v == nil || v == "" {
			continue
		}
		for i, other := range a.tables[model] {
			if i != skip && equal(other[field], v) {
				return store.ErrAlreadyExists
			}
		}
	}
	return nil
}

func matches(rec store.Record, where []store.Where) bool {
	and, or := store.Split(where)
	for _, w := range and {
		if !eval(rec[w.Field], w) {
			return false
		}
	}
	if len(or) == 0 {
		return true
	}
	return slices.ContainsFunc(or, func(w store.Where) bool { return eval(rec[w.Field], w) })
}

func eval(v any, w store.Where) bool {
	switch w.Operator {
	case store.OpEq:
		return equal(v, w.Value)
	case store.OpNe:
		return !equal(v, w.Value)
	case store.OpLt, store.OpLte, store.OpGt, store.OpGte:
		if v == nil || w.Value == nil {
			return false
		}
		c, ok := compare(v, w.Value)
		if !ok {
			return false
		}
		switch w.Operator {
		case store.OpLt:
			return c < 0
		case store.OpLte:
			return c <= 0
		case store.OpGt:
			return c > 0
		default:
			return c >= 0
		}
	case store.OpIn:
		return slices.ContainsFunc(w.Value.([]any), func(x any) bool { return equal(v, x) })
	case store.OpNotIn:
		return !slices.ContainsFunc(w.Value.([]any), func(x any) bool { return equal(v, x) })
	case store.OpContains:
		switch s := v.(type) {
		case string:
			return strings.Contains(s, w.Value.(string))
		case []string:
			return slices.Contains(s, w.Value.(string))
		}
	case store.OpStartsWith:
		s, ok := v.(string)
		return ok && strings.HasPrefix(s, w.Value.(string))
	case store.OpEndsWith:
		s, ok := v.(string)
		return ok && strings.HasSuffix(s, w.Value.(string))
	}
	return false
}

func equal(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []string:
		y, ok := b.([]string)
		return ok && slices.Equal(x, y)
	case json.RawMessage:
		y, ok := b.(json.RawMessage)
		return ok && bytes.Equal(x, y)
	case string, int64, bool:
		return a == b
	}
	return false
}

// compare orders two normalized values of the same type. Nil sorts first.
func compare(a, b any) (int, bool) {
	switch {
	case a == nil && b == nil:
		return 0, true
	case a == nil:
		return -1, true
	case b == nil:
		return 1, true
	}
	switch x := a.(type) {
	case int64:
		y, ok := b.(int64)
		return cmp.Compare(x, y), ok
	case string:
		y, ok := b.(string)
		return cmp.Compare(x, y), ok
	case time.Time:
		y, ok := b.(time.Time)
		return x.Compare(y), ok
	case bool:
		y, ok := b.(bool)
		switch {
		case x == y:
			return 0, ok
		case !x:
			return -1, ok
		default:
			return 1, ok
		}
	}
	return 0, false
}

func clone(rec store.Record) store.Record {
	out := make(store.Record, len(rec))
	for k, v := range rec {
		switch x := v.(type) {
		case []string:
			out[k] = slices.Clone(x)
		case json.RawMessage:
			out[k] = slices.Clone(x)
		default:
			out[k] = v
		}
	}
	return out
}
