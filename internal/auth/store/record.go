package store

import (
	"encoding/json"
	"time"
)

// Str returns the string at k or "".
func (r Record) Str(k string) string {
	s, _ := r[k].(string)
	return s
}

// Int returns the number at k or 0.
func (r Record) Int(k string) int64 {
	switch n := r[k].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// Bool returns the boolean at k or false.
func (r Record) Bool(k string) bool {
	b, _ := r[k].(bool)
	return b
}

// Time returns the date at k or the zero time.
func (r Record) Time(k string) time.Time {
	t, _ := r[k].(time.Time)
	return t
}

// TimePtr returns the date at k or nil when unset.
func (r Record) TimePtr(k string) *time.Time {
	t, ok := r[k].(time.Time)
	if !ok {
		return nil
	}
	return &t
}

// Strings returns the string list at k or nil.
func (r Record) Strings(k string) []string {
	l, _ := r[k].([]string)
	return l
}

// DecodeJSON unmarshals the json field at k into v. A missing value leaves v
// untouched.
func (r Record) DecodeJSON(k string, v any) error {
	raw, ok := r[k].(json.RawMessage)
	if !ok || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Set is the update payload builder.
func Set(kv ...any) Record {
	r := make(Record, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		r[kv[i].(string)] = kv[i+1]
	}
	return r
}

// optTime maps a nil pointer to an untyped nil so Normalize stores NULL.
func optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
