package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record matches. For Update it is also
	// the signal that a conditional write lost its race.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyExists is returned when a unique field would be duplicated.
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrUnknownModel is returned for a model absent from the schema.
	ErrUnknownModel = errors.New("store: unknown model")
	// ErrUnknownField is returned for a field absent from the model.
	ErrUnknownField = errors.New("store: unknown field")
)

// Record is one row of a model keyed by field name. Values handed back by an
// Adapter are normalized (see Normalize).
type Record map[string]any

// Query narrows FindMany.
type Query struct {
	Where  []Where
	Limit  int
	Offset int
	SortBy string
	Desc   bool
}

// Adapter is the generic persistence boundary. The engine addresses every
// model by name and never sees a concrete database.
type Adapter interface {
	// Create inserts data, assigning an id when none is set, and returns the
	// stored record.
	Create(ctx context.Context, model string, data Record) (Record, error)
	FindOne(ctx context.Context, model string, where ...Where) (Record, error)
	FindMany(ctx context.Context, model string, q Query) ([]Record, error)
	// Update applies set to the first record matching where and returns it.
	// The match and the write are atomic, so a where clause on the current
	// value is a compare-and-swap.
	Update(ctx context.Context, model string, where []Where, set Record) (Record, error)
	UpdateMany(ctx context.Context, model string, where []Where, set Record) (int, error)
	Delete(ctx context.Context, model string, where ...Where) error
	// DeleteMany removes every match and reports how many were removed. A
	// count of one is how single-use values are consumed.
	DeleteMany(ctx context.Context, model string, where ...Where) (int, error)
	Count(ctx context.Context, model string, where ...Where) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Transactor is implemented by adapters that can run several operations in
// one transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(tx Adapter) error) error
}

// WithTx runs fn inside a transaction when a supports one and directly on a
// otherwise.
func WithTx(ctx context.Context, a Adapter, fn func(tx Adapter) error) error {
	if t, ok := a.(Transactor); ok {
		return t.WithTx(ctx, fn)
	}
	return fn(a)
}

// SecondaryStorage is a key/value cache with expiry, used for session reads.
type SecondaryStorage interface {
	// Get returns ErrNotFound for a missing or expired key.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
