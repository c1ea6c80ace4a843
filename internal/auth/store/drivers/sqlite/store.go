// Package sqlite implements store.Adapter on SQLite (modernc.org/sqlite, no
// cgo). Models map to tables of the same name and fields to columns.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db     *sql.DB
	q      querier
	schema store.Schema
}

var (
	_ store.Adapter    = (*Store)(nil)
	_ store.Transactor = (*Store)(nil)
)

// NewStore opens dsn. Callers run ApplyMigrations before first use.
func NewStore(dsn string, schema store.Schema) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// SQLite has a single writer. One connection keeps ":memory:" databases
	// shared and turns lock contention into pool waits instead of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, q: db, schema: schema}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a transaction, committing when fn returns nil.
// The adapter handed to fn must not start another transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Adapter) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(&Store{q: tx, schema: s.schema}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Create(ctx context.Context, model string, data store.Record) (store.Record, error) {
	rec, err := s.schema.PrepareCreate(model, data)
	if err != nil {
		return nil, err
	}

	cols := slices.Sorted(maps.Keys(rec))
	names := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = quote(c)
		if args[i], err = encode(rec[c]); err != nil {
			return nil, err
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		quote(model), strings.Join(names, ", "), placeholders(len(cols)))
	return s.queryOne(ctx, model, query, args)
}

func (s *Store) FindOne(ctx context.Context, model string, where ...store.Where) (store.Record, error) {
	clause, args, err := s.where(model, where)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT * FROM %s%s LIMIT 1", quote(model), clause)
	return s.queryOne(ctx, model, query, args)
}

func (s *Store) FindMany(ctx context.Context, model string, q store.Query) ([]store.Record, error) {
	clause, args, err := s.where(model, q.Where)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s%s", quote(model), clause)
	if q.SortBy != "" {
		if _, err := s.schema.Field(model, q.SortBy); err != nil {
			return nil, err
		}
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s, rowid %s", quote(q.SortBy), dir, dir)
	}
	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = -1
		}
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, limit, q.Offset)
	}

	rows, err := s.q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	return s.scan(model, rows)
}

// Update rewrites the first matching row. Selecting and writing happen in a
// single statement, so a condition on the current value is a
// compare-and-swap.
func (s *Store) Update(ctx context.Context, model string, where []store.Where, set store.Record) (store.Record, error) {
	assign, setArgs, err := s.assignments(model, set)
	if err != nil {
		return nil, err
	}
	clause, args, err := s.where(model, where)
	if err != nil {
		return nil, err
	}
	if assign == "" {
		return s.FindOne(ctx, model, where...)
	}

	query := fmt.Sprintf("UPDATE %[1]s SET %[2]s WHERE rowid = (SELECT rowid FROM %[1]s%[3]s LIMIT 1) RETURNING *",
		quote(model), assign, clause)
	return s.queryOne(ctx, model, query, append(setArgs, args...))
}

func (s *Store) UpdateMany(ctx context.Context, model string, where []store.Where, set store.Record) (int, error) {
	assign, setArgs, err := s.assignments(model, set)
	if err != nil {
		return 0, err
	}
	clause, args, err := s.where(model, where)
	if err != nil {
		return 0, err
	}
	if assign == "" {
		return s.Count(ctx, model, where...)
	}

	query := fmt.Sprintf("UPDATE %s SET %s%s", quote(model), assign, clause)
	return s.exec(ctx, query, append(setArgs, args...))
}

func (s *Store) Delete(ctx context.Context, model string, where ...store.Where) error {
	_, err := s.DeleteMany(ctx, model, where...)
	return err
}

func (s *Store) DeleteMany(ctx context.Context, model string, where ...store.Where) (int, error) {
	clause, args, err := s.where(model, where)
	if err != nil {
		return 0, err
	}
	return s.exec(ctx, fmt.Sprintf("DELETE FROM %s%s", quote(model), clause), args)
}

func (s *Store) Count(ctx context.Context, model string, where ...store.Where) (int, error) {
	clause, args, err := s.where(model, where)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.q.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s%s", quote(model), clause), args...).Scan(&n)
	return n, err
}

func (s *Store) assignments(model string, set store.Record) (string, []any, error) {
	rec, err := s.schema.Normalize(model, set)
	if err != nil {
		return "", nil, err
	}
	delete(rec, "id")

	cols := slices.Sorted(maps.Keys(rec))
	parts := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		parts[i] = quote(c) + " = ?"
		if args[i], err = encode(rec[c]); err != nil {
			return "", nil, err
		}
	}
	return strings.Join(parts, ", "), args, nil
}

func (s *Store) queryOne(ctx context.Context, model, query string, args []any) (store.Record, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapConstraint(err)
	}
	recs, err := s.scan(model, rows)
	if err != nil {
		return nil, mapConstraint(err)
	}
	if len(recs) == 0 {
		return nil, store.ErrNotFound
	}
	return recs[0], nil
}

func (s *Store) exec(ctx context.Context, query string, args []any) (int, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapConstraint(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) scan(model string, rows *sql.Rows) ([]store.Record, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []store.Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(store.Record, len(cols))
		for i, c := range cols {
			f, err := s.schema.Field(model, c)
			if err != nil {
				continue
			}
			if rec[c], err = decode(f.Type, vals[i]); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", model, c, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func mapConstraint(err error) error {
	var se *msqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			(code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")) {
			return fmt.Errorf("%w: %s", store.ErrAlreadyExists, se.Error())
		}
	}
	return err
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
