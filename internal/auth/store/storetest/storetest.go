// Package storetest holds the behaviour every store.Adapter must share.
// Driver packages run it from their own tests.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
)

// Factory returns a fresh, empty adapter built over store.CoreSchema().
type Factory func(t *testing.T) store.Adapter

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises a against the adapter contract.
func Run(t *testing.T, newAdapter Factory) {
	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, newAdapter(t)) })
	t.Run("Unique", func(t *testing.T) { testUnique(t, newAdapter(t)) })
	t.Run("Operators", func(t *testing.T) { testOperators(t, newAdapter(t)) })
	t.Run("Connectors", func(t *testing.T) { testConnectors(t, newAdapter(t)) })
	t.Run("FindManyPaging", func(t *testing.T) { testFindManyPaging(t, newAdapter(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newAdapter(t)) })
	t.Run("ConditionalUpdateRace", func(t *testing.T) { testConditionalUpdateRace(t, newAdapter(t)) })
	t.Run("DeleteMany", func(t *testing.T) { testDeleteMany(t, newAdapter(t)) })
	t.Run("UnknownField", func(t *testing.T) { testUnknownField(t, newAdapter(t)) })
}

func seedSessions(t *testing.T, a store.Adapter, n int) {
	t.Helper()
	ctx := context.Background()
	for i := range n {
		_, err := a.Create(ctx, store.ModelSession, store.Record{
			"token":      "tok-" + string(rune('a'+i)),
			"user_id":    []string{"u1", "u2"}[i%2],
			"expires_at": base.Add(time.Duration(i) * time.Hour),
			"user_agent": []string{"Mozilla/5.0 Firefox", "curl/8.0", "Mozilla/5.0 Safari"}[i%3],
			"created_at": base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
}

func testCreateAndFind(t *testing.T, a store.Adapter) {
	ctx := context.Background()

	created, err := a.Create(ctx, store.ModelUser, store.Record{
		"name":           "Ada",
		"email":          "ada@example.com",
		"email_verified": true,
		"created_at":     base.Add(123 * time.Microsecond),
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.Str("id"))

	got, err := a.FindOne(ctx, store.ModelUser, store.Eq("email", "ada@example.com"))
	require.NoError(t, err)
	require.Equal(t, created.Str("id"), got.Str("id"))
	require.Equal(t, "Ada", got.Str("name"))
	require.True(t, got.Bool("email_verified"))
	require.True(t, base.Equal(got.Time("created_at")), "dates are kept to the millisecond")
	require.Nil(t, got.TimePtr("updated_at"))

	_, err = a.FindOne(ctx, store.ModelUser, store.Eq("email", "nobody@example.com"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testUnique(t *testing.T, a store.Adapter) {
	ctx := context.Background()

	_, err := a.Create(ctx, store.ModelUser, store.Record{"email": "dup@example.com"})
	require.NoError(t, err)
	_, err = a.Create(ctx, store.ModelUser, store.Record{"email": "dup@example.com"})
	require.ErrorIs(t, err, store.ErrAlreadyExists)
}

func testOperators(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	seedSessions(t, a, 6)

	tests := []struct {
		name  string
		where []store.Where
		want  int
	}{
		{"eq", []store.Where{store.Eq("user_id", "u1")}, 3},
		{"ne", []store.Where{store.Ne("user_id", "u1")}, 3},
		{"lt", []store.Where{store.Lt("expires_at", base.Add(2*time.Hour))}, 2},
		{"lte", []store.Where{store.Lte("expires_at", base.Add(2*time.Hour))}, 3},
		{"gt", []store.Where{store.Gt("expires_at", base.Add(2*time.Hour))}, 3},
		{"gte", []store.Where{store.Gte("expires_at", base.Add(2*time.Hour))}, 4},
		{"in", []store.Where{store.In("token", "tok-a", "tok-c", "missing")}, 2},
		{"not_in", []store.Where{store.NotIn("token", "tok-a", "tok-c")}, 4},
		{"empty in", []store.Where{store.In[string]("token")}, 0},
		{"contains", []store.Where{{Field: "user_agent", Operator: store.OpContains, Value: "Mozilla"}}, 4},
		{"starts_with", []store.Where{{Field: "user_agent", Operator: store.OpStartsWith, Value: "curl"}}, 2},
		{"ends_with", []store.Where{{Field: "user_agent", Operator: store.OpEndsWith, Value: "Safari"}}, 2},
		{"eq nil", []store.Where{store.Eq("ip_address", nil)}, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := a.Count(ctx, store.ModelSession, tt.where...)
			require.NoError(t, err)
			require.Equal(t, tt.want, n)
		})
	}
}

func testConnectors(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	seedSessions(t, a, 6)

	// user u1 AND (tok-a OR tok-b OR tok-c): tok-b is u2.
	n, err := a.Count(ctx, store.ModelSession,
		store.Eq("user_id", "u1"),
		store.AnyOf(store.Eq("token", "tok-a")),
		store.AnyOf(store.Eq("token", "tok-b")),
		store.AnyOf(store.Eq("token", "tok-c")),
	)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = a.Count(ctx, store.ModelSession,
		store.AnyOf(store.Eq("token", "tok-a")),
		store.AnyOf(store.Eq("token", "tok-f")),
	)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func testFindManyPaging(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	seedSessions(t, a, 6)

	recs, err := a.FindMany(ctx, store.ModelSession, store.Query{SortBy: "created_at", Desc: true, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "tok-e", recs[0].Str("token"))
	require.Equal(t, "tok-d", recs[1].Str("token"))

	recs, err = a.FindMany(ctx, store.ModelSession, store.Query{Where: []store.Where{store.Eq("user_id", "u2")}, SortBy: "expires_at"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "tok-b", recs[0].Str("token"))
}

func testUpdate(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	seedSessions(t, a, 2)

	later := base.Add(48 * time.Hour)
	rec, err := a.Update(ctx, store.ModelSession, []store.Where{store.Eq("token", "tok-a")}, store.Set("expires_at", later))
	require.NoError(t, err)
	require.True(t, later.Equal(rec.Time("expires_at")))
	require.Equal(t, "u1", rec.Str("user_id"))

	_, err = a.Update(ctx, store.ModelSession, []store.Where{store.Eq("token", "missing")}, store.Set("expires_at", later))
	require.ErrorIs(t, err, store.ErrNotFound)

	n, err := a.UpdateMany(ctx, store.ModelSession, nil, store.Set("ip_address", "10.0.0.1"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = a.Count(ctx, store.ModelSession, store.Eq("ip_address", "10.0.0.1"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func testConditionalUpdateRace(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	u, err := a.Create(ctx, store.ModelUser, store.Record{"email": "race@example.com", "email_verified": false})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			_, err := a.Update(ctx, store.ModelUser,
				[]store.Where{store.Eq("id", u.Str("id")), store.Eq("email_verified", false)},
				store.Set("email_verified", true))
			if err == nil {
				wins.Add(1)
			}
		})
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func testDeleteMany(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	seedSessions(t, a, 4)

	n, err := a.DeleteMany(ctx, store.ModelSession, store.Eq("token", "tok-a"))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = a.DeleteMany(ctx, store.ModelSession, store.Eq("token", "tok-a"))
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, a.Delete(ctx, store.ModelSession, store.Eq("user_id", "u2")))
	n, err = a.Count(ctx, store.ModelSession)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func testUnknownField(t *testing.T, a store.Adapter) {
	ctx := context.Background()
	_, err := a.FindOne(ctx, store.ModelUser, store.Eq("password_hash", "x"))
	require.ErrorIs(t, err, store.ErrUnknownField)
	_, err = a.Create(ctx, "widget", store.Record{})
	require.ErrorIs(t, err, store.ErrUnknownModel)
}
