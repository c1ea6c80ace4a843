package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Secondary is an in-process store.SecondaryStorage. Expired keys are
// dropped lazily on read.
type Secondary struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time
}

var _ store.SecondaryStorage = (*Secondary)(nil)

// NewSecondary creates an empty cache. now defaults to time.Now.
func NewSecondary(now func() time.Time) *Secondary {
	if now == nil {
		now = time.Now
	}
	return &Secondary{items: make(map[string]entry), now: now}
}

func (s *Secondary) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return "", store.ErrNotFound
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.items, key)
		return "", store.ErrNotFound
	}
	return e.value, nil
}

// Set stores value under key. A ttl of zero or less never expires.
func (s *Secondary) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = e
	return nil
}

func (s *Secondary) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}
