package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
)

// ExpiryTarget names a model and the filter that selects its expired rows.
type ExpiryTarget struct {
	Model string
	Where func(now time.Time) []store.Where
}

// ExpiresBefore selects rows of model whose field is before now.
func ExpiresBefore(model, field string) ExpiryTarget {
	return ExpiryTarget{
		Model: model,
		Where: func(now time.Time) []store.Where { return []store.Where{store.Lt(field, now)} },
	}
}

// CoreExpiryTargets covers the models every deployment has.
func CoreExpiryTargets() []ExpiryTarget {
	return []ExpiryTarget{
		ExpiresBefore(store.ModelSession, "expires_at"),
		ExpiresBefore(store.ModelVerification, "expires_at"),
		ExpiresBefore(store.ModelJWKS, "expires_at"),
	}
}

// HousekeepingService periodically deletes expired sessions, verifications
// and whatever plugin models are registered as targets.
type HousekeepingService struct {
	Adapter  store.Adapter
	Logger   *slog.Logger
	Interval time.Duration
	Targets  []ExpiryTarget
	Now      func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService creates a new housekeeping service with the given interval.
// If interval is 0 or negative, defaults to 1 hour.
func NewHousekeepingService(adapter store.Adapter, logger *slog.Logger, interval time.Duration, targets ...ExpiryTarget) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}

	return &HousekeepingService{
		Adapter:  adapter,
		Logger:   logger,
		Interval: interval,
		Targets:  targets,
		Now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker. Call Stop to shut it down.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval, "targets", len(s.Targets))
}

// Stop blocks until the worker has finished any in-progress cleanup.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on startup
	s.Cleanup(context.Background())

	for {
		select {
		case <-ticker.C:
			s.Cleanup(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Cleanup runs one pass over every target and returns how many rows were
// removed. A failing target is logged and does not stop the others.
func (s *HousekeepingService) Cleanup(ctx context.Context) int {
	now := s.Now()
	var total int
	for _, t := range s.Targets {
		n, err := s.Adapter.DeleteMany(ctx, t.Model, t.Where(now)...)
		if err != nil {
			s.Logger.Error("failed to delete expired rows", "model", t.Model, "error", err)
			continue
		}
		if n > 0 {
			s.Logger.Debug("deleted expired rows", "model", t.Model, "count", n)
		}
		total += n
	}
	s.Logger.Info("housekeeping cleanup completed", "deleted", total)
	return total
}
