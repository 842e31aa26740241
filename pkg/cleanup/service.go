// Package cleanup provides periodic expiry of in-memory state.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/fathomlabs/fathom/pkg/cache"
	"github.com/fathomlabs/fathom/pkg/jobs"
	"github.com/fathomlabs/fathom/pkg/ratelimit"
)

// How long an accepted deep job may wait for its stream connection before
// it is considered abandoned. Matches the longest cache TTL.
const maxJobAge = 30 * time.Minute

// Service periodically sweeps in-memory state that otherwise only expires
// lazily:
//   - cached research results past their TTL
//   - rate-limit windows of clients that went quiet
//   - deep jobs nobody ever connected to
//
// All sweeps are idempotent.
type Service struct {
	interval time.Duration
	cache    *cache.Cache
	limiters []*ratelimit.Limiter
	registry *jobs.Registry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service sweeping the given targets.
func NewService(
	interval time.Duration,
	resultCache *cache.Cache,
	registry *jobs.Registry,
	limiters ...*ratelimit.Limiter,
) *Service {
	return &Service{
		interval: interval,
		cache:    resultCache,
		limiters: limiters,
		registry: registry,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started", "interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll()
		}
	}
}

func (s *Service) runAll() {
	s.sweepCache()
	s.sweepLimiters()
	s.sweepJobs()
}

func (s *Service) sweepCache() {
	if count := s.cache.Sweep(); count > 0 {
		slog.Info("Cleanup: dropped expired cache entries", "count", count)
	}
}

func (s *Service) sweepLimiters() {
	total := 0
	for _, l := range s.limiters {
		total += l.Sweep()
	}
	if total > 0 {
		slog.Info("Cleanup: dropped idle rate-limit windows", "count", total)
	}
}

func (s *Service) sweepJobs() {
	if count := s.registry.SweepOlderThan(maxJobAge); count > 0 {
		slog.Info("Cleanup: dropped abandoned deep jobs", "count", count)
	}
}
