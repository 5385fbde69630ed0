// Package expiry periodically expires stale pending redemptions.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/and161185/rewardledger/internal/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs a sweep every five minutes.
const DefaultSchedule = "@every 5m"

// Expirer expires pending redemptions older than olderThan and reports how many.
type Expirer interface {
	ExpirePendingRedemptions(ctx context.Context, olderThan time.Duration) (int, error)
}

// Sweeper runs Expirer on a cron schedule.
type Sweeper struct {
	mu sync.Mutex

	exp       Expirer
	schedule  string
	olderThan time.Duration
	log       *zap.Logger

	cron *cron.Cron
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithSchedule sets the cron spec; robfig/cron descriptors such as "@every 1m" are accepted.
func WithSchedule(spec string) Option { return func(s *Sweeper) { s.schedule = spec } }

// WithOlderThan overrides the expirer's own TTL.
func WithOlderThan(d time.Duration) Option { return func(s *Sweeper) { s.olderThan = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Sweeper) { s.log = l } }

// New constructs a stopped Sweeper.
func New(exp Expirer, opts ...Option) *Sweeper {
	s := &Sweeper{exp: exp, schedule: DefaultSchedule, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start schedules sweeps until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sweeper already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { _, _ = s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("parse schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("expiry sweeper started", zap.String("schedule", s.schedule))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("expiry sweeper stopped")
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	n, err := s.exp.ExpirePendingRedemptions(ctx, s.olderThan)
	if err != nil {
		s.log.Error("expiry sweep failed", zap.Error(err))
		return 0, err
	}
	metrics.AddExpired(n)
	s.log.Debug("expiry sweep done", zap.Int("expired", n))
	return n, nil
}
