package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tasknest/tasknest/internal/logging"
)

const (
	// DefaultRetention is how long completed tasks are kept.
	DefaultRetention = 30 * 24 * time.Hour

	// DefaultSweepInterval is how often the sweeper runs.
	DefaultSweepInterval = time.Hour
)

// Purger deletes tasks completed before a cutoff.
type Purger interface {
	PurgeCompleted(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper periodically purges old completed tasks. Deletions go out on the
// change feed like any other delete.
type Sweeper struct {
	purger    Purger
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    logrus.FieldLogger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithRetention sets how long completed tasks survive.
func WithRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithInterval sets the time between sweeps.
func WithInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweeperClock overrides the clock, for tests.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// WithSweeperLogger sets the logger.
func WithSweeperLogger(logger logrus.FieldLogger) SweeperOption {
	return func(s *Sweeper) { s.logger = logging.OrDiscard(logger) }
}

// NewSweeper creates a sweeper over purger.
func NewSweeper(purger Purger, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		purger:    purger,
		retention: DefaultRetention,
		interval:  DefaultSweepInterval,
		now:       time.Now,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "sweeper")
	return s
}

// SweepOnce purges tasks completed before now minus the retention.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.purger.PurgeCompleted(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed tasks: %w", err)
	}
	if n > 0 {
		s.logger.WithFields(logrus.Fields{
			"purged": n,
			"cutoff": cutoff.Format(time.RFC3339),
		}).Info("Purged completed tasks")
	}
	return n, nil
}

// Run sweeps once immediately and then every interval until ctx ends.
// Sweep errors are logged and do not stop the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("Sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
