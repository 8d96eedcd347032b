// Package conflict implements last-writer-wins with staleness detection.
//
// Before a local edit is committed, the store's current UpdatedAt for the task
// is compared with the UpdatedAt the edit was based on. If the store copy is
// newer by more than the tolerance, the edit is rejected and the caller must
// reload.
//
// The tolerance is a heuristic. It absorbs clock skew and write-time timestamp
// bumps by the store, which are not genuine concurrent edits. It can still
// admit a small real conflict that lands inside the window, and edits to
// different fields are not merged: the later commit overwrites the earlier one.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tasknest/tasknest/internal/logging"
)

// DefaultTolerance is the window inside which a newer remote UpdatedAt still
// counts as the same logical version.
const DefaultTolerance = 5000 * time.Millisecond

// ErrConflict matches every *ConflictError through errors.Is.
var ErrConflict = errors.New("conflict detected")

// ConflictError reports that the store holds a newer version of a task than
// the local edit was based on.
type ConflictError struct {
	TaskID string
	Local  time.Time
	Remote time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s changed elsewhere (local %s, remote %s)",
		e.TaskID, e.Local.UTC().Format(time.RFC3339Nano), e.Remote.UTC().Format(time.RFC3339Nano))
}

// Is makes errors.Is(err, ErrConflict) true for any ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Decision is the outcome of a staleness comparison.
type Decision int

const (
	Proceed Decision = iota
	Reject
)

func (d Decision) String() string {
	if d == Reject {
		return "reject"
	}
	return "proceed"
}

// Decide applies the staleness rule. A remote timestamp newer than local by
// exactly the tolerance still proceeds.
func Decide(local, remote time.Time, tolerance time.Duration) Decision {
	if remote.Sub(local) > tolerance {
		return Reject
	}
	return Proceed
}

// UpdatedAtSource is the point read the resolver needs from the store.
type UpdatedAtSource interface {
	GetUpdatedAt(ctx context.Context, id string) (time.Time, error)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTolerance overrides DefaultTolerance. Negative values are treated as 0.
func WithTolerance(d time.Duration) Option {
	return func(r *Resolver) {
		if d < 0 {
			d = 0
		}
		r.tolerance = d
	}
}

// WithLogger sets the logger used to report rejected edits.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Resolver) {
		r.logger = logging.OrDiscard(logger)
	}
}

// Resolver checks one task at a time against the store.
type Resolver struct {
	source    UpdatedAtSource
	tolerance time.Duration
	logger    logrus.FieldLogger
}

// New creates a Resolver reading timestamps from source.
func New(source UpdatedAtSource, opts ...Option) *Resolver {
	r := &Resolver{
		source:    source,
		tolerance: DefaultTolerance,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tolerance returns the configured window.
func (r *Resolver) Tolerance() time.Duration {
	return r.tolerance
}

// Check fetches the store's UpdatedAt for taskID and compares it with local.
//
// It returns nil when the edit may proceed and a *ConflictError when it must
// be dropped. Errors from the source, including a not-found error, are
// returned wrapped so the caller can decide what a missing task means.
func (r *Resolver) Check(ctx context.Context, taskID string, local time.Time) error {
	remote, err := r.source.GetUpdatedAt(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to read updated_at for task %s: %w", taskID, err)
	}

	if Decide(local, remote, r.tolerance) == Reject {
		r.logger.WithFields(logrus.Fields{
			"task_id": taskID,
			"local":   local.UnixMilli(),
			"remote":  remote.UnixMilli(),
		}).Info("Rejecting stale edit")
		return &ConflictError{TaskID: taskID, Local: local, Remote: remote}
	}
	return nil
}
