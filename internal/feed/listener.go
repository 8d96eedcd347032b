package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tasknest/tasknest/internal/logging"
	"github.com/tasknest/tasknest/internal/schema"
	"github.com/tasknest/tasknest/internal/store"
)

// Subscriber is the part of store.Store the listener needs.
type Subscriber interface {
	Subscribe(ctx context.Context, workspaceID string, h store.Handler) (store.Unsubscribe, error)
}

// Folder owns the task collection. Fold runs fn against the current
// collection for workspaceID and stores the result when fn reports a change.
// A Folder must drop the call if workspaceID is no longer its active
// workspace.
type Folder interface {
	Fold(workspaceID string, fn func([]*schema.Task) ([]*schema.Task, bool))
}

// Observer is told about every event the listener receives, after it was
// folded.
type Observer func(ev store.ChangeEvent)

// Listener keeps at most one subscription, for the active workspace.
type Listener struct {
	sub      Subscriber
	folder   Folder
	logger   logrus.FieldLogger
	observer Observer
	onLost   func(workspaceID string)

	mu          sync.Mutex
	generation  uint64
	workspaceID string
	unsubscribe store.Unsubscribe
}

// Option configures a Listener.
type Option func(*Listener)

// WithObserver registers fn to see every received event.
func WithObserver(fn Observer) Option {
	return func(l *Listener) { l.observer = fn }
}

// WithLostHandler registers fn to run when the current subscription drops.
// The listener is stopped by then; fn decides whether to start it again.
func WithLostHandler(fn func(workspaceID string)) Option {
	return func(l *Listener) { l.onLost = fn }
}

// NewListener creates a stopped listener.
func NewListener(sub Subscriber, folder Folder, logger logrus.FieldLogger, opts ...Option) *Listener {
	l := &Listener{
		sub:    sub,
		folder: folder,
		logger: logging.OrDiscard(logger).WithField("component", "feed"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start subscribes to workspaceID, tearing down any previous subscription
// first. Events from a superseded subscription are dropped.
func (l *Listener) Start(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		return fmt.Errorf("workspace id is required")
	}

	l.mu.Lock()
	l.stopLocked()
	l.generation++
	gen := l.generation
	l.workspaceID = workspaceID
	l.mu.Unlock()

	unsubscribe, err := l.sub.Subscribe(ctx, workspaceID, func(ev store.ChangeEvent) {
		l.handle(gen, workspaceID, ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to workspace %s: %w", workspaceID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.generation != gen {
		// Superseded while subscribing.
		unsubscribe()
		return nil
	}
	l.unsubscribe = unsubscribe
	l.logger.WithField("workspace_id", workspaceID).Debug("Subscribed to change feed")
	return nil
}

// Stop ends the current subscription, if any.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
	l.generation++
	l.workspaceID = ""
}

// WorkspaceID returns the workspace currently subscribed to.
func (l *Listener) WorkspaceID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.workspaceID
}

func (l *Listener) stopLocked() {
	if l.unsubscribe != nil {
		l.unsubscribe()
		l.unsubscribe = nil
		l.logger.WithField("workspace_id", l.workspaceID).Debug("Unsubscribed from change feed")
	}
}

func (l *Listener) handle(gen uint64, workspaceID string, ev store.ChangeEvent) {
	l.mu.Lock()
	current := l.generation == gen
	if current && ev.Kind == store.EventLost {
		l.stopLocked()
		l.generation++
		l.workspaceID = ""
	}
	l.mu.Unlock()
	if !current {
		return
	}

	if ev.Kind == store.EventLost {
		l.logger.WithField("workspace_id", workspaceID).Warn("Change feed lost")
		if l.onLost != nil {
			l.onLost(workspaceID)
		}
		if l.observer != nil {
			l.observer(ev)
		}
		return
	}

	l.folder.Fold(workspaceID, func(tasks []*schema.Task) ([]*schema.Task, bool) {
		next, changed := Apply(tasks, ev)
		l.logger.WithFields(logrus.Fields{
			"kind":    ev.Kind,
			"task_id": ev.TaskID,
			"changed": changed,
		}).Debug("Folded change event")
		return next, changed
	})

	if l.observer != nil {
		l.observer(ev)
	}
}
