package sqlstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/tasknest/tasknest/internal/store"
)

// subscription delivers events to one handler from its own goroutine.
// The queue is unbounded so a slow handler never blocks a writer.
type subscription struct {
	workspaceID string
	handler     store.Handler

	mu      sync.Mutex
	pending []store.ChangeEvent
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSubscription(workspaceID string, h store.Handler) *subscription {
	return &subscription{
		workspaceID: workspaceID,
		handler:     h,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func (sub *subscription) enqueue(ev store.ChangeEvent) {
	sub.mu.Lock()
	sub.pending = append(sub.pending, ev)
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) run() {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}

		sub.mu.Lock()
		batch := sub.pending
		sub.pending = nil
		sub.mu.Unlock()

		for _, ev := range batch {
			select {
			case <-sub.done:
				return
			default:
			}
			sub.handler(ev)
		}
	}
}

func (sub *subscription) stop() {
	sub.once.Do(func() { close(sub.done) })
}

// Subscribe delivers every change committed to workspaceID to h.
// The subscription ends when the returned function is called or ctx is done.
func (s *Store) Subscribe(ctx context.Context, workspaceID string, h store.Handler) (store.Unsubscribe, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	if h == nil {
		return nil, fmt.Errorf("handler is required")
	}

	sub := newSubscription(workspaceID, h)

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("store is closed: %w", store.ErrUnavailable)
	}
	id := s.nextSub
	s.nextSub++
	if s.subs[workspaceID] == nil {
		s.subs[workspaceID] = make(map[int]*subscription)
	}
	s.subs[workspaceID][id] = sub
	s.mu.Unlock()

	go sub.run()

	unsubscribe := func() {
		s.mu.Lock()
		if byID := s.subs[workspaceID]; byID != nil {
			delete(byID, id)
			if len(byID) == 0 {
				delete(s.subs, workspaceID)
			}
		}
		s.mu.Unlock()
		sub.stop()
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-sub.done:
		}
	}()

	return unsubscribe, nil
}

// Subscribers returns the number of live subscriptions for a workspace.
func (s *Store) Subscribers(workspaceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[workspaceID])
}

// publishLocked fans ev out to the workspace's subscribers. Callers hold s.mu.
// Events for orphan tasks have no workspace and reach nobody.
func (s *Store) publishLocked(ev store.ChangeEvent) {
	if ev.WorkspaceID == "" {
		return
	}
	for _, sub := range s.subs[ev.WorkspaceID] {
		out := ev
		out.Task = ev.Task.Clone()
		sub.enqueue(out)
	}
}
