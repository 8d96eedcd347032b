package cache

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// SlotOp is the kind of change seen on a cache file.
type SlotOp int

const (
	// OpReplaced means the slot was written or renamed into place.
	OpReplaced SlotOp = iota
	// OpRemoved means the slot file was deleted.
	OpRemoved
)

func (op SlotOp) String() string {
	switch op {
	case OpReplaced:
		return "replaced"
	case OpRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// SlotEvent reports that another writer changed a slot of a FileCache.
type SlotEvent struct {
	// Slot is TasksFile or WorkspaceFile.
	Slot string
	Op   SlotOp
}

// Watcher watches a FileCache directory so a process that is not connected
// to a backend can pick up snapshots written by another process.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan SlotEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool
	dir     string
}

// NewWatcher creates a Watcher. It emits nothing until Start is called.
func NewWatcher() (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher: watcher,
		events:  make(chan SlotEvent, 16),
		errors:  make(chan error, 4),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir, normally FileCache.Dir().
func (w *Watcher) Start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running || w.stopped {
		return fmt.Errorf("watcher already started")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve cache directory %s: %w", dir, err)
	}
	if err := w.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch cache directory %s: %w", dir, err)
	}

	w.dir = abs
	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and closes the Events and Errors channels.
// It blocks until the event loop has exited and is safe to call twice.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	wasRunning := w.running
	w.running = false
	w.stopped = true
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	if wasRunning {
		w.wg.Wait()
	}
	close(w.events)
	close(w.errors)

	return nil
}

// Events returns the slot change notifications.
func (w *Watcher) Events() <-chan SlotEvent {
	return w.events
}

// Errors returns watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning reports whether the watcher has been started and not stopped.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if slotEvent, ok := w.convertEvent(event); ok {
				select {
				case w.events <- slotEvent:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a SlotEvent. Temporary files from
// atomic writes and chmod events are ignored.
func (w *Watcher) convertEvent(event fsnotify.Event) (SlotEvent, bool) {
	name := filepath.Base(event.Name)
	if name != TasksFile && name != WorkspaceFile {
		return SlotEvent{}, false
	}
	if filepath.Dir(event.Name) != w.dir {
		abs, err := filepath.Abs(event.Name)
		if err != nil || filepath.Dir(abs) != w.dir {
			return SlotEvent{}, false
		}
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		return SlotEvent{Slot: name, Op: OpReplaced}, true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return SlotEvent{Slot: name, Op: OpRemoved}, true
	default:
		return SlotEvent{}, false
	}
}
