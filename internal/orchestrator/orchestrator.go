// Package orchestrator is the single entry point the user interface talks to.
//
// It owns the task collection, the active workspace and the session state
// machine:
//
//	Unauthenticated  operations touch only the local cache
//	Resolving        signed in, workspace being resolved; remote commits
//	                 return ErrWorkspaceNotReady after the local change
//	Synced           workspace bound, collection fetched, feed subscribed
//
// Every operation updates local state and the cache first, then commits to
// the backend through the conflict resolver. What happens to the optimistic
// change when the commit fails is decided by the RecoveryPolicy table.
//
// State is guarded by one mutex that is never held across a backend call.
// Results of a backend call are folded into whatever the state is when the
// call returns, never into a copy taken before it.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tasknest/tasknest/internal/cache"
	"github.com/tasknest/tasknest/internal/conflict"
	"github.com/tasknest/tasknest/internal/feed"
	"github.com/tasknest/tasknest/internal/logging"
	"github.com/tasknest/tasknest/internal/schema"
	"github.com/tasknest/tasknest/internal/session"
	"github.com/tasknest/tasknest/internal/store"
)

// State is the session state.
type State int

const (
	StateUnauthenticated State = iota
	StateResolving
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateSynced:
		return "synced"
	default:
		return "unauthenticated"
	}
}

// DefaultUndoWindow is how long a completion toggle can be undone.
const DefaultUndoWindow = 5 * time.Second

// Config tunes the orchestrator.
type Config struct {
	// ConflictTolerance is the staleness window of the conflict resolver.
	ConflictTolerance time.Duration
	// UndoWindow bounds Undo.Apply after ToggleCompletion.
	UndoWindow time.Duration
	// Recovery maps operations to their failure recovery.
	Recovery RecoveryPolicy
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		ConflictTolerance: conflict.DefaultTolerance,
		UndoWindow:        DefaultUndoWindow,
		Recovery:          DefaultRecoveryPolicy(),
	}
}

// Deps are the collaborators. Backend may be nil for local-only use.
type Deps struct {
	Cache   cache.Cache
	Backend store.Backend
	Session session.Provider
	Logger  logrus.FieldLogger
	// Now defaults to time.Now.
	Now func() time.Time
	// NewID defaults to schema.NewID.
	NewID func() string
}

// Draft is the user input for a new task.
type Draft struct {
	Title      string
	Details    string
	Type       schema.TaskType
	IsPriority bool
	Tags       []string
	DueDate    *time.Time
	AssignedTo string
}

// Orchestrator coordinates cache, backend, conflict resolver and feed.
type Orchestrator struct {
	cfg      Config
	backend  store.Backend
	session  session.Provider
	logger   logrus.FieldLogger
	now      func() time.Time
	newID    func() string
	resolver *conflict.Resolver
	listener *feed.Listener

	// transition serializes sign-in, sign-out, workspace switches and
	// refreshes. It may be held across backend calls; mu may not.
	transition sync.Mutex

	mu          sync.Mutex
	state       State
	closed      bool
	userID      string
	workspaceID string
	tasks       []*schema.Task
	seq         uint64
	// fetches holds one log per reload in flight. Feed folds are recorded
	// in each so they can be replayed onto the fetched snapshot.
	fetches []*foldLog

	cacheMu  sync.Mutex
	cache    cache.Cache
	savedSeq uint64
	degraded bool

	obsMu        sync.Mutex
	nextObs      int
	workspaceObs map[int]func(string)
	tasksObs     map[int]func([]*schema.Task)
	noticeObs    map[int]func(Notice)
	stateObs     map[int]func(State)
	feedObs      map[int]func(store.ChangeEvent)
}

// New creates an orchestrator in the Unauthenticated state. Call Start to
// load the cache and restore the session.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Recovery == nil {
		cfg.Recovery = DefaultRecoveryPolicy()
	}
	if cfg.UndoWindow <= 0 {
		cfg.UndoWindow = DefaultUndoWindow
	}

	o := &Orchestrator{
		cfg:          cfg,
		backend:      deps.Backend,
		session:      deps.Session,
		logger:       logging.OrDiscard(deps.Logger).WithField("component", "orchestrator"),
		now:          deps.Now,
		newID:        deps.NewID,
		cache:        deps.Cache,
		tasks:        []*schema.Task{},
		workspaceObs: make(map[int]func(string)),
		tasksObs:     make(map[int]func([]*schema.Task)),
		noticeObs:    make(map[int]func(Notice)),
		stateObs:     make(map[int]func(State)),
		feedObs:      make(map[int]func(store.ChangeEvent)),
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = schema.NewID
	}
	if o.cache == nil {
		o.cache = cache.NewMemoryCache()
	}
	if o.session == nil {
		o.session = session.NewStatic("")
	}
	if o.backend != nil {
		o.resolver = conflict.New(o.backend,
			conflict.WithTolerance(cfg.ConflictTolerance),
			conflict.WithLogger(deps.Logger))
		o.listener = feed.NewListener(o.backend, o, deps.Logger,
			feed.WithObserver(o.emitFeedEvent),
			feed.WithLostHandler(o.feedLost))
	}
	return o
}

// Close ends the feed subscription. The cache and backend belong to the
// caller.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	if o.listener != nil {
		o.listener.Stop()
	}
}

// State returns the current session state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// UserID returns the signed-in user, or "".
func (o *Orchestrator) UserID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.userID
}

// WorkspaceID returns the bound workspace, or "".
func (o *Orchestrator) WorkspaceID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workspaceID
}

// Tasks returns a snapshot of the collection in display order.
func (o *Orchestrator) Tasks() []*schema.Task {
	o.mu.Lock()
	snapshot := schema.CloneAll(o.tasks)
	o.mu.Unlock()
	schema.SortForDisplay(snapshot)
	return snapshot
}

// Task returns a copy of one task.
func (o *Orchestrator) Task(id string) (*schema.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i := schema.IndexOf(o.tasks, id); i >= 0 {
		return o.tasks[i].Clone(), true
	}
	return nil, false
}

// CacheDegraded reports whether the durable cache failed and the session
// runs on an in-memory cache.
func (o *Orchestrator) CacheDegraded() bool {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	return o.degraded
}

// Fold implements feed.Folder. Events for a workspace other than the bound
// one are dropped.
func (o *Orchestrator) Fold(workspaceID string, fn func([]*schema.Task) ([]*schema.Task, bool)) {
	o.mutate(func(tasks []*schema.Task) ([]*schema.Task, bool) {
		if o.state == StateUnauthenticated || o.workspaceID != workspaceID {
			return tasks, false
		}
		for _, l := range o.fetches {
			if l.workspaceID == workspaceID {
				l.folds = append(l.folds, fn)
			}
		}
		return fn(tasks)
	})
}

// foldLog records the feed folds seen while one reload is fetching.
type foldLog struct {
	workspaceID string
	folds       []func([]*schema.Task) ([]*schema.Task, bool)
}

// replay runs the recorded folds, in order, against tasks.
func (l *foldLog) replay(tasks []*schema.Task) []*schema.Task {
	for _, fn := range l.folds {
		if next, changed := fn(tasks); changed {
			tasks = next
		}
	}
	return tasks
}

// endFetchLocked stops recording into l. Callers hold o.mu.
func (o *Orchestrator) endFetchLocked(l *foldLog) {
	for i, cur := range o.fetches {
		if cur == l {
			o.fetches = append(o.fetches[:i:i], o.fetches[i+1:]...)
			return
		}
	}
}

// mutate is the single state-update path. fn runs under o.mu and may read
// other guarded fields. A changed collection is cached and announced.
func (o *Orchestrator) mutate(fn func([]*schema.Task) ([]*schema.Task, bool)) bool {
	return o.commit(fn, true)
}

func (o *Orchestrator) commit(fn func([]*schema.Task) ([]*schema.Task, bool), persist bool) bool {
	o.mu.Lock()
	next, changed := fn(o.tasks)
	if !changed {
		o.mu.Unlock()
		return false
	}
	if next == nil {
		next = []*schema.Task{}
	}
	o.tasks = next
	o.seq++
	seq := o.seq
	snapshot := schema.CloneAll(next)
	o.mu.Unlock()

	if persist {
		o.persist(seq, snapshot)
	}
	schema.SortForDisplay(snapshot)
	o.emitTasks(snapshot)
	return true
}

// persist saves snapshot unless a newer one was saved already.
func (o *Orchestrator) persist(seq uint64, snapshot []*schema.Task) {
	o.cacheMu.Lock()
	var notice *Notice
	if seq > o.savedSeq {
		o.savedSeq = seq
		if err := o.cache.Save(context.Background(), snapshot); err != nil {
			notice = o.degradeLocked(err, snapshot)
		}
	}
	o.cacheMu.Unlock()
	o.emitDegraded(notice)
}

// degradeLocked swaps in a MemoryCache after a durable cache failure and
// returns the notice to emit once cacheMu is released. It returns nil when
// the cache was already degraded. Callers hold cacheMu.
func (o *Orchestrator) degradeLocked(err error, snapshot []*schema.Task) *Notice {
	if o.degraded {
		return nil
	}
	o.degraded = true
	o.logger.WithError(err).Warn("Local cache unavailable, continuing in memory")

	mem := cache.NewMemoryCache()
	_ = mem.Save(context.Background(), snapshot)
	if ws, werr := o.cache.LoadWorkspace(context.Background()); werr == nil {
		_ = mem.SaveWorkspace(context.Background(), ws)
	}
	o.cache = mem

	return &Notice{
		Level:   NoticeWarning,
		Message: "Local storage is unavailable; changes are kept in memory for this session",
		Err:     err,
	}
}

func (o *Orchestrator) emitDegraded(n *Notice) {
	if n != nil {
		o.emitNotice(*n)
	}
}

func (o *Orchestrator) loadCache(ctx context.Context) ([]*schema.Task, string) {
	o.cacheMu.Lock()
	var notice *Notice
	tasks, err := o.cache.Load(ctx)
	if err != nil {
		notice = o.degradeLocked(err, tasks)
	}
	ws, err := o.cache.LoadWorkspace(ctx)
	if err != nil {
		if n := o.degradeLocked(err, tasks); n != nil {
			notice = n
		}
		ws = ""
	}
	o.cacheMu.Unlock()
	o.emitDegraded(notice)
	return tasks, ws
}

func (o *Orchestrator) loadCachedWorkspace(ctx context.Context) string {
	o.cacheMu.Lock()
	ws, err := o.cache.LoadWorkspace(ctx)
	var notice *Notice
	if err != nil {
		notice = o.degradeLocked(err, o.Tasks())
		ws = ""
	}
	o.cacheMu.Unlock()
	o.emitDegraded(notice)
	return ws
}

func (o *Orchestrator) saveWorkspace(ctx context.Context, id string) {
	o.cacheMu.Lock()
	var notice *Notice
	if err := o.cache.SaveWorkspace(ctx, id); err != nil {
		notice = o.degradeLocked(err, o.Tasks())
		_ = o.cache.SaveWorkspace(ctx, id)
	}
	o.cacheMu.Unlock()
	o.emitDegraded(notice)
}

// remoteReadyLocked reports whether a commit can go to the backend, and the
// workspace it would go to. "" with a nil error means local-only. Callers
// hold o.mu.
func (o *Orchestrator) remoteReadyLocked() (string, error) {
	switch {
	case o.state == StateUnauthenticated || o.backend == nil:
		return "", nil
	case o.state == StateResolving:
		return "", ErrWorkspaceNotReady
	default:
		return o.workspaceID, nil
	}
}

// isCurrent reports whether ws is still the bound workspace of a signed-in
// session.
func (o *Orchestrator) isCurrent(ws string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state != StateUnauthenticated && o.workspaceID == ws
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	changed := o.state != s
	o.state = s
	o.mu.Unlock()
	if changed {
		o.logger.WithField("state", s).Debug("State changed")
		o.emitState(s)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
