package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkspaceNotReady is returned when a remote commit was needed while
	// the workspace is still being resolved. The local change was kept; retry
	// after resolution completes.
	ErrWorkspaceNotReady = errors.New("workspace not ready")

	// ErrTaskNotFound is returned for operations on unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrRemoteOperation matches every *RemoteError.
	ErrRemoteOperation = errors.New("remote operation failed")

	// ErrNotSignedIn is returned by operations that need a user.
	ErrNotSignedIn = errors.New("not signed in")

	// ErrNoBackend is returned when signing in without a configured backend.
	ErrNoBackend = errors.New("no backend configured")

	// ErrNotMember is returned when switching to a workspace the user does
	// not belong to.
	ErrNotMember = errors.New("not a member of workspace")

	// ErrUndoExpired and ErrUndoUsed are returned by Undo.Apply.
	ErrUndoExpired = errors.New("undo window has passed")
	ErrUndoUsed    = errors.New("undo already used")
)

// OpKind names the operation a remote call belonged to.
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
	OpDelete
	OpReorder
	OpResolve
	OpFetch
)

func (op OpKind) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpReorder:
		return "reorder"
	case OpResolve:
		return "resolve workspace"
	case OpFetch:
		return "fetch"
	default:
		return "unknown"
	}
}

// RemoteError wraps a backend failure with the operation it interrupted.
// errors.Is(err, store.ErrUnavailable) still reaches the transport error.
type RemoteError struct {
	Op     OpKind
	TaskID string
	Err    error
}

func (e *RemoteError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("failed to %s task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteOperation
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Recovery is what happens to optimistic local state when the remote commit
// fails.
type Recovery int

const (
	// KeepOptimistic leaves the local change in place. The local state is
	// the fallback of record.
	KeepOptimistic Recovery = iota
	// ReloadOnFailure replaces the collection with the store's copy.
	ReloadOnFailure
)

func (r Recovery) String() string {
	if r == ReloadOnFailure {
		return "reload-on-failure"
	}
	return "keep-optimistic"
}

// RecoveryPolicy maps each mutating operation to its failure recovery.
// Conflicts always reload regardless of policy.
type RecoveryPolicy map[OpKind]Recovery

// DefaultRecoveryPolicy keeps phantom creates and edits, and reloads after a
// failed delete or reorder, where a false optimistic state is worse than a
// flicker.
func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		OpCreate:  KeepOptimistic,
		OpUpdate:  KeepOptimistic,
		OpDelete:  ReloadOnFailure,
		OpReorder: ReloadOnFailure,
	}
}

// For returns the recovery for op, KeepOptimistic when unset.
func (p RecoveryPolicy) For(op OpKind) Recovery {
	if r, ok := p[op]; ok {
		return r
	}
	return KeepOptimistic
}

// NoticeLevel grades a user-facing notice.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarning
	NoticeError
)

func (l NoticeLevel) String() string {
	switch l {
	case NoticeWarning:
		return "warning"
	case NoticeError:
		return "error"
	default:
		return "info"
	}
}

// Notice is a message for the user, the equivalent of a toast.
type Notice struct {
	Level   NoticeLevel
	Message string
	TaskID  string
	Err     error
}
