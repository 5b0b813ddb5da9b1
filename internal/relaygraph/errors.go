package relaygraph

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAuthExpired       = errors.New("auth expired")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrRateLimited       = errors.New("rate limited")
	ErrStorageFailure    = errors.New("storage failure")
	ErrMalformedNode     = errors.New("malformed node")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrClosed            = errors.New("closed")
)

// SyncError is returned by Engine.Sync. Kind is one of the sentinel errors above.
type SyncError struct {
	WorkspaceID string
	Kind        error
	RetryAfter  time.Duration
	Err         error
}

func (e *SyncError) Error() string {
	if e.Err == nil || e.Err == e.Kind {
		return fmt.Sprintf("sync %s: %v", e.WorkspaceID, e.Kind)
	}
	return fmt.Sprintf("sync %s: %v: %v", e.WorkspaceID, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether the trigger may retry the same sync later.
func (e *SyncError) Retryable() bool {
	switch e.Kind {
	case ErrRemoteUnavailable, ErrRateLimited, ErrStorageFailure:
		return true
	default:
		return false
	}
}

// RemoteError is how a RemoteWorkspaceClient reports a classified failure.
type RemoteError struct {
	Kind       error
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%v: status=%d %s", e.Kind, e.StatusCode, e.Message)
	}
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == e.Kind
}

type MalformedNodeError struct {
	NodeID string
	Reason string
}

func (e *MalformedNodeError) Error() string {
	if e.NodeID == "" {
		return "malformed node: " + e.Reason
	}
	return fmt.Sprintf("malformed node %s: %s", e.NodeID, e.Reason)
}

func (e *MalformedNodeError) Is(target error) bool {
	return target == ErrMalformedNode
}

func classifyRemoteError(workspaceID string, err error) *SyncError {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return &SyncError{WorkspaceID: workspaceID, Kind: remoteErr.Kind, RetryAfter: remoteErr.RetryAfter, Err: err}
	}
	switch {
	case errors.Is(err, ErrAuthExpired):
		return &SyncError{WorkspaceID: workspaceID, Kind: ErrAuthExpired, Err: err}
	case errors.Is(err, ErrRateLimited):
		return &SyncError{WorkspaceID: workspaceID, Kind: ErrRateLimited, Err: err}
	default:
		return &SyncError{WorkspaceID: workspaceID, Kind: ErrRemoteUnavailable, Err: err}
	}
}
