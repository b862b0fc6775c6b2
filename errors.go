package chatsync

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors classifying every failure the engine can surface. The UI
// distinguishes "chat unavailable for this project" from "temporarily
// disconnected, retrying" from "your message failed to send" by matching
// these with errors.Is.
var (
	// ErrUnauthenticated means no (or an invalid) auth token. Terminal;
	// the user must re-authenticate.
	ErrUnauthenticated = errors.New("login required")
	// ErrNotProvisioned means the backend answered 404 for this project:
	// chat is not available for the conversation. Terminal, never retried.
	ErrNotProvisioned = errors.New("chat not provisioned for project")
	// ErrTransport is a socket or network failure. Retried with backoff
	// and only surfaced once the retry budget is exhausted.
	ErrTransport = errors.New("transport failure")
	// ErrSendFailed means a specific message exhausted its send retries.
	// Localized to that message; the session stays up.
	ErrSendFailed = errors.New("message send failed")
	// ErrValidation means the message content was rejected before any
	// network call (empty or over the length limit).
	ErrValidation = errors.New("invalid message content")
)

// SyncError wraps an underlying cause with one of the sentinel kinds so
// callers can classify it with errors.Is while keeping the cause chain.
type SyncError struct {
	Kind error
	Err  error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Err.Error())
}

func (e *SyncError) Is(target error) bool { return target == e.Kind }

func (e *SyncError) Unwrap() error { return e.Err }

func syncErr(kind, cause error) *SyncError {
	return &SyncError{Kind: kind, Err: cause}
}

// apiError is a typed non-2xx response from the backend. Transports fail
// closed: every HTTP failure becomes one of these, never a panic.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend error %d", e.Status)
	}
	return fmt.Sprintf("backend error %d: %s", e.Status, e.Message)
}

// classify maps a transport failure onto the error taxonomy. 404 on a
// fetch means the conversation has no chat provisioned; 401/403 means the
// token is missing or stale. Everything else is retryable.
func classify(err error) *SyncError {
	var syncE *SyncError
	if errors.As(err, &syncE) {
		return syncE
	}
	var apiE *apiError
	if errors.As(err, &apiE) {
		switch apiE.Status {
		case http.StatusNotFound:
			return syncErr(ErrNotProvisioned, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return syncErr(ErrUnauthenticated, err)
		}
	}
	return syncErr(ErrTransport, err)
}

// terminal reports whether err must not be retried.
func terminal(err error) bool {
	return errors.Is(err, ErrNotProvisioned) || errors.Is(err, ErrUnauthenticated)
}
