package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyp0633/calmirror/davclient"
)

// Kind classifies a failed synchronization.
type Kind string

const (
	// KindAuth means the remote rejected the credentials. Retrying will not help.
	KindAuth Kind = "auth"
	// KindTransient covers network and server errors worth retrying.
	KindTransient Kind = "transient"
	// KindTimeout means the deadline passed or the caller canceled.
	KindTimeout Kind = "timeout"
	// KindPrecondition means a push raced a remote change.
	KindPrecondition Kind = "precondition"
	// KindConfig means the calendar or event cannot be synchronized as set up.
	KindConfig Kind = "config"
	// KindStorage means the local store failed.
	KindStorage Kind = "storage"
)

// SyncError reports a failed Synchronize or Push.
type SyncError struct {
	Kind       Kind
	CalendarID string
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %s: %v", e.CalendarID, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// KindOf returns the kind of a SyncError in err's chain, or "".
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsRetryable reports whether the failed operation may succeed if repeated.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	}
	return false
}

// Resolution names how a conflict was settled.
type Resolution string

const (
	ResolutionRemoteWins Resolution = "remote_wins"
	ResolutionLocalKept  Resolution = "local_kept"
	ResolutionRecreated  Resolution = "recreated"
	ResolutionDropped    Resolution = "dropped"
)

// ConflictError describes a remote change that met an unpushed local edit.
type ConflictError struct {
	CalendarID     string
	UID            string
	LocalSequence  int
	RemoteSequence int
	// RemoteDeleted is set when the remote side removed the event.
	RemoteDeleted bool
	Resolution    Resolution
}

func (e *ConflictError) Error() string {
	if e.RemoteDeleted {
		return fmt.Sprintf("conflict on %s/%s: deleted remotely while edited locally (%s)", e.CalendarID, e.UID, e.Resolution)
	}
	return fmt.Sprintf("conflict on %s/%s: local sequence %d, remote sequence %d (%s)",
		e.CalendarID, e.UID, e.LocalSequence, e.RemoteSequence, e.Resolution)
}

// MalformedItemError reports a remote item that could not be decoded.
type MalformedItemError struct {
	CalendarID string
	Href       string
	Err        error
}

func (e *MalformedItemError) Error() string {
	return fmt.Sprintf("malformed item %s in %s: %v", e.Href, e.CalendarID, e.Err)
}

func (e *MalformedItemError) Unwrap() error { return e.Err }

func remoteError(calendarID string, err error) *SyncError {
	kind := KindTransient
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindTimeout
	case errors.Is(err, davclient.ErrUnauthorized):
		kind = KindAuth
	case errors.Is(err, davclient.ErrPreconditionFailed):
		kind = KindPrecondition
	case errors.Is(err, davclient.ErrNotFound):
		kind = KindConfig
	}
	return &SyncError{Kind: kind, CalendarID: calendarID, Err: err}
}

func storageError(calendarID string, err error) *SyncError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &SyncError{Kind: KindTimeout, CalendarID: calendarID, Err: err}
	}
	return &SyncError{Kind: KindStorage, CalendarID: calendarID, Err: err}
}
