package store

import (
	"slices"
	"time"

	"github.com/samber/mo"
)

// SyncStatus tracks where a local event stands relative to its remote copy.
type SyncStatus string

const (
	// StatusLocal is an event authored locally and never accepted by the remote.
	StatusLocal SyncStatus = "local"
	// StatusPending is an event whose push is in flight.
	StatusPending SyncStatus = "pending"
	// StatusSynced is an event whose local copy matches the remote revision.
	StatusSynced SyncStatus = "synced"
	// StatusSyncFailed is an event whose last push failed.
	StatusSyncFailed SyncStatus = "sync_failed"
)

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusLocal, StatusPending, StatusSynced, StatusSyncFailed:
		return true
	}
	return false
}

// Event is the canonical local record of a calendar event.
type Event struct {
	// UID is the iCalendar UID. It is assigned by the author and never changes.
	UID        string
	CalendarID string

	// Href is the remote object path. Empty until the event was pushed or pulled.
	//
	// NOTE: This has nothing to do with UID.
	Href string

	// Sequence is the RFC 5545 SEQUENCE counter. It never decreases for a UID.
	Sequence int

	// RevisionTag is the ETag the remote issued for its current copy.
	RevisionTag string

	SyncStatus SyncStatus

	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	RRule       string
	Organizer   string
	Attendees   []string
	Resources   []string

	// Raw holds the last calendar text received from or sent to the remote.
	Raw []byte

	UpdatedAt time.Time
}

// Dirty reports whether the event carries a local edit the remote has not accepted.
func (e *Event) Dirty() bool {
	return e.SyncStatus != StatusSynced
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	e.Attendees = slices.Clone(e.Attendees)
	e.Resources = slices.Clone(e.Resources)
	e.Raw = slices.Clone(e.Raw)
	return e
}

// Collection is a local calendar, optionally mirrored from a remote collection.
type Collection struct {
	ID     string
	UserID string
	Name   string

	// OwnerAddress is the calendar user address of the owner, e.g. "mailto:alice@example.com".
	// Events organized by someone else are treated as invitations.
	OwnerAddress string

	// RemoteURL is None for local-only calendars.
	RemoteURL mo.Option[string]

	// Cursor is the remote sync checkpoint. None means a full resync is required.
	Cursor mo.Option[string]

	LastSyncedAt time.Time
}

// Remote reports whether the collection is mirrored from a remote server.
func (c *Collection) Remote() bool {
	url, ok := c.RemoteURL.Get()
	return ok && url != ""
}

// SyncBatch is the unit ApplySync commits atomically.
type SyncBatch struct {
	Upserts []Event
	Deletes []string
	Cursor  mo.Option[string]

	SyncedAt time.Time
}

// Empty reports whether the batch carries no event changes.
func (b *SyncBatch) Empty() bool {
	return len(b.Upserts) == 0 && len(b.Deletes) == 0
}

// NotificationType is the closed set of user-facing notification kinds.
type NotificationType string

const (
	NotificationEventInvitation     NotificationType = "event_invitation"
	NotificationEventUpdate         NotificationType = "event_update"
	NotificationEventCancellation   NotificationType = "event_cancellation"
	NotificationInvitationAccepted  NotificationType = "invitation_accepted"
	NotificationInvitationDeclined  NotificationType = "invitation_declined"
	NotificationInvitationTentative NotificationType = "invitation_tentative"
	NotificationEventReminder       NotificationType = "event_reminder"
	NotificationResourceConfirmed   NotificationType = "resource_confirmed"
	NotificationResourceDenied      NotificationType = "resource_denied"
)

// Valid reports whether t belongs to the closed set.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationEventInvitation, NotificationEventUpdate, NotificationEventCancellation,
		NotificationInvitationAccepted, NotificationInvitationDeclined, NotificationInvitationTentative,
		NotificationEventReminder, NotificationResourceConfirmed, NotificationResourceDenied:
		return true
	}
	return false
}

// Priority of a notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// Notification is a durable user-facing notification record.
type Notification struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Type            NotificationType `json:"type"`
	Title           string           `json:"title"`
	Message         string           `json:"message"`
	Priority        Priority         `json:"priority"`
	RelatedEventID  string           `json:"related_event_id,omitempty"`
	RelatedEventUID string           `json:"related_event_uid,omitempty"`
	RequiresAction  bool             `json:"requires_action"`
	IsRead          bool             `json:"is_read"`
	IsDismissed     bool             `json:"is_dismissed"`
	ActionTaken     bool             `json:"action_taken"`
	CreatedAt       time.Time        `json:"created_at"`
}

// NotificationQuery selects notifications of one user.
type NotificationQuery struct {
	UnreadOnly       bool
	IncludeDismissed bool
	// Limit restricts the number of results (0 = no limit)
	Limit  int
	Offset int
}

// Match reports whether n passes the query filters. Paging is not applied.
func (q NotificationQuery) Match(n *Notification) bool {
	if q.UnreadOnly && n.IsRead {
		return false
	}
	if !q.IncludeDismissed && n.IsDismissed {
		return false
	}
	return true
}
