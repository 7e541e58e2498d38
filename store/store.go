// Package store defines the persistence contracts the sync engine, the
// notification ledger and the sequence manager need. Backends live in
// subpackages: memory for tests and ephemeral runs, sqlstore for SQLite and
// MySQL. Please use the error types provided.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a requested record doesn't exist
	ErrNotFound = errors.New("record not found")
	// ErrInvalidInput is returned when the input parameters are invalid
	ErrInvalidInput = errors.New("invalid input parameters")
	// ErrConflict is returned when a record already exists
	ErrConflict = errors.New("record conflict")
)

// EventStore persists calendar events.
type EventStore interface {
	// GetEvent finds an event by calendar id and UID.
	GetEvent(ctx context.Context, calendarID, uid string) (*Event, error)
	// ListEvents returns every event of a calendar.
	ListEvents(ctx context.Context, calendarID string) ([]Event, error)
	// ListAllEvents returns every event of every calendar. Used for the
	// sequence warm-up at startup.
	ListAllEvents(ctx context.Context) ([]Event, error)
	// SaveEvent inserts or replaces an event.
	SaveEvent(ctx context.Context, event *Event) error
	// DeleteEvent removes an event. Deleting a missing event is not an error.
	DeleteEvent(ctx context.Context, calendarID, uid string) error
}

// CollectionStore persists calendar collections.
type CollectionStore interface {
	GetCollection(ctx context.Context, calendarID string) (*Collection, error)
	ListCollections(ctx context.Context) ([]Collection, error)
	// SaveCollection inserts or replaces a collection.
	SaveCollection(ctx context.Context, collection *Collection) error
}

// SyncApplier commits the result of one synchronization.
type SyncApplier interface {
	// ApplySync upserts and deletes the batch's events and stores its cursor
	// on the collection as one atomic unit. On error nothing is changed.
	ApplySync(ctx context.Context, calendarID string, batch *SyncBatch) error
}

// NotificationStore persists notification records.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, id string) (*Notification, error)
	// RaiseNotificationFlags sets the flags named in f on the record id of
	// userID and leaves every other flag as stored. Records of other users
	// are reported as not found.
	RaiseNotificationFlags(ctx context.Context, userID, id string, f NotificationFlags) error
	// MarkAllNotificationsRead marks every unread record of the user read and
	// returns how many changed.
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)
	// ListNotifications returns the user's records, newest first.
	ListNotifications(ctx context.Context, userID string, q NotificationQuery) ([]Notification, error)
}

// NotificationFlags selects the state flags a transition raises. Flags only
// ever go from false to true; ActionTaken also clears RequiresAction.
type NotificationFlags struct {
	Read        bool
	Dismissed   bool
	ActionTaken bool
}

// Store is the full storage contract of the application.
type Store interface {
	EventStore
	CollectionStore
	SyncApplier
	NotificationStore
	Close() error
}

// ValidateEvent checks the invariants every backend enforces on write.
func ValidateEvent(e *Event) error {
	if e == nil || e.UID == "" || e.CalendarID == "" {
		return ErrInvalidInput
	}
	if e.Sequence < 0 {
		return ErrInvalidInput
	}
	if !e.SyncStatus.Valid() {
		return ErrInvalidInput
	}
	return nil
}
