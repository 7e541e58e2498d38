// Package notify keeps the durable record of user-facing notifications.
// Records outlive live connections; clients that were offline catch up
// through Backlog.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cyp0633/calmirror/store"
)

// DefaultBacklogLimit bounds Backlog when Options leaves it unset.
const DefaultBacklogLimit = 50

// Options tune a Ledger.
type Options struct {
	BacklogLimit int
	Logger       *slog.Logger
	Now          func() time.Time
	NewID        func() string
}

// Ledger is the only writer of notification records.
type Ledger struct {
	store        store.NotificationStore
	backlogLimit int
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string
}

// NewLedger wraps st.
func NewLedger(st store.NotificationStore, opts Options) *Ledger {
	if opts.BacklogLimit <= 0 {
		opts.BacklogLimit = DefaultBacklogLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Ledger{
		store:        st,
		backlogLimit: opts.BacklogLimit,
		logger:       opts.Logger,
		now:          opts.Now,
		newID:        opts.NewID,
	}
}

// Create validates n, assigns its id and creation time, and stores it.
// An empty priority becomes medium. State flags start cleared.
func (l *Ledger) Create(ctx context.Context, n *store.Notification) (*store.Notification, error) {
	if n == nil || n.UserID == "" {
		return nil, fmt.Errorf("notification needs a user: %w", store.ErrInvalidInput)
	}
	if !n.Type.Valid() {
		return nil, fmt.Errorf("notification type %q: %w", n.Type, store.ErrInvalidInput)
	}
	rec := *n
	if rec.Priority == "" {
		rec.Priority = store.PriorityMedium
	}
	if !rec.Priority.Valid() {
		return nil, fmt.Errorf("notification priority %q: %w", rec.Priority, store.ErrInvalidInput)
	}
	rec.ID = l.newID()
	rec.CreatedAt = l.now().UTC()
	rec.IsRead = false
	rec.IsDismissed = false
	rec.ActionTaken = false

	if err := l.store.CreateNotification(ctx, &rec); err != nil {
		return nil, fmt.Errorf("failed to store notification: %w", err)
	}
	l.logger.Debug("notification created", "id", rec.ID, "user_id", rec.UserID, "type", rec.Type)
	return &rec, nil
}

// Get returns the record id of userID. Records of other users are reported
// as not found.
func (l *Ledger) Get(ctx context.Context, userID, id string) (*store.Notification, error) {
	n, err := l.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.UserID != userID {
		return nil, fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	return n, nil
}

// raise sets only the flags in f, so concurrent transitions on the same
// record compose instead of overwriting each other.
func (l *Ledger) raise(ctx context.Context, userID, id string, f store.NotificationFlags) (*store.Notification, error) {
	if err := l.store.RaiseNotificationFlags(ctx, userID, id, f); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update notification: %w", err)
	}
	return l.Get(ctx, userID, id)
}

// MarkAsRead sets the read flag.
func (l *Ledger) MarkAsRead(ctx context.Context, userID, id string) (*store.Notification, error) {
	return l.raise(ctx, userID, id, store.NotificationFlags{Read: true})
}

// Dismiss hides the record from undismissed listings and the backlog.
func (l *Ledger) Dismiss(ctx context.Context, userID, id string) (*store.Notification, error) {
	return l.raise(ctx, userID, id, store.NotificationFlags{Dismissed: true})
}

// MarkActionTaken records that the user acted on the notification, which
// also clears RequiresAction.
func (l *Ledger) MarkActionTaken(ctx context.Context, userID, id string) (*store.Notification, error) {
	return l.raise(ctx, userID, id, store.NotificationFlags{ActionTaken: true})
}

// MarkAllAsRead marks every unread record of userID read and returns the
// number changed.
func (l *Ledger) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	n, err := l.store.MarkAllNotificationsRead(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return n, nil
}

// ListUnread returns the unread, undismissed records, newest first.
func (l *Ledger) ListUnread(ctx context.Context, userID string) ([]store.Notification, error) {
	return l.store.ListNotifications(ctx, userID, store.NotificationQuery{UnreadOnly: true})
}

// ListUndismissed returns a page of undismissed records, newest first.
func (l *Ledger) ListUndismissed(ctx context.Context, userID string, limit, offset int) ([]store.Notification, error) {
	if limit < 0 || offset < 0 {
		return nil, store.ErrInvalidInput
	}
	return l.store.ListNotifications(ctx, userID, store.NotificationQuery{Limit: limit, Offset: offset})
}

// Backlog returns what a reconnecting client has to catch up on.
func (l *Ledger) Backlog(ctx context.Context, userID string) ([]store.Notification, error) {
	return l.ListUndismissed(ctx, userID, l.backlogLimit, 0)
}
