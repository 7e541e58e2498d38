// Package storetest holds the behavior every store.Store backend must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/calmirror/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the contract suite against the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("collections", func(t *testing.T) { testCollections(t, newStore(t)) })
	t.Run("events", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("apply sync", func(t *testing.T) { testApplySync(t, newStore(t)) })
	t.Run("apply sync is atomic", func(t *testing.T) { testApplySyncAtomic(t, newStore(t)) })
	t.Run("notifications", func(t *testing.T) { testNotifications(t, newStore(t)) })
}

// SeedCollection stores a remote collection for tests.
func SeedCollection(t *testing.T, s store.Store, id, userID string) *store.Collection {
	t.Helper()
	c := &store.Collection{
		ID:           id,
		UserID:       userID,
		Name:         "Calendar " + id,
		OwnerAddress: "mailto:" + userID + "@example.com",
		RemoteURL:    mo.Some("https://dav.example.com/" + userID + "/" + id + "/"),
	}
	require.NoError(t, s.SaveCollection(context.Background(), c))
	return c
}

// NewEvent returns a synced event fixture.
func NewEvent(calendarID, uid string, seq int) store.Event {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return store.Event{
		UID:         uid,
		CalendarID:  calendarID,
		Href:        "/dav/" + calendarID + "/" + uid + ".ics",
		Sequence:    seq,
		RevisionTag: `"etag-` + uid + `"`,
		SyncStatus:  store.StatusSynced,
		Summary:     "Event " + uid,
		Start:       start,
		End:         start.Add(time.Hour),
		Attendees:   []string{"mailto:bob@example.com"},
		Raw:         []byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"),
		UpdatedAt:   start,
	}
}

func testCollections(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetCollection(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	orig := SeedCollection(t, s, "work", "alice")
	got, err := s.GetCollection(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, orig.UserID, got.UserID)
	assert.Equal(t, orig.RemoteURL, got.RemoteURL)
	assert.True(t, got.Cursor.IsAbsent())

	local := &store.Collection{ID: "home", UserID: "alice", Name: "Home"}
	require.NoError(t, s.SaveCollection(ctx, local))
	got, err = s.GetCollection(ctx, "home")
	require.NoError(t, err)
	assert.False(t, got.Remote())

	all, err := s.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "home", all[0].ID)
	assert.Equal(t, "work", all[1].ID)

	assert.ErrorIs(t, s.SaveCollection(ctx, &store.Collection{ID: "x"}), store.ErrInvalidInput)
}

func testEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	SeedCollection(t, s, "work", "alice")

	_, err := s.GetEvent(ctx, "work", "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	ev := NewEvent("work", "e1", 3)
	require.NoError(t, s.SaveEvent(ctx, &ev))

	got, err := s.GetEvent(ctx, "work", "e1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Sequence)
	assert.Equal(t, ev.RevisionTag, got.RevisionTag)
	assert.Equal(t, ev.Attendees, got.Attendees)
	assert.Equal(t, ev.Raw, got.Raw)
	assert.True(t, ev.Start.Equal(got.Start))

	got.Summary = "changed"
	got.SyncStatus = store.StatusLocal
	require.NoError(t, s.SaveEvent(ctx, got))
	again, err := s.GetEvent(ctx, "work", "e1")
	require.NoError(t, err)
	assert.Equal(t, "changed", again.Summary)
	assert.True(t, again.Dirty())

	bad := NewEvent("work", "e2", -1)
	assert.ErrorIs(t, s.SaveEvent(ctx, &bad), store.ErrInvalidInput)

	list, err := s.ListEvents(ctx, "work")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteEvent(ctx, "work", "e1"))
	require.NoError(t, s.DeleteEvent(ctx, "work", "e1"))
	list, err = s.ListEvents(ctx, "work")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testApplySync(t *testing.T, s store.Store) {
	ctx := context.Background()
	SeedCollection(t, s, "work", "alice")
	SeedCollection(t, s, "home", "alice")

	keep := NewEvent("work", "keep", 0)
	gone := NewEvent("work", "gone", 0)
	other := NewEvent("home", "other", 0)
	for _, ev := range []store.Event{keep, gone, other} {
		require.NoError(t, s.SaveEvent(ctx, &ev))
	}

	changed := keep
	changed.RevisionTag = `"etag-keep-2"`
	batch := &store.SyncBatch{
		Upserts:  []store.Event{changed, NewEvent("work", "new", 1)},
		Deletes:  []string{"gone"},
		Cursor:   mo.Some("token-2"),
		SyncedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.ApplySync(ctx, "work", batch))

	events, err := s.ListEvents(ctx, "work")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "keep", events[0].UID)
	assert.Equal(t, `"etag-keep-2"`, events[0].RevisionTag)
	assert.Equal(t, "new", events[1].UID)

	col, err := s.GetCollection(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, mo.Some("token-2"), col.Cursor)
	assert.True(t, batch.SyncedAt.Equal(col.LastSyncedAt))

	homeEvents, err := s.ListEvents(ctx, "home")
	require.NoError(t, err)
	assert.Len(t, homeEvents, 1, "other calendars are untouched")

	assert.ErrorIs(t, s.ApplySync(ctx, "missing", &store.SyncBatch{}), store.ErrNotFound)
}

func testApplySyncAtomic(t *testing.T, s store.Store) {
	ctx := context.Background()
	col := SeedCollection(t, s, "work", "alice")
	col.Cursor = mo.Some("token-0")
	require.NoError(t, s.SaveCollection(ctx, col))

	existing := NewEvent("work", "existing", 0)
	require.NoError(t, s.SaveEvent(ctx, &existing))

	// The invalid event sits after a valid upsert so the failure happens mid-batch.
	batch := &store.SyncBatch{
		Upserts: []store.Event{NewEvent("work", "first", 0), NewEvent("work", "broken", -5)},
		Deletes: []string{"existing"},
		Cursor:  mo.Some("token-1"),
	}
	require.Error(t, s.ApplySync(ctx, "work", batch))

	events, err := s.ListEvents(ctx, "work")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "existing", events[0].UID)

	got, err := s.GetCollection(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, mo.Some("token-0"), got.Cursor)
}

func testNotifications(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"n1", "n2", "n3"} {
		n := &store.Notification{
			ID:        id,
			UserID:    "alice",
			Type:      store.NotificationEventUpdate,
			Title:     "Updated",
			Priority:  store.PriorityMedium,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateNotification(ctx, n))
	}
	require.NoError(t, s.CreateNotification(ctx, &store.Notification{
		ID: "b1", UserID: "bob", Type: store.NotificationEventReminder, Priority: store.PriorityLow, CreatedAt: base,
	}))
	assert.ErrorIs(t, s.CreateNotification(ctx, &store.Notification{ID: "n1", UserID: "alice"}), store.ErrConflict)

	list, err := s.ListNotifications(ctx, "alice", store.NotificationQuery{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "n3", list[0].ID, "newest first")

	page, err := s.ListNotifications(ctx, "alice", store.NotificationQuery{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "n2", page[0].ID)

	require.NoError(t, s.RaiseNotificationFlags(ctx, "alice", "n2", store.NotificationFlags{Dismissed: true}))
	assert.ErrorIs(t, s.RaiseNotificationFlags(ctx, "bob", "n2", store.NotificationFlags{Read: true}), store.ErrNotFound)

	list, err = s.ListNotifications(ctx, "alice", store.NotificationQuery{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
	list, err = s.ListNotifications(ctx, "alice", store.NotificationQuery{IncludeDismissed: true})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	changed, err := s.MarkAllNotificationsRead(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, changed)
	unread, err := s.ListNotifications(ctx, "alice", store.NotificationQuery{UnreadOnly: true})
	require.NoError(t, err)
	assert.Empty(t, unread)

	bobs, err := s.ListNotifications(ctx, "bob", store.NotificationQuery{UnreadOnly: true})
	require.NoError(t, err)
	assert.Len(t, bobs, 1)

	_, err = s.GetNotification(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.RaiseNotificationFlags(ctx, "alice", "missing", store.NotificationFlags{Read: true}), store.ErrNotFound)

	// Raising one flag never lowers another, and repeating a raise is a no-op.
	require.NoError(t, s.CreateNotification(ctx, &store.Notification{
		ID: "n4", UserID: "alice", Type: store.NotificationEventInvitation, Priority: store.PriorityHigh,
		RequiresAction: true, CreatedAt: base.Add(time.Hour),
	}))
	require.NoError(t, s.RaiseNotificationFlags(ctx, "alice", "n4", store.NotificationFlags{Read: true}))
	require.NoError(t, s.RaiseNotificationFlags(ctx, "alice", "n4", store.NotificationFlags{ActionTaken: true}))
	require.NoError(t, s.RaiseNotificationFlags(ctx, "alice", "n4", store.NotificationFlags{Dismissed: true}))
	require.NoError(t, s.RaiseNotificationFlags(ctx, "alice", "n4", store.NotificationFlags{Dismissed: true}))
	n4, err := s.GetNotification(ctx, "n4")
	require.NoError(t, err)
	assert.True(t, n4.IsRead)
	assert.True(t, n4.ActionTaken)
	assert.False(t, n4.RequiresAction)
	assert.True(t, n4.IsDismissed)
}
