// memory based implementation for tests and ephemeral runs
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cyp0633/calmirror/store"
)

// FaultFunc is consulted before each staged write of ApplySync. A non-nil
// return aborts the batch. op is "upsert", "delete" or "cursor".
type FaultFunc func(op, key string) error

// Option configures a Store.
type Option func(*Store)

// WithFault installs a fault injector, used to verify batch atomicity.
func WithFault(f FaultFunc) Option {
	return func(s *Store) {
		s.fault = f
	}
}

// Store implements store.Store using in-memory maps
type Store struct {
	mu            sync.RWMutex
	events        map[string]map[string]store.Event // calendarID -> uid -> event
	collections   map[string]store.Collection
	notifications map[string]store.Notification
	fault         FaultFunc
}

var _ store.Store = (*Store)(nil)

// New creates a new in-memory storage
func New(opts ...Option) *Store {
	s := &Store{
		events:        make(map[string]map[string]store.Event),
		collections:   make(map[string]store.Collection),
		notifications: make(map[string]store.Notification),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Event operations

func (s *Store) GetEvent(_ context.Context, calendarID, uid string) (*store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[calendarID][uid]
	if !ok {
		return nil, fmt.Errorf("event %s/%s: %w", calendarID, uid, store.ErrNotFound)
	}
	out := ev.Clone()
	return &out, nil
}

func (s *Store) ListEvents(_ context.Context, calendarID string) ([]store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedEvents(s.events[calendarID]), nil
}

func (s *Store) ListAllEvents(_ context.Context) ([]store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []store.Event
	for _, bucket := range s.events {
		all = append(all, sortedEvents(bucket)...)
	}
	return all, nil
}

func (s *Store) SaveEvent(_ context.Context, ev *store.Event) error {
	if err := store.ValidateEvent(ev); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[ev.CalendarID]; !ok {
		return fmt.Errorf("calendar %s: %w", ev.CalendarID, store.ErrNotFound)
	}
	bucket, ok := s.events[ev.CalendarID]
	if !ok {
		bucket = make(map[string]store.Event)
		s.events[ev.CalendarID] = bucket
	}
	cp := ev.Clone()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	bucket[ev.UID] = cp
	return nil
}

func (s *Store) DeleteEvent(_ context.Context, calendarID, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events[calendarID], uid)
	return nil
}

// Collection operations

func (s *Store) GetCollection(_ context.Context, calendarID string) (*store.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[calendarID]
	if !ok {
		return nil, fmt.Errorf("calendar %s: %w", calendarID, store.ErrNotFound)
	}
	return &c, nil
}

func (s *Store) ListCollections(_ context.Context) ([]store.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.Collection, 0, len(s.collections))
	for _, c := range s.collections {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b store.Collection) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) SaveCollection(_ context.Context, c *store.Collection) error {
	if c == nil || c.ID == "" || c.UserID == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.collections[c.ID] = *c
	return nil
}

// ApplySync stages every change on copies and swaps them in only when the
// whole batch succeeded.
func (s *Store) ApplySync(ctx context.Context, calendarID string, batch *store.SyncBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[calendarID]
	if !ok {
		return fmt.Errorf("calendar %s: %w", calendarID, store.ErrNotFound)
	}

	staged := make(map[string]store.Event, len(s.events[calendarID]))
	for uid, ev := range s.events[calendarID] {
		staged[uid] = ev
	}

	for i := range batch.Upserts {
		ev := batch.Upserts[i].Clone()
		if err := ctx.Err(); err != nil {
			return err
		}
		if ev.CalendarID != calendarID {
			return fmt.Errorf("event %s belongs to %s: %w", ev.UID, ev.CalendarID, store.ErrInvalidInput)
		}
		if err := store.ValidateEvent(&ev); err != nil {
			return fmt.Errorf("event %q: %w", ev.UID, err)
		}
		if err := s.injectFault("upsert", ev.UID); err != nil {
			return err
		}
		if ev.UpdatedAt.IsZero() {
			ev.UpdatedAt = batch.SyncedAt
		}
		staged[ev.UID] = ev
	}

	for _, uid := range batch.Deletes {
		if err := s.injectFault("delete", uid); err != nil {
			return err
		}
		delete(staged, uid)
	}

	if err := s.injectFault("cursor", calendarID); err != nil {
		return err
	}
	col.Cursor = batch.Cursor
	if !batch.SyncedAt.IsZero() {
		col.LastSyncedAt = batch.SyncedAt
	}

	s.events[calendarID] = staged
	s.collections[calendarID] = col
	return nil
}

func (s *Store) injectFault(op, key string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op, key)
}

// Notification operations

func (s *Store) CreateNotification(_ context.Context, n *store.Notification) error {
	if n == nil || n.ID == "" || n.UserID == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.notifications[n.ID]; exists {
		return fmt.Errorf("notification %s: %w", n.ID, store.ErrConflict)
	}
	s.notifications[n.ID] = *n
	return nil
}

func (s *Store) GetNotification(_ context.Context, id string) (*store.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	return &n, nil
}

func (s *Store) RaiseNotificationFlags(_ context.Context, userID, id string, f store.NotificationFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.notifications[id]
	if !ok || cur.UserID != userID {
		return fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	if f.Read {
		cur.IsRead = true
	}
	if f.Dismissed {
		cur.IsDismissed = true
	}
	if f.ActionTaken {
		cur.ActionTaken = true
		cur.RequiresAction = false
	}
	s.notifications[id] = cur
	return nil
}

func (s *Store) MarkAllNotificationsRead(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for id, n := range s.notifications {
		if n.UserID == userID && !n.IsRead {
			n.IsRead = true
			s.notifications[id] = n
			changed++
		}
	}
	return changed, nil
}

func (s *Store) ListNotifications(_ context.Context, userID string, q store.NotificationQuery) ([]store.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Notification
	for _, n := range s.notifications {
		if n.UserID == userID && q.Match(&n) {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, func(a, b store.Notification) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func sortedEvents(bucket map[string]store.Event) []store.Event {
	out := make([]store.Event, 0, len(bucket))
	for _, ev := range bucket {
		out = append(out, ev.Clone())
	}
	slices.SortFunc(out, func(a, b store.Event) int { return cmp.Compare(a.UID, b.UID) })
	return out
}
