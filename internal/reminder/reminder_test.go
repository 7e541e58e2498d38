package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/calmirror/store"
	"github.com/cyp0633/calmirror/store/memory"
)

var base = time.Date(2026, 3, 2, 8, 50, 0, 0, time.UTC)

func TestOccurrences(t *testing.T) {
	daily := &store.Event{
		UID:   "standup",
		Start: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		RRule: "FREQ=DAILY;COUNT=10",
		Raw: []byte("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
			"BEGIN:VEVENT\r\nUID:standup\r\nDTSTAMP:20260301T080000Z\r\n" +
			"DTSTART:20260301T090000Z\r\nRRULE:FREQ=DAILY;COUNT=10\r\n" +
			"EXDATE:20260303T090000Z\r\nEXDATE;VALUE=DATE:20260305\r\n" +
			"END:VEVENT\r\nEND:VCALENDAR\r\n"),
	}
	single := &store.Event{UID: "review", Start: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}

	tests := []struct {
		name     string
		ev       *store.Event
		from, to time.Time
		want     []time.Time
	}{
		{
			name: "single inside",
			ev:   single,
			from: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			to:   time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
			want: []time.Time{single.Start},
		},
		{
			name: "single at exclusive end",
			ev:   single,
			from: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			to:   single.Start,
		},
		{
			name: "recurring with exceptions",
			ev:   daily,
			from: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			to:   time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC),
			want: []time.Time{
				time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
				time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC),
				time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC),
			},
		},
		{
			name: "recurring after count",
			ev:   daily,
			from: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
			to:   time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Occurrences(tt.ev, tt.from, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Occurrences(&store.Event{Start: base, RRule: "FREQ=SOMETIMES"}, base, base.Add(time.Hour))
	assert.Error(t, err)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []store.Notification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, n *store.Notification) (*store.Notification, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, *n)
	return n, nil
}

func seed(t *testing.T, events ...store.Event) *memory.Store {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.SaveCollection(ctx, &store.Collection{ID: "work", UserID: "alice"}))
	for i := range events {
		events[i].CalendarID = "work"
		events[i].SyncStatus = store.StatusSynced
		require.NoError(t, st.SaveEvent(ctx, &events[i]))
	}
	return st
}

func TestScanSendsEachOccurrenceOnce(t *testing.T) {
	st := seed(t,
		store.Event{UID: "standup", Summary: "Standup", Href: "/work/standup.ics",
			Start: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), RRule: "FREQ=DAILY"},
		store.Event{UID: "later", Summary: "Later", Start: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)},
	)
	now := base
	notifier := &recordingNotifier{}
	s := New(st, st, notifier, Options{Lead: 15 * time.Minute, Now: func() time.Time { return now }})

	n, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, notifier.sent, 1)
	rec := notifier.sent[0]
	assert.Equal(t, "alice", rec.UserID)
	assert.Equal(t, store.NotificationEventReminder, rec.Type)
	assert.Equal(t, "Upcoming: Standup", rec.Title)
	assert.Equal(t, "Standup starts Mon Mar 2, 2026 09:00 UTC.", rec.Message)
	assert.Equal(t, "/work/standup.ics", rec.RelatedEventID)
	assert.Equal(t, "standup", rec.RelatedEventUID)

	now = base.Add(5 * time.Minute)
	n, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "the window already covered 09:00")

	now = time.Date(2026, 3, 3, 8, 50, 0, 0, time.UTC)
	n, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the next standup falls in the window")
}

func TestScanReportsNotifierFailure(t *testing.T) {
	st := seed(t, store.Event{UID: "a", Summary: "A", Start: base.Add(5 * time.Minute)})
	boom := errors.New("ledger down")
	s := New(st, st, &recordingNotifier{err: boom}, Options{Now: func() time.Time { return base }})

	_, err := s.Scan(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRunStopsWithContext(t *testing.T) {
	st := seed(t)
	s := New(st, st, &recordingNotifier{}, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}
