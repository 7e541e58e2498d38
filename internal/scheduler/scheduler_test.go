package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/calmirror/store"
	"github.com/cyp0633/calmirror/store/memory"
	"github.com/cyp0633/calmirror/syncengine"
)

type fakeSyncer struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(calendarID string, call int) error
}

func (f *fakeSyncer) Synchronize(_ context.Context, calendarID string) (*syncengine.ChangeSet, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[calendarID]++
	call := f.calls[calendarID]
	f.mu.Unlock()

	if f.fn != nil {
		if err := f.fn(calendarID, call); err != nil {
			return nil, err
		}
	}
	return &syncengine.ChangeSet{CalendarID: calendarID}, nil
}

func (f *fakeSyncer) count(calendarID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[calendarID]
}

type countingPublisher struct {
	n atomic.Int32
}

func (p *countingPublisher) Publish(context.Context, *syncengine.ChangeSet) error {
	p.n.Add(1)
	return nil
}

func seed(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	for _, c := range []store.Collection{
		{ID: "work", UserID: "alice", RemoteURL: mo.Some("https://dav.example.com/work/")},
		{ID: "home", UserID: "alice", RemoteURL: mo.Some("https://dav.example.com/home/")},
		{ID: "notes", UserID: "alice"},
		{ID: "team", UserID: "bob", RemoteURL: mo.Some("https://dav.example.com/team/")},
	} {
		require.NoError(t, st.SaveCollection(ctx, &c))
	}
	return st
}

func transient(id string) error {
	return &syncengine.SyncError{Kind: syncengine.KindTransient, CalendarID: id, Err: errors.New("502")}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(&fakeSyncer{}, nil, seed(t), Options{Schedule: "every tuesday"})
	assert.Error(t, err)
}

func TestSyncAllSkipsLocalCalendars(t *testing.T) {
	syncer := &fakeSyncer{fn: func(id string, _ int) error {
		if id == "team" {
			return &syncengine.SyncError{Kind: syncengine.KindAuth, CalendarID: id, Err: errors.New("401")}
		}
		return nil
	}}
	pub := &countingPublisher{}
	s, err := New(syncer, pub, seed(t), Options{Retries: 2, Backoff: time.Millisecond})
	require.NoError(t, err)

	err = s.SyncAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, syncengine.KindAuth, syncengine.KindOf(err))

	assert.Equal(t, 1, syncer.count("work"))
	assert.Equal(t, 1, syncer.count("home"))
	assert.Equal(t, 1, syncer.count("team"), "auth failures are not retried")
	assert.Zero(t, syncer.count("notes"))
	assert.EqualValues(t, 2, pub.n.Load())
}

func TestSyncOneRetriesTransientFailures(t *testing.T) {
	syncer := &fakeSyncer{fn: func(id string, call int) error {
		if call < 3 {
			return transient(id)
		}
		return nil
	}}
	pub := &countingPublisher{}
	s, err := New(syncer, pub, seed(t), Options{Retries: 3, Backoff: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, s.SyncOne(context.Background(), "work"))
	assert.Equal(t, 3, syncer.count("work"))
	assert.EqualValues(t, 1, pub.n.Load())
}

func TestSyncOneGivesUp(t *testing.T) {
	syncer := &fakeSyncer{fn: func(id string, _ int) error { return transient(id) }}
	s, err := New(syncer, nil, seed(t), Options{Retries: 2, Backoff: time.Millisecond})
	require.NoError(t, err)

	err = s.SyncOne(context.Background(), "work")
	assert.True(t, syncengine.IsRetryable(err))
	assert.Equal(t, 3, syncer.count("work"))
}

func TestRequestSync(t *testing.T) {
	s, err := New(&fakeSyncer{}, nil, seed(t), Options{})
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, s.RequestSync(ctx, "alice", "work"))
	assert.True(t, s.RequestSync(ctx, "alice", "work"), "already queued")
	assert.Len(t, s.requests, 1)

	assert.False(t, s.RequestSync(ctx, "alice", "team"), "owned by bob")
	assert.False(t, s.RequestSync(ctx, "alice", "notes"), "local only")
	assert.False(t, s.RequestSync(ctx, "alice", "missing"))
}

func TestRunServesRequests(t *testing.T) {
	syncer := &fakeSyncer{}
	pub := &countingPublisher{}
	s, err := New(syncer, pub, seed(t), Options{Schedule: "@every 1h"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.True(t, s.RequestSync(ctx, "alice", "home"))
	require.Eventually(t, func() bool { return pub.n.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, syncer.count("home"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunStopsWhileWaitingForASlot(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	syncer := &fakeSyncer{fn: func(calendarID string, _ int) error {
		if calendarID == "work" {
			close(started)
			<-release
		}
		return nil
	}}
	s, err := New(syncer, nil, seed(t), Options{Schedule: "@every 1h", Parallelism: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.True(t, s.RequestSync(ctx, "alice", "work"))
	<-started
	require.True(t, s.RequestSync(ctx, "alice", "home"))
	require.Eventually(t, func() bool { return len(s.requests) == 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, 1, syncer.count("work"))
	assert.Zero(t, syncer.count("home"), "request waiting for a slot is dropped on shutdown")
}
