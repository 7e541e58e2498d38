package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records frames. Unless responsive is set, Ping never answers.
type fakeConn struct {
	id, user   string
	responsive bool
	sendErr    error

	mu     sync.Mutex
	frames [][]byte
	pings  atomic.Int32

	done   chan struct{}
	once   sync.Once
	reason error
}

var connSeq atomic.Int32

func newFakeConn(user string, responsive bool) *fakeConn {
	return &fakeConn{
		id:         fmt.Sprintf("conn-%d", connSeq.Add(1)),
		user:       user,
		responsive: responsive,
		done:       make(chan struct{}),
	}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.user }

func (c *fakeConn) Send(frame []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.pings.Add(1)
	if c.responsive {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeConn) Close(reason error) {
	c.once.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegisterUnregister(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	a1 := newFakeConn("alice", true)
	a2 := newFakeConn("alice", true)
	b := newFakeConn("bob", true)

	r.Register(a1)
	r.Register(a2)
	r.Register(b)
	assert.Equal(t, 2, r.Count("alice"))
	assert.Equal(t, 3, r.Total())

	assert.True(t, r.Unregister(a1))
	assert.False(t, r.Unregister(a1), "second unregister is a no-op")
	assert.True(t, r.Unregister(a2))
	assert.Equal(t, 0, r.Count("alice"))

	r.mu.RLock()
	_, present := r.users["alice"]
	r.mu.RUnlock()
	assert.False(t, present, "empty bucket should be dropped")
	assert.Equal(t, 1, r.Total())
}

func TestForEachConnectionPrunesClosed(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	open := newFakeConn("alice", true)
	gone := newFakeConn("alice", true)
	r.Register(open)
	r.Register(gone)
	gone.Close(nil)

	var visited []string
	n := r.ForEachConnection("alice", func(c Conn) { visited = append(visited, c.ID()) })

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{open.ID()}, visited)
	assert.Equal(t, 1, r.Count("alice"))
	assert.Zero(t, r.ForEachConnection("nobody", func(Conn) { t.Fatal("unexpected call") }))
}

func TestSweepClosesUnresponsiveConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &fakeClock{now: fixedTime}
	r := NewRegistry(RegistryOptions{HeartbeatTimeout: 10 * time.Second, Now: clock.Now})
	silent := newFakeConn("alice", false)
	r.Register(silent)

	probed, expired := r.Sweep(ctx)
	assert.Equal(t, 1, probed)
	assert.Zero(t, expired)
	require.Eventually(t, func() bool { return silent.pings.Load() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(5 * time.Second)
	probed, expired = r.Sweep(ctx)
	assert.Zero(t, probed, "a probe is still outstanding")
	assert.Zero(t, expired)

	clock.Advance(5 * time.Second)
	_, expired = r.Sweep(ctx)
	assert.Equal(t, 1, expired)
	assert.True(t, silent.isClosed())
	assert.ErrorIs(t, silent.reason, ErrHeartbeatTimeout)
	assert.Zero(t, r.Count("alice"))
}

func TestAliveAnswersOutstandingProbe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &fakeClock{now: fixedTime}
	r := NewRegistry(RegistryOptions{HeartbeatTimeout: 10 * time.Second, Now: clock.Now})
	c := newFakeConn("alice", false)
	r.Register(c)

	r.Sweep(ctx)
	r.Alive(c)
	clock.Advance(time.Minute)

	probed, expired := r.Sweep(ctx)
	assert.Equal(t, 1, probed)
	assert.Zero(t, expired)
	assert.False(t, c.isClosed())
}

func TestRunRemovesZombieWithinSweepInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry(RegistryOptions{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  30 * time.Millisecond,
	})
	zombie := newFakeConn("alice", false)
	healthy := newFakeConn("alice", true)
	r.Register(zombie)
	r.Register(healthy)

	go r.Run(ctx)

	require.Eventually(t, func() bool { return r.Count("alice") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, zombie.isClosed())
	assert.False(t, healthy.isClosed())

	b := NewBroadcaster(r, nil)
	assert.Equal(t, 1, b.Broadcast("alice", Ping(fixedTime)))
	assert.Zero(t, zombie.received())
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	a := newFakeConn("alice", true)
	b := newFakeConn("bob", true)
	r.Register(a)
	r.Register(b)

	r.CloseAll(ErrServerShutdown)

	assert.Zero(t, r.Total())
	assert.True(t, errors.Is(a.reason, ErrServerShutdown))
	assert.True(t, b.isClosed())
}
