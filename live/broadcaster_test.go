package live

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastWithoutConnections(t *testing.T) {
	b := NewBroadcaster(NewRegistry(RegistryOptions{}), nil)
	assert.NotPanics(t, func() {
		assert.Zero(t, b.Broadcast("alice", CalendarChanged("work", ChangeSynced, fixedTime)))
	})
}

func TestBroadcastCountsLiveConnections(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	b := NewBroadcaster(r, nil)
	first := newFakeConn("alice", true)
	second := newFakeConn("alice", true)
	other := newFakeConn("bob", true)
	r.Register(first)
	r.Register(second)
	r.Register(other)

	msg := EventChanged("abc", "work", ChangeModified, fixedTime)
	assert.Equal(t, 2, b.Broadcast("alice", msg))

	second.Close(nil)
	assert.Equal(t, 1, b.Broadcast("alice", msg))

	assert.Equal(t, 2, first.received())
	assert.Equal(t, 1, second.received())
	assert.Zero(t, other.received())

	var got Message
	require.NoError(t, json.Unmarshal(first.frames[0], &got))
	assert.Equal(t, TypeEventChanged, got.Type)
}

func TestBroadcastSkipsFailingConnection(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	b := NewBroadcaster(r, nil)
	ok := newFakeConn("alice", true)
	full := newFakeConn("alice", true)
	full.sendErr = errors.New("queue full")
	r.Register(ok)
	r.Register(full)

	assert.Equal(t, 1, b.Broadcast("alice", Ping(fixedTime)))
	assert.Equal(t, 1, ok.received())
}
