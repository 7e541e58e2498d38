package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/calmirror/store"
)

type backlogStub []store.Notification

func (b backlogStub) Backlog(context.Context, string) ([]store.Notification, error) {
	return b, nil
}

type syncStub struct {
	mu       sync.Mutex
	requests []string
}

func (s *syncStub) RequestSync(_ context.Context, userID, calendarID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, userID+"/"+calendarID)
	return calendarID == "work"
}

var testAuth = AuthenticatorFunc(func(_ context.Context, token string) (string, error) {
	if user, ok := strings.CutPrefix(token, "good-"); ok {
		return user, nil
	}
	return "", errors.New("bad token")
})

type harness struct {
	registry *Registry
	sync     *syncStub
	srv      *httptest.Server
}

func newHarness(t *testing.T, backlog []store.Notification) *harness {
	t.Helper()
	h := &harness{
		registry: NewRegistry(RegistryOptions{}),
		sync:     &syncStub{},
	}
	handler := NewHandler(HandlerOptions{
		Registry:         h.registry,
		Auth:             testAuth,
		Backlog:          backlogStub(backlog),
		Sync:             h.sync,
		HandshakeTimeout: time.Second,
	})
	h.srv = httptest.NewServer(handler)
	t.Cleanup(func() {
		h.registry.CloseAll(ErrServerShutdown)
		h.srv.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws" + query
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, frame, err := ws.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(frame, &msg))
	return msg
}

func writeJSON(t *testing.T, ws *websocket.Conn, v string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(v)))
}

func TestHandshakeWithQueryToken(t *testing.T) {
	older := store.Notification{ID: "n-1", UserID: "alice", Type: store.NotificationEventUpdate}
	newer := store.Notification{ID: "n-2", UserID: "alice", Type: store.NotificationEventInvitation}
	h := newHarness(t, []store.Notification{newer, older})

	ws := h.dial(t, "?token=good-alice")

	ack := readMessage(t, ws)
	require.Equal(t, TypeConnectionAck, ack.Type)
	var ackData ConnectionAckData
	require.NoError(t, json.Unmarshal(ack.Data, &ackData))
	assert.Equal(t, "alice", ackData.UserID)
	assert.NotEmpty(t, ackData.ConnectionID)

	for _, want := range []string{"n-1", "n-2"} {
		msg := readMessage(t, ws)
		require.Equal(t, TypeNotification, msg.Type)
		var n store.Notification
		require.NoError(t, json.Unmarshal(msg.Data, &n))
		assert.Equal(t, want, n.ID)
	}

	require.Eventually(t, func() bool { return h.registry.Count("alice") == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandshakeWithAuthMessage(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t, "")

	writeJSON(t, ws, `{"type":"auth","data":{"token":"good-bob"}}`)
	ack := readMessage(t, ws)
	assert.Equal(t, TypeConnectionAck, ack.Type)
	require.Eventually(t, func() bool { return h.registry.Count("bob") == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandshakeRejected(t *testing.T) {
	tests := []struct {
		name  string
		query string
		first string
	}{
		{name: "bad query token", query: "?token=evil"},
		{name: "bad auth message", first: `{"type":"auth","data":{"token":"evil"}}`},
		{name: "first message not auth", first: `{"type":"ping"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			ws := h.dial(t, tt.query)
			if tt.first != "" {
				writeJSON(t, ws, tt.first)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _, err := ws.Read(ctx)
			require.Error(t, err)
			assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
			assert.Zero(t, h.registry.Total())
		})
	}
}

func TestPingPongAndProtocolErrors(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t, "?token=good-alice")
	readMessage(t, ws)

	writeJSON(t, ws, `not json at all`)
	writeJSON(t, ws, `{"type":"subscribe"}`)
	writeJSON(t, ws, `{"type":"ping","data":{"timestamp":"2026-01-02T03:04:05Z"}}`)

	pong := readMessage(t, ws)
	assert.Equal(t, TypePong, pong.Type)
	assert.Equal(t, 1, h.registry.Count("alice"), "protocol errors keep the connection open")
}

func TestSyncRequest(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t, "?token=good-alice")
	readMessage(t, ws)

	writeJSON(t, ws, `{"type":"sync-request","data":{"calendar_id":"work"}}`)
	msg := readMessage(t, ws)
	require.Equal(t, TypeSyncRequestedAck, msg.Type)
	var ack SyncRequestedAckData
	require.NoError(t, json.Unmarshal(msg.Data, &ack))
	assert.Equal(t, SyncRequestedAckData{CalendarID: "work", Accepted: true}, ack)

	writeJSON(t, ws, `{"type":"sync-request","data":{"calendar_id":"home"}}`)
	msg = readMessage(t, ws)
	require.NoError(t, json.Unmarshal(msg.Data, &ack))
	assert.False(t, ack.Accepted)

	h.sync.mu.Lock()
	defer h.sync.mu.Unlock()
	assert.Equal(t, []string{"alice/work", "alice/home"}, h.sync.requests)
}

func TestBroadcastReachesBothConnections(t *testing.T) {
	h := newHarness(t, nil)
	b := NewBroadcaster(h.registry, nil)

	first := h.dial(t, "?token=good-alice")
	second := h.dial(t, "?token=good-alice")
	readMessage(t, first)
	readMessage(t, second)
	require.Eventually(t, func() bool { return h.registry.Count("alice") == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, b.Broadcast("alice", CalendarChanged("work", ChangeSynced, fixedTime)))
	assert.Equal(t, TypeCalendarChanged, readMessage(t, first).Type)
	assert.Equal(t, TypeCalendarChanged, readMessage(t, second).Type)

	_ = second.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return h.registry.Count("alice") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.Broadcast("alice", CalendarChanged("work", ChangeSynced, fixedTime)))
}

func TestCatchUpLongerThanSendQueue(t *testing.T) {
	const total = queueFrames + 144
	backlog := make([]store.Notification, total)
	for i := range backlog {
		// newest first, as the ledger returns it
		backlog[i] = store.Notification{
			ID:     fmt.Sprintf("n-%03d", total-1-i),
			UserID: "alice",
			Type:   store.NotificationEventUpdate,
		}
	}
	h := newHarness(t, backlog)
	ws := h.dial(t, "?token=good-alice")

	require.Equal(t, TypeConnectionAck, readMessage(t, ws).Type)
	for i := range total {
		msg := readMessage(t, ws)
		require.Equal(t, TypeNotification, msg.Type)
		var n store.Notification
		require.NoError(t, json.Unmarshal(msg.Data, &n))
		require.Equal(t, fmt.Sprintf("n-%03d", i), n.ID)
	}

	writeJSON(t, ws, `{"type":"ping"}`)
	assert.Equal(t, TypePong, readMessage(t, ws).Type)
	assert.Equal(t, 1, h.registry.Count("alice"))
}
