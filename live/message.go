// Package live keeps per-user WebSocket connections and pushes change hints
// to them.
//
// Messages are hints: clients re-fetch authoritative data over the HTTP API.
// Delivery is best effort and nothing is queued beyond a connection's own
// bounded outbound buffer. The durable record lives in package notify.
package live

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cyp0633/calmirror/store"
)

// MessageType names a push channel message.
type MessageType string

// Server to client.
const (
	TypeConnectionAck    MessageType = "connection-ack"
	TypeCalendarChanged  MessageType = "calendar-changed"
	TypeEventChanged     MessageType = "event-changed"
	TypeNotification     MessageType = "notification"
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
	TypeSyncRequestedAck MessageType = "sync-requested-ack"
)

// Client to server. ping is shared with the server set.
const (
	TypeAuth        MessageType = "auth"
	TypeSyncRequest MessageType = "sync-request"
)

// ChangeType qualifies calendar-changed and event-changed messages.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeSynced   ChangeType = "synced"
)

// Message is the envelope of every frame on the push channel.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Encode returns the wire form of m.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ConnectionAckData is sent once the handshake succeeded.
type ConnectionAckData struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// CalendarChangedData tells a client to re-fetch a calendar.
type CalendarChangedData struct {
	CalendarID string     `json:"calendar_id"`
	ChangeType ChangeType `json:"change_type"`
}

// EventChangedData tells a client to re-fetch one event.
type EventChangedData struct {
	UID        string     `json:"uid"`
	CalendarID string     `json:"calendar_id"`
	ChangeType ChangeType `json:"change_type"`
}

// PingData is the payload of ping and pong.
type PingData struct {
	Timestamp time.Time `json:"timestamp"`
}

// SyncRequestedAckData answers a sync-request.
type SyncRequestedAckData struct {
	CalendarID string `json:"calendar_id"`
	Accepted   bool   `json:"accepted"`
}

func newMessage(typ MessageType, at time.Time, data any) Message {
	raw, err := json.Marshal(data)
	if err != nil {
		// payloads are plain structs of strings, bools and times
		panic(fmt.Sprintf("live: marshal %s: %v", typ, err))
	}
	return Message{Type: typ, Timestamp: at.UTC(), Data: raw}
}

func ConnectionAck(userID, connectionID string, at time.Time) Message {
	return newMessage(TypeConnectionAck, at, ConnectionAckData{UserID: userID, ConnectionID: connectionID})
}

func CalendarChanged(calendarID string, change ChangeType, at time.Time) Message {
	return newMessage(TypeCalendarChanged, at, CalendarChangedData{CalendarID: calendarID, ChangeType: change})
}

func EventChanged(uid, calendarID string, change ChangeType, at time.Time) Message {
	return newMessage(TypeEventChanged, at, EventChangedData{UID: uid, CalendarID: calendarID, ChangeType: change})
}

// Notification carries the full durable record.
func Notification(n *store.Notification, at time.Time) Message {
	return newMessage(TypeNotification, at, n)
}

func Ping(at time.Time) Message {
	return newMessage(TypePing, at, PingData{Timestamp: at.UTC()})
}

func Pong(at time.Time) Message {
	return newMessage(TypePong, at, PingData{Timestamp: at.UTC()})
}

func SyncRequestedAck(calendarID string, accepted bool, at time.Time) Message {
	return newMessage(TypeSyncRequestedAck, at, SyncRequestedAckData{CalendarID: calendarID, Accepted: accepted})
}

// ClientMessage is a decoded inbound frame.
type ClientMessage struct {
	Type       MessageType
	Token      string
	CalendarID string
	Timestamp  time.Time
}

type clientData struct {
	Token      string    `json:"token"`
	CalendarID string    `json:"calendar_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// ParseClientMessage decodes an inbound frame. Anything that is not a
// well-formed auth, ping or sync-request yields a *ProtocolError.
func ParseClientMessage(frame []byte) (*ClientMessage, error) {
	var env struct {
		Type MessageType     `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &ProtocolError{Reason: "invalid JSON", Err: err}
	}

	var data clientData
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, &ProtocolError{Type: env.Type, Reason: "invalid data", Err: err}
		}
	}

	msg := &ClientMessage{Type: env.Type}
	switch env.Type {
	case TypeAuth:
		if data.Token == "" {
			return nil, &ProtocolError{Type: env.Type, Reason: "missing token"}
		}
		msg.Token = data.Token
	case TypePing:
		msg.Timestamp = data.Timestamp
	case TypeSyncRequest:
		if data.CalendarID == "" {
			return nil, &ProtocolError{Type: env.Type, Reason: "missing calendar_id"}
		}
		msg.CalendarID = data.CalendarID
	case "":
		return nil, &ProtocolError{Reason: "missing type"}
	default:
		return nil, &ProtocolError{Type: env.Type, Reason: "unknown message type"}
	}
	return msg, nil
}
