package model

import (
	"context"
	"sync"
)

// Event types sent by the server.
const (
	EventNewMessage     = "NEW_MESSAGE"
	EventMessageEdited  = "MESSAGE_EDITED"
	EventMessageDeleted = "MESSAGE_DELETED"
	EventUserJoined     = "USER_JOINED"
	EventUserLeft       = "USER_LEFT"
	EventUserTyping     = "USER_TYPING"
	EventError          = "ERROR"
)

// Command types accepted from clients.
const (
	CommandJoinRoom      = "JOIN_ROOM"
	CommandLeaveRoom     = "LEAVE_ROOM"
	CommandSendMessage   = "SEND_MESSAGE"
	CommandEditMessage   = "EDIT_MESSAGE"
	CommandDeleteMessage = "DELETE_MESSAGE"
	CommandHeartbeat     = "HEARTBEAT"
	CommandTyping        = "TYPING"
)

// Event is one room event as serialized to clients and to the relay.
// Seq is a logical timestamp assigned once at creation; events are
// immutable after that point.
type Event struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	Seq       int64  `json:"seq"`
	Origin    string `json:"origin,omitempty"` // session (or instance) that produced the event
	UserID    string `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Content   string `json:"content,omitempty"`
	ReplyTo   string `json:"replyTo,omitempty"`
	Typing    bool   `json:"typing,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DedupKey identifies an event across the local channel and the relay.
// Origin is part of the key so that two instances assigning the same
// sequence number never collapse two distinct events.
type DedupKey struct {
	Type   string
	Room   string
	Origin string
	Seq    int64
}

func (ev Event) DedupKey() DedupKey {
	return DedupKey{Type: ev.Type, Room: ev.Room, Origin: ev.Origin, Seq: ev.Seq}
}

// Command is one decoded inbound frame.
type Command struct {
	Type      string `json:"type"`
	Room      string `json:"room,omitempty"`
	UserID    string `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
	Content   string `json:"content,omitempty"`
	ReplyTo   string `json:"replyTo,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Typing    bool   `json:"typing,omitempty"`
}

// Message is a persisted chat message record as returned by the store.
type Message struct {
	ID       string `json:"id"`
	Room     string `json:"room"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Content  string `json:"content"`
	ReplyTo  string `json:"replyTo,omitempty"`
	SentAt   int64  `json:"sentAt"`
	Edited   bool   `json:"edited,omitempty"`
}

// deliveryWindow is how many recently delivered message ids a session
// remembers for duplicate suppression.
const deliveryWindow = 128

// Session is the server-side state of one live connection. The session
// owns its outbound event channel; the hub fans events into it. A session
// is attached to at most one room at a time.
type Session struct {
	ID          string
	UserID      string
	DisplayName string
	UserAgent   string

	// Events carries merged room events to the connection's send loop.
	Events chan Event

	mx     sync.Mutex
	room   string
	cancel context.CancelFunc
	once   sync.Once

	seenIDs  map[string]struct{}
	seenRing []string
	seenPos  int
}

func NewSession(id, userID, displayName, userAgent string, buffer int) *Session {
	return &Session{
		ID:          id,
		UserID:      userID,
		DisplayName: displayName,
		UserAgent:   userAgent,
		Events:      make(chan Event, buffer),
		seenIDs:     make(map[string]struct{}, deliveryWindow),
		seenRing:    make([]string, deliveryWindow),
	}
}

// Room returns the room the session is currently attached to,
// or "" when detached.
func (s *Session) Room() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.room
}

func (s *Session) SetRoom(room string) {
	s.mx.Lock()
	s.room = room
	s.mx.Unlock()
}

// SetCancel registers the connection's cancel func so that out-of-band
// teardown (presence expiry) can stop both connection loops.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.mx.Lock()
	s.cancel = cancel
	s.mx.Unlock()
}

// Cancel stops the connection loops if a cancel func was registered.
func (s *Session) Cancel() {
	s.mx.Lock()
	cancel := s.cancel
	s.mx.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CloseOnce runs fn exactly once over the session's lifetime, no matter
// how many teardown paths race to it.
func (s *Session) CloseOnce(fn func()) {
	s.once.Do(fn)
}

// FirstDelivery records a message id and reports whether this session
// has seen it before. History replay can overlap live fanout for a
// message stored while the join was in flight; the send loop collapses
// that overlap here. The window is bounded, so an id evicted after
// deliveryWindow newer messages could in principle be delivered again.
func (s *Session) FirstDelivery(messageID string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	if _, ok := s.seenIDs[messageID]; ok {
		return false
	}
	if evicted := s.seenRing[s.seenPos]; evicted != "" {
		delete(s.seenIDs, evicted)
	}
	s.seenIDs[messageID] = struct{}{}
	s.seenRing[s.seenPos] = messageID
	s.seenPos = (s.seenPos + 1) % len(s.seenRing)
	return true
}
