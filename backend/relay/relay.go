// Package relay propagates room events between instances through NATS
// subjects acting as a per-category append-only log.
package relay

import (
	"strings"

	"github.com/mkarulin/chatcore/backend/model"
)

// Category selects which log a record is appended to.
type Category string

const (
	CategoryMessages Category = "messages"
	CategoryPresence Category = "presence"
	CategoryRooms    Category = "rooms"
)

// Room lifecycle markers carried on the rooms category. They are
// relay-internal and never forwarded to clients.
const (
	EventRoomOpened = "ROOM_OPENED"
	EventRoomClosed = "ROOM_CLOSED"
)

const subjectPrefix = "chat"

// CategoryFor maps an event type to its relay category. ERROR events
// are addressed to a single connection and are never relayed; they map
// to the empty category.
func CategoryFor(eventType string) Category {
	switch eventType {
	case model.EventNewMessage, model.EventMessageEdited, model.EventMessageDeleted:
		return CategoryMessages
	case model.EventUserJoined, model.EventUserLeft, model.EventUserTyping:
		return CategoryPresence
	case EventRoomOpened, EventRoomClosed:
		return CategoryRooms
	default:
		return ""
	}
}

// subjectToken makes a room id safe to embed in a NATS subject.
func subjectToken(roomID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, roomID)
}

func subject(cat Category, roomID string) string {
	return subjectPrefix + "." + string(cat) + "." + subjectToken(roomID)
}

func wildcard(cat Category) string {
	return subjectPrefix + "." + string(cat) + ".*"
}
