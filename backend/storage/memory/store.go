package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkarulin/chatcore/backend/model"
)

var (
	ErrMessageNotFound = errors.New("message is not found")
	ErrNotAuthor       = errors.New("user is not the author of this message")
)

// MemStore is an in-memory message store, the default MessageStore
// collaborator for single-node and test setups.
type MemStore struct {
	mx *sync.Mutex
	db map[string][]*model.Message // roomID -> messages in send order
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		db: make(map[string][]*model.Message),
	}
}

func (ms *MemStore) Send(_ context.Context, msg model.Message) (*model.Message, error) {
	stored := msg
	stored.ID = uuid.NewString()
	stored.SentAt = time.Now().UnixMilli()

	ms.mx.Lock()
	defer ms.mx.Unlock()
	ms.db[stored.Room] = append(ms.db[stored.Room], &stored)
	return &stored, nil
}

func (ms *MemStore) Edit(_ context.Context, roomID, messageID, userID, content string) (*model.Message, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	msg, err := ms.find(roomID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.UserID != userID {
		return nil, ErrNotAuthor
	}
	msg.Content = content
	msg.Edited = true
	return msg, nil
}

func (ms *MemStore) Delete(_ context.Context, roomID, messageID, userID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	msgs := ms.db[roomID]
	for i, msg := range msgs {
		if msg.ID != messageID {
			continue
		}
		if msg.UserID != userID {
			return ErrNotAuthor
		}
		ms.db[roomID] = append(msgs[:i], msgs[i+1:]...)
		return nil
	}
	return ErrMessageNotFound
}

// Recent returns up to limit most recent messages, oldest first.
func (ms *MemStore) Recent(_ context.Context, roomID string, limit int) ([]model.Message, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	msgs := ms.db[roomID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]model.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = *msg
	}
	return out, nil
}

// find must be called with the mutex held.
func (ms *MemStore) find(roomID, messageID string) (*model.Message, error) {
	for _, msg := range ms.db[roomID] {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return nil, ErrMessageNotFound
}
