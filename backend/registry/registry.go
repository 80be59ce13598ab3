// Package registry owns the set of live sessions on this instance.
// It replaces ambient global session maps with an object constructed
// once and handed to its users.
package registry

import (
	"errors"
	"sync"

	"github.com/mkarulin/chatcore/backend/model"
)

var (
	ErrCapacity        = errors.New("instance connection limit reached")
	ErrSessionNotFound = errors.New("session is not found")
)

type Registry struct {
	mx    *sync.Mutex
	db    map[string]*model.Session
	limit int
}

// NewRegistry creates a registry holding at most limit sessions;
// limit <= 0 means unlimited.
func NewRegistry(limit int) *Registry {
	return &Registry{
		mx:    &sync.Mutex{},
		db:    make(map[string]*model.Session),
		limit: limit,
	}
}

func (r *Registry) Add(s *model.Session) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.limit > 0 && len(r.db) >= r.limit {
		return ErrCapacity
	}
	r.db[s.ID] = s
	return nil
}

func (r *Registry) Remove(sessionID string) {
	r.mx.Lock()
	delete(r.db, sessionID)
	r.mx.Unlock()
}

func (r *Registry) Get(sessionID string) (*model.Session, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	s, ok := r.db[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ByRoomUser returns every live session for (room, user). More than
// one is possible when the same user opens several connections.
func (r *Registry) ByRoomUser(roomID, userID string) []*model.Session {
	r.mx.Lock()
	defer r.mx.Unlock()

	var out []*model.Session
	for _, s := range r.db {
		if s.UserID == userID && s.Room() == roomID {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.db)
}
