// Package presence tracks which users are considered online in each
// room, based on heartbeats.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type entry struct {
	lastHeartbeat time.Time
}

// ExpireFunc is invoked for every (room, user) evicted by the sweep.
// It runs outside the tracker's lock, so it may call back into the
// tracker or tear down sessions.
type ExpireFunc func(roomID, userID string)

type Tracker struct {
	logger      zerolog.Logger
	idleTimeout time.Duration
	onExpire    ExpireFunc

	mx    sync.RWMutex
	rooms map[string]map[string]entry

	now func() time.Time // overridable in tests
}

func NewTracker(idleTimeout time.Duration, onExpire ExpireFunc, logger *zerolog.Logger) *Tracker {
	return &Tracker{
		logger:      logger.With().Str("component", "presence").Logger(),
		idleTimeout: idleTimeout,
		onExpire:    onExpire,
		rooms:       make(map[string]map[string]entry),
		now:         time.Now,
	}
}

func (t *Tracker) Join(roomID, userID string) {
	t.mx.Lock()
	room, ok := t.rooms[roomID]
	if !ok {
		room = make(map[string]entry)
		t.rooms[roomID] = room
	}
	room[userID] = entry{lastHeartbeat: t.now()}
	t.mx.Unlock()

	t.logger.Debug().Str("roomID", roomID).Str("userID", userID).Msg("user joined")
}

// Heartbeat refreshes the entry for (room, user). A heartbeat for an
// unknown pair recreates the entry, covering the window between attach
// and the first explicit join.
func (t *Tracker) Heartbeat(roomID, userID string) {
	t.mx.Lock()
	room, ok := t.rooms[roomID]
	if !ok {
		room = make(map[string]entry)
		t.rooms[roomID] = room
	}
	room[userID] = entry{lastHeartbeat: t.now()}
	t.mx.Unlock()
}

func (t *Tracker) Leave(roomID, userID string) {
	t.mx.Lock()
	if room, ok := t.rooms[roomID]; ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
	t.mx.Unlock()

	t.logger.Debug().Str("roomID", roomID).Str("userID", userID).Msg("user left")
}

func (t *Tracker) OnlineCount(roomID string) int {
	t.mx.RLock()
	defer t.mx.RUnlock()
	return len(t.rooms[roomID])
}

func (t *Tracker) ListOnline(roomID string) []string {
	t.mx.RLock()
	defer t.mx.RUnlock()

	room := t.rooms[roomID]
	if len(room) == 0 {
		return nil
	}
	users := make([]string, 0, len(room))
	for userID := range room {
		users = append(users, userID)
	}
	return users
}

// Run drives the expiry sweep until ctx is done. The sweep interval is
// half the idle timeout, so a silently dropped connection is observed
// by the rest of the room within one interval of expiring.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.idleTimeout / 2)
	defer ticker.Stop()

	t.logger.Debug().Dur("idleTimeout", t.idleTimeout).Msg("expiry sweep started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Debug().Msg("expiry sweep stopped")
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Sweep evicts every entry older than the idle timeout and reports each
// eviction through the expire callback.
func (t *Tracker) Sweep() {
	type expired struct {
		roomID string
		userID string
	}
	deadline := t.now().Add(-t.idleTimeout)

	t.mx.Lock()
	var evicted []expired
	for roomID, room := range t.rooms {
		for userID, e := range room {
			if e.lastHeartbeat.Before(deadline) {
				delete(room, userID)
				evicted = append(evicted, expired{roomID: roomID, userID: userID})
			}
		}
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
	t.mx.Unlock()

	for _, e := range evicted {
		t.logger.Info().
			Str("roomID", e.roomID).
			Str("userID", e.userID).
			Msg("presence expired")
		if t.onExpire != nil {
			t.onExpire(e.roomID, e.userID)
		}
	}
}
