// Package hub fans room events out to every attached session on this
// instance and relays them to sibling instances. Local delivery is
// best-effort per subscriber; cross-instance delivery degrades to
// local-only when the relay is down.
package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkarulin/chatcore/backend/model"
	"github.com/mkarulin/chatcore/backend/relay"
)

const (
	defaultDedupWindow    = 1024
	defaultResubscribeGap = time.Second
)

var (
	ErrRoomFull = errors.New("room is full")
)

type (
	Relay interface {
		Publish(ctx context.Context, cat relay.Category, ev model.Event) error
		Subscribe(ctx context.Context, cat relay.Category) (<-chan model.Event, error)
	}

	Breaker interface {
		Do(ctx context.Context, op func(context.Context) error) error
	}

	Hub struct {
		logger     zerolog.Logger
		relay      Relay
		breaker    Breaker
		instanceID string
		roomCap    int
		dedup      int

		mx    *sync.Mutex
		rooms map[string]*roomState
	}

	Config struct {
		Logger *zerolog.Logger
		Relay  Relay
		// PublishBreaker guards relay publishes; failures degrade to
		// local-only broadcast, they are never surfaced to senders.
		PublishBreaker Breaker
		// InstanceID is the origin stamped on hub-born events.
		InstanceID string
		// RoomCap limits sessions per room; <= 0 means unlimited.
		RoomCap     int
		DedupWindow int
	}
)

// roomState exists while at least one session is attached to the room.
// Membership is guarded by the hub mutex; the dedup window has its own
// lock because relay pumps touch it without hub-wide coordination.
type roomState struct {
	id     string
	subs   map[string]chan<- model.Event
	cancel context.CancelFunc
	seq    atomic.Int64

	mx      sync.Mutex
	seen    map[model.DedupKey]struct{}
	seenQ   []model.DedupKey
	seenPos int
}

func NewHub(cfg Config) *Hub {
	dedup := cfg.DedupWindow
	if dedup <= 0 {
		dedup = defaultDedupWindow
	}
	return &Hub{
		logger:     cfg.Logger.With().Str("component", "hub").Logger(),
		relay:      cfg.Relay,
		breaker:    cfg.PublishBreaker,
		instanceID: cfg.InstanceID,
		roomCap:    cfg.RoomCap,
		dedup:      dedup,
		mx:         &sync.Mutex{},
		rooms:      make(map[string]*roomState),
	}
}

// Attach registers the session's outbound channel with the room,
// creating room state and its relay subscription on first attach.
func (h *Hub) Attach(roomID, sessionID string, ch chan<- model.Event) error {
	h.mx.Lock()
	r, ok := h.rooms[roomID]
	if ok && h.roomCap > 0 && len(r.subs) >= h.roomCap {
		h.mx.Unlock()
		return ErrRoomFull
	}
	var created bool
	if !ok {
		pumpCtx, cancel := context.WithCancel(context.Background())
		r = &roomState{
			id:     roomID,
			subs:   make(map[string]chan<- model.Event),
			cancel: cancel,
			seen:   make(map[model.DedupKey]struct{}, h.dedup),
			seenQ:  make([]model.DedupKey, h.dedup),
		}
		r.seq.Store(time.Now().UnixNano())
		h.rooms[roomID] = r
		for _, cat := range []relay.Category{relay.CategoryMessages, relay.CategoryPresence, relay.CategoryRooms} {
			go h.pump(pumpCtx, r, cat)
		}
		created = true
	}
	r.subs[sessionID] = ch
	h.mx.Unlock()

	h.logger.Debug().
		Str("roomID", roomID).
		Str("sessionID", sessionID).
		Msg("session attached")

	if created {
		h.republish(model.Event{
			Type:   relay.EventRoomOpened,
			Room:   roomID,
			Seq:    r.seq.Add(1),
			Origin: h.instanceID,
		})
	}
	return nil
}

// Detach removes the session from the room. The last detach tears the
// room and its relay subscription down atomically with respect to
// concurrent attaches.
func (h *Hub) Detach(roomID, sessionID string) {
	h.mx.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mx.Unlock()
		return
	}
	delete(r.subs, sessionID)
	empty := len(r.subs) == 0
	if empty {
		r.cancel()
		delete(h.rooms, roomID)
	}
	h.mx.Unlock()

	h.logger.Debug().
		Str("roomID", roomID).
		Str("sessionID", sessionID).
		Msg("session detached")

	if empty {
		h.logger.Debug().Str("roomID", roomID).Msg("room destroyed")
		h.republish(model.Event{
			Type:   relay.EventRoomClosed,
			Room:   roomID,
			Seq:    r.seq.Add(1),
			Origin: h.instanceID,
		})
	}
}

// NextSeq assigns the logical timestamp for an event created for the
// room. Sequences are monotone per room on this instance; the event's
// origin disambiguates equal sequences across instances.
func (h *Hub) NextSeq(roomID string) int64 {
	h.mx.Lock()
	r, ok := h.rooms[roomID]
	h.mx.Unlock()
	if !ok {
		return time.Now().UnixNano()
	}
	return r.seq.Add(1)
}

// Emit delivers ev to every session attached to the room and
// asynchronously republishes it for other instances.
func (h *Hub) Emit(roomID string, ev model.Event) {
	h.mx.Lock()
	r, ok := h.rooms[roomID]
	h.mx.Unlock()
	if !ok {
		h.logger.Debug().Str("roomID", roomID).Str("type", ev.Type).Msg("emit into inactive room dropped")
		return
	}

	// Marking before the publish makes the relay's echo of our own
	// event a duplicate by construction.
	if !r.firstSeen(ev.DedupKey()) {
		return
	}
	h.fanout(r, ev)
	h.republish(ev)
}

func (h *Hub) fanout(r *roomState, ev model.Event) {
	h.mx.Lock()
	targets := make([]chan<- model.Event, 0, len(r.subs))
	for _, ch := range r.subs {
		targets = append(targets, ch)
	}
	h.mx.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			// Best-effort broadcast: a full subscriber loses this
			// event instead of blocking the room.
			h.logger.Debug().
				Str("roomID", r.id).
				Str("type", ev.Type).
				Msg("subscriber full, event dropped")
		}
	}
}

func (h *Hub) republish(ev model.Event) {
	cat := relay.CategoryFor(ev.Type)
	if cat == "" || h.relay == nil {
		return
	}
	go func() {
		err := h.breaker.Do(context.Background(), func(ctx context.Context) error {
			return h.relay.Publish(ctx, cat, ev)
		})
		if err != nil {
			h.logger.Warn().Err(err).
				Str("roomID", ev.Room).
				Str("type", ev.Type).
				Msg("relay publish failed, delivery is local-only")
		}
	}()
}

// pump feeds relay events for one category into the room until the
// room is destroyed, resubscribing after failures.
func (h *Hub) pump(ctx context.Context, r *roomState, cat relay.Category) {
	logger := h.logger.With().Str("roomID", r.id).Str("category", string(cat)).Logger()
	for {
		events, err := h.relay.Subscribe(ctx, cat)
		if err != nil {
			logger.Error().Err(err).Msg("relay subscribe failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(defaultResubscribeGap):
				continue
			}
		}

		for ev := range events {
			if ev.Room != r.id {
				continue
			}
			if ev.Type == relay.EventRoomOpened || ev.Type == relay.EventRoomClosed {
				logger.Debug().Str("type", ev.Type).Str("origin", ev.Origin).Msg("room lifecycle observed")
				continue
			}
			if !r.firstSeen(ev.DedupKey()) {
				continue
			}
			h.fanout(r, ev)
		}
		// channel closed: subscription ended with the room context
		if ctx.Err() != nil {
			return
		}
	}
}

// Rooms reports how many rooms are active on this instance.
func (h *Hub) Rooms() int {
	h.mx.Lock()
	defer h.mx.Unlock()
	return len(h.rooms)
}

// Subscribers reports how many sessions are attached to the room.
func (h *Hub) Subscribers(roomID string) int {
	h.mx.Lock()
	defer h.mx.Unlock()
	if r, ok := h.rooms[roomID]; ok {
		return len(r.subs)
	}
	return 0
}

// firstSeen records the key and reports whether it was new. The window
// holds the most recent keys only; evicted keys can in principle be
// delivered twice, which the at-most-once-per-subscriber contract
// tolerates.
func (r *roomState) firstSeen(k model.DedupKey) bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.seen[k]; ok {
		return false
	}
	if evicted := r.seenQ[r.seenPos]; evicted != (model.DedupKey{}) {
		delete(r.seen, evicted)
	}
	r.seen[k] = struct{}{}
	r.seenQ[r.seenPos] = k
	r.seenPos = (r.seenPos + 1) % len(r.seenQ)
	return true
}
