package relay

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/mkarulin/chatcore/backend/model"
)

const defaultSubscribeBuffer = 256

var (
	ErrPublish   = errors.New("unable to publish event")
	ErrSubscribe = errors.New("unable to subscribe")
)

type NATS struct {
	logger zerolog.Logger
	nc     *nats.Conn
	buffer int
}

type Config struct {
	Logger *zerolog.Logger
	Conn   *nats.Conn
	// Buffer is the per-subscription channel depth. A consumer that
	// falls behind loses events rather than blocking others.
	Buffer int
}

func NewNATS(cfg Config) *NATS {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultSubscribeBuffer
	}
	return &NATS{
		logger: cfg.Logger.With().Str("component", "relay").Logger(),
		nc:     cfg.Conn,
		buffer: buffer,
	}
}

// Publish appends ev to the category log. Delivery to other instances
// is best-effort; callers wrap Publish with a breaker and degrade to
// local-only broadcast on failure.
func (r *NATS) Publish(_ context.Context, cat Category, ev model.Event) error {
	b, err := json.Marshal(&ev)
	if err != nil {
		return errors.Join(ErrPublish, err)
	}
	if err = r.nc.Publish(subject(cat, ev.Room), b); err != nil {
		return errors.Join(ErrPublish, err)
	}
	return nil
}

// Subscribe yields every event appended to the category from this
// moment on, across all rooms. Each call owns an independent NATS
// subscription; cancelling ctx tears it down and closes the channel.
func (r *NATS) Subscribe(ctx context.Context, cat Category) (<-chan model.Event, error) {
	msgs := make(chan *nats.Msg, r.buffer)
	sub, err := r.nc.ChanSubscribe(wildcard(cat), msgs)
	if err != nil {
		return nil, errors.Join(ErrSubscribe, err)
	}

	events := make(chan model.Event, r.buffer)
	logger := r.logger.With().Str("category", string(cat)).Logger()

	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				if err := sub.Unsubscribe(); err != nil {
					logger.Error().Err(err).Msg("unsubscribe failed")
				}
				return
			case msg := <-msgs:
				var ev model.Event
				if err := json.Unmarshal(msg.Data, &ev); err != nil {
					logger.Error().Err(err).Str("subject", msg.Subject).Msg("malformed relay record")
					continue
				}
				select {
				case events <- ev:
				default:
					logger.Debug().
						Str("room", ev.Room).
						Str("type", ev.Type).
						Msg("slow consumer, relay event dropped")
				}
			}
		}
	}()
	return events, nil
}
