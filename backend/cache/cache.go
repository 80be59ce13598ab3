// Package cache is the outward read path for per-room data: recent
// message pages, the online set, room configuration and room stats.
// Each concern has its own TTL; consumers treat a miss as "go ask the
// owning component".
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mkarulin/chatcore/backend/model"
)

const (
	defaultPrefix = "chat:"

	messagesTTL = 15 * time.Minute
	onlineTTL   = 5 * time.Minute
	configTTL   = time.Hour
	statsTTL    = 10 * time.Minute

	scanBatch = 100
)

var (
	ErrGet        = errors.New("cache get failed")
	ErrSet        = errors.New("cache set failed")
	ErrInvalidate = errors.New("cache invalidation failed")
)

// RoomConfig is the cached room configuration record.
type RoomConfig struct {
	RoomID   string `json:"roomId"`
	Topic    string `json:"topic,omitempty"`
	MaxUsers int    `json:"maxUsers,omitempty"`
}

// RoomStats is the cached room statistics snapshot.
type RoomStats struct {
	RoomID       string `json:"roomId"`
	Online       int    `json:"online"`
	MessagesSeen int64  `json:"messagesSeen"`
}

type RoomCache struct {
	logger zerolog.Logger
	client *redis.Client
	prefix string
}

type Config struct {
	Logger *zerolog.Logger
	Client *redis.Client
	Prefix string
}

func New(cfg Config) *RoomCache {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RoomCache{
		logger: cfg.Logger.With().Str("component", "cache").Logger(),
		client: cfg.Client,
		prefix: prefix,
	}
}

func (c *RoomCache) GetMessages(ctx context.Context, roomID string) ([]model.Message, bool, error) {
	var page []model.Message
	ok, err := c.get(ctx, c.key("messages", roomID), &page)
	return page, ok, err
}

func (c *RoomCache) SetMessages(ctx context.Context, roomID string, page []model.Message) error {
	return c.set(ctx, c.key("messages", roomID), page, messagesTTL)
}

func (c *RoomCache) GetOnline(ctx context.Context, roomID string) ([]string, bool, error) {
	var users []string
	ok, err := c.get(ctx, c.key("online", roomID), &users)
	return users, ok, err
}

func (c *RoomCache) SetOnline(ctx context.Context, roomID string, users []string) error {
	return c.set(ctx, c.key("online", roomID), users, onlineTTL)
}

func (c *RoomCache) GetConfig(ctx context.Context, roomID string) (RoomConfig, bool, error) {
	var cfg RoomConfig
	ok, err := c.get(ctx, c.key("config", roomID), &cfg)
	return cfg, ok, err
}

func (c *RoomCache) SetConfig(ctx context.Context, roomID string, cfg RoomConfig) error {
	return c.set(ctx, c.key("config", roomID), cfg, configTTL)
}

func (c *RoomCache) GetStats(ctx context.Context, roomID string) (RoomStats, bool, error) {
	var stats RoomStats
	ok, err := c.get(ctx, c.key("stats", roomID), &stats)
	return stats, ok, err
}

func (c *RoomCache) SetStats(ctx context.Context, roomID string, stats RoomStats) error {
	return c.set(ctx, c.key("stats", roomID), stats, statsTTL)
}

// InvalidateMessages drops only the cached message page, used after a
// successful send/edit/delete so readers never see a stale page for a
// full TTL.
func (c *RoomCache) InvalidateMessages(ctx context.Context, roomID string) error {
	if err := c.client.Del(ctx, c.key("messages", roomID)).Err(); err != nil {
		return errors.Join(ErrInvalidate, err)
	}
	return nil
}

// InvalidateRoom drops every cached concern for one room. Invalidating
// an already-empty room is not an error.
func (c *RoomCache) InvalidateRoom(ctx context.Context, roomID string) error {
	keys := []string{
		c.key("messages", roomID),
		c.key("online", roomID),
		c.key("config", roomID),
		c.key("stats", roomID),
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Join(ErrInvalidate, err)
	}
	return nil
}

// InvalidateAll drops every key under the cache prefix.
func (c *RoomCache) InvalidateAll(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", scanBatch).Result()
		if err != nil {
			return errors.Join(ErrInvalidate, err)
		}
		if len(keys) > 0 {
			if err = c.client.Del(ctx, keys...).Err(); err != nil {
				return errors.Join(ErrInvalidate, err)
			}
		}
		if cursor = next; cursor == 0 {
			return nil
		}
	}
}

func (c *RoomCache) key(concern, roomID string) string {
	return c.prefix + concern + ":" + roomID
}

func (c *RoomCache) get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, errors.Join(ErrGet, err)
	}
	if err = json.Unmarshal(data, dest); err != nil {
		return false, errors.Join(ErrGet, err)
	}
	return true, nil
}

func (c *RoomCache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Join(ErrSet, err)
	}
	if err = c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return errors.Join(ErrSet, err)
	}
	return nil
}
