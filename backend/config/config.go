// Package config assembles runtime configuration from environment
// variables with command line overrides.
package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
)

var ErrParse = errors.New("unable to parse configuration")

type Config struct {
	WSListenAddr string `env:"WS_LISTEN_ADDR" envDefault:":8888"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"debug"`

	NATSURL   string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`

	// IdleTimeout bounds how long a session may go without a heartbeat
	// before the presence sweep evicts it.
	IdleTimeout   time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	MaxFrameBytes int           `env:"MAX_FRAME_BYTES" envDefault:"8192"`
	SessionBuffer int           `env:"SESSION_BUFFER" envDefault:"64"`
	RoomCap       int           `env:"ROOM_CAP" envDefault:"256"`
	GlobalCap     int           `env:"GLOBAL_CAP" envDefault:"4096"`
}

// Load parses environment variables first, then applies command line
// flags on top, so flags always win.
func Load(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Join(ErrParse, err)
	}

	fs := pflag.NewFlagSet("chatcore", pflag.ContinueOnError)
	fs.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w", cfg.WSListenAddr, "websocket listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.StringVarP(&cfg.NATSURL, "nats-url", "n", cfg.NATSURL, "nats server url")
	fs.StringVarP(&cfg.RedisAddr, "redis-addr", "r", cfg.RedisAddr, "redis address")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "session idle timeout")
	fs.IntVar(&cfg.RoomCap, "room-cap", cfg.RoomCap, "max sessions per room")
	fs.IntVar(&cfg.GlobalCap, "global-cap", cfg.GlobalCap, "max sessions per instance")
	if err := fs.Parse(args); err != nil {
		return cfg, errors.Join(ErrParse, err)
	}
	return cfg, nil
}
