package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8888", cfg.WSListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 8192, cfg.MaxFrameBytes)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("WS_LISTEN_ADDR", ":9999")
	t.Setenv("IDLE_TIMEOUT", "30s")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.WSListenAddr)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout)
}

func TestLoad_FlagBeatsEnv(t *testing.T) {
	t.Setenv("WS_LISTEN_ADDR", ":9999")

	cfg, err := Load([]string{"--ws-listen-addr", ":7777", "--room-cap", "8"})
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.WSListenAddr)
	assert.Equal(t, 8, cfg.RoomCap)
}

func TestLoad_BadFlag(t *testing.T) {
	_, err := Load([]string{"--no-such-flag"})
	assert.ErrorIs(t, err, ErrParse)
}
