package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mkarulin/chatcore/backend/auth"
	"github.com/mkarulin/chatcore/backend/cache"
	"github.com/mkarulin/chatcore/backend/config"
	"github.com/mkarulin/chatcore/backend/hub"
	"github.com/mkarulin/chatcore/backend/presence"
	"github.com/mkarulin/chatcore/backend/registry"
	"github.com/mkarulin/chatcore/backend/relay"
	"github.com/mkarulin/chatcore/backend/resilience"
	websocketServer "github.com/mkarulin/chatcore/backend/server/websocket"
	"github.com/mkarulin/chatcore/backend/service"
	store "github.com/mkarulin/chatcore/backend/storage/memory"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	instanceID := uuid.NewString()
	logger.Info().Str("instanceID", instanceID).Msg("starting chat core")

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("chatcore-"+instanceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("failed to connect to nats")
	}
	defer func() {
		_ = nc.Drain()
	}()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		_ = redisClient.Close()
	}()

	var (
		authBreaker  = resilience.NewBreaker("authenticator", resilience.Config{}, &logger)
		storeBreaker = resilience.NewBreaker("message-store", resilience.Config{}, &logger)
		relayBreaker = resilience.NewBreaker("relay", resilience.Config{MaxAttempts: 2}, &logger)
	)

	eventRelay := relay.NewNATS(relay.Config{
		Logger: &logger,
		Conn:   nc,
	})
	roomHub := hub.NewHub(hub.Config{
		Logger:         &logger,
		Relay:          eventRelay,
		PublishBreaker: relayBreaker,
		InstanceID:     instanceID,
		RoomCap:        cfg.RoomCap,
	})
	sessions := registry.NewRegistry(cfg.GlobalCap)
	roomCache := cache.New(cache.Config{
		Logger: &logger,
		Client: redisClient,
	})

	svcCfg := service.Config{
		Logger:        &logger,
		Authenticator: auth.NewJWT(cfg.JWTSecret),
		MessageStore:  store.NewMemStore(),
		Hub:           roomHub,
		RoomCache:     roomCache,
		Sessions:      sessions,
		AuthBreaker:   authBreaker,
		StoreBreaker:  storeBreaker,
		InstanceID:    instanceID,
		SessionBuffer: cfg.SessionBuffer,
	}

	// presence and service reference each other: expiry drives session
	// teardown, teardown deregisters presence
	var svc *service.Service
	tracker := presence.NewTracker(cfg.IdleTimeout, func(roomID, userID string) {
		svc.ExpirePresence(roomID, userID)
	}, &logger)
	svcCfg.Presence = tracker
	svc = service.NewService(svcCfg)

	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:        &logger,
		Sessions:      svc,
		ListenAddr:    cfg.WSListenAddr,
		MaxFrameBytes: cfg.MaxFrameBytes,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go tracker.Run(ctx)

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
