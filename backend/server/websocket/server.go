// Package websocket accepts chat connections and drives the two
// per-connection loops: inbound frames to commands, merged room events
// to outbound frames.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mkarulin/chatcore/backend/model"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultMaxFrameBytes = 8192
	// the hard read limit sits well above the frame cap so oversize
	// frames are dropped by us, not fatally by the websocket library
	readLimitFactor = 4

	defaultHandshakeTimeout   = 3 * time.Second
	defaultReadBufferSize     = 10000
	defaultWriteBufferSize    = 10000
	defaultCloseWriteDeadline = 2 * time.Second
	defaultWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SessionService interface {
		CreateSession(ctx context.Context, roomID, token, userName, userAgent string) (*model.Session, error)
		DestroySession(sess *model.Session)
		Dispatch(ctx context.Context, sess *model.Session, cmd model.Command)
		SendError(sess *model.Session, msg string)
	}

	Config struct {
		Logger        *zerolog.Logger
		Sessions      SessionService
		ListenAddr    string
		MaxFrameBytes int
	}

	Server struct {
		svc      SessionService
		ws       *websocket.Upgrader
		maxFrame int
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	maxFrame := cfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = defaultMaxFrameBytes
	}
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:      cfg.Sessions,
		maxFrame: maxFrame,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultHandshakeTimeout,
			ReadBufferSize:   defaultReadBufferSize,
			WriteBufferSize:  defaultWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.chat)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) chat(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		roomID   = q.Get("room")
		userID   = q.Get("userId")
		userName = q.Get("userName")
		token    = q.Get("token")
	)
	if roomID == "" || userID == "" || userName == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background()) // connection lifetime

	sess, err := srv.svc.CreateSession(ctx, roomID, token, userName, r.UserAgent())
	if err != nil {
		srv.logger.Warn().Err(err).
			Str("roomID", roomID).
			Str("userID", userID).
			Msg("connection rejected")
		cancel()
		rejectConn(conn, "connection rejected", &srv.logger)
		return
	}
	sess.SetCancel(cancel)

	srv.logger.Debug().
		Str("roomID", roomID).
		Str("sessionID", sess.ID).
		Msg("session accepted")

	go srv.handleConn(ctx, cancel, conn, sess)
}

func (srv *Server) handleConn(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *model.Session) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("sessionID", sess.ID).
		Str("userID", sess.UserID).
		Logger()

	wg.Add(2)
	go func() {
		srv.receiver(ctx, wg, conn, sess, &logger)
		cancel()
	}()
	go func() {
		srv.sender(ctx, wg, conn, sess, &logger)
		cancel()
	}()

	wg.Wait()
	closeConn(conn, &logger)
	srv.svc.DestroySession(sess)
}

// receiver decodes inbound frames into commands. Oversize or malformed
// frames produce an ERROR to this connection only; they never end the
// session.
func (srv *Server) receiver(ctx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, sess *model.Session, logger *zerolog.Logger) {
	defer wg.Done()

	conn.SetReadLimit(int64(srv.maxFrame) * readLimitFactor)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else {
					logger.Warn().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			if len(msg) > srv.maxFrame {
				logger.Warn().Int("size", len(msg)).Msg("oversize frame dropped")
				srv.svc.SendError(sess, "frame too large")
				continue
			}

			var cmd model.Command
			if wsErr = json.Unmarshal(msg, &cmd); wsErr != nil {
				logger.Debug().Err(wsErr).Msg("malformed frame")
				srv.svc.SendError(sess, "malformed frame")
				continue
			}
			srv.svc.Dispatch(ctx, sess, cmd)
		}
	}
}

// sender forwards merged room events to the connection and keeps the
// socket alive with pings.
func (srv *Server) sender(ctx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, sess *model.Session, logger *zerolog.Logger) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.PingMessage, []byte{}); wsErr != nil {
				logger.Debug().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}

		case ev, ok := <-sess.Events:
			if !ok {
				break SendLoop
			}
			if ev.Type == model.EventNewMessage && ev.MessageID != "" && !sess.FirstDelivery(ev.MessageID) {
				continue
			}
			b, wsErr := json.Marshal(&ev)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshal outgoing event")
				continue
			}
			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing event")
				break SendLoop
			}
		}
	}
}

// rejectConn closes a connection that never became a session. The
// client gets one ERROR frame explaining itself before the close frame.
func rejectConn(conn *websocket.Conn, reason string, logger *zerolog.Logger) {
	deadline := time.Now().Add(defaultCloseWriteDeadline)
	if b, err := json.Marshal(&model.Event{Type: model.EventError, Error: reason}); err == nil {
		if err = conn.SetWriteDeadline(deadline); err == nil {
			if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
				logger.Debug().Err(err).Msg("failed to write reject reason")
			}
		}
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rejected")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		logger.Debug().Err(err).Msg("failed to write close frame")
	}
	if err := conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}

func closeConn(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultCloseWriteDeadline))
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		if wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{}); wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close frame")
		}
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
