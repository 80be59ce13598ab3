// Package service is the connection session manager: it owns session
// creation and teardown and dispatches decoded commands to the store,
// the presence tracker and the hub.
package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkarulin/chatcore/backend/auth"
	"github.com/mkarulin/chatcore/backend/cache"
	"github.com/mkarulin/chatcore/backend/model"
	"github.com/mkarulin/chatcore/backend/registry"
)

const (
	cacheRefreshTimeout = 2 * time.Second

	// recentPageSize is how many stored messages a joining session is
	// caught up with.
	recentPageSize = 50
)

var (
	ErrAuth   = errors.New("unable to authenticate")
	ErrAttach = errors.New("unable to attach session")
)

type (
	Authenticator interface {
		Verify(ctx context.Context, token string) (auth.Claims, error)
	}

	MessageStore interface {
		Send(ctx context.Context, msg model.Message) (*model.Message, error)
		Edit(ctx context.Context, roomID, messageID, userID, content string) (*model.Message, error)
		Delete(ctx context.Context, roomID, messageID, userID string) error
		Recent(ctx context.Context, roomID string, limit int) ([]model.Message, error)
	}

	Hub interface {
		Attach(roomID, sessionID string, ch chan<- model.Event) error
		Detach(roomID, sessionID string)
		Emit(roomID string, ev model.Event)
		NextSeq(roomID string) int64
		Subscribers(roomID string) int
	}

	Presence interface {
		Join(roomID, userID string)
		Heartbeat(roomID, userID string)
		Leave(roomID, userID string)
		OnlineCount(roomID string) int
		ListOnline(roomID string) []string
	}

	// RoomCache is the outward read path kept warm by the session flow.
	RoomCache interface {
		GetMessages(ctx context.Context, roomID string) ([]model.Message, bool, error)
		SetMessages(ctx context.Context, roomID string, page []model.Message) error
		InvalidateMessages(ctx context.Context, roomID string) error
		InvalidateRoom(ctx context.Context, roomID string) error
		SetOnline(ctx context.Context, roomID string, users []string) error
		SetStats(ctx context.Context, roomID string, stats cache.RoomStats) error
	}

	Breaker interface {
		Do(ctx context.Context, op func(context.Context) error) error
	}

	Service struct {
		logger     zerolog.Logger
		auth       Authenticator
		store      MessageStore
		hub        Hub
		presence   Presence
		cache      RoomCache
		sessions   *registry.Registry
		authBrk    Breaker
		storeBrk   Breaker
		instanceID string
		buffer     int

		msgCounts sync.Map // roomID -> *int64, messages seen since start
	}

	Config struct {
		Logger        *zerolog.Logger
		Authenticator Authenticator
		MessageStore  MessageStore
		Hub           Hub
		Presence      Presence
		RoomCache     RoomCache
		Sessions      *registry.Registry
		AuthBreaker   Breaker
		StoreBreaker  Breaker
		InstanceID    string
		// SessionBuffer is the outbound channel depth per session.
		SessionBuffer int
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		logger:     cfg.Logger.With().Str("component", "session-manager").Logger(),
		auth:       cfg.Authenticator,
		store:      cfg.MessageStore,
		hub:        cfg.Hub,
		presence:   cfg.Presence,
		cache:      cfg.RoomCache,
		sessions:   cfg.Sessions,
		authBrk:    cfg.AuthBreaker,
		storeBrk:   cfg.StoreBreaker,
		instanceID: cfg.InstanceID,
		buffer:     cfg.SessionBuffer,
	}
}

// CreateSession authenticates the handshake and registers a session
// with the registry, the hub and the presence tracker. The caller owns
// the returned session's connection loops.
func (svc *Service) CreateSession(ctx context.Context, roomID, token, userName, userAgent string) (*model.Session, error) {
	var claims auth.Claims
	err := svc.authBrk.Do(ctx, func(ctx context.Context) error {
		var verifyErr error
		claims, verifyErr = svc.auth.Verify(ctx, token)
		return verifyErr
	})
	if err != nil {
		// Breaker open or token denied: either way the connection is
		// rejected before any room state is touched.
		return nil, errors.Join(ErrAuth, err)
	}

	displayName := claims.DisplayName
	if displayName == "" {
		displayName = userName
	}
	sess := model.NewSession(uuid.NewString(), claims.UserID, displayName, userAgent, svc.buffer)

	if err = svc.sessions.Add(sess); err != nil {
		return nil, errors.Join(ErrAttach, err)
	}
	if err = svc.hub.Attach(roomID, sess.ID, sess.Events); err != nil {
		svc.sessions.Remove(sess.ID)
		return nil, errors.Join(ErrAttach, err)
	}
	sess.SetRoom(roomID)
	svc.presence.Join(roomID, sess.UserID)
	svc.emit(sess, model.Event{
		Type:     model.EventUserJoined,
		Room:     roomID,
		UserID:   sess.UserID,
		UserName: sess.DisplayName,
	})
	svc.refreshOnline(roomID)
	svc.replayRecent(ctx, sess, roomID)

	svc.logger.Debug().
		Str("sessionID", sess.ID).
		Str("userID", sess.UserID).
		Str("roomID", roomID).
		Msg("session created")
	return sess, nil
}

// DestroySession runs the teardown path exactly once: deregister
// presence, announce the leave, detach from the room, drop from the
// registry. Safe to call from any teardown trigger.
func (svc *Service) DestroySession(sess *model.Session) {
	sess.CloseOnce(func() {
		if room := sess.Room(); room != "" {
			svc.leaveRoom(sess, room)
		}
		svc.sessions.Remove(sess.ID)
		svc.logger.Debug().
			Str("sessionID", sess.ID).
			Str("userID", sess.UserID).
			Msg("session destroyed")
	})
}

// ExpirePresence is the presence sweep callback. Sessions that stopped
// heartbeating are cancelled, which drives their connection loops into
// the normal DestroySession path. A presence entry without a live
// session still produces the USER_LEFT other members expect.
func (svc *Service) ExpirePresence(roomID, userID string) {
	stale := svc.sessions.ByRoomUser(roomID, userID)
	if len(stale) == 0 {
		svc.hub.Emit(roomID, model.Event{
			Type:   model.EventUserLeft,
			Room:   roomID,
			Seq:    svc.hub.NextSeq(roomID),
			Origin: svc.instanceID,
			UserID: userID,
		})
		svc.refreshOnline(roomID)
		return
	}
	for _, sess := range stale {
		svc.logger.Info().
			Str("sessionID", sess.ID).
			Str("userID", userID).
			Str("roomID", roomID).
			Msg("idle session cancelled")
		sess.Cancel()
	}
}

// Dispatch routes one decoded frame. Protocol errors go back to the
// originating session only and never terminate the connection.
func (svc *Service) Dispatch(ctx context.Context, sess *model.Session, cmd model.Command) {
	switch cmd.Type {
	case model.CommandJoinRoom:
		svc.joinRoom(ctx, sess, cmd.Room)
	case model.CommandLeaveRoom:
		if room := sess.Room(); room != "" {
			svc.leaveRoom(sess, room)
			sess.SetRoom("")
		}
	case model.CommandSendMessage:
		svc.sendMessage(ctx, sess, cmd)
	case model.CommandEditMessage:
		svc.editMessage(ctx, sess, cmd)
	case model.CommandDeleteMessage:
		svc.deleteMessage(ctx, sess, cmd)
	case model.CommandHeartbeat:
		if room := sess.Room(); room != "" {
			svc.presence.Heartbeat(room, sess.UserID)
		}
	case model.CommandTyping:
		if room := sess.Room(); room != "" {
			svc.emit(sess, model.Event{
				Type:     model.EventUserTyping,
				Room:     room,
				UserID:   sess.UserID,
				UserName: sess.DisplayName,
				Typing:   cmd.Typing,
			})
		}
	default:
		svc.SendError(sess, "unknown command type")
	}
}

// SendError delivers an ERROR event to this session only.
func (svc *Service) SendError(sess *model.Session, msg string) {
	ev := model.Event{
		Type:   model.EventError,
		Room:   sess.Room(),
		Seq:    svc.hub.NextSeq(sess.Room()),
		Origin: sess.ID,
		Error:  msg,
	}
	select {
	case sess.Events <- ev:
	default:
		svc.logger.Debug().Str("sessionID", sess.ID).Msg("session full, error event dropped")
	}
}

func (svc *Service) joinRoom(ctx context.Context, sess *model.Session, target string) {
	if target == "" {
		svc.SendError(sess, "room is required")
		return
	}
	current := sess.Room()
	if current == target {
		return
	}
	if current != "" {
		svc.leaveRoom(sess, current)
		sess.SetRoom("")
	}
	if err := svc.hub.Attach(target, sess.ID, sess.Events); err != nil {
		svc.SendError(sess, "unable to join room: "+err.Error())
		return
	}
	sess.SetRoom(target)
	svc.presence.Join(target, sess.UserID)
	svc.emit(sess, model.Event{
		Type:     model.EventUserJoined,
		Room:     target,
		UserID:   sess.UserID,
		UserName: sess.DisplayName,
	})
	svc.refreshOnline(target)
	svc.replayRecent(ctx, sess, target)
}

// leaveRoom announces the leave before detaching, so members on other
// instances still receive USER_LEFT when this was the last local
// session in the room.
func (svc *Service) leaveRoom(sess *model.Session, room string) {
	svc.presence.Leave(room, sess.UserID)
	svc.emit(sess, model.Event{
		Type:     model.EventUserLeft,
		Room:     room,
		UserID:   sess.UserID,
		UserName: sess.DisplayName,
	})
	svc.hub.Detach(room, sess.ID)
	if svc.hub.Subscribers(room) == 0 {
		// The room went quiet on this instance. Cached reads for it are
		// dropped wholesale; invalidation is idempotent, so racing with
		// another instance is harmless.
		svc.invalidateRoom(room)
		return
	}
	svc.refreshOnline(room)
}

func (svc *Service) sendMessage(ctx context.Context, sess *model.Session, cmd model.Command) {
	room := sess.Room()
	if room == "" {
		svc.SendError(sess, "not in a room")
		return
	}
	var stored *model.Message
	err := svc.storeBrk.Do(ctx, func(ctx context.Context) error {
		var storeErr error
		stored, storeErr = svc.store.Send(ctx, model.Message{
			Room:     room,
			UserID:   sess.UserID,
			UserName: sess.DisplayName,
			Content:  cmd.Content,
			ReplyTo:  cmd.ReplyTo,
		})
		return storeErr
	})
	if err != nil {
		svc.logger.Error().Err(err).Str("roomID", room).Msg("message store send failed")
		svc.SendError(sess, "message could not be delivered")
		return
	}
	svc.emit(sess, model.Event{
		Type:      model.EventNewMessage,
		Room:      room,
		UserID:    sess.UserID,
		UserName:  sess.DisplayName,
		MessageID: stored.ID,
		Content:   stored.Content,
		ReplyTo:   stored.ReplyTo,
	})
	svc.countMessage(room)
	svc.invalidateMessages(room)
}

func (svc *Service) editMessage(ctx context.Context, sess *model.Session, cmd model.Command) {
	room := sess.Room()
	if room == "" || cmd.MessageID == "" {
		svc.SendError(sess, "messageId is required")
		return
	}
	var edited *model.Message
	err := svc.storeBrk.Do(ctx, func(ctx context.Context) error {
		var storeErr error
		edited, storeErr = svc.store.Edit(ctx, room, cmd.MessageID, sess.UserID, cmd.Content)
		return storeErr
	})
	if err != nil {
		svc.logger.Error().Err(err).Str("roomID", room).Str("messageID", cmd.MessageID).Msg("message store edit failed")
		svc.SendError(sess, "message could not be edited")
		return
	}
	svc.emit(sess, model.Event{
		Type:      model.EventMessageEdited,
		Room:      room,
		UserID:    sess.UserID,
		UserName:  sess.DisplayName,
		MessageID: edited.ID,
		Content:   edited.Content,
	})
	svc.invalidateMessages(room)
}

func (svc *Service) deleteMessage(ctx context.Context, sess *model.Session, cmd model.Command) {
	room := sess.Room()
	if room == "" || cmd.MessageID == "" {
		svc.SendError(sess, "messageId is required")
		return
	}
	err := svc.storeBrk.Do(ctx, func(ctx context.Context) error {
		return svc.store.Delete(ctx, room, cmd.MessageID, sess.UserID)
	})
	if err != nil {
		svc.logger.Error().Err(err).Str("roomID", room).Str("messageID", cmd.MessageID).Msg("message store delete failed")
		svc.SendError(sess, "message could not be deleted")
		return
	}
	svc.emit(sess, model.Event{
		Type:      model.EventMessageDeleted,
		Room:      room,
		UserID:    sess.UserID,
		MessageID: cmd.MessageID,
	})
	svc.invalidateMessages(room)
}

// emit stamps the sequence number and origin and hands the event to
// the hub.
func (svc *Service) emit(sess *model.Session, ev model.Event) {
	ev.Seq = svc.hub.NextSeq(ev.Room)
	ev.Origin = sess.ID
	svc.hub.Emit(ev.Room, ev)
}

func (svc *Service) countMessage(roomID string) {
	count, _ := svc.msgCounts.LoadOrStore(roomID, new(int64))
	atomic.AddInt64(count.(*int64), 1)
}

func (svc *Service) messagesSeen(roomID string) int64 {
	if count, ok := svc.msgCounts.Load(roomID); ok {
		return atomic.LoadInt64(count.(*int64))
	}
	return 0
}

// replayRecent catches a joining session up with the room's recent
// messages. Delivery is to this session only and best-effort: a replay
// failure never rejects the join.
func (svc *Service) replayRecent(ctx context.Context, sess *model.Session, roomID string) {
	page, err := svc.recentMessages(ctx, roomID)
	if err != nil {
		svc.logger.Warn().Err(err).Str("roomID", roomID).Msg("history replay failed")
		return
	}
	for _, msg := range page {
		ev := model.Event{
			Type:      model.EventNewMessage,
			Room:      roomID,
			UserID:    msg.UserID,
			UserName:  msg.UserName,
			MessageID: msg.ID,
			Content:   msg.Content,
			ReplyTo:   msg.ReplyTo,
		}
		select {
		case sess.Events <- ev:
		default:
			// session is already backed up, drop the rest of the page
			return
		}
	}
}

// recentMessages is the cache-first read path for the room's latest
// message page. A store miss fills the cache for the next joiner.
func (svc *Service) recentMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	if svc.cache != nil {
		page, ok, err := svc.cache.GetMessages(ctx, roomID)
		if err != nil {
			svc.logger.Warn().Err(err).Str("roomID", roomID).Msg("message page cache read failed")
		} else if ok {
			return page, nil
		}
	}
	var page []model.Message
	err := svc.storeBrk.Do(ctx, func(ctx context.Context) error {
		var storeErr error
		page, storeErr = svc.store.Recent(ctx, roomID, recentPageSize)
		return storeErr
	})
	if err != nil {
		return nil, err
	}
	if svc.cache != nil && len(page) > 0 {
		if err = svc.cache.SetMessages(ctx, roomID, page); err != nil {
			svc.logger.Warn().Err(err).Str("roomID", roomID).Msg("message page cache fill failed")
		}
	}
	return page, nil
}

func (svc *Service) invalidateRoom(roomID string) {
	if svc.cache == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cacheRefreshTimeout)
		defer cancel()
		if err := svc.cache.InvalidateRoom(ctx, roomID); err != nil {
			svc.logger.Warn().Err(err).Str("roomID", roomID).Msg("room invalidation failed")
		}
	}()
}

func (svc *Service) invalidateMessages(roomID string) {
	if svc.cache == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cacheRefreshTimeout)
		defer cancel()
		if err := svc.cache.InvalidateMessages(ctx, roomID); err != nil {
			svc.logger.Warn().Err(err).Str("roomID", roomID).Msg("message page invalidation failed")
		}
	}()
}

// refreshOnline pushes the current online set and stats snapshot to
// the cache, best-effort.
func (svc *Service) refreshOnline(roomID string) {
	if svc.cache == nil {
		return
	}
	users := svc.presence.ListOnline(roomID)
	seen := svc.messagesSeen(roomID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cacheRefreshTimeout)
		defer cancel()
		if err := svc.cache.SetOnline(ctx, roomID, users); err != nil {
			svc.logger.Warn().Err(err).Str("roomID", roomID).Msg("online set refresh failed")
			return
		}
		err := svc.cache.SetStats(ctx, roomID, cache.RoomStats{
			RoomID:       roomID,
			Online:       len(users),
			MessagesSeen: seen,
		})
		if err != nil {
			svc.logger.Warn().Err(err).Str("roomID", roomID).Msg("stats refresh failed")
		}
	}()
}
