package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarulin/chatcore/backend/auth"
	"github.com/mkarulin/chatcore/backend/hub"
	"github.com/mkarulin/chatcore/backend/model"
	"github.com/mkarulin/chatcore/backend/presence"
	"github.com/mkarulin/chatcore/backend/registry"
	"github.com/mkarulin/chatcore/backend/relay"
	"github.com/mkarulin/chatcore/backend/resilience"
	"github.com/mkarulin/chatcore/backend/service"
	store "github.com/mkarulin/chatcore/backend/storage/memory"
)

const testSecret = "test-secret"

type stubRelay struct{}

func (stubRelay) Publish(context.Context, relay.Category, model.Event) error { return nil }

func (stubRelay) Subscribe(ctx context.Context, _ relay.Category) (<-chan model.Event, error) {
	ch := make(chan model.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type testEnv struct {
	ts  *httptest.Server
	jwt *auth.JWT
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	brkCfg := resilience.Config{MaxAttempts: 1, WindowSize: 100}
	verifier := auth.NewJWT(testSecret)

	roomHub := hub.NewHub(hub.Config{
		Logger:         &logger,
		Relay:          stubRelay{},
		PublishBreaker: resilience.NewBreaker("relay", brkCfg, &logger),
		InstanceID:     "test-instance",
	})
	svc := service.NewService(service.Config{
		Logger:        &logger,
		Authenticator: verifier,
		MessageStore:  store.NewMemStore(),
		Hub:           roomHub,
		Presence:      presence.NewTracker(time.Minute, nil, &logger),
		Sessions:      registry.NewRegistry(0),
		AuthBreaker:   resilience.NewBreaker("auth", brkCfg, &logger),
		StoreBreaker:  resilience.NewBreaker("store", brkCfg, &logger),
		InstanceID:    "test-instance",
		SessionBuffer: 16,
	})
	srv := NewServer(Config{
		Logger:        &logger,
		Sessions:      svc,
		ListenAddr:    ":0",
		MaxFrameBytes: 256,
	})

	ts := httptest.NewServer(srv.Server.Handler)
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, jwt: verifier}
}

func (env *testEnv) token(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := env.jwt.Issue(auth.Claims{UserID: userID, DisplayName: name}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return token
}

func (env *testEnv) dial(t *testing.T, room, userID, name, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(env.ts.URL, "http") +
		"/ws?room=" + room + "&userId=" + userID + "&userName=" + name + "&token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendCmd(t *testing.T, conn *websocket.Conn, cmd model.Command) {
	t.Helper()
	b, err := json.Marshal(&cmd)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

// readUntil reads frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) model.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, b, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev model.Event
		require.NoError(t, json.Unmarshal(b, &ev))
		if ev.Type == eventType {
			return ev
		}
	}
	t.Fatalf("no %s event arrived", eventType)
	return model.Event{}
}

// waitJoined reads frames until the given user's USER_JOINED arrives.
// Sessions see their own join too, so matching on type alone is not
// enough to know a peer is attached.
func waitJoined(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, b, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev model.Event
		require.NoError(t, json.Unmarshal(b, &ev))
		if ev.Type == model.EventUserJoined && ev.UserID == userID {
			return
		}
	}
	t.Fatalf("user %s never joined", userID)
}

// expectSilence fails if any event of the given type arrives shortly.
func expectSilence(t *testing.T, conn *websocket.Conn, eventType string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return // timeout == silence
		}
		var ev model.Event
		if json.Unmarshal(b, &ev) == nil && ev.Type == eventType {
			t.Fatalf("unexpected %s event: %+v", eventType, ev)
		}
	}
}

func TestHandshake_MissingParams(t *testing.T) {
	env := newTestEnv(t)

	u := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws?room=geral"
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandshake_BadTokenRejectsAfterUpgrade(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t, "geral", "u1", "Alice", "garbage-token")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev model.Event
	require.NoError(t, json.Unmarshal(b, &ev))
	assert.Equal(t, model.EventError, ev.Type)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"rejected connection closes with a policy violation, got: %v", err)
}

func TestChat_MessageReachesEveryMember(t *testing.T) {
	env := newTestEnv(t)

	connA := env.dial(t, "geral", "u1", "Alice", env.token(t, "u1", "Alice"))
	connB := env.dial(t, "geral", "u2", "Bob", env.token(t, "u2", "Bob"))

	// both see Bob's join, proving both sessions are attached
	waitJoined(t, connA, "u2")
	waitJoined(t, connB, "u2")

	sendCmd(t, connA, model.Command{Type: model.CommandSendMessage, Content: "hi"})

	evA := readUntil(t, connA, model.EventNewMessage)
	evB := readUntil(t, connB, model.EventNewMessage)
	assert.Equal(t, "hi", evA.Content)
	assert.Equal(t, "hi", evB.Content)
	assert.Equal(t, evA.MessageID, evB.MessageID)

	// exactly one delivery each
	expectSilence(t, connA, model.EventNewMessage)
	expectSilence(t, connB, model.EventNewMessage)
}

func TestChat_UnknownCommandErrorIsPrivate(t *testing.T) {
	env := newTestEnv(t)

	connA := env.dial(t, "geral", "u1", "Alice", env.token(t, "u1", "Alice"))
	connB := env.dial(t, "geral", "u2", "Bob", env.token(t, "u2", "Bob"))
	waitJoined(t, connB, "u2")

	sendCmd(t, connA, model.Command{Type: "UNKNOWN"})

	ev := readUntil(t, connA, model.EventError)
	assert.NotEmpty(t, ev.Error)
	expectSilence(t, connB, model.EventError)
}

func TestChat_MalformedFrameKeepsConnection(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t, "geral", "u1", "Alice", env.token(t, "u1", "Alice"))
	readUntil(t, conn, model.EventUserJoined)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	readUntil(t, conn, model.EventError)

	// the session survived and still works
	sendCmd(t, conn, model.Command{Type: model.CommandSendMessage, Content: "still here"})
	ev := readUntil(t, conn, model.EventNewMessage)
	assert.Equal(t, "still here", ev.Content)
}

func TestChat_OversizeFrameDropped(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t, "geral", "u1", "Alice", env.token(t, "u1", "Alice"))
	readUntil(t, conn, model.EventUserJoined)

	big := model.Command{Type: model.CommandSendMessage, Content: strings.Repeat("x", 512)}
	sendCmd(t, conn, big)
	readUntil(t, conn, model.EventError)

	// a gorilla conn never recovers from a read timeout, so the silence
	// check must be the last read: the "small" delivery arriving first
	// already proves the oversize frame was never broadcast
	sendCmd(t, conn, model.Command{Type: model.CommandSendMessage, Content: "small"})
	ev := readUntil(t, conn, model.EventNewMessage)
	assert.Equal(t, "small", ev.Content)
	expectSilence(t, conn, model.EventNewMessage)
}

func TestChat_ReplayNeverRedeliversSeenMessages(t *testing.T) {
	env := newTestEnv(t)

	connA := env.dial(t, "geral", "u1", "Alice", env.token(t, "u1", "Alice"))
	connB := env.dial(t, "geral", "u2", "Bob", env.token(t, "u2", "Bob"))
	waitJoined(t, connA, "u2")
	waitJoined(t, connB, "u2")

	sendCmd(t, connA, model.Command{Type: model.CommandSendMessage, Content: "hi"})
	readUntil(t, connA, model.EventNewMessage)

	// leave and come back: the rejoin replays the room's history, which
	// carries the message this connection already received once
	sendCmd(t, connA, model.Command{Type: model.CommandJoinRoom, Room: "random"})
	waitJoined(t, connA, "u1")
	sendCmd(t, connA, model.Command{Type: model.CommandJoinRoom, Room: "geral"})
	waitJoined(t, connA, "u1")

	expectSilence(t, connA, model.EventNewMessage)
}

func TestChat_RoomSwitch(t *testing.T) {
	env := newTestEnv(t)

	connA := env.dial(t, "geral", "u1", "Alice", env.token(t, "u1", "Alice"))
	connB := env.dial(t, "geral", "u2", "Bob", env.token(t, "u2", "Bob"))
	waitJoined(t, connA, "u2")
	waitJoined(t, connB, "u2")

	sendCmd(t, connA, model.Command{Type: model.CommandJoinRoom, Room: "random"})

	left := readUntil(t, connB, model.EventUserLeft)
	assert.Equal(t, "u1", left.UserID)

	// messages in the old room no longer reach the mover
	sendCmd(t, connB, model.Command{Type: model.CommandSendMessage, Content: "bye"})
	readUntil(t, connB, model.EventNewMessage)
	expectSilence(t, connA, model.EventNewMessage)
}
