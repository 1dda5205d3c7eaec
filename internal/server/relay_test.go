package server_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/message"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/testhelpers"
)

const quiet = 200 * time.Millisecond

type relay struct {
	url      string
	wsURL    string
	registry *presence.Registry
}

func startRelay(t *testing.T, configure func(*server.Config)) relay {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{testhelpers.TestOrigin}
	if configure != nil {
		configure(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := presence.NewRegistry()
	hub := server.NewHub(server.HubConfig{Config: cfg, Registry: registry, Logger: logger})
	hub.Start()

	ts := httptest.NewServer(server.SetupRoutes(server.NewHandlers(hub, cfg, logger), logger))
	t.Cleanup(func() {
		assert.NoError(t, hub.Shutdown(2*time.Second))
		ts.Close()
	})

	return relay{url: ts.URL, wsURL: testhelpers.WebSocketURL(ts.URL), registry: registry}
}

// joinAndDrain joins room and consumes the welcome and roomUsers frames.
func joinAndDrain(t *testing.T, conn *websocket.Conn, username, room string) {
	t.Helper()
	testhelpers.JoinRoom(t, conn, username, room)
	welcome := testhelpers.ExpectMessage(t, conn)
	require.Equal(t, "Welcome to ChatCord!", welcome.Text)
	testhelpers.ExpectRoomUsers(t, conn)
}

func TestJoinEmptyRoom(t *testing.T) {
	r := startRelay(t, nil)
	a := testhelpers.MustConnect(t, r.wsURL)

	testhelpers.JoinRoom(t, a, "alice", "general")

	welcome := testhelpers.ExpectMessage(t, a)
	assert.Equal(t, message.SystemSender, welcome.Username)
	assert.Equal(t, "Welcome to ChatCord!", welcome.Text)
	_, err := time.Parse(message.TimeLayout, welcome.Time)
	assert.NoError(t, err)

	users := testhelpers.ExpectRoomUsers(t, a)
	assert.Equal(t, "general", users.Room)
	assert.Equal(t, []string{"alice"}, users.Usernames())

	testhelpers.ExpectNoFrame(t, a, quiet)
}

func TestSecondUserJoins(t *testing.T) {
	r := startRelay(t, nil)
	a := testhelpers.MustConnect(t, r.wsURL)
	b := testhelpers.MustConnect(t, r.wsURL)
	joinAndDrain(t, a, "alice", "general")

	testhelpers.JoinRoom(t, b, "bob", "general")

	assert.Equal(t, "Welcome to ChatCord!", testhelpers.ExpectMessage(t, b).Text)
	assert.Equal(t, []string{"alice", "bob"}, testhelpers.ExpectRoomUsers(t, b).Usernames())

	joined := testhelpers.ExpectMessage(t, a)
	assert.Equal(t, message.SystemSender, joined.Username)
	assert.Equal(t, "bob has joined the chat", joined.Text)
	assert.Equal(t, []string{"alice", "bob"}, testhelpers.ExpectRoomUsers(t, a).Usernames())

	testhelpers.ExpectNoFrame(t, b, quiet)
}

func TestChatMessageEcho(t *testing.T) {
	r := startRelay(t, nil)
	a := testhelpers.MustConnect(t, r.wsURL)
	joinAndDrain(t, a, "alice", "general")

	testhelpers.SendChat(t, a, "hi")

	msg := testhelpers.ExpectMessage(t, a)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, "hi", msg.Text)
	testhelpers.ExpectNoFrame(t, a, quiet)
}

func TestRoomsAreIsolated(t *testing.T) {
	r := startRelay(t, nil)
	a := testhelpers.MustConnect(t, r.wsURL)
	b := testhelpers.MustConnect(t, r.wsURL)
	joinAndDrain(t, a, "alice", "general")
	joinAndDrain(t, b, "bob", "random")

	testhelpers.SendChat(t, a, "general only")

	assert.Equal(t, "general only", testhelpers.ExpectMessage(t, a).Text)
	testhelpers.ExpectNoFrame(t, b, quiet)
}

func TestDisconnectNotifiesRoom(t *testing.T) {
	r := startRelay(t, nil)
	a := testhelpers.MustConnect(t, r.wsURL)
	b := testhelpers.MustConnect(t, r.wsURL)
	joinAndDrain(t, a, "alice", "general")
	joinAndDrain(t, b, "bob", "general")
	testhelpers.ExpectMessage(t, a)
	testhelpers.ExpectRoomUsers(t, a)

	require.NoError(t, testhelpers.CloseWebSocket(a))

	left := testhelpers.ExpectMessage(t, b)
	assert.Equal(t, message.SystemSender, left.Username)
	assert.Equal(t, "alice has left the chat", left.Text)
	assert.Equal(t, []string{"bob"}, testhelpers.ExpectRoomUsers(t, b).Usernames())

	require.Eventually(t, func() bool { return r.registry.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestChatFromConnectionWithoutRoomIsDropped(t *testing.T) {
	r := startRelay(t, nil)
	a := testhelpers.MustConnect(t, r.wsURL)
	anon := testhelpers.MustConnect(t, r.wsURL)
	joinAndDrain(t, a, "alice", "general")

	testhelpers.SendChat(t, anon, "is anyone here?")
	testhelpers.SendChat(t, a, "after")

	assert.Equal(t, "after", testhelpers.ExpectMessage(t, a).Text)
	testhelpers.ExpectNoFrame(t, a, quiet)
	testhelpers.ExpectNoFrame(t, anon, quiet)
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	r := startRelay(t, func(cfg *server.Config) { cfg.RateLimit.Burst = 20 })
	a := testhelpers.MustConnect(t, r.wsURL)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, testhelpers.SendEvent(a, "shout", map[string]string{"text": "hi"}))
	require.NoError(t, testhelpers.SendEvent(a, "joinRoom", map[string]string{"username": "alice"}))
	require.NoError(t, testhelpers.SendEvent(a, "chatMessage", map[string]string{}))

	joinAndDrain(t, a, "alice", "general")
	testhelpers.SendChat(t, a, "")

	msg := testhelpers.ExpectMessage(t, a)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, "", msg.Text)
}

func TestSecondJoinOnSameConnectionIsIgnored(t *testing.T) {
	r := startRelay(t, nil)
	a := testhelpers.MustConnect(t, r.wsURL)
	joinAndDrain(t, a, "alice", "general")

	testhelpers.JoinRoom(t, a, "alice", "random")
	testhelpers.SendChat(t, a, "still here")

	assert.Equal(t, "still here", testhelpers.ExpectMessage(t, a).Text)
	assert.Empty(t, r.registry.RoomMembers("random"))
	testhelpers.ExpectNoFrame(t, a, quiet)
}

func TestRateLimitDropsExcessFrames(t *testing.T) {
	r := startRelay(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 3, RefillInterval: time.Minute}
	})
	a := testhelpers.MustConnect(t, r.wsURL)
	joinAndDrain(t, a, "alice", "general")

	for i := 0; i < 5; i++ {
		testhelpers.SendChat(t, a, "spam")
	}

	testhelpers.ExpectMessage(t, a)
	testhelpers.ExpectMessage(t, a)
	testhelpers.ExpectNoFrame(t, a, quiet)
}

func TestOversizedFrameDisconnects(t *testing.T) {
	r := startRelay(t, func(cfg *server.Config) { cfg.MaxMessageSize = 128 })
	a := testhelpers.MustConnect(t, r.wsURL)
	b := testhelpers.MustConnect(t, r.wsURL)
	joinAndDrain(t, a, "alice", "general")
	joinAndDrain(t, b, "bob", "general")

	testhelpers.SendChat(t, a, strings.Repeat("x", 256))

	assert.Equal(t, "alice has left the chat", testhelpers.ExpectMessage(t, b).Text)
	assert.Equal(t, []string{"bob"}, testhelpers.ExpectRoomUsers(t, b).Usernames())
}

func TestDisallowedOriginIsRejected(t *testing.T) {
	r := startRelay(t, nil)

	for _, origin := range []string{"http://evil.example", ""} {
		conn, err := testhelpers.ConnectWebSocketWithOrigin(r.wsURL, origin)
		if conn != nil {
			_ = conn.Close()
		}
		assert.ErrorIs(t, err, websocket.ErrBadHandshake, "origin %q", origin)
	}
}

func TestHealthEndpoint(t *testing.T) {
	r := startRelay(t, nil)

	resp, err := http.Get(r.url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Chat relay is running!", string(body))
}

func TestWebSocketEndpointRejectsNonGet(t *testing.T) {
	r := startRelay(t, nil)

	resp, err := http.Post(r.url+"/ws", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestShutdownClosesConnections(t *testing.T) {
	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{"*"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := server.NewHub(server.HubConfig{Config: cfg, Logger: logger})
	hub.Start()

	ts := httptest.NewServer(server.SetupRoutes(server.NewHandlers(hub, cfg, logger), logger))
	defer ts.Close()

	a, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(ts.URL))
	require.NoError(t, err)
	defer a.Close()
	joinAndDrain(t, a, "alice", "general")

	require.NoError(t, hub.Shutdown(2*time.Second))

	_, err = testhelpers.ReadEnvelope(a, time.Second)
	assert.Error(t, err)
	assert.Equal(t, 0, hub.Registry().Len())

	late, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(ts.URL))
	if err == nil {
		_, err = testhelpers.ReadEnvelope(late, time.Second)
		_ = late.Close()
	}
	assert.Error(t, err, "a stopped hub must not accept new connections")
}
