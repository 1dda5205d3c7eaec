// Package testhelpers provides WebSocket client utilities shared by the relay
// tests.
//
// It wraps the gorilla dialer with the protocol's JSON envelopes so tests can
// send joinRoom and chatMessage events and read back message and roomUsers
// events with deadlines instead of sleeps.
package testhelpers

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:3000"

// Envelope is a decoded server frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ChatMessage is the data of a "message" event.
type ChatMessage struct {
	Username string `json:"username"`
	Text     string `json:"text"`
	Time     string `json:"time"`
}

// RoomUsers is the data of a "roomUsers" event.
type RoomUsers struct {
	Room  string `json:"room"`
	Users []struct {
		Username string `json:"username"`
	} `json:"users"`
}

// Usernames flattens the member list.
func (r RoomUsers) Usernames() []string {
	names := make([]string, 0, len(r.Users))
	for _, u := range r.Users {
		names = append(names, u.Username)
	}
	return names
}

// WebSocketURL turns an httptest server URL into the relay's ws:// endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url with the test origin.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin dials url sending origin, or no Origin header
// when origin is empty.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect dials url and closes the connection when the test ends.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendEvent writes one envelope.
func SendEvent(conn *websocket.Conn, event string, data any) error {
	return conn.WriteJSON(map[string]any{"event": event, "data": data})
}

// JoinRoom sends a joinRoom event.
func JoinRoom(t *testing.T, conn *websocket.Conn, username, room string) {
	t.Helper()
	require.NoError(t, SendEvent(conn, "joinRoom", map[string]string{"username": username, "room": room}))
}

// SendChat sends a chatMessage event.
func SendChat(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, SendEvent(conn, "chatMessage", map[string]string{"text": text}))
}

// ReadEnvelope reads the next frame within timeout.
func ReadEnvelope(conn *websocket.Conn, timeout time.Duration) (Envelope, error) {
	var env Envelope
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return env, err
	}
	err := conn.ReadJSON(&env)
	return env, err
}

// ExpectMessage reads the next frame and requires a "message" event.
func ExpectMessage(t *testing.T, conn *websocket.Conn) ChatMessage {
	t.Helper()
	env, err := ReadEnvelope(conn, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "message", env.Event, "unexpected frame: %s", string(env.Data))

	var msg ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	return msg
}

// ExpectRoomUsers reads the next frame and requires a "roomUsers" event.
func ExpectRoomUsers(t *testing.T, conn *websocket.Conn) RoomUsers {
	t.Helper()
	env, err := ReadEnvelope(conn, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "roomUsers", env.Event, "unexpected frame: %s", string(env.Data))

	var users RoomUsers
	require.NoError(t, json.Unmarshal(env.Data, &users))
	return users
}

// ExpectNoFrame requires that nothing arrives within wait. A timed out read
// leaves the connection unusable for reading, so call it last.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	env, err := ReadEnvelope(conn, wait)
	if err == nil {
		t.Fatalf("expected no frame, got %s: %s", env.Event, string(env.Data))
	}

	var netErr net.Error
	require.ErrorAs(t, err, &netErr, "expected read timeout")
	require.True(t, netErr.Timeout(), "expected read timeout, got %v", err)
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
