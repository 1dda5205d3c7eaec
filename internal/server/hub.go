// Package server runs the room relay: the Hub serializes every connection
// event through one loop, mutates the presence registry and fans out the
// resulting messages to the members of the affected room.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/roomchat/internal/dependencies/clock"
	"github.com/Tyrowin/roomchat/internal/message"
	"github.com/Tyrowin/roomchat/internal/presence"
)

// ErrHubStopped is returned when a connection is handed to a hub that has
// been shut down.
var ErrHubStopped = errors.New("hub stopped")

// Events delivered to the hub loop. Each one is handled by exactly one
// handler function.
type (
	connect struct {
		client *Client
	}
	joinRoom struct {
		client   *Client
		username string
		room     string
	}
	chatMessage struct {
		client *Client
		text   string
	}
	disconnect struct {
		client *Client
	}
)

// HubConfig carries the hub's dependencies. Zero values are replaced with
// defaults by NewHub.
type HubConfig struct {
	Config   Config
	Registry *presence.Registry
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Hub owns the live connections, the room groups and the presence registry.
// Its maps are only touched from the Run goroutine.
type Hub struct {
	cfg       Config
	registry  *presence.Registry
	formatter *message.Formatter
	clock     clock.Clock
	logger    *slog.Logger

	clients map[string]*Client
	rooms   map[string]map[string]*Client
	slow    []*Client

	events  chan any
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// NewHub creates a Hub ready to Run.
func NewHub(hc HubConfig) *Hub {
	if hc.Registry == nil {
		hc.Registry = presence.NewRegistry()
	}
	if hc.Clock == nil {
		hc.Clock = clock.New()
	}
	if hc.Logger == nil {
		hc.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:       hc.Config.Sanitize(),
		registry:  hc.Registry,
		formatter: message.NewFormatter(hc.Clock),
		clock:     hc.Clock,
		logger:    hc.Logger,
		clients:   make(map[string]*Client),
		rooms:     make(map[string]map[string]*Client),
		events:    make(chan any),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Registry returns the presence registry the hub mutates.
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// Register hands a new connection to the hub, which starts its pumps.
func (h *Hub) Register(c *Client) error {
	if !h.dispatch(connect{client: c}) {
		return ErrHubStopped
	}
	return nil
}

// dispatch queues ev for the loop. It returns false once the hub is stopping.
func (h *Hub) dispatch(ev any) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Start launches Run in its own goroutine. Shutdown called any time after
// Start waits for the loop to exit.
func (h *Hub) Start() {
	h.running.Store(true)
	go h.Run()
}

// Run processes events until Shutdown is called. Callers that run it on
// their own goroutine should prefer Start.
func (h *Hub) Run() {
	h.running.Store(true)
	defer close(h.done)

	h.logger.Info("hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

func (h *Hub) handle(ev any) {
	switch e := ev.(type) {
	case connect:
		h.handleConnect(e.client)
	case joinRoom:
		h.handleJoinRoom(e)
	case chatMessage:
		h.handleChatMessage(e)
	case disconnect:
		h.handleDisconnect(e.client)
	default:
		h.logger.Error("unknown hub event", slog.Any("event", ev))
	}
	h.evictSlowClients()
}

func (h *Hub) handleConnect(c *Client) {
	if c == nil {
		h.logger.Warn("received nil client registration; skipping")
		return
	}
	h.attach(c)

	if c.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// attach records c as a live, anonymous connection.
func (h *Hub) attach(c *Client) {
	h.clients[c.id] = c
	c.logger.Info("client connected", slog.Int("clients", len(h.clients)))
}

// handleJoinRoom moves an anonymous connection into a room.
func (h *Hub) handleJoinRoom(e joinRoom) {
	c := e.client
	if h.clients[c.id] != c || c.state != stateAnonymous {
		c.logger.Warn("ignoring join",
			slog.String("state", c.state.String()),
			slog.String("room", e.room),
		)
		return
	}

	user, err := h.registry.Join(c.id, e.username, e.room)
	if err != nil {
		c.logger.Warn("join rejected", slog.Any("error", err))
		return
	}
	c.state = stateJoined
	h.subscribe(user.Room, c)

	h.sendMessage(c, h.formatter.Welcome())
	h.broadcastMessage(user.Room, h.formatter.Joined(user.Username), c)
	h.broadcastRoomUsers(user.Room)

	c.logger.Info("user joined room",
		slog.String("username", user.Username),
		slog.String("room", user.Room),
	)
}

// handleChatMessage relays a line to the sender's room, sender included.
// Messages from connections without a user are dropped.
func (h *Hub) handleChatMessage(e chatMessage) {
	user, err := h.registry.Find(e.client.id)
	if err != nil {
		e.client.logger.Debug("dropping chat message from connection without a room", slog.Any("error", err))
		return
	}

	h.broadcastMessage(user.Room, h.formatter.Format(user.Username, e.text), nil)
}

// handleDisconnect is the terminal transition. It is idempotent: the read
// pump, slow consumer eviction and shutdown may all reach it.
func (h *Hub) handleDisconnect(c *Client) {
	if c == nil || c.state == stateDisconnected {
		return
	}
	c.state = stateDisconnected
	delete(h.clients, c.id)
	close(c.send)

	user, err := h.registry.Leave(c.id)
	if err != nil {
		c.logger.Info("client disconnected before joining a room", slog.Int("clients", len(h.clients)))
		return
	}
	h.unsubscribe(user.Room, c)

	h.broadcastMessage(user.Room, h.formatter.Left(user.Username), nil)
	h.broadcastRoomUsers(user.Room)

	c.logger.Info("user left room",
		slog.String("username", user.Username),
		slog.String("room", user.Room),
		slog.Int("clients", len(h.clients)),
	)
}

func (h *Hub) subscribe(room string, c *Client) {
	group, ok := h.rooms[room]
	if !ok {
		group = make(map[string]*Client)
		h.rooms[room] = group
	}
	group[c.id] = c
}

func (h *Hub) unsubscribe(room string, c *Client) {
	group := h.rooms[room]
	delete(group, c.id)
	if len(group) == 0 {
		delete(h.rooms, room)
	}
}

// sendMessage delivers msg to a single connection.
func (h *Hub) sendMessage(c *Client, msg message.Message) {
	frame, err := encodeMessage(msg)
	if err != nil {
		h.logger.Error("encode message", slog.Any("error", err))
		return
	}
	h.enqueue(c, frame)
}

// broadcastMessage delivers msg to every connection in room except skip.
func (h *Hub) broadcastMessage(room string, msg message.Message, skip *Client) {
	frame, err := encodeMessage(msg)
	if err != nil {
		h.logger.Error("encode message", slog.Any("error", err))
		return
	}
	h.fanOut(room, frame, skip)
}

// broadcastRoomUsers sends the current member list of room to all its members.
func (h *Hub) broadcastRoomUsers(room string) {
	frame, err := encodeRoomUsers(room, h.registry.RoomMembers(room))
	if err != nil {
		h.logger.Error("encode room users", slog.Any("error", err))
		return
	}
	h.fanOut(room, frame, nil)
}

// fanOut addresses the registry's view of room and resolves each user to its
// subscribed connection.
func (h *Hub) fanOut(room string, frame []byte, skip *Client) {
	group := h.rooms[room]
	users := h.registry.InRoom(room)

	h.logger.Debug("fan out", slog.String("room", room), slog.Int("members", len(users)))
	for _, user := range users {
		c, ok := group[user.ID]
		if !ok || c == skip {
			continue
		}
		h.enqueue(c, frame)
	}
}

// enqueue never blocks the loop. A full queue marks the connection for
// eviction once the current event is done.
func (h *Hub) enqueue(c *Client, frame []byte) {
	if c.state == stateDisconnected {
		return
	}

	select {
	case c.send <- frame:
	default:
		h.slow = append(h.slow, c)
	}
}

// evictSlowClients disconnects connections whose queue overflowed. Evicting
// one can overflow another, so it drains until no connection is pending.
func (h *Hub) evictSlowClients() {
	for len(h.slow) > 0 {
		c := h.slow[0]
		h.slow = h.slow[1:]
		if c.state == stateDisconnected {
			continue
		}

		c.logger.Warn("removing client with full send buffer")
		h.handleDisconnect(c)
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				c.logger.Warn("close evicted connection", slog.Any("error", err))
			}
		}
	}
}

// shutdownClients closes every live connection without notifying rooms.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	count := 0
	for id, c := range h.clients {
		c.state = stateDisconnected
		close(c.send)
		_, _ = h.registry.Leave(id)
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				c.logger.Warn("close client connection", slog.Any("error", err))
			}
		}
		count++
	}
	clear(h.clients)
	clear(h.rooms)

	h.logger.Info("closed client connections", slog.Int("count", count))
}

// Shutdown stops the hub and waits for every pump goroutine to finish, or
// for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")
	h.cancel()

	if !h.running.Load() {
		return nil
	}
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
