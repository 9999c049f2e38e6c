// Package ws pushes rendered views and market events to connected players.
// The Hub is the view.Display: it remembers which session each player has in
// the foreground and forgets it when the player closes the view or
// disconnects.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/playermarket/internal/domain"
	"github.com/alanyoungcy/playermarket/internal/view"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
	sendBufferSize = 64
)

// Message types pushed to clients.
const (
	TypeHello       = "hello"
	TypeView        = "view"
	TypeMarketEvent = "market_event"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Envelope is the JSON frame written to clients.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// inbound is a client-to-server frame.
type inbound struct {
	Action string `json:"action"` // "close", "subscribe" or "unsubscribe"
}

type client struct {
	hub      *Hub
	playerID string
	conn     *websocket.Conn
	send     chan []byte

	mu     sync.RWMutex
	events bool // receives market events
}

// Hub tracks one connection per player. A second connection for the same
// player replaces the first.
type Hub struct {
	clients    map[*client]bool
	byPlayer   map[string]*client
	showing    map[string]string // player -> session id in the foreground
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	stopped    chan struct{}
	bus        domain.SignalBus
	onClose    func(playerID string)
	startedAt  time.Time
	mu         sync.RWMutex
	logger     *slog.Logger
}

var _ view.Display = (*Hub)(nil)

// NewHub creates a Hub. bus may be nil, in which case no market events are
// forwarded.
func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		byPlayer:   make(map[string]*client),
		showing:    make(map[string]string),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopped:    make(chan struct{}),
		bus:        bus,
		startedAt:  time.Now().UTC(),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// SetOnClose registers fn to run when a player closes their view or their
// connection drops. fn runs on its own goroutine.
func (h *Hub) SetOnClose(fn func(playerID string)) {
	h.mu.Lock()
	h.onClose = fn
	h.mu.Unlock()
}

// Show pushes s to the player and records it as their foreground session.
// It never blocks; a full send buffer drops the frame.
func (h *Hub) Show(playerID string, s view.Session) {
	msg, err := json.Marshal(Envelope{Type: TypeView, Payload: s})
	if err != nil {
		h.logger.Error("ws: marshal view failed", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.showing[playerID] = s.ID
	c := h.byPlayer[playerID]
	if c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("ws: dropping view for slow client", slog.String("player_id", playerID))
	}
}

// Showing reports whether sessionID is still the player's foreground session.
func (h *Hub) Showing(playerID, sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.showing[playerID] == sessionID
}

// Hide forgets the player's foreground session and fires the close callback.
func (h *Hub) Hide(playerID string) {
	h.mu.Lock()
	delete(h.showing, playerID)
	fn := h.onClose
	h.mu.Unlock()

	if fn != nil {
		go fn(playerID)
	}
}

// Run handles registration and event fan-out until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.stopped)
	if h.bus != nil {
		go h.subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			clear(h.byPlayer)
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			if old := h.byPlayer[c.playerID]; old != nil {
				delete(h.clients, old)
				close(old.send)
			}
			h.clients[c] = true
			h.byPlayer[c.playerID] = c
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.String("player_id", c.playerID),
				slog.Int("total_clients", total),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			current := h.byPlayer[c.playerID] == c
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			if current {
				delete(h.byPlayer, c.playerID)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.String("player_id", c.playerID),
				slog.Int("total_clients", total),
			)
			if current {
				h.Hide(c.playerID)
			}

		case data := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wantsEvents() {
					continue
				}
				select {
				case c.send <- data:
				default:
					h.logger.Warn("ws: dropping event for slow client", slog.String("player_id", c.playerID))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// subscribe forwards market events from the bus to every client.
func (h *Hub) subscribe(ctx context.Context) {
	msgCh, err := h.bus.Subscribe(ctx, domain.MarketEventsChannel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", domain.MarketEventsChannel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: subscribed to channel", slog.String("channel", domain.MarketEventsChannel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed", slog.String("channel", domain.MarketEventsChannel))
				return
			}
			msg, err := json.Marshal(Envelope{Type: TypeMarketEvent, Payload: json.RawMessage(data)})
			if err != nil {
				continue
			}
			select {
			case h.broadcast <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the connection for the player
// named by the "player" query parameter.
// GET /ws?player=...
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("player")
	if playerID == "" {
		http.Error(w, `{"error":"player query parameter required"}`, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:      h,
		playerID: playerID,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		events:   true,
	}

	select {
	case h.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return
	case <-h.stopped:
		conn.Close()
		return
	}
	c.sendHello()

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("player_id", c.playerID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var in inbound
		if err := json.Unmarshal(message, &in); err != nil {
			continue
		}
		switch in.Action {
		case "close":
			c.hub.Hide(c.playerID)
		case "subscribe":
			c.setEvents(true)
		case "unsubscribe":
			c.setEvents(false)
		}
	}
}

func (c *client) wantsEvents() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.events
}

func (c *client) setEvents(on bool) {
	c.mu.Lock()
	c.events = on
	c.mu.Unlock()
}

func (c *client) sendHello() {
	uptime := max(int64(time.Since(c.hub.startedAt).Seconds()), 0)
	msg, err := json.Marshal(Envelope{
		Type: TypeHello,
		Payload: map[string]any{
			"player_id":      c.playerID,
			"uptime_seconds": uptime,
		},
	})
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
