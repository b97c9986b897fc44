// Package live pushes change notifications ("pokes") to connected clients
// over WebSockets. A poke carries no data: clients react by re-running
// their subscribed queries.
package live

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Poke tells clients that rows of an organization changed.
type Poke struct {
	Type  string `json:"type"`
	OrgID string `json:"org_id"`
	At    int64  `json:"at"`
}

// PokeType is the message type of a Poke.
const PokeType = "poke"

// Config holds configuration for the Hub.
type Config struct {
	// PingInterval is how often to send ping messages to clients.
	PingInterval time.Duration
	// WriteTimeout is the timeout for writing to a client.
	WriteTimeout time.Duration
	// ReadTimeout is the timeout for reading from a client.
	ReadTimeout time.Duration
	// MaxMessageSize is the maximum size of a message from a client.
	MaxMessageSize int64
	// SendBufferSize is the size of the send buffer per client.
	SendBufferSize int
	// AllowedOrigins restricts the Origin header of upgrades. Empty allows all.
	AllowedOrigins []string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 512,
		SendBufferSize: 16,
	}
}

type client struct {
	id     string
	orgID  string
	userID string
	conn   *websocket.Conn
	send   chan Poke
	hub    *Hub
}

// Hub tracks connected clients per organization and fans pokes out to
// them.
type Hub struct {
	config   Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	clients    map[string]*client
	orgClients map[string]map[string]*client
	closed     bool
}

// NewHub creates a Hub.
func NewHub(cfg Config, logger zerolog.Logger) *Hub {
	h := &Hub{
		config:     cfg,
		logger:     logger.With().Str("component", "live").Logger(),
		clients:    make(map[string]*client),
		orgClients: make(map[string]map[string]*client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Poke notifies the clients of each organization. It never blocks: a
// client whose buffer is full already has a poke pending.
func (h *Hub) Poke(_ context.Context, orgIDs []string) {
	now := time.Now().UnixMilli()

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, orgID := range orgIDs {
		for _, c := range h.orgClients[orgID] {
			select {
			case c.send <- Poke{Type: PokeType, OrgID: orgID, At: now}:
			default:
				h.logger.Debug().Str("client_id", c.id).Msg("client has pending pokes, skipping")
			}
		}
	}
}

// HandleWebSocket upgrades the connection and streams pokes for orgID
// until the client goes away. The caller has already checked that userID
// may see orgID.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, orgID, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	c := &client{
		id:     uuid.NewString(),
		orgID:  orgID,
		userID: userID,
		conn:   conn,
		send:   make(chan Poke, h.config.SendBufferSize),
		hub:    h,
	}
	if !h.add(c) {
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}

	h.clients[c.id] = c
	if _, ok := h.orgClients[c.orgID]; !ok {
		h.orgClients[c.orgID] = make(map[string]*client)
	}
	h.orgClients[c.orgID][c.id] = c

	h.logger.Debug().
		Str("client_id", c.id).
		Str("org_id", c.orgID).
		Str("user_id", c.userID).
		Msg("client connected")
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	if orgClients, ok := h.orgClients[c.orgID]; ok {
		delete(orgClients, c.id)
		if len(orgClients) == 0 {
			delete(h.orgClients, c.orgID)
		}
	}
	close(c.send)

	h.logger.Debug().
		Str("client_id", c.id).
		Str("org_id", c.orgID).
		Msg("client disconnected")
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[string]*client)
	h.orgClients = make(map[string]map[string]*client)
	h.logger.Info().Msg("live hub closed")
}

// ClientCount returns the number of connected clients for an organization.
func (h *Hub) ClientCount(orgID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.orgClients[orgID])
}

// TotalClientCount returns the number of connected clients.
func (h *Hub) TotalClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump discards client messages and detects disconnects.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case poke, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(poke); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
