// Package websocket streams reconciled auction state to connected clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aaronwang/auction-core/internal/models"
	"github.com/aaronwang/auction-core/internal/reconcile"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

// Message is what clients receive
type Message struct {
	Type      string          `json:"type"`
	AuctionID string          `json:"auction_id"`
	ClientID  string          `json:"client_id,omitempty"`
	Auction   *models.Auction `json:"auction,omitempty"`
}

// Message types
const (
	TypeConnected = "connected"
	TypeAuction   = "auction"
	TypeRemoved   = "removed"
)

// Manager manages all WebSocket connections
type Manager struct {
	logger *zap.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	// mu guards subscribers: auctionID -> set of clients watching it.
	// Only Run writes it.
	mu          sync.RWMutex
	subscribers map[string]map[*Client]bool
}

// Client represents a WebSocket client connection
type Client struct {
	ID        string
	AuctionID string
	Conn      *websocket.Conn
	Send      chan []byte
}

// BroadcastMessage represents a message to broadcast to all clients watching an auction
type BroadcastMessage struct {
	AuctionID string
	Payload   []byte
}

// NewManager creates a new WebSocket manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:      logger.With(zap.String("component", "websocket")),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *BroadcastMessage, sendBuffer),
		done:        make(chan struct{}),
		subscribers: make(map[string]map[*Client]bool),
	}
}

// Run starts the manager's main loop until ctx is done.
// This should run in a goroutine.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return

		case client := <-m.register:
			m.registerClient(client)

		case client := <-m.unregister:
			m.unregisterClient(client)

		case message := <-m.broadcast:
			m.broadcastToAuction(message.AuctionID, message.Payload)
		}
	}
}

// Forward turns view updates into broadcasts until ctx is done or updates closes
func (m *Manager) Forward(ctx context.Context, updates <-chan reconcile.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			msg := Message{Type: TypeAuction, AuctionID: u.AuctionID, Auction: u.Auction}
			if u.Auction == nil {
				msg.Type = TypeRemoved
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				m.logger.Warn("Failed to encode update", zap.String("auction_id", u.AuctionID), zap.Error(err))
				continue
			}
			m.Broadcast(u.AuctionID, payload)
		}
	}
}

// RegisterClient adds a client to the manager. It reports false once the
// manager has stopped.
func (m *Manager) RegisterClient(client *Client) bool {
	select {
	case m.register <- client:
		return true
	case <-m.done:
		return false
	}
}

// Broadcast sends a message to all clients watching an auction
func (m *Manager) Broadcast(auctionID string, payload []byte) {
	select {
	case m.broadcast <- &BroadcastMessage{AuctionID: auctionID, Payload: payload}:
	case <-m.done:
	}
}

// registerClient adds a client to the subscribers map
func (m *Manager) registerClient(client *Client) {
	m.mu.Lock()
	set, ok := m.subscribers[client.AuctionID]
	if !ok {
		set = make(map[*Client]bool)
		m.subscribers[client.AuctionID] = set
	}
	set[client] = true
	m.mu.Unlock()

	m.logger.Debug("Client subscribed",
		zap.String("client_id", client.ID), zap.String("auction_id", client.AuctionID))

	go client.writePump()
}

// unregisterClient removes a client and closes its connection.
// A client already removed is ignored.
func (m *Manager) unregisterClient(client *Client) {
	m.mu.Lock()
	set := m.subscribers[client.AuctionID]
	if !set[client] {
		m.mu.Unlock()
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(m.subscribers, client.AuctionID)
	}
	m.mu.Unlock()

	close(client.Send)

	m.logger.Debug("Client unsubscribed",
		zap.String("client_id", client.ID), zap.String("auction_id", client.AuctionID))
}

// broadcastToAuction sends a message to all clients watching a specific auction
func (m *Manager) broadcastToAuction(auctionID string, payload []byte) {
	m.mu.RLock()
	var slow []*Client
	count := 0
	for client := range m.subscribers[auctionID] {
		select {
		case client.Send <- payload:
			count++
		default:
			// one slow client must not hold up the others
			slow = append(slow, client)
		}
	}
	m.mu.RUnlock()

	for _, client := range slow {
		m.unregisterClient(client)
	}
	if count > 0 {
		m.logger.Debug("Broadcasted update", zap.String("auction_id", auctionID), zap.Int("clients", count))
	}
}

func (m *Manager) closeAll() {
	m.mu.RLock()
	var all []*Client
	for _, set := range m.subscribers {
		for client := range set {
			all = append(all, client)
		}
	}
	m.mu.RUnlock()

	for _, client := range all {
		m.unregisterClient(client)
	}
}

// GetSubscriberCount returns the number of clients watching an auction
func (m *Manager) GetSubscriberCount(auctionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[auctionID])
}

// writePump pumps messages from the Send channel to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so control frames are handled. The stream
// is read-only: anything the client sends is discarded.
func (c *Client) readPump(m *Manager) {
	defer func() {
		select {
		case m.unregister <- c:
		case <-m.done:
		}
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Debug("WebSocket closed unexpectedly", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
	}
}
