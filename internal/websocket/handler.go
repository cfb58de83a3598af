package websocket

import (
	"encoding/json"
	"net/http"

	"github.com/aaronwang/auction-core/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development (use proper CORS in production)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Snapshots looks up the current state of an auction
type Snapshots interface {
	Get(id string) (*models.Auction, bool)
}

// Handler handles WebSocket connections
type Handler struct {
	manager *Manager
	view    Snapshots
}

// NewHandler creates a new WebSocket handler
func NewHandler(manager *Manager, view Snapshots) *Handler {
	return &Handler{
		manager: manager,
		view:    view,
	}
}

// ServeHTTP upgrades GET /ws/auctions/{id}. The client gets a welcome
// message, the current snapshot, then every reconciled change.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	if auctionID == "" {
		http.Error(w, "Auction ID is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.manager.logger.Debug("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:        uuid.New().String(),
		AuctionID: auctionID,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
	}

	// queue the greeting before registering so it precedes any broadcast
	client.Send <- encode(Message{Type: TypeConnected, AuctionID: auctionID, ClientID: client.ID})
	if a, ok := h.view.Get(auctionID); ok {
		client.Send <- encode(Message{Type: TypeAuction, AuctionID: auctionID, Auction: a})
	}

	if !h.manager.RegisterClient(client) {
		conn.Close()
		return
	}
	go client.readPump(h.manager)
}

// Stats returns the subscriber count of an auction
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"auction_id":  auctionID,
		"subscribers": h.manager.GetSubscriberCount(auctionID),
	})
}

func encode(msg Message) []byte {
	payload, _ := json.Marshal(msg)
	return payload
}
