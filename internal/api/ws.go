package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtrntr/marketsim/internal/exchange"
	"github.com/xtrntr/marketsim/internal/models"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origins are enforced by the CORS layer
	},
}

// Event is one message on the live feed
type Event struct {
	Type string `json:"type"` // "offers" or "settlements"
	Data any    `json:"data"`
}

type WSClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *WSClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub fans engine events out to websocket clients. As an exchange.Listener it
// only enqueues; Run does the writes.
type Hub struct {
	clients   map[*WSClient]bool
	clientsMu sync.RWMutex
	events    chan Event
	logger    *zap.Logger
}

var _ exchange.Listener = (*Hub)(nil)

func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*WSClient]bool),
		events:  make(chan Event, buffer),
		logger:  logger.Named("ws"),
	}
}

func (h *Hub) OffersChanged(offers []models.Offer) {
	h.enqueue(Event{Type: "offers", Data: offers})
}

func (h *Hub) Settled(entries []models.LedgerEntry) {
	h.enqueue(Event{Type: "settlements", Data: entries})
}

func (h *Hub) enqueue(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("feed buffer full, dropping event", zap.String("type", ev.Type))
	}
}

// Run broadcasts queued events until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case ev := <-h.events:
			h.broadcast(ev)
		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal feed event", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	var failed []*WSClient
	for client := range h.clients {
		if err := client.write(data); err != nil {
			h.logger.Debug("send failed, dropping client", zap.Error(err))
			failed = append(failed, client)
		}
	}
	h.clientsMu.RUnlock()

	for _, client := range failed {
		h.remove(client)
	}
}

func (h *Hub) add(client *WSClient) {
	h.clientsMu.Lock()
	h.clients[client] = true
	h.clientsMu.Unlock()
}

func (h *Hub) remove(client *WSClient) {
	h.clientsMu.Lock()
	if h.clients[client] {
		delete(h.clients, client)
		client.conn.Close()
	}
	h.clientsMu.Unlock()
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	for client := range h.clients {
		client.conn.Close()
		delete(h.clients, client)
	}
	h.clientsMu.Unlock()
}

// Clients counts connected clients
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the connection, sends the current open offers and
// then keeps the client subscribed until it disconnects.
func (h *Hub) HandleWebSocket(ex Exchange) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("failed to upgrade connection", zap.Error(err))
			return
		}

		client := &WSClient{conn: conn}

		// Send initial offer book before subscribing so no newer event can precede it
		if offers, err := ex.OpenOffers(r.Context(), exchange.Filter{}); err == nil {
			if offers == nil {
				offers = []models.Offer{}
			}
			if data, err := json.Marshal(Event{Type: "offers", Data: offers}); err == nil {
				if err := client.write(data); err != nil {
					conn.Close()
					return
				}
			}
		}
		h.add(client)

		// Keep connection alive and handle disconnection
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(client)
				return
			}
		}
	}
}
