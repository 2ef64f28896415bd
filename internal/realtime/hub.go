// Package realtime streams order lifecycle events over WebSocket so buyer
// and seller views update without polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/ticketescrow/internal/escrow"
	"github.com/mbd888/ticketescrow/internal/metrics"
)

// MaxClients caps concurrent WebSocket connections.
const MaxClients = 10000

// OrderView is the public part of an order. Payout destinations and fee
// internals stay server-side.
type OrderView struct {
	ID               string        `json:"id"`
	ListingID        string        `json:"listingId"`
	Quantity         int           `json:"quantity"`
	GrossChargeCents int64         `json:"grossChargeCents"`
	Currency         string        `json:"currency"`
	Status           escrow.Status `json:"status"`
	Sent             bool          `json:"sent"`
	ConfirmDeadline  *time.Time    `json:"confirmDeadline,omitempty"`
	Resolution       string        `json:"resolution,omitempty"`
}

func viewOf(o *escrow.Order) *OrderView {
	return &OrderView{
		ID:               o.ID,
		ListingID:        o.ListingID,
		Quantity:         o.Quantity,
		GrossChargeCents: o.GrossChargeCents,
		Currency:         o.Currency,
		Status:           o.Status,
		Sent:             o.Sent,
		ConfirmDeadline:  o.ConfirmDeadline,
		Resolution:       o.Resolution,
	}
}

// Event is one order lifecycle change pushed to subscribers.
type Event struct {
	Type      string     `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	OrderID   string     `json:"orderId"`
	ListingID string     `json:"listingId"`
	Order     *OrderView `json:"order"`
}

// outbound is an event serialized once for every recipient.
type outbound struct {
	event   *Event
	payload []byte
}

// Stats describes hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Hub fans order events out to subscribed clients.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	origins    map[string]bool
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a hub. Browser upgrades are accepted from the same host or
// from allowedOrigins ("*" accepts any origin).
func NewHub(logger *slog.Logger, allowedOrigins ...string) *Hub {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		origins:    origins,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run is the hub loop. It owns client registration and closes every
// connection when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("websocket client connected", "total", n)

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			h.totalEvents.Add(1)
			h.fanOut(msg)
		}
	}
}

// fanOut delivers msg to matching clients. A client whose buffer is full is
// disconnected rather than allowed to stall the hub.
func (h *Hub) fanOut(msg outbound) {
	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(msg.event) {
			continue
		}
		select {
		case c.send <- msg.payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client")
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// PublishOrderEvent broadcasts an order change. It never blocks the caller;
// when the hub is backed up the event is dropped and counted.
func (h *Hub) PublishOrderEvent(eventType string, o *escrow.Order) {
	ev := &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		OrderID:   o.ID,
		ListingID: o.ListingID,
		Order:     viewOf(o),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode realtime event", "type", eventType, "order_id", o.ID, "error", err)
		return
	}

	select {
	case h.broadcast <- outbound{event: ev, payload: payload}:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("realtime broadcast buffer full, dropping event", "type", eventType, "order_id", o.ID)
	}
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.origins["*"] || h.origins[origin] {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
