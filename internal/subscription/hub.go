// Package subscription fans out relay updates to WebSocket connections
// subscribed to chain ids.
package subscription

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/atmx/auction-relay/internal/apierr"
	"github.com/atmx/auction-relay/internal/metrics"
	"github.com/atmx/auction-relay/internal/model"
)

const (
	updateNewOpportunity  = "new_opportunity"
	updateBidStatusUpdate = "bid_status_update"
)

// ChainSet reports which chain ids are supported.
type ChainSet interface {
	Has(id string) bool
}

// Conn is one client connection. Its send queue is bounded; messages that
// do not fit are dropped so a slow client never blocks the hub.
type Conn struct {
	id     uint64
	send   chan []byte
	subs   map[string]struct{}
	closed bool
}

// ID returns the hub-assigned connection number.
func (c *Conn) ID() uint64 { return c.id }

// Send is the connection's outbound queue. It is closed on Unregister.
func (c *Conn) Send() <-chan []byte { return c.send }

// Hub tracks connections and their chain subscriptions.
type Hub struct {
	chains    ChainSet
	queueSize int
	nextID    atomic.Uint64

	mu      sync.RWMutex
	conns   map[*Conn]struct{}
	byChain map[string]map[*Conn]struct{}
}

// NewHub creates a hub whose connections buffer up to queueSize messages.
func NewHub(chains ChainSet, queueSize int) *Hub {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Hub{
		chains:    chains,
		queueSize: queueSize,
		conns:     make(map[*Conn]struct{}),
		byChain:   make(map[string]map[*Conn]struct{}),
	}
}

// Register adds a connection with no subscriptions.
func (h *Hub) Register() *Conn {
	c := &Conn{
		id:   h.nextID.Add(1),
		send: make(chan []byte, h.queueSize),
		subs: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	total := len(h.conns)
	h.mu.Unlock()

	metrics.WebSocketClients.Inc()
	slog.Info("ws client connected", "conn", c.id, "total", total)
	return c
}

// Unregister drops every subscription of c and closes its send queue.
// Calling it twice is a no-op.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	c.closed = true
	for chainID := range c.subs {
		h.unsubscribeLocked(c, chainID)
	}
	delete(h.conns, c)
	close(c.send)
	total := len(h.conns)
	h.mu.Unlock()

	metrics.WebSocketClients.Dec()
	slog.Info("ws client disconnected", "conn", c.id, "total", total)
}

// Subscribe adds chainIDs to c's subscriptions. Supported ids are applied
// even when others in the same call are unknown; the error then wraps
// apierr.ErrUnknownChain and lists the unknown ids.
func (h *Hub) Subscribe(c *Conn, chainIDs []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var unknown []string
	for _, id := range chainIDs {
		if !h.chains.Has(id) {
			unknown = append(unknown, id)
			continue
		}
		if c.closed {
			continue
		}
		c.subs[id] = struct{}{}
		set, ok := h.byChain[id]
		if !ok {
			set = make(map[*Conn]struct{})
			h.byChain[id] = set
		}
		set[c] = struct{}{}
	}
	return unknownChains(unknown)
}

// Unsubscribe removes chainIDs from c's subscriptions. Removing an id that
// is not subscribed is a no-op.
func (h *Hub) Unsubscribe(c *Conn, chainIDs []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var unknown []string
	for _, id := range chainIDs {
		if !h.chains.Has(id) {
			unknown = append(unknown, id)
			continue
		}
		h.unsubscribeLocked(c, id)
	}
	return unknownChains(unknown)
}

func (h *Hub) unsubscribeLocked(c *Conn, chainID string) {
	delete(c.subs, chainID)
	if set, ok := h.byChain[chainID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byChain, chainID)
		}
	}
}

// Subscriptions returns c's chain ids in sorted order.
func (h *Hub) Subscriptions(c *Conn) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Publish delivers u once to every connection subscribed to its chain.
// Each connection sees updates in Publish call order.
func (h *Hub) Publish(u model.Update) {
	msg, kind, err := encodeUpdate(u)
	if err != nil {
		slog.Error("encode update", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byChain[u.Chain()] {
		h.enqueueLocked(c, msg, kind)
	}
}

// reply queues a response to c. It is dropped if c is closed or full.
func (h *Hub) reply(c *Conn, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.enqueueLocked(c, msg, "response")
}

// enqueueLocked requires h.mu held for reading, which keeps c.send open.
func (h *Hub) enqueueLocked(c *Conn, msg []byte, kind string) {
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		metrics.DroppedMessages.WithLabelValues(kind).Inc()
		slog.Warn("ws send queue full, message dropped", "conn", c.id, "type", kind)
	}
}

// serverUpdate is the pushed message shape.
type serverUpdate struct {
	Type        string                 `json:"type"`
	Opportunity *model.Opportunity     `json:"opportunity,omitempty"`
	Status      *model.BidStatusWithID `json:"status,omitempty"`
}

func encodeUpdate(u model.Update) ([]byte, string, error) {
	var msg serverUpdate
	switch u := u.(type) {
	case model.NewOpportunity:
		opp := u.Opportunity
		msg = serverUpdate{Type: updateNewOpportunity, Opportunity: &opp}
	case model.BidStatusUpdate:
		msg = serverUpdate{
			Type:   updateBidStatusUpdate,
			Status: &model.BidStatusWithID{ID: u.BidID, BidStatus: model.JSONStatus{BidStatus: u.Status}},
		}
	default:
		return nil, "", fmt.Errorf("subscription: unknown update %T", u)
	}
	data, err := json.Marshal(msg)
	return data, msg.Type, err
}

func unknownChains(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", apierr.ErrUnknownChain, strings.Join(ids, ", "))
}
