package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/pulse/schedule"
	"github.com/teranos/onair/recording"
)

// Hub fans recording events out to WebSocket clients. A slow client drops
// messages rather than holding up the sender.
type Hub struct {
	ctx        context.Context
	register   chan *Client
	unregister chan *Client
	logger     *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*Client]bool

	drops atomic.Int64
}

// NewHub creates a hub; Run must be started for clients to connect.
func NewHub(ctx context.Context, log *zap.SugaredLogger) *Hub {
	return &Hub{
		ctx:        ctx,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log,
		clients:    make(map[*Client]bool),
	}
}

// Run processes registrations until ctx is done, then closes every client.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			h.logger.Debugw("Hub stopping due to context cancellation")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= MaxClients {
		h.mu.Unlock()
		h.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", c.id,
			"max_clients", MaxClients)
		close(c.send)
		return
	}
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Infow("Client connected", "client_id", c.id, "total_clients", total)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Infow("Client disconnected", "client_id", c.id, "total_clients", total)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Drops returns how many messages were dropped for slow clients.
func (h *Hub) Drops() int64 {
	return h.drops.Load()
}

// Broadcast sends a typed message to every client and returns how many
// accepted it.
func (h *Hub) Broadcast(msgType string, data interface{}) (int, error) {
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to encode %s message", msgType)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for c := range h.clients {
		select {
		case c.send <- payload:
			sent++
		default:
			h.drops.Add(1)
		}
	}
	return sent, nil
}

// PublishState implements recording.StatePublisher.
func (h *Hub) PublishState(_ context.Context, event recording.StateChangedEvent) error {
	_, err := h.Broadcast(MessageRecordingState, event)
	return err
}

// PublishToast implements recording.ToastPublisher.
func (h *Hub) PublishToast(_ context.Context, event recording.ToastEvent) error {
	_, err := h.Broadcast(MessageToast, event)
	return err
}

// NotifyJob implements schedule.Notifier.
func (h *Hub) NotifyJob(_ context.Context, notice schedule.JobNotice) error {
	_, err := h.Broadcast(MessageJobNotice, notice)
	return err
}
