package ws

import (
	"sync"

	"github.com/cwrk-planet/collab-relay/internal/domain"
)

// Hub maps connection ids to live sockets. It implements service.Dispatcher.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*client // connectionID -> client
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*client)}
}

func (h *Hub) Add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c.id] = c
}

func (h *Hub) Remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
}

// Deliver enqueues msg for the connection without blocking.
func (h *Hub) Deliver(connectionID string, msg domain.Outbound) error {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return domain.ErrPeerGone
	}

	return c.enqueue(msg)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.conns)
}

// CloseAll закрывает все сокеты; read loop каждого клиента сам вызовет Disconnect.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.conns))
	for _, c := range h.conns {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		_ = c.Close()
	}
}
