package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds one frame to one client.
const writeTimeout = 5 * time.Second

// hub is the set of connected websocket clients.
type hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

func newHub() *hub {
	return &hub{conns: make(map[*websocket.Conn]struct{})}
}

// add registers conn and returns the new client count.
func (h *hub) add(conn *websocket.Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
	return len(h.conns)
}

// remove unregisters conn. ok is false if it was already gone, so the
// caller closes each connection once.
func (h *hub) remove(conn *websocket.Conn) (remaining int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok = h.conns[conn]; ok {
		delete(h.conns, conn)
	}
	return len(h.conns), ok
}

// list copies the current clients so writes happen without the lock.
func (h *hub) list() []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		out = append(out, conn)
	}
	return out
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// closeAll disconnects every client with reason.
func (h *hub) closeAll(reason string) {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, reason)
	}
}

// write sends one text frame to conn.
func write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
