package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const defaultObserverIdle = 2 * time.Minute

// ObserverHub fans every frame of a connection out to attached websocket
// observers (debug UIs watching a conversation live). Each connection id gets
// its own pool; a pool that stays empty past the idle timeout is dropped.
type ObserverHub struct {
	mu          sync.Mutex
	pools       map[string]*observerPool
	idleTimeout time.Duration
}

func NewObserverHub(idleTimeout time.Duration) *ObserverHub {
	return &ObserverHub{
		pools:       map[string]*observerPool{},
		idleTimeout: idleTimeout,
	}
}

func (h *ObserverHub) pool(connID string, create bool) *observerPool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.pools[connID]
	if p == nil && create {
		p = newObserverPool(connID, h.idleTimeout, func() { h.drop(connID) })
		h.pools[connID] = p
	}
	return p
}

func (h *ObserverHub) drop(connID string) {
	h.mu.Lock()
	delete(h.pools, connID)
	h.mu.Unlock()
	log.Debug().Str("component", "relay").Str("connection_id", connID).Msg("observer pool idle, dropped")
}

func (h *ObserverHub) Attach(connID string, conn *websocket.Conn) {
	h.pool(connID, true).add(conn)
}

func (h *ObserverHub) Detach(connID string, conn *websocket.Conn) {
	if p := h.pool(connID, false); p != nil {
		p.remove(conn)
		return
	}
	_ = conn.Close()
}

func (h *ObserverHub) Broadcast(connID string, data []byte) {
	if p := h.pool(connID, false); p != nil {
		p.broadcast(data)
	}
}

func (h *ObserverHub) CloseAll() {
	h.mu.Lock()
	pools := make([]*observerPool, 0, len(h.pools))
	for _, p := range h.pools {
		pools = append(pools, p)
	}
	h.pools = map[string]*observerPool{}
	h.mu.Unlock()
	for _, p := range pools {
		p.closeAll()
	}
}

// observerPool tracks the websocket observers of one connection, with idle
// detection so abandoned pools clean themselves up.
type observerPool struct {
	connID      string
	mu          sync.Mutex
	conns       map[*websocket.Conn]struct{}
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
}

func newObserverPool(connID string, idleTimeout time.Duration, onIdle func()) *observerPool {
	return &observerPool{
		connID:      connID,
		conns:       map[*websocket.Conn]struct{}{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

func (p *observerPool) add(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.stopIdleTimerLocked()
	p.mu.Unlock()
}

func (p *observerPool) remove(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	delete(p.conns, conn)
	p.scheduleIdleTimerLocked()
	p.mu.Unlock()
	_ = conn.Close()
}

func (p *observerPool) broadcast(data []byte) {
	if len(data) == 0 {
		return
	}
	p.mu.Lock()
	for conn := range p.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "relay").Str("connection_id", p.connID).Msg("observer write failed, dropping")
			delete(p.conns, conn)
			_ = conn.Close()
		}
	}
	p.scheduleIdleTimerLocked()
	p.mu.Unlock()
}

func (p *observerPool) closeAll() {
	p.mu.Lock()
	for conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, conn)
	}
	p.stopIdleTimerLocked()
	p.mu.Unlock()
}

func (p *observerPool) stopIdleTimerLocked() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

func (p *observerPool) scheduleIdleTimerLocked() {
	if len(p.conns) != 0 || p.idleTimeout <= 0 || p.onIdle == nil {
		p.stopIdleTimerLocked()
		return
	}
	p.stopIdleTimerLocked()
	p.idleTimer = time.AfterFunc(p.idleTimeout, p.triggerIdle)
}

func (p *observerPool) triggerIdle() {
	var callback func()
	p.mu.Lock()
	if len(p.conns) == 0 {
		callback = p.onIdle
	}
	p.idleTimer = nil
	p.mu.Unlock()
	if callback != nil {
		callback()
	}
}
