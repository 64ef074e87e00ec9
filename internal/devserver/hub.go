package devserver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/obs-taso/internal/metrics"
)

const (
	peerSendBuffer   = 256
	peerWriteTimeout = 5 * time.Second
)

// peer is one connected client. Frames leave through send in enqueue order.
type peer struct {
	id         string
	conn       *websocket.Conn
	send       chan []byte
	cancel     context.CancelFunc
	identified atomic.Bool
	log        zerolog.Logger
}

func (p *peer) enqueue(b []byte) bool {
	select {
	case p.send <- b:
		return true
	default:
		p.log.Warn().Msg("send buffer full, dropping peer")
		p.cancel()
		return false
	}
}

func (p *peer) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-p.send:
			wctx, cancel := context.WithTimeout(ctx, peerWriteTimeout)
			err := p.conn.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				p.log.Debug().Err(err).Msg("write failed")
				p.cancel()
				return
			}
		}
	}
}

// Hub tracks connected peers.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]*peer
}

func newHub() *Hub {
	return &Hub{peers: map[string]*peer{}}
}

func (h *Hub) add(p *peer) {
	h.mu.Lock()
	h.peers[p.id] = p
	n := len(h.peers)
	h.mu.Unlock()
	metrics.SetDevPeers(n)
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	delete(h.peers, p.id)
	n := len(h.peers)
	h.mu.Unlock()
	metrics.SetDevPeers(n)
}

// Len returns the number of connected peers, identified or not.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// closeAll disconnects every peer.
func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		p.cancel()
	}
}

// broadcast queues b on every identified peer and returns the delivery count.
func (h *Hub) broadcast(b []byte) int {
	h.mu.RLock()
	targets := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		if p.identified.Load() {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()
	n := 0
	for _, p := range targets {
		if p.enqueue(b) {
			n++
		}
	}
	return n
}
