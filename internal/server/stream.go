package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/health"
)

// Stream message types.
const (
	streamTypeSnapshot  = "snapshot"
	streamTypeHealth    = "health"
	streamTypeHeartbeat = "heartbeat"
)

const (
	// streamBuffer is the per-subscriber batch buffer; the hub drops
	// subscribers that fall this far behind.
	streamBuffer = 8

	streamHeartbeatInterval = 30 * time.Second
	streamWriteTimeout      = 10 * time.Second
)

// streamMessage is one frame on the health stream. The first frame after
// connect is a snapshot of the whole cache; subsequent health frames carry
// one cycle's batch.
type streamMessage struct {
	Type      string          `json:"type"`
	Miners    []health.Object `json:"miners,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// newUpgrader builds the websocket upgrader for the configured origins. No
// Origin header passes (agents and CLI tools), a wildcard entry passes
// everything, an explicit list matches case-insensitively, and an empty list
// admits only same-host browsers.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					return true
				}
			}
			if len(allowedOrigins) == 0 {
				return strings.EqualFold(originHost(origin), r.Host)
			}
			return false
		},
	}
}

func originHost(origin string) string {
	origin = strings.TrimPrefix(origin, "https://")
	origin = strings.TrimPrefix(origin, "http://")
	if idx := strings.Index(origin, "/"); idx >= 0 {
		origin = origin[:idx]
	}
	return origin
}

// streamConn is one active health stream subscriber. All writes go through
// send; gorilla websocket connections allow a single concurrent writer.
type streamConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	logger *zap.Logger
}

func (c *streamConn) send(msg *streamMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return c.conn.WriteJSON(msg)
}

// handleHealthStream handles GET /api/v1/stream/health: upgrade, replay the
// current cache as a snapshot, then forward each cycle's batch as it lands.
func (s *Server) handleHealthStream(w http.ResponseWriter, r *http.Request) {
	upgrader := newUpgrader(s.opts.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &streamConn{conn: conn, logger: s.logger}
	s.logger.Debug("health stream subscriber connected", zap.String("remote", r.RemoteAddr))
	c.run(s.deps.Health, s.deps.Stream)
	s.logger.Debug("health stream subscriber disconnected", zap.String("remote", r.RemoteAddr))
}

func (c *streamConn) run(cache *health.Cache, hub *health.Hub) {
	defer c.conn.Close()

	batches, unsubscribe := hub.Subscribe(streamBuffer)
	defer unsubscribe()

	// The reader's only job is to notice the peer going away; inbound
	// frames carry nothing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					c.logger.Warn("health stream read error", zap.Error(err))
				}
				return
			}
		}
	}()

	if snap := cache.Snapshot(); len(snap) > 0 {
		if err := c.send(&streamMessage{
			Type:      streamTypeSnapshot,
			Miners:    snap,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			return
		}
	}

	ticker := time.NewTicker(streamHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case batch, ok := <-batches:
			if !ok {
				// The hub dropped this subscriber for falling behind.
				c.logger.Warn("health stream subscriber dropped, buffer full")
				return
			}
			if err := c.send(&streamMessage{
				Type:      streamTypeHealth,
				Miners:    batch,
				Timestamp: time.Now().UTC(),
			}); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.send(&streamMessage{
				Type:      streamTypeHeartbeat,
				Timestamp: time.Now().UTC(),
			}); err != nil {
				return
			}
		}
	}
}
