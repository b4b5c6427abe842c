package health

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/metrics"
)

// Hub broadcasts each cycle's health batch to stream subscribers. Publish
// never blocks: a subscriber whose buffer is full is unsubscribed and its
// channel closed, so one stalled websocket cannot hold up the pipeline.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan []Object]struct{}
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{subs: make(map[chan []Object]struct{}), logger: logger}
}

// Subscribe registers a new subscriber with the given channel buffer and
// returns its channel plus a cancel function. The channel is closed when
// the subscriber is cancelled or dropped.
func (h *Hub) Subscribe(buffer int) (<-chan []Object, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan []Object, buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	metrics.StreamSubscribers.Set(float64(len(h.subs)))
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
				metrics.StreamSubscribers.Set(float64(len(h.subs)))
			}
		})
	}
	return ch, cancel
}

// Publish delivers the batch to every subscriber that has buffer room and
// drops the ones that do not.
func (h *Hub) Publish(objs []Object) {
	if len(objs) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := 0
	for ch := range h.subs {
		select {
		case ch <- objs:
		default:
			delete(h.subs, ch)
			close(ch)
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("dropped slow health stream subscribers", zap.Int("count", dropped))
		metrics.StreamSubscribers.Set(float64(len(h.subs)))
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
