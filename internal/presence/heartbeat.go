package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/siren/internal/signal"
)

// Heartbeat announces one responder on the presence partition until
// stopped. Stop sends a final offline pulse so peers do not have to wait
// out the TTL.
type Heartbeat struct {
	relay    signal.Relay
	topic    string
	interval time.Duration
	self     Pulse

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewHeartbeat(relay signal.Relay, topic string, interval time.Duration, self Pulse) *Heartbeat {
	self.Online = true
	return &Heartbeat{relay: relay, topic: topic, interval: interval, self: self}
}

// Start begins pulsing. The first pulse goes out immediately.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true

	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.loop(ctx)
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)

	h.publish(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.publish(ctx)
		}
	}
}

func (h *Heartbeat) publish(ctx context.Context) {
	p := h.self
	p.SentAt = nowMillis()
	data, err := p.Encode()
	if err != nil {
		log.Printf("PRESENCE [%s]: encode pulse: %v", p.AdminID, err)
		return
	}
	if err := h.relay.Publish(ctx, h.topic, data); err != nil {
		log.Printf("PRESENCE [%s]: publish pulse: %v", p.AdminID, err)
	}
}

// Stop halts the ticker and broadcasts a best-effort goodbye. Idempotent.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.started || h.cancel == nil {
		h.mu.Unlock()
		return
	}
	cancel := h.cancel
	h.cancel = nil
	done := h.done
	h.mu.Unlock()

	cancel()
	<-done

	bye := h.self
	bye.Online = false
	bye.SentAt = nowMillis()
	if data, err := bye.Encode(); err == nil {
		ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		if err := h.relay.Publish(ctx, h.topic, data); err != nil {
			log.Printf("PRESENCE [%s]: goodbye pulse: %v", bye.AdminID, err)
		}
	}
}
