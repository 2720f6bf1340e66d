package signal

import (
	"context"
	"sync"
)

// Loopback is an in-process Relay. It backs single-host deployments (both
// parties inside one process, e.g. the operator console) and the package
// tests. Delivery is ordered per partition and exactly what was published;
// callers that need at-least-once semantics exercised can publish twice.
type Loopback struct {
	mu     sync.Mutex
	subs   map[string][]chan []byte
	closed bool

	// Down simulates a relay outage: Publish fails with
	// ErrTransportUnavailable while set.
	down bool
}

func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[string][]chan []byte)}
}

// SetDown toggles the simulated outage.
func (l *Loopback) SetDown(down bool) {
	l.mu.Lock()
	l.down = down
	l.mu.Unlock()
}

func (l *Loopback) Publish(_ context.Context, partition string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.down {
		return ErrTransportUnavailable
	}
	b := make([]byte, len(data))
	copy(b, data)
	for _, ch := range l.subs[partition] {
		select {
		case ch <- b:
		default:
			// Subscriber stalled; the adapter tolerates loss.
		}
	}
	return nil
}

func (l *Loopback) Subscribe(_ context.Context, partition string) (<-chan []byte, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, nil, ErrTransportUnavailable
	}
	ch := make(chan []byte, 64)
	l.subs[partition] = append(l.subs[partition], ch)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			list := l.subs[partition]
			for i, c := range list {
				if c == ch {
					l.subs[partition] = append(list[:i], list[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
	return ch, cancel, nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, list := range l.subs {
		for _, ch := range list {
			close(ch)
		}
	}
	l.subs = make(map[string][]chan []byte)
	return nil
}
