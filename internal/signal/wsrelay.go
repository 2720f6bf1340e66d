package signal

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsFrame is the websocket relay line protocol. The client sends
// "sub"/"unsub"/"pub" frames; the server pushes "msg" frames for
// subscribed partitions.
type wsFrame struct {
	Op        string          `json:"op"`
	Partition string          `json:"partition"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const wsReconnectDelay = 3 * time.Second

// WSRelay is a Relay backed by an external websocket relay service. The
// connection is resumed with a fixed backoff after drops; while down,
// Publish fails with ErrTransportUnavailable and subscriptions are silently
// re-established on reconnect (missed messages are lost, matching the
// at-most-once window the adapter already documents for Subscribe).
type WSRelay struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string][]chan []byte
	closed  bool
	closeCh chan struct{}
}

// DialWS connects to the relay and starts the read/reconnect loop.
func DialWS(ctx context.Context, url string) (*WSRelay, error) {
	r := &WSRelay{
		url:     url,
		subs:    make(map[string][]chan []byte),
		closeCh: make(chan struct{}),
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	r.conn = conn
	go r.readLoop(conn)
	return r, nil
}

func (r *WSRelay) Publish(ctx context.Context, partition string, data []byte) error {
	return r.write(wsFrame{Op: "pub", Partition: partition, Data: data})
}

func (r *WSRelay) Subscribe(ctx context.Context, partition string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, channelBuf)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, ErrTransportUnavailable
	}
	first := len(r.subs[partition]) == 0
	r.subs[partition] = append(r.subs[partition], ch)
	r.mu.Unlock()

	if first {
		if err := r.write(wsFrame{Op: "sub", Partition: partition}); err != nil {
			r.removeSub(partition, ch)
			return nil, nil, err
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if last := r.removeSub(partition, ch); last {
				_ = r.write(wsFrame{Op: "unsub", Partition: partition})
			}
		})
	}
	return ch, cancel, nil
}

func (r *WSRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.closeCh)
	conn := r.conn
	r.conn = nil
	for _, list := range r.subs {
		for _, ch := range list {
			close(ch)
		}
	}
	r.subs = make(map[string][]chan []byte)
	r.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// write sends one frame. Gorilla permits a single concurrent writer, so all
// writes funnel through the mutex.
func (r *WSRelay) write(f wsFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.conn == nil {
		return ErrTransportUnavailable
	}
	if err := r.conn.WriteJSON(f); err != nil {
		return ErrTransportUnavailable
	}
	return nil
}

func (r *WSRelay) readLoop(conn *websocket.Conn) {
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			r.mu.Lock()
			dead := r.closed
			if r.conn == conn {
				r.conn = nil
			}
			r.mu.Unlock()
			if dead {
				return
			}
			log.Printf("RELAY: websocket read: %v, reconnecting", err)
			r.reconnect()
			return
		}
		if f.Op != "msg" {
			continue
		}
		r.mu.Lock()
		for _, ch := range r.subs[f.Partition] {
			select {
			case ch <- []byte(f.Data):
			default:
			}
		}
		r.mu.Unlock()
	}
}

func (r *WSRelay) reconnect() {
	for {
		select {
		case <-r.closeCh:
			return
		case <-time.After(wsReconnectDelay):
		}

		conn, _, err := websocket.DefaultDialer.Dial(r.url, nil)
		if err != nil {
			log.Printf("RELAY: websocket redial: %v", err)
			continue
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = conn.Close()
			return
		}
		r.conn = conn
		partitions := make([]string, 0, len(r.subs))
		for p := range r.subs {
			partitions = append(partitions, p)
		}
		r.mu.Unlock()

		for _, p := range partitions {
			_ = r.write(wsFrame{Op: "sub", Partition: p})
		}
		log.Printf("RELAY: websocket reconnected (%d partitions)", len(partitions))
		go r.readLoop(conn)
		return
	}
}

func (r *WSRelay) removeSub(partition string, ch chan []byte) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[partition]
	for i, c := range list {
		if c == ch {
			r.subs[partition] = append(list[:i], list[i+1:]...)
			close(ch)
			break
		}
	}
	if len(r.subs[partition]) == 0 {
		delete(r.subs, partition)
		return true
	}
	return false
}
