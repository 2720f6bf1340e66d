package signal

import (
	"context"
	"log"
	"sync"
)

// channelBuf bounds inbound delivery per call; the state machine drains
// promptly, so a stall this deep means the session is already wedged.
const channelBuf = 64

// Channel is the per-call adapter between the relay and the state machine.
// It subscribes to the call partition, drops messages that are not from the
// expected remote party, drops duplicates (the relay is at-least-once), and
// decodes the rest.
type Channel struct {
	relay    Relay
	callID   string
	selfID   string
	remoteID string

	out    chan *Message
	cancel func()

	mu     sync.Mutex
	seen   map[string]struct{}
	closed bool
}

// Open subscribes to the partition for callID and starts filtering. It must
// complete before the remote party publishes anything the caller expects a
// reply to; earlier messages are lost.
func Open(ctx context.Context, relay Relay, callID, selfID, remoteID string) (*Channel, error) {
	raw, cancel, err := relay.Subscribe(ctx, CallPartition(callID))
	if err != nil {
		return nil, err
	}
	ch := &Channel{
		relay:    relay,
		callID:   callID,
		selfID:   selfID,
		remoteID: remoteID,
		out:      make(chan *Message, channelBuf),
		cancel:   cancel,
		seen:     make(map[string]struct{}),
	}
	go ch.readLoop(raw)
	return ch, nil
}

// Recv delivers decoded, filtered messages from the remote party. The
// channel is closed when the adapter is closed or the relay shuts down.
func (c *Channel) Recv() <-chan *Message { return c.out }

// Send publishes a message on the call partition.
func (c *Channel) Send(ctx context.Context, m *Message) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	return c.relay.Publish(ctx, CallPartition(c.callID), b)
}

// Close unsubscribes. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

func (c *Channel) readLoop(raw <-chan []byte) {
	defer close(c.out)
	for b := range raw {
		m, err := Decode(b)
		if err != nil {
			log.Printf("SIGNAL [%s]: dropping malformed payload: %v", c.callID, err)
			continue
		}
		if !c.relevant(m) {
			continue
		}
		select {
		case c.out <- m:
		default:
			log.Printf("SIGNAL [%s]: inbound buffer full, dropping %s", c.callID, m.Type)
		}
	}
}

// relevant applies the delivery filter: only messages for this call, sent
// by the expected remote party, and not seen before. Cross-talk from
// imperfect partitioning and our own echoes are silently dropped.
func (c *Channel) relevant(m *Message) bool {
	if m.CallID != c.callID {
		return false
	}
	if m.SenderID == c.selfID {
		return false
	}
	if m.SenderID != c.remoteID && m.CallerID != c.remoteID && m.ReceiverID != c.remoteID {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[m.ID]; dup {
		return false
	}
	c.seen[m.ID] = struct{}{}
	return true
}
