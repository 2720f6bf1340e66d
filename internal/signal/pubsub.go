package signal

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

func init() {
	// Silence noisy libp2p subsystems: dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "warn")
	logging.SetLogLevel("autonat", "warn")
}

const connectTimeout = 3 * time.Second

// PubSubOptions configures the embedded gossipsub relay node.
type PubSubOptions struct {
	ListenPort int
	KeyFile    string
	Bootstrap  []string // multiaddrs of well-known relay nodes
	MdnsTag    string   // empty disables LAN discovery
}

// PubSubRelay is a Relay backed by an embedded libp2p gossipsub node.
// Partitions map to gossipsub topics.
type PubSubRelay struct {
	host host.Host
	ps   *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*topicRef
	closed bool
}

type topicRef struct {
	topic *pubsub.Topic
	refs  int
}

type mdnsNotifee struct{ h host.Host }

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// NewPubSub starts the libp2p host, joins the mesh via the bootstrap
// addresses, and returns a ready Relay.
func NewPubSub(ctx context.Context, opts PubSubOptions) (*PubSubRelay, error) {
	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("RELAY: generated new identity key: %s", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	if opts.MdnsTag != "" {
		md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	for _, raw := range opts.Bootstrap {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			log.Printf("RELAY: skipping invalid bootstrap addr %q: %v", raw, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Printf("RELAY: bootstrap addr %q has no peer id: %v", raw, err)
			continue
		}
		connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		if err := h.Connect(connCtx, *pi); err != nil {
			log.Printf("RELAY: bootstrap connect to %s failed: %v", pi.ID, err)
		}
		cancel()
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	log.Printf("RELAY: gossipsub node up as %s", h.ID())
	return &PubSubRelay{
		host:   h,
		ps:     ps,
		topics: make(map[string]*topicRef),
	}, nil
}

// ID returns the libp2p peer id of the relay node.
func (r *PubSubRelay) ID() string { return r.host.ID().String() }

func (r *PubSubRelay) Publish(ctx context.Context, partition string, data []byte) error {
	t, err := r.acquireTopic(partition)
	if err != nil {
		return err
	}
	defer r.releaseTopic(partition)

	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

func (r *PubSubRelay) Subscribe(ctx context.Context, partition string) (<-chan []byte, func(), error) {
	t, err := r.acquireTopic(partition)
	if err != nil {
		return nil, nil, err
	}

	sub, err := t.Subscribe()
	if err != nil {
		r.releaseTopic(partition)
		return nil, nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	out := make(chan []byte, channelBuf)
	subCtx, stop := context.WithCancel(ctx)

	go func() {
		defer close(out)
		for {
			m, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			// Gossipsub loops our own publishes back to us.
			if m.ReceivedFrom == r.host.ID() {
				continue
			}
			select {
			case out <- m.Data:
			default:
				log.Printf("RELAY: subscriber for %s stalled, dropping", partition)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			sub.Cancel()
			r.releaseTopic(partition)
		})
	}
	return out, cancel, nil
}

func (r *PubSubRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, ref := range r.topics {
		_ = ref.topic.Close()
	}
	r.topics = make(map[string]*topicRef)
	r.mu.Unlock()
	return r.host.Close()
}

// acquireTopic joins (or reuses) the gossipsub topic for a partition.
// Topics are refcounted so per-call partitions do not accumulate for the
// lifetime of a long-running responder process.
func (r *PubSubRelay) acquireTopic(partition string) (*pubsub.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrTransportUnavailable
	}
	if ref, ok := r.topics[partition]; ok {
		ref.refs++
		return ref.topic, nil
	}
	t, err := r.ps.Join(partition)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	r.topics[partition] = &topicRef{topic: t, refs: 1}
	return t, nil
}

func (r *PubSubRelay) releaseTopic(partition string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.topics[partition]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs > 0 {
		return
	}
	delete(r.topics, partition)
	if err := ref.topic.Close(); err != nil {
		log.Printf("RELAY: close topic %s: %v", partition, err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}
