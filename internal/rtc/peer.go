// Package rtc wraps a single pion PeerConnection for one call attempt:
// offer/answer negotiation, ICE candidate exchange, and connection-state
// observation. One Controller per call; re-offering mid-call is not
// supported.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/siren/internal/media"
	"github.com/petervdpas/siren/internal/signal"
)

// ErrNegotiationMismatch reports a protocol sequencing violation: an answer
// applied before an offer was sent, a second offer, or negotiation against
// a closed connection.
var ErrNegotiationMismatch = errors.New("rtc: negotiation out of sequence")

// State mirrors the underlying transport connection state.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Options tunes the transport. Zero values get defaults.
type Options struct {
	StunServers []string

	// ICE timeouts. DisconnectedTimeout is how long without traffic before
	// the transport reports disconnected; it should be shorter than the
	// session's reconnect grace so the grace window is what decides the
	// call's fate, not ICE.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func (o *Options) defaults() {
	if len(o.StunServers) == 0 {
		o.StunServers = []string{"stun:stun.l.google.com:19302"}
	}
	if o.DisconnectedTimeout <= 0 {
		o.DisconnectedTimeout = 5 * time.Second
	}
	if o.FailedTimeout <= 0 {
		o.FailedTimeout = 25 * time.Second
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = 2 * time.Second
	}
}

// Events are the controller's observed callbacks. They are invoked from
// pion goroutines; the state machine serializes them onto its event loop.
type Events struct {
	// OnLocalCandidate fires per discovered candidate, in discovery order.
	OnLocalCandidate func(signal.Candidate)

	// OnRemoteStream fires once, when the first remote track arrives.
	OnRemoteStream func()

	OnStateChange func(State)
}

// Controller owns one peer connection.
type Controller struct {
	callID string
	pc     *webrtc.PeerConnection

	mu        sync.Mutex
	offered   bool
	remoteSet bool
	closed    bool
	pending   []webrtc.ICECandidateInit

	streamOnce sync.Once
}

// New builds the peer connection and attaches local tracks from the media
// handle. A nil handle produces a receive-only connection (recvonly
// transceivers keep the SDP m-lines valid).
func New(callID string, opts Options, h media.Handle, ev Events) (*Controller, error) {
	opts.defaults()

	me := &webrtc.MediaEngine{}
	if h != nil {
		if err := h.ConfigureEngine(me); err != nil {
			return nil, fmt.Errorf("rtc: configure media engine: %w", err)
		}
	} else {
		if err := me.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: opts.StunServers}},
	})
	if err != nil {
		return nil, err
	}

	c := &Controller{callID: callID, pc: pc}

	attached := 0
	if h != nil {
		for _, track := range h.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				log.Printf("RTC [%s]: AddTrack: %v", callID, err)
				continue
			}
			attached++
		}
	}
	if attached == 0 {
		c.addRecvOnlyTransceivers()
	}

	pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil || ev.OnLocalCandidate == nil {
			return // nil marks end of gathering
		}
		init := ic.ToJSON()
		cand := signal.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		ev.OnLocalCandidate(cand)
	})

	pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
		c.streamOnce.Do(func() {
			log.Printf("RTC [%s]: remote media arrived", callID)
			if ev.OnRemoteStream != nil {
				ev.OnRemoteStream()
			}
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("RTC [%s]: connection state %s", callID, s)
		if ev.OnStateChange != nil {
			ev.OnStateChange(mapState(s))
		}
	})

	return c, nil
}

// CreateOffer generates the local session description. Valid once per call
// attempt.
func (c *Controller) CreateOffer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.offered {
		return "", ErrNegotiationMismatch
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("rtc: set local description: %w", err)
	}
	c.offered = true
	return offer.SDP, nil
}

// CreateAnswer applies the remote offer and generates the answer.
func (c *Controller) CreateAnswer(ctx context.Context, offerSDP string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.remoteSet {
		return "", ErrNegotiationMismatch
	}

	if err := c.setRemoteLocked(webrtc.SDPTypeOffer, offerSDP); err != nil {
		return "", err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("rtc: create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("rtc: set local description: %w", err)
	}
	return answer.SDP, nil
}

// ApplyRemoteAnswer finalizes negotiation on the initiating side.
func (c *Controller) ApplyRemoteAnswer(answerSDP string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.offered || c.remoteSet {
		return ErrNegotiationMismatch
	}
	return c.setRemoteLocked(webrtc.SDPTypeAnswer, answerSDP)
}

// setRemoteLocked sets the remote description and flushes candidates that
// raced ahead of it.
func (c *Controller) setRemoteLocked(typ webrtc.SDPType, sdp string) error {
	desc := webrtc.SessionDescription{Type: typ, SDP: sdp}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("rtc: set remote description: %w", err)
	}
	c.remoteSet = true

	for _, init := range c.pending {
		if err := c.pc.AddICECandidate(init); err != nil {
			log.Printf("RTC [%s]: buffered candidate rejected: %v", c.callID, err)
		}
	}
	c.pending = nil
	return nil
}

// AddRemoteCandidate applies a remote ICE candidate. Candidates may race
// the answer over the relay; until the remote description is set they are
// buffered, never dropped. After Close this is a no-op.
func (c *Controller) AddRemoteCandidate(cand signal.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	init := webrtc.ICECandidateInit{Candidate: cand.Candidate}
	if cand.SDPMid != "" {
		mid := cand.SDPMid
		init.SDPMid = &mid
	}
	idx := cand.SDPMLineIndex
	init.SDPMLineIndex = &idx

	if !c.remoteSet {
		c.pending = append(c.pending, init)
		return nil
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("rtc: add candidate: %w", err)
	}
	return nil
}

// Close tears down the ICE and media pipelines. Idempotent, safe even if
// negotiation never completed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = nil
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		log.Printf("RTC [%s]: close: %v", c.callID, err)
	}
}

// addRecvOnlyTransceivers keeps CreateOffer/CreateAnswer producing valid
// m-lines with ICE credentials when there are no local tracks.
func (c *Controller) addRecvOnlyTransceivers() {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("RTC [%s]: AddTransceiver(%s): %v", c.callID, kind, err)
		}
	}
}

func mapState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}
