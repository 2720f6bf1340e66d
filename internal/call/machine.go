package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/siren/internal/ledger"
	"github.com/petervdpas/siren/internal/media"
	"github.com/petervdpas/siren/internal/rtc"
	"github.com/petervdpas/siren/internal/signal"
)

// Options wires a Machine to its collaborators.
type Options struct {
	SelfID   string
	Relay    signal.Relay
	Source   media.Source
	Resolver Resolver
	Ledger   ledger.Ledger
	Config   Config

	// NewPeer overrides the rtc-backed peer factory. Tests use this.
	NewPeer PeerFactory
}

// Machine drives at most one call at a time. All transitions are serialized
// under one mutex; per-attempt async events (timers, relay messages, peer
// callbacks) carry the epoch of the attempt that armed them and are
// discarded when the epoch has moved on.
type Machine struct {
	selfID  string
	relay   signal.Relay
	source  media.Source
	res     Resolver
	ldg     ledger.Ledger
	cfg     Config
	newPeer PeerFactory

	mu     sync.Mutex
	status Status
	sess   Session
	epoch  int
	closed bool

	// per-attempt resources
	isCaller      bool
	peer          Peer
	handle        media.Handle
	ch            *signal.Channel
	acceptTimer   *time.Timer
	graceTimer    *time.Timer
	answered      bool
	connectedAt   time.Time
	pendingLocal  []signal.Candidate
	recordCreated bool

	inviteCancel func()
	seenInvites  map[string]struct{}

	obsMu      sync.RWMutex
	onStatus   []func(Status)
	onIncoming []func(*IncomingCall)
}

// NewMachine builds an idle machine. Call Start to begin listening for
// invites.
func NewMachine(opts Options) *Machine {
	opts.Config.defaults()
	m := &Machine{
		selfID:      opts.SelfID,
		relay:       opts.Relay,
		source:      opts.Source,
		res:         opts.Resolver,
		ldg:         opts.Ledger,
		cfg:         opts.Config,
		newPeer:     opts.NewPeer,
		status:      StatusIdle,
		seenInvites: make(map[string]struct{}),
	}
	if m.newPeer == nil {
		rtcOpts := opts.Config.RTC
		m.newPeer = func(callID string, h media.Handle, ev rtc.Events) (Peer, error) {
			return rtc.New(callID, rtcOpts, h, ev)
		}
	}
	return m
}

// OnStatusChange registers a status observer. Observers are invoked outside
// the machine's lock, in transition order.
func (m *Machine) OnStatusChange(fn func(Status)) {
	m.obsMu.Lock()
	m.onStatus = append(m.onStatus, fn)
	m.obsMu.Unlock()
}

// OnIncoming registers an invite observer.
func (m *Machine) OnIncoming(fn func(*IncomingCall)) {
	m.obsMu.Lock()
	m.onIncoming = append(m.onIncoming, fn)
	m.obsMu.Unlock()
}

// UpdateConfig swaps the timing knobs and media preferences. Timers
// already armed keep the windows they were armed with; the next transition
// uses the new values.
func (m *Machine) UpdateConfig(cfg Config) {
	cfg.defaults()
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	log.Printf("CALL: config updated (accept=%s grace=%s)", cfg.AcceptWindow, cfg.ReconnectGrace)
}

// Status returns the current call state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Session returns the current call's identity, if a call is active.
func (m *Machine) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess, m.sess.CallID != ""
}

// Start subscribes to this user's invite partition so incoming calls can
// be offered via OnIncoming.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.inviteCancel != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ch, cancel, err := m.relay.Subscribe(ctx, signal.UserPartition(m.selfID))
	if err != nil {
		return fmt.Errorf("call: subscribe invites: %w", err)
	}
	m.mu.Lock()
	m.inviteCancel = cancel
	m.mu.Unlock()
	go m.inviteLoop(ch)
	return nil
}

// Initiate places an outbound call to the best available responder for
// teamType. It returns once the offer is on the relay (status ringing) or
// with the reason the attempt could not start.
func (m *Machine) Initiate(ctx context.Context, teamType string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.status != StatusIdle {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	m.epoch++
	ep := m.epoch
	callID := uuid.NewString()
	m.isCaller = true
	m.sess = Session{CallID: callID, CallerID: m.selfID, TeamType: teamType}
	m.status = StatusInitiating
	m.mu.Unlock()
	m.notify(StatusInitiating)

	cand, err := m.res.Pick(ctx, teamType)
	if err != nil {
		m.terminate(ep, "", StatusFailed, false)
		return fmt.Errorf("call: resolve responder: %w", err)
	}
	m.mu.Lock()
	if ep == m.epoch {
		m.sess.ReceiverID = cand.AdminID
		m.sess.ReceiverName = cand.Name
	}
	m.mu.Unlock()

	handle, err := m.acquireMedia(ctx)
	if err != nil {
		m.terminate(ep, "", StatusFailed, false)
		return err
	}
	if !m.stashHandle(ep, handle) {
		return ErrCallInProgress
	}

	if err := m.ldg.Create(ctx, ledger.Record{
		ID:         callID,
		CallerID:   m.selfID,
		ReceiverID: cand.AdminID,
		TeamID:     teamType,
	}); err != nil {
		log.Printf("CALL [%s]: ledger create: %v", callID, err)
	} else {
		m.mu.Lock()
		m.recordCreated = ep == m.epoch
		m.mu.Unlock()
	}

	ch, err := signal.Open(ctx, m.relay, callID, m.selfID, cand.AdminID)
	if err != nil {
		m.terminate(ep, "", StatusFailed, false)
		return fmt.Errorf("call: open signaling: %w", err)
	}
	if !m.stashChannel(ep, ch) {
		return ErrCallInProgress
	}

	peer, err := m.newPeer(callID, handle, m.peerEvents(ep))
	if err != nil {
		m.terminate(ep, "", StatusFailed, false)
		return fmt.Errorf("call: build peer connection: %w", err)
	}
	if !m.stashPeer(ep, peer) {
		return ErrCallInProgress
	}

	offerSDP, err := peer.CreateOffer(ctx)
	if err != nil {
		m.terminate(ep, "", StatusFailed, false)
		return err
	}

	offer, err := signal.New(callID, m.selfID, m.selfID, cand.AdminID, teamType,
		signal.TypeOffer, signal.SessionDescription{SDP: offerSDP})
	if err != nil {
		m.terminate(ep, "", StatusFailed, false)
		return err
	}
	// The offer goes to the invite partition (the receiver is not yet on
	// the call partition) and to the call partition for redundancy. A
	// failed offer publish is fatal: nothing rings without it.
	if err := m.publish(signal.UserPartition(cand.AdminID), offer); err != nil {
		m.terminate(ep, "", StatusFailed, false)
		return fmt.Errorf("call: publish offer: %w", err)
	}
	if err := m.publish(signal.CallPartition(callID), offer); err != nil {
		log.Printf("CALL [%s]: offer to call partition: %v", callID, err)
	}

	m.mu.Lock()
	if ep != m.epoch {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	m.status = StatusRinging
	window := m.cfg.AcceptWindow
	m.acceptTimer = time.AfterFunc(window, func() {
		// Backstop for a lost reject message. The receiver's own expiry
		// normally lands first as an end-call with the rejected reason.
		log.Printf("CALL [%s]: no answer within %s", callID, window)
		m.terminate(ep, StatusRinging, StatusRejected, true)
	})
	m.mu.Unlock()
	m.notify(StatusRinging)

	go m.recvLoop(ep, ch)
	log.Printf("CALL [%s]: ringing %s (%s)", callID, cand.AdminID, teamType)
	return nil
}

// Hangup ends the current call. Safe to call in any state; a hangup with
// no call in progress is a no-op.
func (m *Machine) Hangup() {
	m.mu.Lock()
	ep := m.epoch
	m.mu.Unlock()
	m.terminate(ep, "", StatusEnded, true)
}

// ToggleAudio flips the microphone. Returns the new muted state; false
// when no call holds a device.
func (m *Machine) ToggleAudio() bool {
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h == nil {
		return false
	}
	return h.ToggleAudio()
}

// ToggleVideo flips the camera. Returns the new disabled state.
func (m *Machine) ToggleVideo() bool {
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h == nil {
		return false
	}
	return h.ToggleVideo()
}

// Close hangs up, stops the invite subscription, and rejects all further
// operations. Idempotent.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.inviteCancel
	m.inviteCancel = nil
	ep := m.epoch
	m.mu.Unlock()

	m.terminate(ep, "", StatusEnded, true)
	if cancel != nil {
		cancel()
	}
}

// ── outbound plumbing ──

// acquireMedia gets a capture handle, retrying once with relaxed
// constraints when the preferred ones cannot be satisfied.
func (m *Machine) acquireMedia(ctx context.Context) (media.Handle, error) {
	m.mu.Lock()
	want := m.cfg.Media
	m.mu.Unlock()

	h, err := m.source.Acquire(ctx, want)
	if err == media.ErrConstraintsUnsupported {
		log.Printf("CALL: preferred media constraints unsupported, retrying relaxed")
		h, err = m.source.Acquire(ctx, want.Relaxed())
	}
	return h, err
}

func (m *Machine) sendTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.SendTimeout
}

func (m *Machine) acceptWindow() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.AcceptWindow
}

func (m *Machine) stashHandle(ep int, h media.Handle) bool {
	m.mu.Lock()
	if ep != m.epoch {
		m.mu.Unlock()
		h.Release()
		return false
	}
	m.handle = h
	m.mu.Unlock()
	return true
}

func (m *Machine) stashChannel(ep int, ch *signal.Channel) bool {
	m.mu.Lock()
	if ep != m.epoch {
		m.mu.Unlock()
		ch.Close()
		return false
	}
	m.ch = ch
	m.mu.Unlock()
	return true
}

func (m *Machine) stashPeer(ep int, p Peer) bool {
	m.mu.Lock()
	if ep != m.epoch {
		m.mu.Unlock()
		p.Close()
		return false
	}
	m.peer = p
	m.mu.Unlock()
	return true
}

func (m *Machine) publish(partition string, msg *signal.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout())
	defer cancel()
	return m.relay.Publish(ctx, partition, data)
}

// ── peer connection events ──

func (m *Machine) peerEvents(ep int) rtc.Events {
	return rtc.Events{
		OnLocalCandidate: func(c signal.Candidate) { m.localCandidate(ep, c) },
		OnRemoteStream:   func() { m.mediaFlowing(ep) },
		OnStateChange:    func(s rtc.State) { m.transportState(ep, s) },
	}
}

// localCandidate ships one of our ICE candidates to the remote side. On
// the caller, candidates discovered before the answer are held back: the
// receiver is not subscribed to the call partition until it accepts, and
// the relay does not replay.
func (m *Machine) localCandidate(ep int, c signal.Candidate) {
	m.mu.Lock()
	if ep != m.epoch {
		m.mu.Unlock()
		return
	}
	if m.isCaller && !m.answered {
		m.pendingLocal = append(m.pendingLocal, c)
		m.mu.Unlock()
		return
	}
	sess := m.sess
	ch := m.ch
	m.mu.Unlock()
	m.publishCandidate(ch, sess, c)
}

// publishCandidate is fire-and-forget: a lost candidate degrades the ICE
// pool, it does not doom the call.
func (m *Machine) publishCandidate(ch *signal.Channel, sess Session, c signal.Candidate) {
	if ch == nil {
		return
	}
	msg, err := signal.New(sess.CallID, m.selfID, sess.CallerID, sess.ReceiverID, sess.TeamType,
		signal.TypeICECandidate, c)
	if err != nil {
		log.Printf("CALL [%s]: build candidate message: %v", sess.CallID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout())
	defer cancel()
	if err := ch.Send(ctx, msg); err != nil {
		log.Printf("CALL [%s]: publish candidate: %v", sess.CallID, err)
	}
}

// mediaFlowing marks the call connected. First arrival pins StartTime;
// later arrivals (after a reconnect) just restore the connected status.
func (m *Machine) mediaFlowing(ep int) {
	m.mu.Lock()
	if ep != m.epoch || m.status == StatusConnected {
		m.mu.Unlock()
		return
	}
	if m.connectedAt.IsZero() {
		m.connectedAt = time.Now()
		m.sess.StartTime = m.connectedAt
	}
	if m.acceptTimer != nil {
		m.acceptTimer.Stop()
		m.acceptTimer = nil
	}
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	m.status = StatusConnected
	m.mu.Unlock()
	m.notify(StatusConnected)
}

func (m *Machine) transportState(ep int, s rtc.State) {
	switch s {
	case rtc.StateConnected:
		m.mediaFlowing(ep)
	case rtc.StateDisconnected:
		m.mu.Lock()
		if ep != m.epoch || m.status != StatusConnected {
			m.mu.Unlock()
			return
		}
		m.status = StatusReconnecting
		callID := m.sess.CallID
		m.graceTimer = time.AfterFunc(m.cfg.ReconnectGrace, func() {
			log.Printf("CALL [%s]: reconnect grace expired", callID)
			m.terminate(ep, StatusReconnecting, StatusEnded, true)
		})
		m.mu.Unlock()
		m.notify(StatusReconnecting)
	case rtc.StateFailed:
		// A call that connected and then lost transport ends; failed is
		// reserved for attempts that never got media flowing.
		m.mu.Lock()
		wasConnected := !m.connectedAt.IsZero()
		m.mu.Unlock()
		final := StatusFailed
		if wasConnected {
			final = StatusEnded
		}
		m.terminate(ep, "", final, true)
	}
}

// ── inbound signaling ──

func (m *Machine) recvLoop(ep int, ch *signal.Channel) {
	for msg := range ch.Recv() {
		m.mu.Lock()
		stale := ep != m.epoch
		m.mu.Unlock()
		if stale {
			return
		}

		switch msg.Type {
		case signal.TypeAnswer:
			m.handleAnswer(ep, msg)
		case signal.TypeICECandidate:
			m.handleCandidate(ep, msg)
		case signal.TypeEndCall:
			m.handleEndCall(ep, msg)
			return
		case signal.TypeOffer:
			// Our own offer echoes are filtered by the channel; a remote
			// offer mid-call is a protocol violation and is ignored.
		}
	}
}

func (m *Machine) handleAnswer(ep int, msg *signal.Message) {
	sd, err := msg.Description()
	if err != nil {
		log.Printf("CALL [%s]: bad answer: %v", msg.CallID, err)
		return
	}

	m.mu.Lock()
	if ep != m.epoch || !m.isCaller || m.answered {
		m.mu.Unlock()
		return
	}
	peer := m.peer
	m.mu.Unlock()

	if err := peer.ApplyRemoteAnswer(sd.SDP); err != nil {
		log.Printf("CALL [%s]: answer rejected: %v", msg.CallID, err)
		m.terminate(ep, "", StatusFailed, true)
		return
	}

	m.mu.Lock()
	if ep != m.epoch {
		m.mu.Unlock()
		return
	}
	m.answered = true
	pending := m.pendingLocal
	m.pendingLocal = nil
	sess := m.sess
	sigCh := m.ch
	advanced := m.status == StatusRinging
	if advanced {
		m.status = StatusConnecting
	}
	recorded := m.recordCreated
	m.mu.Unlock()

	if advanced {
		m.notify(StatusConnecting)
	}
	for _, c := range pending {
		m.publishCandidate(sigCh, sess, c)
	}
	if recorded {
		if err := m.ldg.MarkConnected(context.Background(), sess.CallID); err != nil {
			log.Printf("CALL [%s]: ledger mark connected: %v", sess.CallID, err)
		}
	}
}

func (m *Machine) handleCandidate(ep int, msg *signal.Message) {
	c, err := msg.ICE()
	if err != nil {
		log.Printf("CALL [%s]: bad candidate: %v", msg.CallID, err)
		return
	}
	m.mu.Lock()
	peer := m.peer
	stale := ep != m.epoch
	m.mu.Unlock()
	if stale || peer == nil {
		return
	}
	if err := peer.AddRemoteCandidate(c); err != nil {
		log.Printf("CALL [%s]: remote candidate: %v", msg.CallID, err)
	}
}

func (m *Machine) handleEndCall(ep int, msg *signal.Message) {
	m.mu.Lock()
	wasConnected := !m.connectedAt.IsZero()
	m.mu.Unlock()

	final := StatusEnded
	if msg.End().Reason == signal.ReasonRejected && !wasConnected {
		final = StatusRejected
	}
	m.terminate(ep, "", final, false)
}

// ── teardown ──

// terminate is the single exit path for a call attempt. onlyIf, when
// non-empty, makes the teardown conditional on the machine still being in
// that state (used by timers so a recovered call is not killed by a stale
// expiry). The machine reports final, cleans up in a fixed order, then
// resets to idle.
func (m *Machine) terminate(ep int, onlyIf, final Status, notifyRemote bool) {
	m.mu.Lock()
	if ep != m.epoch || m.status == StatusIdle || (onlyIf != "" && m.status != onlyIf) {
		m.mu.Unlock()
		return
	}
	m.epoch++
	handle, peer, ch := m.handle, m.peer, m.ch
	m.handle, m.peer, m.ch = nil, nil, nil
	if m.acceptTimer != nil {
		m.acceptTimer.Stop()
		m.acceptTimer = nil
	}
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	sess := m.sess
	wasConnected := !m.connectedAt.IsZero()
	recorded := m.recordCreated
	m.answered = false
	m.pendingLocal = nil
	m.connectedAt = time.Time{}
	m.recordCreated = false
	m.status = final
	m.mu.Unlock()
	m.notify(final)

	// Media first: the camera indicator must drop the moment the call is
	// over, whatever else fails below.
	if handle != nil {
		handle.Release()
	}
	if peer != nil {
		peer.Close()
	}
	if ch != nil {
		ch.Close()
	}

	if notifyRemote && sess.CallID != "" {
		body := signal.EndCall{}
		if final == StatusRejected {
			body.Reason = signal.ReasonRejected
		}
		msg, err := signal.New(sess.CallID, m.selfID, sess.CallerID, sess.ReceiverID, sess.TeamType,
			signal.TypeEndCall, body)
		if err == nil {
			if err := m.publish(signal.CallPartition(sess.CallID), msg); err != nil {
				log.Printf("CALL [%s]: end-call publish: %v", sess.CallID, err)
			}
		}
	}

	// Ledger last, and never load-bearing: a failed write is logged and
	// the teardown completes regardless.
	if recorded {
		fs := ledger.StatusMissed
		if wasConnected {
			fs = ledger.StatusEnded
		}
		if err := m.ldg.Finalize(context.Background(), sess.CallID, fs); err != nil {
			log.Printf("CALL [%s]: ledger finalize: %v", sess.CallID, err)
		}
	}

	m.mu.Lock()
	reset := m.status == final
	if reset {
		m.status = StatusIdle
		m.sess = Session{}
	}
	m.mu.Unlock()
	if reset {
		m.notify(StatusIdle)
	}
	log.Printf("CALL [%s]: %s", sess.CallID, final)
}

// ── observers ──

func (m *Machine) notify(s Status) {
	m.obsMu.RLock()
	obs := make([]func(Status), len(m.onStatus))
	copy(obs, m.onStatus)
	m.obsMu.RUnlock()
	for _, fn := range obs {
		fn(s)
	}
}
