package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/siren/internal/directory"
	"github.com/petervdpas/siren/internal/ledger"
	"github.com/petervdpas/siren/internal/media"
	"github.com/petervdpas/siren/internal/rtc"
	"github.com/petervdpas/siren/internal/signal"
)

// ── fakes ──

type fakeHandle struct {
	mu       sync.Mutex
	audioOff bool
	videoOff bool
	released bool
}

func (h *fakeHandle) Tracks() []webrtc.TrackLocal               { return nil }
func (h *fakeHandle) ConfigureEngine(*webrtc.MediaEngine) error { return nil }

func (h *fakeHandle) ToggleAudio() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audioOff = !h.audioOff
	return h.audioOff
}
func (h *fakeHandle) ToggleVideo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.videoOff = !h.videoOff
	return h.videoOff
}
func (h *fakeHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
}

func (h *fakeHandle) wasReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

type fakeSource struct {
	mu       sync.Mutex
	errs     []error // consumed per Acquire; nil means success
	acquired []media.Constraints
	handles  []*fakeHandle
}

func (s *fakeSource) Acquire(_ context.Context, c media.Constraints) (media.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired = append(s.acquired, c)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	h := &fakeHandle{}
	s.handles = append(s.handles, h)
	return h, nil
}

type fakePeer struct {
	mu         sync.Mutex
	offered    bool
	remoteSDP  string
	candidates []signal.Candidate
	closed     bool
}

func (p *fakePeer) CreateOffer(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offered = true
	return "local-offer", nil
}

func (p *fakePeer) CreateAnswer(_ context.Context, offerSDP string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteSDP = offerSDP
	return "local-answer", nil
}

func (p *fakePeer) ApplyRemoteAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteSDP = sdp
	return nil
}

func (p *fakePeer) AddRemoteCandidate(c signal.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) wasClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) remoteCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

// peerRig hands out fake peers and remembers the event hooks the machine
// wired, so tests can fire transport events.
type peerRig struct {
	mu     sync.Mutex
	peers  []*fakePeer
	events []rtc.Events
}

func (r *peerRig) factory(string, media.Handle, rtc.Events) (Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &fakePeer{}
	r.peers = append(r.peers, p)
	return p, nil
}

func (r *peerRig) factoryFn() PeerFactory {
	return func(callID string, h media.Handle, ev rtc.Events) (Peer, error) {
		p, err := r.factory(callID, h, ev)
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		return p, err
	}
}

func (r *peerRig) last(t *testing.T) (*fakePeer, rtc.Events) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.peers) == 0 {
		t.Fatal("no peer was built")
	}
	return r.peers[len(r.peers)-1], r.events[len(r.events)-1]
}

type fakeResolver struct {
	cand directory.Candidate
	err  error
}

func (r fakeResolver) Pick(context.Context, string) (directory.Candidate, error) {
	return r.cand, r.err
}

type fakeLedger struct {
	mu        sync.Mutex
	created   []ledger.Record
	connected []string
	finalized map[string]ledger.Status
	failAll   bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{finalized: map[string]ledger.Status{}}
}

func (l *fakeLedger) Create(_ context.Context, rec ledger.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAll {
		return errors.New("ledger down")
	}
	l.created = append(l.created, rec)
	return nil
}

func (l *fakeLedger) MarkConnected(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAll {
		return errors.New("ledger down")
	}
	l.connected = append(l.connected, id)
	return nil
}

func (l *fakeLedger) Finalize(_ context.Context, id string, status ledger.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAll {
		return errors.New("ledger down")
	}
	l.finalized[id] = status
	return nil
}

func (l *fakeLedger) History(context.Context, string, int) ([]ledger.Record, error) {
	return nil, nil
}

func (l *fakeLedger) Close() error { return nil }

func (l *fakeLedger) finalStatus(id string) (ledger.Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.finalized[id]
	return s, ok
}

// flakyRelay fails publishes on demand.
type flakyRelay struct {
	*signal.Loopback
	mu      sync.Mutex
	failPub bool
}

func (r *flakyRelay) Publish(ctx context.Context, partition string, data []byte) error {
	r.mu.Lock()
	down := r.failPub
	r.mu.Unlock()
	if down {
		return fmt.Errorf("%w: injected", signal.ErrTransportUnavailable)
	}
	return r.Loopback.Publish(ctx, partition, data)
}

// ── harness ──

type rig struct {
	machine *Machine
	source  *fakeSource
	peers   *peerRig
	ledger  *fakeLedger
	status  chan Status
}

func testConfig() Config {
	return Config{
		AcceptWindow:   2 * time.Second,
		ReconnectGrace: 2 * time.Second,
		SendTimeout:    time.Second,
		Media:          media.Constraints{Video: true, Audio: true, PreferredCam: "front"},
	}
}

func newRig(t *testing.T, relay signal.Relay, selfID, remoteID string, cfg Config) *rig {
	t.Helper()
	r := &rig{
		source: &fakeSource{},
		peers:  &peerRig{},
		ledger: newFakeLedger(),
		status: make(chan Status, 64),
	}
	r.machine = NewMachine(Options{
		SelfID:   selfID,
		Relay:    relay,
		Source:   r.source,
		Resolver: fakeResolver{cand: directory.Candidate{AdminID: remoteID, TeamType: "fire", IsOnline: true}},
		Ledger:   r.ledger,
		Config:   cfg,
		NewPeer:  r.peers.factoryFn(),
	})
	r.machine.OnStatusChange(func(s Status) { r.status <- s })
	t.Cleanup(r.machine.Close)
	return r
}

func expectStatus(t *testing.T, ch <-chan Status, want Status) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func publishAsRemote(t *testing.T, relay signal.Relay, sess Session, senderID, typ string, body any) {
	t.Helper()
	msg, err := signal.New(sess.CallID, senderID, sess.CallerID, sess.ReceiverID, sess.TeamType, typ, body)
	if err != nil {
		t.Fatalf("build %s: %v", typ, err)
	}
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	if err := relay.Publish(context.Background(), signal.CallPartition(sess.CallID), data); err != nil {
		t.Fatalf("publish %s: %v", typ, err)
	}
}

// ── caller-side scenarios ──

func TestInitiateHappyPath(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()
	r := newRig(t, relay, "citizen", "responder", testConfig())

	if err := r.machine.Initiate(context.Background(), "fire"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	expectStatus(t, r.status, StatusRinging)

	sess, ok := r.machine.Session()
	if !ok || sess.ReceiverID != "responder" {
		t.Fatalf("session = %+v", sess)
	}

	publishAsRemote(t, relay, sess, "responder", signal.TypeAnswer, signal.SessionDescription{SDP: "remote-answer"})
	expectStatus(t, r.status, StatusConnecting)

	peer, ev := r.peers.last(t)
	ev.OnRemoteStream()
	expectStatus(t, r.status, StatusConnected)

	sess, _ = r.machine.Session()
	if sess.StartTime.IsZero() {
		t.Fatal("StartTime not pinned on connect")
	}

	// Remote candidates route into the peer.
	publishAsRemote(t, relay, sess, "responder", signal.TypeICECandidate, signal.Candidate{Candidate: "candidate:remote"})
	waitCond(t, func() bool { return peer.remoteCandidates() == 1 })

	r.machine.Hangup()
	expectStatus(t, r.status, StatusEnded)
	expectStatus(t, r.status, StatusIdle)

	if !peer.wasClosed() {
		t.Fatal("peer not closed on hangup")
	}
	if !r.source.handles[0].wasReleased() {
		t.Fatal("media handle not released on hangup")
	}
	if s, ok := r.ledger.finalStatus(sess.CallID); !ok || s != ledger.StatusEnded {
		t.Fatalf("ledger final = %v %v, want ended", s, ok)
	}
}

func TestSecondInitiateIsBusy(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()
	r := newRig(t, relay, "citizen", "responder", testConfig())

	if err := r.machine.Initiate(context.Background(), "fire"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := r.machine.Initiate(context.Background(), "police"); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("second Initiate: got %v, want ErrCallInProgress", err)
	}
}

func TestInitiateNoResponder(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()
	r := newRig(t, relay, "citizen", "", testConfig())
	r.machine.res = fakeResolver{err: &directory.ErrNoResponder{TeamType: "fire", Hotline: "112"}}

	err := r.machine.Initiate(context.Background(), "fire")
	var nr *directory.ErrNoResponder
	if !errors.As(err, &nr) || nr.Hotline != "112" {
		t.Fatalf("got %v, want ErrNoResponder with hotline", err)
	}
	expectStatus(t, r.status, StatusFailed)
	expectStatus(t, r.status, StatusIdle)
	if len(r.ledger.created) != 0 {
		t.Fatal("no ledger record should exist before media is up")
	}
}

func TestInitiateMediaDenied(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()
	r := newRig(t, relay, "citizen", "responder", testConfig())
	r.source.errs = []error{media.ErrPermissionDenied}

	err := r.machine.Initiate(context.Background(), "fire")
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}
	expectStatus(t, r.status, StatusFailed)
	expectStatus(t, r.status, StatusIdle)
}

func TestInitiateRetriesRelaxedConstraints(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()
	r := newRig(t, relay, "citizen", "responder", testConfig())
	r.source.errs = []error{media.ErrConstraintsUnsupported, nil}

	if err := r.machine.Initiate(context.Background(), "fire"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	r.source.mu.Lock()
	defer r.source.mu.Unlock()
	if len(r.source.acquired) != 2 {
		t.Fatalf("acquire attempts = %d, want 2", len(r.source.acquired))
	}
	if r.source.acquired[1].PreferredCam != "" {
		t.Fatal("retry should drop device preferences")
	}
}

func TestInitiateOfferPublishFailureIsFatal(t *testing.T) {
	relay := &flakyRelay{Loopback: signal.NewLoopback()}
	defer relay.Close()
	r := newRig(t, relay, "citizen", "responder", testConfig())

	relay.mu.Lock()
	relay.failPub = true
	relay.mu.Unlock()

	err := r.machine.Initiate(context.Background(), "fire")
	if !errors.Is(err, signal.ErrTransportUnavailable) {
		t.Fatalf("got %v, want ErrTransportUnavailable", err)
	}
	expectStatus(t, r.status, StatusFailed)
	expectStatus(t, r.status, StatusIdle)
}

func TestCallerTimesOutUnanswered(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()
	cfg := testConfig()
	cfg.AcceptWindow = 50 * time.Millisecond
	r := newRig(t, relay, "citizen", "responder", cfg)

	if err := r.machine.Initiate(context.Background(), "fire"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	sess, _ := r.machine.Session()

	// An unanswered call is rejected, not failed: nothing went wrong, the
	// responder just never picked up.
	expectStatus(t, r.status, StatusRejected)
	expectStatus(t, r.status, StatusIdle)
	if s, ok := r.ledger.finalStatus(sess.CallID); !ok || s != ledger.StatusMissed {
		t.Fatalf("ledger final = %v %v, want missed", s, ok)
	}
}

func TestCallerCandidatesHeldUntilAnswer(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()
	r := newRig(t, relay, "citizen", "responder", testConfig())

	if err := r.machine.Initiate(context.Background(), "fire"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	sess, _ := r.machine.Session()

	// Watch the call partition as a bystander.
	raw, cancel, err := relay.Subscribe(context.Background(), signal.CallPartition(sess.CallID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	_, ev := r.peers.last(t)
	ev.OnLocalCandidate(signal.Candidate{Candidate: "candidate:a"})
	ev.OnLocalCandidate(signal.Candidate{Candidate: "candidate:b"})

	select {
	case data := <-raw:
		if msg, err := signal.Decode(data); err == nil && msg.Type == signal.TypeICECandidate {
			t.Fatal("candidate published before the answer arrived")
		}
	case <-time.After(50 * time.Millisecond):
	}

	publishAsRemote(t, relay, sess, "responder", signal.TypeAnswer, signal.SessionDescription{SDP: "remote-answer"})
	expectStatus(t, r.status, StatusConnecting)

	got := 0
	deadline := time.After(2 * time.Second)
	for got < 2 {
		select {
		case data := <-raw:
			if msg, err := signal.Decode(data); err == nil && msg.Type == signal.TypeICECandidate && msg.SenderID == "citizen" {
				got++
			}
		case <-deadline:
			t.Fatalf("flushed %d candidates, want 2", got)
		}
	}
}

func TestRejectedBeforeConnect(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()
	r := newRig(t, relay, "citizen", "responder", testConfig())

	if err := r.machine.Initiate(context.Background(), "fire"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	sess, _ := r.machine.Session()

	publishAsRemote(t, relay, sess, "responder", signal.TypeEndCall, signal.EndCall{Reason: signal.ReasonRejected})
	expectStatus(t, r.status, StatusRejected)
	expectStatus(t, r.status, StatusIdle)
	if s, ok := r.ledger.finalStatus(sess.CallID); !ok || s != ledger.StatusMissed {
		t.Fatalf("ledger final = %v %v, want missed", s, ok)
	}
}

func TestReconnectRecovers(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()
	r := newRig(t, relay, "citizen", "responder", testConfig())
	connectCall(t, relay, r)
	before, _ := r.machine.Session()
	if before.StartTime.IsZero() {
		t.Fatal("connected session must carry a start time")
	}

	_, ev := r.peers.last(t)
	ev.OnStateChange(rtc.StateDisconnected)
	expectStatus(t, r.status, StatusReconnecting)

	ev.OnStateChange(rtc.StateConnected)
	expectStatus(t, r.status, StatusConnected)

	// The session survived, so its start time does: the eventual duration
	// runs from the original connect, not the reconnect.
	after, _ := r.machine.Session()
	if !after.StartTime.Equal(before.StartTime) {
		t.Fatalf("StartTime moved across reconnect: %v -> %v", before.StartTime, after.StartTime)
	}
}

func TestReconnectGraceExpires(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()
	cfg := testConfig()
	cfg.ReconnectGrace = 50 * time.Millisecond
	r := newRig(t, relay, "citizen", "responder", cfg)
	connectCall(t, relay, r)
	sess, _ := r.machine.Session()

	_, ev := r.peers.last(t)
	ev.OnStateChange(rtc.StateDisconnected)
	expectStatus(t, r.status, StatusReconnecting)

	// A connected call that loses its transport for good ends; failed is
	// reserved for attempts that never got media flowing.
	expectStatus(t, r.status, StatusEnded)
	expectStatus(t, r.status, StatusIdle)

	// The call did connect, so the record closes as ended, not missed.
	if s, ok := r.ledger.finalStatus(sess.CallID); !ok || s != ledger.StatusEnded {
		t.Fatalf("ledger final = %v %v, want ended", s, ok)
	}
}

func TestTransportFailureAfterConnectEndsCall(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()
	r := newRig(t, relay, "citizen", "responder", testConfig())
	connectCall(t, relay, r)
	sess, _ := r.machine.Session()

	_, ev := r.peers.last(t)
	ev.OnStateChange(rtc.StateFailed)
	expectStatus(t, r.status, StatusEnded)
	expectStatus(t, r.status, StatusIdle)
	if s, ok := r.ledger.finalStatus(sess.CallID); !ok || s != ledger.StatusEnded {
		t.Fatalf("ledger final = %v %v, want ended", s, ok)
	}
}

func TestTransportFailureBeforeConnectFails(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()
	r := newRig(t, relay, "citizen", "responder", testConfig())

	if err := r.machine.Initiate(context.Background(), "fire"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	sess, _ := r.machine.Session()
	expectStatus(t, r.status, StatusInitiating)
	expectStatus(t, r.status, StatusRinging)

	_, ev := r.peers.last(t)
	ev.OnStateChange(rtc.StateFailed)
	expectStatus(t, r.status, StatusFailed)
	expectStatus(t, r.status, StatusIdle)
	if s, ok := r.ledger.finalStatus(sess.CallID); !ok || s != ledger.StatusMissed {
		t.Fatalf("ledger final = %v %v, want missed", s, ok)
	}
}

func TestStaleEventsAfterTeardown(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()
	r := newRig(t, relay, "citizen", "responder", testConfig())
	connectCall(t, relay, r)

	peer, ev := r.peers.last(t)
	r.machine.Hangup()
	expectStatus(t, r.status, StatusIdle)

	// Late transport events from the dead attempt must not resurrect it.
	ev.OnRemoteStream()
	ev.OnStateChange(rtc.StateDisconnected)
	ev.OnLocalCandidate(signal.Candidate{Candidate: "candidate:late"})
	time.Sleep(20 * time.Millisecond)
	if got := r.machine.Status(); got != StatusIdle {
		t.Fatalf("status = %s, want idle", got)
	}
	if !peer.wasClosed() {
		t.Fatal("peer left open")
	}
}

func TestLedgerFailureNeverBlocksCall(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()
	r := newRig(t, relay, "citizen", "responder", testConfig())
	r.ledger.failAll = true

	if err := r.machine.Initiate(context.Background(), "fire"); err != nil {
		t.Fatalf("Initiate with dead ledger: %v", err)
	}
	expectStatus(t, r.status, StatusRinging)

	r.machine.Hangup()
	expectStatus(t, r.status, StatusIdle)
}

func TestToggles(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()
	r := newRig(t, relay, "citizen", "responder", testConfig())

	if r.machine.ToggleAudio() {
		t.Fatal("toggle with no call should report unmuted")
	}

	connectCall(t, relay, r)
	if !r.machine.ToggleAudio() {
		t.Fatal("first toggle should mute")
	}
	if r.machine.ToggleAudio() {
		t.Fatal("second toggle should unmute")
	}
	if !r.machine.ToggleVideo() {
		t.Fatal("first video toggle should disable")
	}
}

// connectCall drives a rig's machine to connected against a scripted
// remote.
func connectCall(t *testing.T, relay signal.Relay, r *rig) {
	t.Helper()
	if err := r.machine.Initiate(context.Background(), "fire"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	expectStatus(t, r.status, StatusRinging)
	sess, _ := r.machine.Session()
	publishAsRemote(t, relay, sess, "responder", signal.TypeAnswer, signal.SessionDescription{SDP: "remote-answer"})
	expectStatus(t, r.status, StatusConnecting)
	_, ev := r.peers.last(t)
	ev.OnRemoteStream()
	expectStatus(t, r.status, StatusConnected)
}

func waitCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
