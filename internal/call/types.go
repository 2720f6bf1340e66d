// Package call implements the session state machine that drives one
// emergency video call end to end: responder resolution, media capture,
// offer/answer negotiation over the relay, the connected phase with its
// reconnect grace window, and teardown with ledger finalization.
//
// Coupling to the transport is via the signal.Relay interface; coupling to
// the peer connection is via the Peer interface below, so the machine can
// be exercised without opening sockets or devices.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/petervdpas/siren/internal/directory"
	"github.com/petervdpas/siren/internal/media"
	"github.com/petervdpas/siren/internal/rtc"
	"github.com/petervdpas/siren/internal/signal"
)

// Status is the machine's externally visible call state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusInitiating   Status = "initiating"
	StatusRinging      Status = "ringing"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"

	// Terminal statuses. The machine reports one of these, finishes
	// cleanup, then returns to idle.
	StatusEnded    Status = "ended"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

var (
	// ErrCallInProgress rejects a second call while one is active.
	ErrCallInProgress = errors.New("call: a call is already in progress")

	// ErrClosed rejects operations on a machine that has been shut down.
	ErrClosed = errors.New("call: machine closed")
)

// Session is the identity of the current call. StartTime is set once, when
// media first flows, and survives reconnects.
type Session struct {
	CallID       string
	CallerID     string
	ReceiverID   string
	ReceiverName string
	TeamType     string
	StartTime    time.Time
}

// IncomingCall is handed to OnIncoming observers when an invite arrives.
// Exactly one of Accept or Reject should be called; if neither is within
// the accept window the invite rejects itself.
type IncomingCall struct {
	CallID   string
	CallerID string
	TeamType string

	Accept func(ctx context.Context) error
	Reject func()
}

// Peer is the slice of rtc.Controller the machine drives. A test double
// stands in for it; the production factory wraps rtc.New.
type Peer interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context, offerSDP string) (string, error)
	ApplyRemoteAnswer(answerSDP string) error
	AddRemoteCandidate(c signal.Candidate) error
	Close()
}

// PeerFactory builds the peer connection for one call attempt.
type PeerFactory func(callID string, h media.Handle, ev rtc.Events) (Peer, error)

// Resolver picks the responder for an outbound call.
type Resolver interface {
	Pick(ctx context.Context, teamType string) (directory.Candidate, error)
}

// Config carries the machine's timing knobs and media preferences.
type Config struct {
	// AcceptWindow bounds how long an invite may ring. On the caller it is
	// the wait for an answer; on the receiver it is the auto-reject timer.
	AcceptWindow time.Duration

	// ReconnectGrace is how long a connected call may stay disconnected
	// before it is declared failed.
	ReconnectGrace time.Duration

	// SendTimeout bounds each relay publish.
	SendTimeout time.Duration

	Media media.Constraints
	RTC   rtc.Options
}

func (c *Config) defaults() {
	if c.AcceptWindow <= 0 {
		c.AcceptWindow = 30 * time.Second
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if !c.Media.Video && !c.Media.Audio {
		c.Media.Video = true
		c.Media.Audio = true
	}
}
