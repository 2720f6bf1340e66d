// Package siren assembles the emergency call stack: configuration, the
// signaling relay, responder presence, the call ledger, and the session
// state machine. UI event handlers construct an App and drive calls
// through it; the package exposes no standalone process.
package siren

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/petervdpas/siren/internal/call"
	"github.com/petervdpas/siren/internal/config"
	"github.com/petervdpas/siren/internal/directory"
	"github.com/petervdpas/siren/internal/ledger"
	"github.com/petervdpas/siren/internal/media"
	"github.com/petervdpas/siren/internal/presence"
	"github.com/petervdpas/siren/internal/rtc"
	"github.com/petervdpas/siren/internal/signal"
)

// Re-exports so most embedders only import this package.
type (
	Status       = call.Status
	Session      = call.Session
	IncomingCall = call.IncomingCall
	CallRecord   = ledger.Record
)

const (
	StatusIdle         = call.StatusIdle
	StatusInitiating   = call.StatusInitiating
	StatusRinging      = call.StatusRinging
	StatusConnecting   = call.StatusConnecting
	StatusConnected    = call.StatusConnected
	StatusReconnecting = call.StatusReconnecting
	StatusEnded        = call.StatusEnded
	StatusRejected     = call.StatusRejected
	StatusFailed       = call.StatusFailed
)

var (
	ErrCallInProgress = call.ErrCallInProgress
)

// Identity is who this node is on the network. Responder nodes heartbeat
// their availability and receive invites; citizen nodes only place calls.
type Identity struct {
	AdminID   string
	Name      string
	Responder bool

	// Responder-only fields, broadcast in presence pulses.
	TeamType string
	TeamName string
	Hotline  string
}

// App is one running siren node.
type App struct {
	cfg   config.Config
	id    Identity
	relay signal.Relay
	table *presence.Table
	hb    *presence.Heartbeat
	store *ledger.Store
	mach  *call.Machine
	watch *config.Watcher

	mu     sync.Mutex
	closed bool
}

// New loads (creating if absent) the config at cfgPath and brings the
// stack up. The machine listens for invites immediately.
func New(ctx context.Context, cfgPath string, id Identity) (*App, error) {
	if id.AdminID == "" {
		return nil, fmt.Errorf("siren: identity requires an admin id")
	}
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("siren: config: %w", err)
	}
	if created {
		log.Printf("SIREN: wrote default config to %s", cfgPath)
	}

	relay, err := buildRelay(ctx, cfg.Relay)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, id: id, relay: relay}
	fail := func(err error) (*App, error) {
		a.Close()
		return nil, err
	}

	a.table, err = presence.NewTable(ctx, relay, cfg.Presence.Topic, id.AdminID, cfg.Presence.TTL())
	if err != nil {
		return fail(fmt.Errorf("siren: presence: %w", err))
	}

	if id.Responder {
		a.hb = presence.NewHeartbeat(relay, cfg.Presence.Topic, cfg.Presence.Heartbeat(), presence.Pulse{
			AdminID:  id.AdminID,
			Name:     id.Name,
			TeamType: id.TeamType,
			TeamName: id.TeamName,
			Hotline:  id.Hotline,
		})
		a.hb.Start(ctx)
	}

	dbPath := cfg.Ledger.DBPath
	if dbPath == "" {
		dbPath = "data/calls.db"
	}
	a.store, err = ledger.Open(dbPath)
	if err != nil {
		return fail(fmt.Errorf("siren: ledger: %w", err))
	}

	a.mach = call.NewMachine(call.Options{
		SelfID:   id.AdminID,
		Relay:    relay,
		Source:   media.NewDevice(),
		Resolver: directory.NewResolver(a.table),
		Ledger:   a.store,
		Config:   machineConfig(cfg),
	})
	if err := a.mach.Start(ctx); err != nil {
		return fail(fmt.Errorf("siren: %w", err))
	}

	// Live-reload the timing knobs and media preferences. Relay and ledger
	// changes need a restart.
	a.watch, err = config.Watch(cfgPath, func(next config.Config) {
		a.mach.UpdateConfig(machineConfig(next))
	})
	if err != nil {
		log.Printf("SIREN: config watch disabled: %v", err)
	}

	log.Printf("SIREN [%s]: up (relay=%s, responder=%v)", id.AdminID, cfg.Relay.Mode, id.Responder)
	return a, nil
}

func machineConfig(cfg config.Config) call.Config {
	return call.Config{
		AcceptWindow:   cfg.Call.AcceptWindow(),
		ReconnectGrace: cfg.Call.ReconnectGrace(),
		SendTimeout:    cfg.Call.SignalSendTimeout(),
		Media: media.Constraints{
			Video:        true,
			Audio:        true,
			PreferredCam: cfg.Media.PreferredCam,
			PreferredMic: cfg.Media.PreferredMic,
			MaxWidth:     cfg.Media.MaxWidth,
			MaxHeight:    cfg.Media.MaxHeight,
		},
		RTC: rtc.Options{StunServers: cfg.Relay.StunServers},
	}
}

func buildRelay(ctx context.Context, rc config.Relay) (signal.Relay, error) {
	switch rc.Mode {
	case "ws":
		r, err := signal.DialWS(ctx, rc.WSURL)
		if err != nil {
			return nil, fmt.Errorf("siren: websocket relay: %w", err)
		}
		return r, nil
	default:
		r, err := signal.NewPubSub(ctx, signal.PubSubOptions{
			ListenPort: rc.ListenPort,
			KeyFile:    rc.KeyFile,
			Bootstrap:  rc.Bootstrap,
			MdnsTag:    "siren-relay",
		})
		if err != nil {
			return nil, fmt.Errorf("siren: pubsub relay: %w", err)
		}
		return r, nil
	}
}

// Call places an emergency call to the given team.
func (a *App) Call(ctx context.Context, teamType string) error {
	return a.mach.Initiate(ctx, teamType)
}

// Hangup ends the current call, if any.
func (a *App) Hangup() { a.mach.Hangup() }

// Status reports the current call state.
func (a *App) Status() Status { return a.mach.Status() }

// Session returns the active call's identity.
func (a *App) Session() (Session, bool) { return a.mach.Session() }

// OnIncoming registers an invite observer.
func (a *App) OnIncoming(fn func(*IncomingCall)) { a.mach.OnIncoming(fn) }

// OnStatusChange registers a call-state observer.
func (a *App) OnStatusChange(fn func(Status)) { a.mach.OnStatusChange(fn) }

// ToggleAudio flips the microphone; reports the new muted state.
func (a *App) ToggleAudio() bool { return a.mach.ToggleAudio() }

// ToggleVideo flips the camera; reports the new disabled state.
func (a *App) ToggleVideo() bool { return a.mach.ToggleVideo() }

// Responders lists the roster as presence currently sees it.
func (a *App) Responders(ctx context.Context) ([]directory.Candidate, error) {
	return a.table.Responders(ctx)
}

// History lists this node's call records, newest first.
func (a *App) History(ctx context.Context, limit int) ([]CallRecord, error) {
	return a.store.History(ctx, a.id.AdminID, limit)
}

// Close tears the stack down: hang up, stop the heartbeat (with its
// goodbye pulse), then release presence, ledger, and relay. Idempotent.
func (a *App) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	if a.watch != nil {
		if err := a.watch.Close(); err != nil {
			log.Printf("SIREN: close config watch: %v", err)
		}
	}
	if a.mach != nil {
		a.mach.Close()
	}
	if a.hb != nil {
		a.hb.Stop()
	}
	if a.table != nil {
		a.table.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("SIREN: close ledger: %v", err)
		}
	}
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			log.Printf("SIREN: close relay: %v", err)
		}
	}
}
