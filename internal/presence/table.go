package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/siren/internal/directory"
	"github.com/petervdpas/siren/internal/signal"
)

// seenResponder is one roster row. Online means a fresh pulse within the
// TTL and no explicit goodbye.
type seenResponder struct {
	Name     string
	TeamType string
	TeamName string
	Hotline  string
	Online   bool
	LastSeen time.Time
}

// Table folds presence pulses into the responder roster. It implements
// directory.Store.
type Table struct {
	ttl time.Duration

	mu         sync.Mutex
	responders map[string]seenResponder
	teams      map[string]directory.Team

	cancel func()
	closed bool
}

// NewTable subscribes to the presence partition on relay and tracks every
// responder heard there. selfID's own pulses are ignored.
func NewTable(ctx context.Context, relay signal.Relay, topic, selfID string, ttl time.Duration) (*Table, error) {
	ch, cancel, err := relay.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("presence: subscribe %s: %w", topic, err)
	}
	t := &Table{
		ttl:        ttl,
		responders: map[string]seenResponder{},
		teams:      map[string]directory.Team{},
		cancel:     cancel,
	}
	go t.readLoop(ch, selfID)
	return t, nil
}

func (t *Table) readLoop(ch <-chan []byte, selfID string) {
	for data := range ch {
		p, err := DecodePulse(data)
		if err != nil {
			log.Printf("PRESENCE: dropping malformed pulse: %v", err)
			continue
		}
		if p.AdminID == "" || p.AdminID == selfID {
			continue
		}
		t.apply(p)
	}
}

func (t *Table) apply(p *Pulse) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.responders[p.AdminID] = seenResponder{
		Name:     p.Name,
		TeamType: p.TeamType,
		TeamName: p.TeamName,
		Hotline:  p.Hotline,
		Online:   p.Online,
		LastSeen: time.Now(),
	}
	if p.TeamType != "" {
		team := t.teams[p.TeamType]
		team.Type = p.TeamType
		if p.TeamName != "" {
			team.Name = p.TeamName
		}
		if p.Hotline != "" {
			team.Hotline = p.Hotline
		}
		t.teams[p.TeamType] = team
	}
}

// Responders returns the roster as the resolver wants it. A responder whose
// last pulse is older than the TTL is reported offline, not dropped; the
// resolver may still route to them as a fallback.
func (t *Table) Responders(context.Context) ([]directory.Candidate, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("presence: table closed")
	}

	cutoff := time.Now().Add(-t.ttl)
	out := make([]directory.Candidate, 0, len(t.responders))
	for id, sr := range t.responders {
		out = append(out, directory.Candidate{
			AdminID:  id,
			Name:     sr.Name,
			TeamType: sr.TeamType,
			IsOnline: sr.Online && sr.LastSeen.After(cutoff),
		})
	}
	return out, nil
}

// Team returns what pulses have revealed about a team.
func (t *Table) Team(_ context.Context, teamType string) (directory.Team, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	team, ok := t.teams[teamType]
	if !ok {
		return directory.Team{}, fmt.Errorf("presence: team %q never seen", teamType)
	}
	return team, nil
}

// Close stops consuming pulses. Idempotent.
func (t *Table) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	t.cancel()
}
