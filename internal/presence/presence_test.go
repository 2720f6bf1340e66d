package presence

import (
	"context"
	"testing"
	"time"

	"github.com/petervdpas/siren/internal/signal"
)

const testTopic = "presence.test"

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func publishPulse(t *testing.T, relay signal.Relay, p Pulse) {
	t.Helper()
	if p.SentAt == 0 {
		p.SentAt = nowMillis()
	}
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("encode pulse: %v", err)
	}
	if err := relay.Publish(context.Background(), testTopic, data); err != nil {
		t.Fatalf("publish pulse: %v", err)
	}
}

func rosterHas(t *testing.T, tab *Table, adminID string) func() bool {
	return func() bool {
		rs, err := tab.Responders(context.Background())
		if err != nil {
			t.Fatalf("Responders: %v", err)
		}
		for _, c := range rs {
			if c.AdminID == adminID {
				return true
			}
		}
		return false
	}
}

func TestTableTracksPulses(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()

	tab, err := NewTable(context.Background(), relay, testTopic, "me", time.Minute)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	defer tab.Close()

	publishPulse(t, relay, Pulse{AdminID: "r1", TeamType: "fire", TeamName: "Fire Brigade", Hotline: "112", Online: true})
	publishPulse(t, relay, Pulse{AdminID: "me", TeamType: "fire", Online: true}) // own pulse ignored

	waitFor(t, rosterHas(t, tab, "r1"))

	rs, err := tab.Responders(context.Background())
	if err != nil {
		t.Fatalf("Responders: %v", err)
	}
	if len(rs) != 1 {
		t.Fatalf("roster = %d entries, want 1 (own pulse must be skipped)", len(rs))
	}
	if !rs[0].IsOnline || rs[0].TeamType != "fire" {
		t.Fatalf("unexpected candidate: %+v", rs[0])
	}

	team, err := tab.Team(context.Background(), "fire")
	if err != nil {
		t.Fatalf("Team: %v", err)
	}
	if team.Hotline != "112" {
		t.Fatalf("Hotline = %q, want 112", team.Hotline)
	}
}

func TestTableExpiresToOffline(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()

	tab, err := NewTable(context.Background(), relay, testTopic, "me", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	defer tab.Close()

	publishPulse(t, relay, Pulse{AdminID: "r1", TeamType: "fire", Online: true})
	waitFor(t, rosterHas(t, tab, "r1"))

	// After the TTL the responder is still listed but reported offline.
	waitFor(t, func() bool {
		rs, err := tab.Responders(context.Background())
		if err != nil {
			t.Fatalf("Responders: %v", err)
		}
		return len(rs) == 1 && !rs[0].IsOnline
	})
}

func TestHeartbeatGoodbyeMarksOffline(t *testing.T) {
	relay := signal.NewLoopback()
	defer relay.Close()

	tab, err := NewTable(context.Background(), relay, testTopic, "me", time.Minute)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	defer tab.Close()

	hb := NewHeartbeat(relay, testTopic, 10*time.Millisecond, Pulse{AdminID: "r1", TeamType: "police"})
	hb.Start(context.Background())
	waitFor(t, rosterHas(t, tab, "r1"))

	hb.Stop()
	hb.Stop() // idempotent

	waitFor(t, func() bool {
		rs, err := tab.Responders(context.Background())
		if err != nil {
			t.Fatalf("Responders: %v", err)
		}
		return len(rs) == 1 && !rs[0].IsOnline
	})
}
