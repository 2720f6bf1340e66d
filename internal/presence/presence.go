// Package presence keeps a live roster of responders. Each responder
// broadcasts periodic pulses on a shared relay partition; everyone else
// folds those pulses into a local table that the directory resolver
// queries when routing a call.
package presence

import (
	"encoding/json"
	"time"
)

// Pulse is one heartbeat on the wire.
type Pulse struct {
	AdminID  string `json:"admin_id"`
	Name     string `json:"name,omitempty"`
	TeamType string `json:"team_type"`
	TeamName string `json:"team_name,omitempty"`
	Hotline  string `json:"hotline,omitempty"`
	Online   bool   `json:"online"`
	SentAt   int64  `json:"sent_at"` // unix millis
}

func (p *Pulse) Encode() ([]byte, error) { return json.Marshal(p) }

func DecodePulse(data []byte) (*Pulse, error) {
	var p Pulse
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }
