// Package ledger records the lifecycle of every call attempt: who called
// whom, whether it connected, and how long it lasted. Ledger writes are
// best-effort from the caller's point of view; a failed write must never
// keep a call from being set up or torn down.
package ledger

import (
	"context"
	"time"
)

// Status is the ledger's view of a call. A record starts as initiated,
// moves to connected when media flows, and ends as ended or missed.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusMissed    Status = "missed"
)

// Record is one call attempt.
type Record struct {
	ID         string
	CallerID   string
	ReceiverID string
	TeamID     string
	Status     Status
	StartTime  time.Time
	EndTime    time.Time // zero until finalized
	Duration   time.Duration
}

// Ledger persists call records.
type Ledger interface {
	// Create inserts a record in the initiated state.
	Create(ctx context.Context, rec Record) error

	// MarkConnected moves an initiated record to connected.
	MarkConnected(ctx context.Context, id string) error

	// Finalize closes a record as ended or missed. For ended, the duration
	// is computed against the connect time, so ringing never counts.
	Finalize(ctx context.Context, id string, status Status) error

	// History lists records involving adminID, newest first.
	History(ctx context.Context, adminID string, limit int) ([]Record, error)

	Close() error
}
