package signal

import (
	"context"
	"errors"
)

// ErrTransportUnavailable is returned by Publish when the relay connection
// is down. Callers treat it as retryable for ice-candidate traffic and
// fatal for offer/answer.
var ErrTransportUnavailable = errors.New("signal: transport unavailable")

// Relay is an ordered, at-least-once publish/subscribe transport keyed by
// partition. In-call traffic flows on CallPartition(callID); each
// participant additionally listens on their UserPartition for invites.
//
// Messages published to a partition before Subscribe completes are lost;
// the relay does not replay history.
type Relay interface {
	Publish(ctx context.Context, partition string, data []byte) error

	// Subscribe begins receiving raw payloads for a partition. The returned
	// cancel func is idempotent; the channel is closed on cancel or relay
	// shutdown.
	Subscribe(ctx context.Context, partition string) (<-chan []byte, func(), error)

	Close() error
}

// CallPartition is the partition carrying all traffic for one call.
func CallPartition(callID string) string { return "call/" + callID }

// UserPartition is the per-participant invite partition. Offers are
// published here in addition to the call partition so a receiver that has
// never heard of the call can observe it.
func UserPartition(userID string) string { return "user/" + userID }
