// Package signal implements the signaling protocol that moves call-setup
// messages between the two participants of a call. It does not implement the
// relay itself (relays only ferry opaque partitioned byte payloads) but it
// owns the wire format, the per-call channel adapter, and two Relay
// implementations (embedded gossipsub and external websocket).
package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types on the wire.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeEndCall      = "end-call"
)

// Message is the wire unit exchanged over the relay. Messages are immutable
// once published; the relay delivers them at least once per partition, in
// insertion order within a partition.
// CallerID and ReceiverID are call roles, fixed for the lifetime of the
// call. SenderID identifies which of the two published the message; roles
// alone cannot, and filtering on roles would let a participant's own
// ice-candidates echo back as remote ones.
type Message struct {
	ID         string          `json:"id"`
	CallID     string          `json:"call_id"`
	SenderID   string          `json:"sender_id"`
	CallerID   string          `json:"caller_id"`
	ReceiverID string          `json:"receiver_id"`
	TeamID     string          `json:"team_id,omitempty"`
	Type       string          `json:"type"`
	Signal     json.RawMessage `json:"signal"`
	CreatedAt  int64           `json:"created_at"` // unix millis
}

// SessionDescription is the signal body for offer and answer messages.
type SessionDescription struct {
	SDP string `json:"sdp"`
}

// Candidate is the signal body for ice-candidate messages. The descriptor
// fields mirror what the browser-side RTCIceCandidate serializes to.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// EndCall is the signal body for end-call messages. An empty reason is a
// normal hangup.
type EndCall struct {
	Reason string `json:"reason,omitempty"`
}

// ReasonRejected marks an end-call sent by a responder declining the
// invite before any media was negotiated.
const ReasonRejected = "rejected"

// New builds a message with a fresh ID and timestamp. The signal body is
// marshaled immediately so the message is frozen at creation.
func New(callID, senderID, callerID, receiverID, teamID, typ string, body any) (*Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("signal: marshal %s body: %w", typ, err)
	}
	return &Message{
		ID:         uuid.NewString(),
		CallID:     callID,
		SenderID:   senderID,
		CallerID:   callerID,
		ReceiverID: receiverID,
		TeamID:     teamID,
		Type:       typ,
		Signal:     raw,
		CreatedAt:  nowMillis(),
	}, nil
}

// Encode serializes the message for the relay.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a relay payload. Malformed payloads return an error and are
// dropped by the adapter rather than surfaced to the state machine.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("signal: decode: %w", err)
	}
	if m.CallID == "" || m.Type == "" {
		return nil, fmt.Errorf("signal: message missing call_id or type")
	}
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeEndCall:
	default:
		return nil, fmt.Errorf("signal: unknown message type %q", m.Type)
	}
	return &m, nil
}

// Description unmarshals an offer/answer body.
func (m *Message) Description() (SessionDescription, error) {
	var sd SessionDescription
	if err := json.Unmarshal(m.Signal, &sd); err != nil {
		return SessionDescription{}, fmt.Errorf("signal: %s body: %w", m.Type, err)
	}
	if sd.SDP == "" {
		return SessionDescription{}, fmt.Errorf("signal: %s body has empty sdp", m.Type)
	}
	return sd, nil
}

// ICE unmarshals an ice-candidate body.
func (m *Message) ICE() (Candidate, error) {
	var c Candidate
	if err := json.Unmarshal(m.Signal, &c); err != nil {
		return Candidate{}, fmt.Errorf("signal: ice-candidate body: %w", err)
	}
	return c, nil
}

// Recipient returns the role opposite the sender.
func (m *Message) Recipient() string {
	if m.SenderID == m.CallerID {
		return m.ReceiverID
	}
	return m.CallerID
}

// End unmarshals an end-call body. Malformed bodies degrade to a plain
// hangup rather than erroring; the call is over either way.
func (m *Message) End() EndCall {
	var e EndCall
	_ = json.Unmarshal(m.Signal, &e)
	return e
}

func nowMillis() int64 { return time.Now().UnixMilli() }
