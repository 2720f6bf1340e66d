package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/siren/internal/signal"
)

// inviteLoop consumes the user's invite partition. Every offer addressed
// to us becomes an IncomingCall; anything else on the partition is noise.
func (m *Machine) inviteLoop(raw <-chan []byte) {
	for data := range raw {
		msg, err := signal.Decode(data)
		if err != nil {
			log.Printf("CALL: dropping malformed invite: %v", err)
			continue
		}
		if msg.Type != signal.TypeOffer || msg.ReceiverID != m.selfID || msg.SenderID == m.selfID {
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if _, seen := m.seenInvites[msg.CallID]; seen {
			m.mu.Unlock()
			continue
		}
		m.seenInvites[msg.CallID] = struct{}{}
		m.mu.Unlock()

		m.offerInvite(msg)
	}
}

// offerInvite wraps one offer message as an IncomingCall and fires the
// observers. The invite auto-rejects when the accept window lapses.
func (m *Machine) offerInvite(msg *signal.Message) {
	var once sync.Once
	var timer *time.Timer

	reject := func(auto bool) {
		once.Do(func() {
			if timer != nil {
				timer.Stop()
			}
			m.retireInvite(msg.CallID)
			if auto {
				log.Printf("CALL [%s]: invite from %s expired unanswered", msg.CallID, msg.CallerID)
			} else {
				log.Printf("CALL [%s]: invite from %s rejected", msg.CallID, msg.CallerID)
			}
			end, err := signal.New(msg.CallID, m.selfID, msg.CallerID, m.selfID, msg.TeamID,
				signal.TypeEndCall, signal.EndCall{Reason: signal.ReasonRejected})
			if err != nil {
				return
			}
			if err := m.publish(signal.CallPartition(msg.CallID), end); err != nil {
				log.Printf("CALL [%s]: publish reject: %v", msg.CallID, err)
			}
		})
	}

	ic := &IncomingCall{
		CallID:   msg.CallID,
		CallerID: msg.CallerID,
		TeamType: msg.TeamID,
		Reject:   func() { reject(false) },
	}
	ic.Accept = func(ctx context.Context) error {
		var err error
		accepted := false
		once.Do(func() {
			if timer != nil {
				timer.Stop()
			}
			m.retireInvite(msg.CallID)
			accepted = true
			err = m.accept(ctx, msg)
		})
		if !accepted {
			return fmt.Errorf("call: invite %s already settled", msg.CallID)
		}
		return err
	}

	timer = time.AfterFunc(m.acceptWindow(), func() { reject(true) })

	m.obsMu.RLock()
	obs := make([]func(*IncomingCall), len(m.onIncoming))
	copy(obs, m.onIncoming)
	m.obsMu.RUnlock()
	if len(obs) == 0 {
		log.Printf("CALL [%s]: invite from %s with no handler registered", msg.CallID, msg.CallerID)
	}
	for _, fn := range obs {
		fn(ic)
	}
}

// retireInvite drops a settled invite from the dedupe set once the accept
// window has passed, after which the relay cannot still be holding a
// duplicate of its offer. Without this a long-lived responder node keeps
// one entry per invite forever.
func (m *Machine) retireInvite(callID string) {
	time.AfterFunc(m.acceptWindow(), func() {
		m.mu.Lock()
		delete(m.seenInvites, callID)
		m.mu.Unlock()
	})
}

// accept answers an invite: acquire media, join the call partition, apply
// the offer, publish the answer.
func (m *Machine) accept(ctx context.Context, msg *signal.Message) error {
	sd, err := msg.Description()
	if err != nil {
		return fmt.Errorf("call: invite offer: %w", err)
	}

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
	m.isCaller = false
	m.sess = Session{
		CallID:     msg.CallID,
		CallerID:   msg.CallerID,
		ReceiverID: m.selfID,
		TeamType:   msg.TeamID,
	}
	m.status = StatusConnecting
	m.mu.Unlock()
	m.notify(StatusConnecting)

	handle, err := m.acquireMedia(ctx)
	if err != nil {
		m.terminate(ep, "", StatusFailed, true)
		return err
	}
	if !m.stashHandle(ep, handle) {
		return ErrCallInProgress
	}

	ch, err := signal.Open(ctx, m.relay, msg.CallID, m.selfID, msg.CallerID)
	if err != nil {
		m.terminate(ep, "", StatusFailed, true)
		return fmt.Errorf("call: open signaling: %w", err)
	}
	if !m.stashChannel(ep, ch) {
		return ErrCallInProgress
	}

	peer, err := m.newPeer(msg.CallID, handle, m.peerEvents(ep))
	if err != nil {
		m.terminate(ep, "", StatusFailed, true)
		return fmt.Errorf("call: build peer connection: %w", err)
	}
	if !m.stashPeer(ep, peer) {
		return ErrCallInProgress
	}

	answerSDP, err := peer.CreateAnswer(ctx, sd.SDP)
	if err != nil {
		m.terminate(ep, "", StatusFailed, true)
		return err
	}

	answer, err := signal.New(msg.CallID, m.selfID, msg.CallerID, m.selfID, msg.TeamID,
		signal.TypeAnswer, signal.SessionDescription{SDP: answerSDP})
	if err != nil {
		m.terminate(ep, "", StatusFailed, true)
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout())
	err = ch.Send(sendCtx, answer)
	cancel()
	if err != nil {
		m.terminate(ep, "", StatusFailed, false)
		return fmt.Errorf("call: publish answer: %w", err)
	}

	// The receiver may call ToggleAudio/ToggleVideo and Hangup from here
	// on; the caller's answered flag does not apply to this side.
	m.mu.Lock()
	if ep == m.epoch {
		m.answered = true
	}
	m.mu.Unlock()

	go m.recvLoop(ep, ch)
	log.Printf("CALL [%s]: accepted from %s", msg.CallID, msg.CallerID)
	return nil
}
