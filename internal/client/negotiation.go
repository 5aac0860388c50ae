package client

import (
	"fmt"
	"sync"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// NegotiationState is the handshake phase of one peer link.
type NegotiationState int32

const (
	StateIdle NegotiationState = iota
	StateOfferSent
	StateAnswerReceived
	StateConnected
	StateFailed
	StateClosed
)

func (s NegotiationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer_sent"
	case StateAnswerReceived:
		return "answer_received"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateMachine sequences one link's offer/answer exchange and buffers remote
// candidates that arrive before the description they depend on. Candidates
// are flushed in arrival order, never reordered.
type stateMachine struct {
	mu           sync.Mutex
	state        NegotiationState
	remoteSet    bool
	pending      []webrtc.ICECandidateInit
	apply        func(webrtc.ICECandidateInit) error
	restartsLeft int
	onTransition func(from, to NegotiationState)
}

func newStateMachine(restartLimit int, apply func(webrtc.ICECandidateInit) error, onTransition func(from, to NegotiationState)) *stateMachine {
	return &stateMachine{
		state:        StateIdle,
		apply:        apply,
		restartsLeft: restartLimit,
		onTransition: onTransition,
	}
}

func (sm *stateMachine) State() NegotiationState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// transition moves to the target state if legal. Closed is absorbing: once
// there, every further transition is refused.
func (sm *stateMachine) transition(to NegotiationState) error {
	sm.mu.Lock()
	from := sm.state
	if from == StateClosed {
		sm.mu.Unlock()
		return fmt.Errorf("%w: link already closed", domain.ErrInvalidState)
	}
	if from == to {
		sm.mu.Unlock()
		return nil
	}
	sm.state = to
	onTransition := sm.onTransition
	sm.mu.Unlock()

	if onTransition != nil {
		onTransition(from, to)
	}
	return nil
}

func (sm *stateMachine) OfferSent() error      { return sm.transition(StateOfferSent) }
func (sm *stateMachine) AnswerReceived() error { return sm.transition(StateAnswerReceived) }
func (sm *stateMachine) Connected() error      { return sm.transition(StateConnected) }
func (sm *stateMachine) Failed() error         { return sm.transition(StateFailed) }

// Close is idempotent and terminal.
func (sm *stateMachine) Close() {
	sm.mu.Lock()
	from := sm.state
	if from == StateClosed {
		sm.mu.Unlock()
		return
	}
	sm.state = StateClosed
	sm.pending = nil
	onTransition := sm.onTransition
	sm.mu.Unlock()

	if onTransition != nil {
		onTransition(from, StateClosed)
	}
}

// AddCandidate applies a remote candidate, or buffers it when the remote
// description is not set yet. Candidates for a closed link are dropped.
func (sm *stateMachine) AddCandidate(candidate webrtc.ICECandidateInit) error {
	sm.mu.Lock()
	if sm.state == StateClosed {
		sm.mu.Unlock()
		return nil
	}
	if !sm.remoteSet {
		sm.pending = append(sm.pending, candidate)
		sm.mu.Unlock()
		return nil
	}
	apply := sm.apply
	sm.mu.Unlock()

	return apply(candidate)
}

// RemoteDescriptionSet flushes the buffered candidates in arrival order.
// Call it after SetRemoteDescription succeeds on the peer connection.
func (sm *stateMachine) RemoteDescriptionSet() error {
	sm.mu.Lock()
	if sm.state == StateClosed {
		sm.mu.Unlock()
		return fmt.Errorf("%w: link already closed", domain.ErrInvalidState)
	}
	sm.remoteSet = true
	pending := sm.pending
	sm.pending = nil
	apply := sm.apply
	sm.mu.Unlock()

	for _, candidate := range pending {
		if err := apply(candidate); err != nil {
			return fmt.Errorf("failed to apply buffered candidate: %w", err)
		}
	}
	return nil
}

// ResetRemote re-arms candidate buffering for a renegotiation. Used on ICE
// restart: candidates for the new attempt must wait for the new answer.
func (sm *stateMachine) ResetRemote() {
	sm.mu.Lock()
	sm.remoteSet = false
	sm.mu.Unlock()
}

// PendingCandidates reports how many candidates are buffered.
func (sm *stateMachine) PendingCandidates() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.pending)
}

// ConsumeRestart spends one unit of the ICE restart budget. A false return
// means the budget is exhausted and the link must fail instead.
func (sm *stateMachine) ConsumeRestart() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state == StateClosed || sm.restartsLeft <= 0 {
		return false
	}
	sm.restartsLeft--
	return true
}
