package client

import (
	"testing"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidateInit(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestCandidatesBufferUntilRemoteDescription(t *testing.T) {
	var applied []string
	sm := newStateMachine(0, func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		return nil
	}, nil)

	require.NoError(t, sm.AddCandidate(candidateInit("a")))
	require.NoError(t, sm.AddCandidate(candidateInit("b")))
	require.NoError(t, sm.AddCandidate(candidateInit("c")))

	assert.Empty(t, applied)
	assert.Equal(t, 3, sm.PendingCandidates())

	require.NoError(t, sm.RemoteDescriptionSet())

	// Flushed in arrival order, never reordered.
	assert.Equal(t, []string{"a", "b", "c"}, applied)
	assert.Equal(t, 0, sm.PendingCandidates())

	// Later candidates apply immediately.
	require.NoError(t, sm.AddCandidate(candidateInit("d")))
	assert.Equal(t, []string{"a", "b", "c", "d"}, applied)
}

func TestResetRemoteRearmsBuffering(t *testing.T) {
	var applied []string
	sm := newStateMachine(1, func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		return nil
	}, nil)

	require.NoError(t, sm.RemoteDescriptionSet())
	require.NoError(t, sm.AddCandidate(candidateInit("first")))

	sm.ResetRemote()
	require.NoError(t, sm.AddCandidate(candidateInit("second")))
	assert.Equal(t, []string{"first"}, applied)

	require.NoError(t, sm.RemoteDescriptionSet())
	assert.Equal(t, []string{"first", "second"}, applied)
}

func TestStateTransitionsReported(t *testing.T) {
	var seen []NegotiationState
	sm := newStateMachine(0, func(webrtc.ICECandidateInit) error { return nil },
		func(from, to NegotiationState) {
			seen = append(seen, to)
		})

	require.NoError(t, sm.OfferSent())
	require.NoError(t, sm.AnswerReceived())
	require.NoError(t, sm.Connected())
	sm.Close()

	assert.Equal(t, []NegotiationState{StateOfferSent, StateAnswerReceived, StateConnected, StateClosed}, seen)
}

func TestClosedIsAbsorbing(t *testing.T) {
	sm := newStateMachine(2, func(webrtc.ICECandidateInit) error { return nil }, nil)
	sm.Close()

	assert.ErrorIs(t, sm.OfferSent(), domain.ErrInvalidState)
	assert.ErrorIs(t, sm.Connected(), domain.ErrInvalidState)
	assert.ErrorIs(t, sm.RemoteDescriptionSet(), domain.ErrInvalidState)
	assert.False(t, sm.ConsumeRestart())

	// Candidates for a closed link vanish quietly.
	assert.NoError(t, sm.AddCandidate(candidateInit("late")))
	assert.Equal(t, 0, sm.PendingCandidates())
	assert.Equal(t, StateClosed, sm.State())
}

func TestCloseIsIdempotent(t *testing.T) {
	closes := 0
	sm := newStateMachine(0, func(webrtc.ICECandidateInit) error { return nil },
		func(from, to NegotiationState) {
			if to == StateClosed {
				closes++
			}
		})

	sm.Close()
	sm.Close()
	sm.Close()
	assert.Equal(t, 1, closes)
}

func TestRestartBudgetIsBounded(t *testing.T) {
	sm := newStateMachine(2, func(webrtc.ICECandidateInit) error { return nil }, nil)

	assert.True(t, sm.ConsumeRestart())
	assert.True(t, sm.ConsumeRestart())
	assert.False(t, sm.ConsumeRestart())
	assert.False(t, sm.ConsumeRestart())
}

func TestZeroRestartBudget(t *testing.T) {
	sm := newStateMachine(0, func(webrtc.ICECandidateInit) error { return nil }, nil)
	assert.False(t, sm.ConsumeRestart())
}
