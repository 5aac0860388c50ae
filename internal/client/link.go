package client

import (
	"sync"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// PeerLink is one live peer connection plus its negotiation machinery.
// The generation number fences stale pion callbacks: a callback captured
// against an old link must not touch state owned by its replacement.
type PeerLink struct {
	remote     domain.ParticipantID
	generation uint64
	pc         *webrtc.PeerConnection
	sm         *stateMachine

	closeOnce sync.Once
}

func (l *PeerLink) Remote() domain.ParticipantID { return l.remote }

func (l *PeerLink) State() NegotiationState { return l.sm.State() }

// close releases the underlying peer connection. Safe to call any number of
// times; only the first call does work.
func (l *PeerLink) close() {
	l.closeOnce.Do(func() {
		l.sm.Close()
		if l.pc != nil {
			l.pc.Close()
		}
	})
}
