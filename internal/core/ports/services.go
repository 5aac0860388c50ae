package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
)

// RegistryService is the relay-side session registry. It owns the
// broadcaster->session and viewer->attachment graph and is the only component
// allowed to route signaling between participants.
type RegistryService interface {
	RegisterBroadcaster(ctx context.Context, broadcaster domain.ParticipantID, meta domain.SessionMeta) (*domain.Session, error)
	RequestWatch(ctx context.Context, viewer domain.ParticipantID, session domain.SessionID, credential string) (domain.AttachmentState, error)
	Approve(ctx context.Context, broadcaster, viewer domain.ParticipantID) error
	Reject(ctx context.Context, broadcaster, viewer domain.ParticipantID) error
	Relay(ctx context.Context, from, to domain.ParticipantID, event string, payload json.RawMessage) error
	Unregister(ctx context.Context, participant domain.ParticipantID) error
	EndStream(ctx context.Context, broadcaster domain.ParticipantID) error
	ViewerCount(ctx context.Context, session domain.SessionID) (int, error)
}

// SignalSender delivers one named event to one connected participant.
// Implemented by the websocket server; the registry never touches sockets.
type SignalSender interface {
	SendEvent(id domain.ParticipantID, event string, payload interface{}) error
	// ForwardSignal relays an opaque offer/answer/candidate body, stamping
	// the sender identity on the envelope.
	ForwardSignal(to domain.ParticipantID, event string, from domain.ParticipantID, payload json.RawMessage) error
}

// TokenService issues and checks join credentials for approval-gated sessions.
type TokenService interface {
	IssueJoinToken(session domain.SessionID, ttl time.Duration) (string, error)
	ValidateJoinToken(token string, session domain.SessionID) error
}

// MetricsSink receives registry-level counters. Implemented by the
// Prometheus collector; a no-op implementation is fine for tests.
type MetricsSink interface {
	SessionStarted()
	SessionEnded()
	ViewerAttached(session domain.SessionID)
	ViewerDetached(session domain.SessionID)
	EventRelayed(event string)
	JoinDenied(reason string)
}
