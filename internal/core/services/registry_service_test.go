package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
	"github.com/Hood-Codivo/streamcast/internal/core/ports"
	"github.com/Hood-Codivo/streamcast/internal/infrastructure/repositories/memory"
	"github.com/Hood-Codivo/streamcast/internal/protocol"
	"github.com/Hood-Codivo/streamcast/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	To      domain.ParticipantID
	Event   string
	From    domain.ParticipantID
	Payload interface{}
}

// fakeSender records everything the registry pushes.
type fakeSender struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeSender) SendEvent(id domain.ParticipantID, event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{To: id, Event: event, Payload: payload})
	return nil
}

func (f *fakeSender) ForwardSignal(to domain.ParticipantID, event string, from domain.ParticipantID, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{To: to, Event: event, From: from, Payload: payload})
	return nil
}

func (f *fakeSender) eventsFor(id domain.ParticipantID, event string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.events {
		if e.To == id && e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type nopMetrics struct{}

func (nopMetrics) SessionStarted()                      {}
func (nopMetrics) SessionEnded()                        {}
func (nopMetrics) ViewerAttached(domain.SessionID)      {}
func (nopMetrics) ViewerDetached(domain.SessionID)      {}
func (nopMetrics) EventRelayed(string)                  {}
func (nopMetrics) JoinDenied(string)                    {}

func newTestRegistry(t *testing.T) (ports.RegistryService, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	registry := NewRegistryService(
		memory.NewMemorySessionRepository(),
		memory.NewMemoryAttachmentRepository(),
		sender,
		NewTokenService("test-secret"),
		nopMetrics{},
		logger.NewNop().Sugar(),
	)
	return registry, sender
}

func startSession(t *testing.T, registry ports.RegistryService, broadcaster domain.ParticipantID, access domain.AccessMode) *domain.Session {
	t.Helper()
	session, err := registry.RegisterBroadcaster(context.Background(), broadcaster, domain.SessionMeta{Access: access})
	require.NoError(t, err)
	return session
}

func TestRegisterBroadcasterAssignsSessionID(t *testing.T) {
	registry, _ := newTestRegistry(t)

	session := startSession(t, registry, "bcast-1", domain.AccessOpen)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, domain.ParticipantID("bcast-1"), session.Broadcaster)
	assert.Equal(t, domain.AccessOpen, session.Access)
}

func TestRegisterBroadcasterRejectsSecondSession(t *testing.T) {
	registry, _ := newTestRegistry(t)
	startSession(t, registry, "bcast-1", domain.AccessOpen)

	_, err := registry.RegisterBroadcaster(context.Background(), "bcast-1", domain.SessionMeta{})
	assert.ErrorIs(t, err, domain.ErrDuplicateBroadcaster)
}

func TestRegisterBroadcasterReannounceOwnSessionIsIdempotent(t *testing.T) {
	registry, _ := newTestRegistry(t)
	session := startSession(t, registry, "bcast-1", domain.AccessOpen)

	// Re-announcing the owned session id after a transport drop keeps the
	// registration instead of rejecting it as a duplicate.
	again, err := registry.RegisterBroadcaster(context.Background(), "bcast-1", domain.SessionMeta{ID: session.ID})
	require.NoError(t, err)
	assert.Equal(t, session.ID, again.ID)

	// A different id from the same broadcaster is still a duplicate.
	_, err = registry.RegisterBroadcaster(context.Background(), "bcast-1", domain.SessionMeta{ID: "something-else"})
	assert.ErrorIs(t, err, domain.ErrDuplicateBroadcaster)
}

func TestRegisterBroadcasterRejectsTakenSessionID(t *testing.T) {
	registry, _ := newTestRegistry(t)
	_, err := registry.RegisterBroadcaster(context.Background(), "bcast-1", domain.SessionMeta{ID: "shared"})
	require.NoError(t, err)

	_, err = registry.RegisterBroadcaster(context.Background(), "bcast-2", domain.SessionMeta{ID: "shared"})
	assert.ErrorIs(t, err, domain.ErrDuplicateBroadcaster)
}

func TestOpenSessionJoinStartsHandshake(t *testing.T) {
	registry, sender := newTestRegistry(t)
	session := startSession(t, registry, "bcast", domain.AccessOpen)

	state, err := registry.RequestWatch(context.Background(), "viewer-1", session.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentRequesting, state)

	// Broadcaster told to open a PeerLink toward the viewer.
	watchers := sender.eventsFor("bcast", protocol.EventWatcher)
	require.Len(t, watchers, 1)
	assert.Equal(t, protocol.ViewerRef{ViewerID: "viewer-1"}, watchers[0].Payload)

	// Viewer count pushed to the broadcaster.
	updates := sender.eventsFor("bcast", protocol.EventViewerUpdate)
	require.NotEmpty(t, updates)
	assert.Equal(t, protocol.ViewerCount{Count: 1}, updates[len(updates)-1].Payload)
}

func TestJoinBeforeLiveGetsBroadcasterAvailable(t *testing.T) {
	registry, sender := newTestRegistry(t)

	_, err := registry.RequestWatch(context.Background(), "early-viewer", "future-session", "")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = registry.RegisterBroadcaster(context.Background(), "bcast", domain.SessionMeta{ID: "future-session"})
	require.NoError(t, err)

	available := sender.eventsFor("early-viewer", protocol.EventBroadcasterAvailable)
	require.Len(t, available, 1)
	assert.Equal(t, protocol.SessionAvailable{SessionID: "future-session"}, available[0].Payload)
}

func TestApprovalGatedJoinIsPendingUntilApproved(t *testing.T) {
	registry, sender := newTestRegistry(t)
	session := startSession(t, registry, "bcast", domain.AccessApproval)

	state, err := registry.RequestWatch(context.Background(), "viewer-1", session.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentPendingApproval, state)

	// No handshake yet, just the approval prompt.
	assert.Empty(t, sender.eventsFor("bcast", protocol.EventWatcher))
	requests := sender.eventsFor("bcast", protocol.EventViewerRequest)
	require.Len(t, requests, 1)

	require.NoError(t, registry.Approve(context.Background(), "bcast", "viewer-1"))
	assert.Len(t, sender.eventsFor("bcast", protocol.EventWatcher), 1)
}

func TestValidJoinTokenBypassesApproval(t *testing.T) {
	sender := &fakeSender{}
	tokens := NewTokenService("test-secret")
	registry := NewRegistryService(
		memory.NewMemorySessionRepository(),
		memory.NewMemoryAttachmentRepository(),
		sender,
		tokens,
		nopMetrics{},
		logger.NewNop().Sugar(),
	)

	session, err := registry.RegisterBroadcaster(context.Background(), "bcast", domain.SessionMeta{Access: domain.AccessApproval})
	require.NoError(t, err)

	token, err := tokens.IssueJoinToken(session.ID, time.Hour)
	require.NoError(t, err)

	state, err := registry.RequestWatch(context.Background(), "viewer-1", session.ID, token)
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentRequesting, state)
	assert.Len(t, sender.eventsFor("bcast", protocol.EventWatcher), 1)
}

func TestTokenForOtherSessionDoesNotBypassApproval(t *testing.T) {
	sender := &fakeSender{}
	tokens := NewTokenService("test-secret")
	registry := NewRegistryService(
		memory.NewMemorySessionRepository(),
		memory.NewMemoryAttachmentRepository(),
		sender,
		tokens,
		nopMetrics{},
		logger.NewNop().Sugar(),
	)

	session, err := registry.RegisterBroadcaster(context.Background(), "bcast", domain.SessionMeta{Access: domain.AccessApproval})
	require.NoError(t, err)

	token, err := tokens.IssueJoinToken("some-other-session", time.Hour)
	require.NoError(t, err)

	state, err := registry.RequestWatch(context.Background(), "viewer-1", session.ID, token)
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentPendingApproval, state)
}

func TestApproveGuards(t *testing.T) {
	registry, _ := newTestRegistry(t)
	session := startSession(t, registry, "bcast", domain.AccessApproval)

	_, err := registry.RequestWatch(context.Background(), "viewer-1", session.ID, "")
	require.NoError(t, err)

	// Only the session owner may approve.
	err = registry.Approve(context.Background(), "stranger", "viewer-1")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	// Approving an unknown viewer is an invalid state.
	err = registry.Approve(context.Background(), "bcast", "ghost")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	// Approving twice: the second call finds the attachment past pending.
	require.NoError(t, registry.Approve(context.Background(), "bcast", "viewer-1"))
	err = registry.Approve(context.Background(), "bcast", "viewer-1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRejectNotifiesViewer(t *testing.T) {
	registry, sender := newTestRegistry(t)
	session := startSession(t, registry, "bcast", domain.AccessApproval)

	_, err := registry.RequestWatch(context.Background(), "viewer-1", session.ID, "")
	require.NoError(t, err)

	require.NoError(t, registry.Reject(context.Background(), "bcast", "viewer-1"))

	denied := sender.eventsFor("viewer-1", protocol.EventJoinDenied)
	require.Len(t, denied, 1)
	assert.Empty(t, sender.eventsFor("bcast", protocol.EventWatcher))
}

func TestRelayStampsSenderAndCountsEdgeBothWays(t *testing.T) {
	registry, sender := newTestRegistry(t)
	session := startSession(t, registry, "bcast", domain.AccessOpen)
	_, err := registry.RequestWatch(context.Background(), "viewer-1", session.ID, "")
	require.NoError(t, err)

	payload := json.RawMessage(`{"description":"offer-sdp"}`)
	require.NoError(t, registry.Relay(context.Background(), "bcast", "viewer-1", protocol.EventOffer, payload))

	offers := sender.eventsFor("viewer-1", protocol.EventOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.ParticipantID("bcast"), offers[0].From)

	// And back: viewer -> broadcaster.
	require.NoError(t, registry.Relay(context.Background(), "viewer-1", "bcast", protocol.EventCandidate, payload))
	assert.Len(t, sender.eventsFor("bcast", protocol.EventCandidate), 1)
}

func TestRelayDropsUnknownEdgeSilently(t *testing.T) {
	registry, sender := newTestRegistry(t)
	session := startSession(t, registry, "bcast", domain.AccessOpen)
	_, err := registry.RequestWatch(context.Background(), "viewer-1", session.ID, "")
	require.NoError(t, err)

	payload := json.RawMessage(`{}`)

	// Viewer signaling a peer that is not its broadcaster.
	require.NoError(t, registry.Relay(context.Background(), "viewer-1", "other-viewer", protocol.EventOffer, payload))
	assert.Empty(t, sender.eventsFor("other-viewer", protocol.EventOffer))

	// Stranger signaling the broadcaster.
	require.NoError(t, registry.Relay(context.Background(), "stranger", "bcast", protocol.EventOffer, payload))
	assert.Empty(t, sender.eventsFor("bcast", protocol.EventOffer))
}

func TestViewerAnswerMarksAttachmentConnected(t *testing.T) {
	registry, _ := newTestRegistry(t)
	session := startSession(t, registry, "bcast", domain.AccessOpen)
	_, err := registry.RequestWatch(context.Background(), "viewer-1", session.ID, "")
	require.NoError(t, err)

	require.NoError(t, registry.Relay(context.Background(), "viewer-1", "bcast", protocol.EventAnswer, json.RawMessage(`{}`)))

	count, err := registry.ViewerCount(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEndStreamCascadesExactlyOneDisconnectPerViewer(t *testing.T) {
	registry, sender := newTestRegistry(t)
	session := startSession(t, registry, "bcast", domain.AccessOpen)

	viewers := []domain.ParticipantID{"v1", "v2", "v3"}
	for _, viewer := range viewers {
		_, err := registry.RequestWatch(context.Background(), viewer, session.ID, "")
		require.NoError(t, err)
	}

	require.NoError(t, registry.EndStream(context.Background(), "bcast"))

	for _, viewer := range viewers {
		disconnects := sender.eventsFor(viewer, protocol.EventDisconnectPeer)
		require.Len(t, disconnects, 1, "viewer %s", viewer)
		assert.Equal(t, protocol.PeerRef{PeerID: "bcast"}, disconnects[0].Payload)
	}

	// Session gone: ending again fails, rejoin finds nothing.
	assert.ErrorIs(t, registry.EndStream(context.Background(), "bcast"), domain.ErrSessionNotFound)
	_, err := registry.RequestWatch(context.Background(), "v4", session.ID, "")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestBroadcasterUnregisterCascades(t *testing.T) {
	registry, sender := newTestRegistry(t)
	session := startSession(t, registry, "bcast", domain.AccessOpen)
	_, err := registry.RequestWatch(context.Background(), "viewer-1", session.ID, "")
	require.NoError(t, err)

	require.NoError(t, registry.Unregister(context.Background(), "bcast"))
	assert.Len(t, sender.eventsFor("viewer-1", protocol.EventDisconnectPeer), 1)
}

func TestViewerUnregisterNotifiesBroadcaster(t *testing.T) {
	registry, sender := newTestRegistry(t)
	session := startSession(t, registry, "bcast", domain.AccessOpen)

	_, err := registry.RequestWatch(context.Background(), "viewer-1", session.ID, "")
	require.NoError(t, err)
	_, err = registry.RequestWatch(context.Background(), "viewer-2", session.ID, "")
	require.NoError(t, err)

	require.NoError(t, registry.Unregister(context.Background(), "viewer-1"))

	disconnects := sender.eventsFor("bcast", protocol.EventDisconnectPeer)
	require.Len(t, disconnects, 1)
	assert.Equal(t, protocol.PeerRef{PeerID: "viewer-1"}, disconnects[0].Payload)

	count, err := registry.ViewerCount(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	updates := sender.eventsFor("bcast", protocol.EventViewerUpdate)
	require.NotEmpty(t, updates)
	assert.Equal(t, protocol.ViewerCount{Count: 1}, updates[len(updates)-1].Payload)
}

func TestUnregisterUnknownParticipantIsNoop(t *testing.T) {
	registry, sender := newTestRegistry(t)
	require.NoError(t, registry.Unregister(context.Background(), "nobody"))
	assert.Empty(t, sender.events)
}
