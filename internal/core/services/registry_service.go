package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
	"github.com/Hood-Codivo/streamcast/internal/core/ports"
	"github.com/Hood-Codivo/streamcast/internal/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// registryService is the relay-side Session Registry. All routing decisions
// go through it: clients never address each other directly, which keeps
// signaling inside session boundaries and gives one place to cascade cleanup.
//
// The mutex serializes every handler so the session/attachment graph is never
// observed mid-update.
type registryService struct {
	sessions    ports.SessionRepository
	attachments ports.AttachmentRepository
	sender      ports.SignalSender
	tokens      ports.TokenService
	metrics     ports.MetricsSink
	logger      *zap.SugaredLogger

	mu sync.Mutex
	// waiters are viewers that asked for a session id before its broadcaster
	// went live; they get a broadcasterAvailable push on registration.
	waiters map[domain.SessionID]map[domain.ParticipantID]struct{}
}

func NewRegistryService(
	sessions ports.SessionRepository,
	attachments ports.AttachmentRepository,
	sender ports.SignalSender,
	tokens ports.TokenService,
	metrics ports.MetricsSink,
	logger *zap.SugaredLogger,
) ports.RegistryService {
	return &registryService{
		sessions:    sessions,
		attachments: attachments,
		sender:      sender,
		tokens:      tokens,
		metrics:     metrics,
		logger:      logger,
		waiters:     make(map[domain.SessionID]map[domain.ParticipantID]struct{}),
	}
}

func (s *registryService) RegisterBroadcaster(ctx context.Context, broadcaster domain.ParticipantID, meta domain.SessionMeta) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.sessions.GetByBroadcaster(ctx, broadcaster); err == nil {
		// The same broadcaster re-announcing its own session id is a
		// transport reconnect, not a duplicate; the registration stands.
		if meta.ID == existing.ID {
			s.logger.Infow("broadcaster re-announced live session",
				"session_id", existing.ID, "broadcaster", broadcaster)
			return existing, nil
		}
		return nil, domain.ErrDuplicateBroadcaster
	}

	id := meta.ID
	if id == "" {
		id = domain.SessionID(uuid.NewString())
	} else if _, err := s.sessions.GetByID(ctx, id); err == nil {
		// Someone else already broadcasts under this id.
		return nil, domain.ErrDuplicateBroadcaster
	}

	access := meta.Access
	if access == "" {
		access = domain.AccessOpen
	}

	session := &domain.Session{
		ID:          id,
		Broadcaster: broadcaster,
		Title:       meta.Title,
		Description: meta.Description,
		Access:      access,
		CreatedAt:   time.Now(),
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	s.metrics.SessionStarted()
	s.logger.Infow("session registered",
		"session_id", session.ID,
		"broadcaster", broadcaster,
		"access_mode", session.Access,
	)

	// Wake viewers that joined before the broadcaster went live.
	for viewer := range s.waiters[id] {
		s.notify(viewer, protocol.EventBroadcasterAvailable, protocol.SessionAvailable{SessionID: string(id)})
	}
	delete(s.waiters, id)

	return session, nil
}

func (s *registryService) RequestWatch(ctx context.Context, viewer domain.ParticipantID, sessionID domain.SessionID, credential string) (domain.AttachmentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		// Remember the viewer so it learns when this session goes live.
		if s.waiters[sessionID] == nil {
			s.waiters[sessionID] = make(map[domain.ParticipantID]struct{})
		}
		s.waiters[sessionID][viewer] = struct{}{}
		return "", domain.ErrSessionNotFound
	}

	state := domain.AttachmentRequesting
	if session.Access == domain.AccessApproval && !s.credentialValid(credential, sessionID) {
		state = domain.AttachmentPendingApproval
	}

	attachment := &domain.Attachment{
		Viewer:      viewer,
		Session:     sessionID,
		State:       state,
		RequestedAt: time.Now(),
	}
	if err := s.attachments.Put(ctx, attachment); err != nil {
		return "", err
	}

	if state == domain.AttachmentPendingApproval {
		s.notify(session.Broadcaster, protocol.EventViewerRequest, protocol.ViewerRef{ViewerID: string(viewer)})
		s.logger.Infow("viewer pending approval", "viewer", viewer, "session_id", sessionID)
		return state, nil
	}

	s.beginHandshake(ctx, session, viewer)
	return state, nil
}

func (s *registryService) Approve(ctx context.Context, broadcaster, viewer domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, attachment, err := s.ownedAttachment(ctx, broadcaster, viewer)
	if err != nil {
		return err
	}
	if attachment.State != domain.AttachmentPendingApproval {
		return domain.ErrInvalidState
	}

	attachment.State = domain.AttachmentRequesting
	if err := s.attachments.Put(ctx, attachment); err != nil {
		return err
	}

	s.beginHandshake(ctx, session, viewer)
	return nil
}

func (s *registryService) Reject(ctx context.Context, broadcaster, viewer domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, attachment, err := s.ownedAttachment(ctx, broadcaster, viewer)
	if err != nil {
		return err
	}
	if attachment.State != domain.AttachmentPendingApproval {
		return domain.ErrInvalidState
	}

	attachment.State = domain.AttachmentDisconnected
	if err := s.attachments.Put(ctx, attachment); err != nil {
		return err
	}

	s.metrics.JoinDenied("rejected")
	s.notify(viewer, protocol.EventJoinDenied, protocol.Ack{
		For:  protocol.EventJoinStream,
		OK:   false,
		Code: "REJECTED",
	})
	s.logger.Infow("viewer rejected", "viewer", viewer, "broadcaster", broadcaster)
	return nil
}

// Relay forwards an opaque signaling payload along an existing
// broadcaster<->viewer edge. An unknown or detached target is logged and
// dropped, never surfaced: the sender's handshake times out on its own.
func (s *registryService) Relay(ctx context.Context, from, to domain.ParticipantID, event string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.edgeExists(ctx, from, to) {
		s.logger.Debugw("dropping signal for unknown edge",
			"from", from, "to", to, "event", event,
		)
		return nil
	}

	// A viewer answering means its side of the handshake is committed.
	if event == protocol.EventAnswer {
		if attachment, err := s.attachments.Get(ctx, from); err == nil &&
			attachment.State == domain.AttachmentRequesting {
			attachment.State = domain.AttachmentConnected
			if err := s.attachments.Put(ctx, attachment); err != nil {
				s.logger.Warnw("failed to mark attachment connected", "viewer", from, "error", err)
			}
		}
	}

	if err := s.sender.ForwardSignal(to, event, from, payload); err != nil {
		s.logger.Debugw("target no longer connected, dropping signal",
			"from", from, "to", to, "event", event, "error", err,
		)
		return nil
	}

	s.metrics.EventRelayed(event)
	return nil
}

func (s *registryService) EndStream(ctx context.Context, broadcaster domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.sessions.GetByBroadcaster(ctx, broadcaster)
	if err != nil {
		return domain.ErrSessionNotFound
	}
	s.destroySession(ctx, session)
	return nil
}

// Unregister handles a participant's transport going away. Broadcaster
// disconnect cascades to every attached viewer; viewer disconnect removes
// just that attachment and tells the broadcaster to drop the PeerLink.
func (s *registryService) Unregister(ctx context.Context, participant domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, err := s.sessions.GetByBroadcaster(ctx, participant); err == nil {
		s.destroySession(ctx, session)
	}

	if attachment, err := s.attachments.Get(ctx, participant); err == nil {
		wasActive := attachment.State != domain.AttachmentDisconnected
		if err := s.attachments.Remove(ctx, participant); err != nil && !errors.Is(err, domain.ErrAttachmentNotFound) {
			s.logger.Warnw("failed to remove attachment", "viewer", participant, "error", err)
		}

		if session, err := s.sessions.GetByID(ctx, attachment.Session); err == nil && wasActive {
			s.metrics.ViewerDetached(session.ID)
			s.notify(session.Broadcaster, protocol.EventDisconnectPeer, protocol.PeerRef{PeerID: string(participant)})
			s.pushViewerCount(ctx, session)
		}
	}

	for sessionID, viewers := range s.waiters {
		delete(viewers, participant)
		if len(viewers) == 0 {
			delete(s.waiters, sessionID)
		}
	}

	return nil
}

func (s *registryService) ViewerCount(ctx context.Context, session domain.SessionID) (int, error) {
	return s.attachments.CountBySession(ctx, session)
}

// beginHandshake instructs the broadcaster to open a PeerLink toward the
// viewer. Caller holds the lock.
func (s *registryService) beginHandshake(ctx context.Context, session *domain.Session, viewer domain.ParticipantID) {
	s.metrics.ViewerAttached(session.ID)
	s.notify(session.Broadcaster, protocol.EventWatcher, protocol.ViewerRef{ViewerID: string(viewer)})
	s.pushViewerCount(ctx, session)
	s.logger.Infow("handshake started", "viewer", viewer, "session_id", session.ID)
}

// destroySession cascades teardown to every attached viewer: each gets
// exactly one disconnectPeer and its attachment is destroyed with the
// session. Caller holds the lock.
func (s *registryService) destroySession(ctx context.Context, session *domain.Session) {
	attachments, err := s.attachments.ListBySession(ctx, session.ID)
	if err != nil {
		s.logger.Errorw("failed to list attachments for teardown", "session_id", session.ID, "error", err)
	}

	for _, attachment := range attachments {
		if attachment.State != domain.AttachmentDisconnected {
			s.notify(attachment.Viewer, protocol.EventDisconnectPeer, protocol.PeerRef{PeerID: string(session.Broadcaster)})
		}
		if err := s.attachments.Remove(ctx, attachment.Viewer); err != nil {
			s.logger.Warnw("failed to remove attachment", "viewer", attachment.Viewer, "error", err)
		}
	}

	if err := s.sessions.Delete(ctx, session.ID); err != nil {
		s.logger.Warnw("failed to delete session", "session_id", session.ID, "error", err)
	}

	s.metrics.SessionEnded()
	s.logger.Infow("session destroyed", "session_id", session.ID, "viewers_detached", len(attachments))
}

// ownedAttachment resolves the approve/reject guards: the caller must own a
// live session and the viewer must be attached to that same session.
func (s *registryService) ownedAttachment(ctx context.Context, broadcaster, viewer domain.ParticipantID) (*domain.Session, *domain.Attachment, error) {
	session, err := s.sessions.GetByBroadcaster(ctx, broadcaster)
	if err != nil {
		return nil, nil, domain.ErrNotAuthorized
	}

	attachment, err := s.attachments.Get(ctx, viewer)
	if err != nil {
		return nil, nil, domain.ErrInvalidState
	}
	if attachment.Session != session.ID {
		return nil, nil, domain.ErrNotAuthorized
	}
	return session, attachment, nil
}

func (s *registryService) edgeExists(ctx context.Context, from, to domain.ParticipantID) bool {
	// Broadcaster -> attached viewer.
	if session, err := s.sessions.GetByBroadcaster(ctx, from); err == nil {
		attachment, err := s.attachments.Get(ctx, to)
		return err == nil && attachment.Session == session.ID && attachment.State != domain.AttachmentDisconnected
	}

	// Viewer -> its session's broadcaster.
	if attachment, err := s.attachments.Get(ctx, from); err == nil &&
		attachment.State != domain.AttachmentDisconnected {
		session, err := s.sessions.GetByID(ctx, attachment.Session)
		return err == nil && session.Broadcaster == to
	}

	return false
}

func (s *registryService) credentialValid(credential string, sessionID domain.SessionID) bool {
	if credential == "" || s.tokens == nil {
		return false
	}
	if err := s.tokens.ValidateJoinToken(credential, sessionID); err != nil {
		s.metrics.JoinDenied("bad_credential")
		s.logger.Debugw("join credential rejected", "session_id", sessionID, "error", err)
		return false
	}
	return true
}

func (s *registryService) pushViewerCount(ctx context.Context, session *domain.Session) {
	count, err := s.attachments.CountBySession(ctx, session.ID)
	if err != nil {
		s.logger.Warnw("failed to count viewers", "session_id", session.ID, "error", err)
		return
	}

	payload := protocol.ViewerCount{Count: count}
	s.notify(session.Broadcaster, protocol.EventViewerUpdate, payload)

	attachments, err := s.attachments.ListBySession(ctx, session.ID)
	if err != nil {
		return
	}
	for _, attachment := range attachments {
		if attachment.State != domain.AttachmentDisconnected {
			s.notify(attachment.Viewer, protocol.EventViewerUpdate, payload)
		}
	}
}

// notify sends best-effort: a gone participant is not an error here.
func (s *registryService) notify(id domain.ParticipantID, event string, payload interface{}) {
	if err := s.sender.SendEvent(id, event, payload); err != nil {
		s.logger.Debugw("notification dropped", "participant", id, "event", event, "error", err)
	}
}
