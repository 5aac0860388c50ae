package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
	"github.com/Hood-Codivo/streamcast/internal/protocol"
	"github.com/Hood-Codivo/streamcast/pkg/retry"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// BroadcasterConfig configures one broadcast client.
type BroadcasterConfig struct {
	RelayURL     string
	SessionID    string
	Title        string
	Description  string
	Access       domain.AccessMode
	ICEServers   []webrtc.ICEServer
	RestartLimit int
	Constraints  Constraints
	AutoApprove  bool
	Backoff      retry.Config

	// AnnounceTimeout bounds the wait for the session registration ack.
	AnnounceTimeout time.Duration
}

// Broadcaster runs the sending side: it acquires media, announces the
// session, and fans out one peer link per approved viewer.
type Broadcaster struct {
	cfg       BroadcasterConfig
	source    MediaSource
	transport *Transport
	manager   *Manager
	logger    *zap.SugaredLogger

	// Optional callbacks; set before Start.
	OnViewerRequest func(viewerID domain.ParticipantID)
	OnViewerCount   func(count int)
	OnStatus        StatusFunc

	mu        sync.Mutex
	sessionID domain.SessionID
	sources   []TrackSource
	announced chan protocol.Ack
	cancel    context.CancelFunc
	stopped   bool
}

func NewBroadcaster(cfg BroadcasterConfig, source MediaSource, logger *zap.SugaredLogger) *Broadcaster {
	if cfg.AnnounceTimeout <= 0 {
		cfg.AnnounceTimeout = 10 * time.Second
	}
	return &Broadcaster{
		cfg:       cfg,
		source:    source,
		logger:    logger,
		announced: make(chan protocol.Ack, 1),
	}
}

// SessionID returns the registry-assigned session id, valid after Start.
func (b *Broadcaster) SessionID() domain.SessionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// ViewerCount reports live peer links.
func (b *Broadcaster) ViewerCount() int {
	if b.manager == nil {
		return 0
	}
	return b.manager.LinkCount()
}

// Start acquires media, connects signaling, and announces the session.
// Media comes first: a capture failure must surface before anything is
// announced to the relay.
func (b *Broadcaster) Start(ctx context.Context) error {
	sources, err := b.source.Acquire(ctx, b.cfg.Constraints)
	if err != nil {
		return fmt.Errorf("media acquisition failed: %w", err)
	}
	b.mu.Lock()
	b.sources = sources
	b.mu.Unlock()

	tracks := make([]webrtc.TrackLocal, 0, len(sources))
	for _, src := range sources {
		tracks = append(tracks, src.Track())
	}

	status := b.OnStatus
	b.transport = NewTransport(b.cfg.RelayURL, b.cfg.Backoff, b.logger)
	b.manager = NewManager(ManagerConfig{
		Role:         domain.RoleBroadcaster,
		ICEServers:   b.cfg.ICEServers,
		RestartLimit: b.cfg.RestartLimit,
	}, b.transport, status, b.logger)
	b.manager.SetTracks(tracks)
	b.manager.OnKeyFrameRequest(func() {
		b.mu.Lock()
		current := b.sources
		b.mu.Unlock()
		for _, src := range current {
			src.RequestKeyFrame()
		}
	})
	b.manager.OnReleaseMedia(func() {
		if err := b.source.Release(); err != nil {
			b.logger.Warnw("media release failed", "error", err)
		}
	})

	b.registerHandlers()

	runCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	if err := b.transport.Connect(ctx); err != nil {
		cancel()
		b.source.Release()
		return err
	}

	go func() {
		if err := b.transport.Run(runCtx); err != nil && runCtx.Err() == nil {
			b.logger.Errorw("signaling loop ended", "error", err)
		}
		b.manager.TeardownAll()
	}()

	for _, src := range sources {
		src := src
		go func() {
			if err := src.Start(runCtx); err != nil && runCtx.Err() == nil {
				b.logger.Errorw("media pump stopped", "error", err)
			}
		}()
	}

	if err := b.announce(ctx); err != nil {
		b.Stop()
		return err
	}
	return nil
}

func (b *Broadcaster) announce(ctx context.Context) error {
	b.mu.Lock()
	sessionID := b.cfg.SessionID
	if b.sessionID != "" {
		sessionID = string(b.sessionID)
	}
	b.mu.Unlock()

	// Drop any ack left over from an announce that timed out.
	select {
	case <-b.announced:
	default:
	}

	if err := b.transport.Emit(protocol.EventBroadcaster, protocol.SessionAnnounce{
		SessionID:   sessionID,
		Title:       b.cfg.Title,
		Description: b.cfg.Description,
		AccessMode:  string(b.cfg.Access),
	}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.cfg.AnnounceTimeout):
		return fmt.Errorf("timed out waiting for session registration")
	case ack := <-b.announced:
		if !ack.OK {
			return fmt.Errorf("session registration rejected: %s (%s)", ack.Message, ack.Code)
		}
		b.mu.Lock()
		b.sessionID = domain.SessionID(ack.SessionID)
		b.mu.Unlock()
		b.logger.Infow("session live", "session_id", ack.SessionID)
		return nil
	}
}

func (b *Broadcaster) registerHandlers() {
	b.transport.On(protocol.EventAck, func(env protocol.Envelope) {
		var ack protocol.Ack
		if json.Unmarshal(env.Payload, &ack) != nil {
			return
		}
		switch ack.For {
		case protocol.EventBroadcaster:
			select {
			case b.announced <- ack:
			default:
			}
		default:
			if !ack.OK {
				b.logger.Warnw("request rejected", "for", ack.For, "code", ack.Code, "message", ack.Message)
			}
		}
	})

	b.transport.On(protocol.EventWatcher, func(env protocol.Envelope) {
		var ref protocol.ViewerRef
		if json.Unmarshal(env.Payload, &ref) != nil || ref.ViewerID == "" {
			return
		}
		if err := b.manager.OnRemoteJoin(domain.ParticipantID(ref.ViewerID)); err != nil {
			b.logger.Errorw("failed to start handshake", "viewer", ref.ViewerID, "error", err)
		}
	})

	b.transport.On(protocol.EventViewerRequest, func(env protocol.Envelope) {
		var ref protocol.ViewerRef
		if json.Unmarshal(env.Payload, &ref) != nil || ref.ViewerID == "" {
			return
		}
		if b.cfg.AutoApprove {
			b.Approve(domain.ParticipantID(ref.ViewerID))
			return
		}
		if b.OnViewerRequest != nil {
			b.OnViewerRequest(domain.ParticipantID(ref.ViewerID))
		}
	})

	b.transport.On(protocol.EventAnswer, func(env protocol.Envelope) {
		remote, desc, err := decodeDescription(env)
		if err != nil {
			b.logger.Warnw("invalid answer", "error", err)
			return
		}
		if err := b.manager.OnRemoteAnswer(remote, desc); err != nil {
			b.logger.Errorw("failed to apply answer", "viewer", remote, "error", err)
		}
	})

	b.transport.On(protocol.EventCandidate, func(env protocol.Envelope) {
		remote, candidate, err := decodeCandidate(env)
		if err != nil {
			b.logger.Warnw("invalid candidate", "error", err)
			return
		}
		if err := b.manager.OnRemoteCandidate(remote, candidate); err != nil {
			b.logger.Warnw("failed to apply candidate", "viewer", remote, "error", err)
		}
	})

	b.transport.On(protocol.EventDisconnectPeer, func(env protocol.Envelope) {
		var ref protocol.PeerRef
		if json.Unmarshal(env.Payload, &ref) != nil || ref.PeerID == "" {
			return
		}
		b.manager.OnRemoteLeave(domain.ParticipantID(ref.PeerID))
	})

	b.transport.On(protocol.EventViewerUpdate, func(env protocol.Envelope) {
		var count protocol.ViewerCount
		if json.Unmarshal(env.Payload, &count) != nil {
			return
		}
		if b.OnViewerCount != nil {
			b.OnViewerCount(count.Count)
		}
	})

	// A reconnect voids every old peer link but not the local media; the
	// tracks stay acquired for the links the re-announce brings. The
	// announce ack arrives through the read loop that invoked us, so the
	// wait must not happen inline.
	b.transport.OnReconnect(func() {
		b.manager.TeardownLinks()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.AnnounceTimeout)
			defer cancel()
			if err := b.announce(ctx); err != nil {
				b.logger.Errorw("re-announce after reconnect failed", "error", err)
			}
		}()
	})
}

// Approve admits a pending viewer.
func (b *Broadcaster) Approve(viewerID domain.ParticipantID) error {
	return b.transport.Emit(protocol.EventApproveViewer, protocol.ViewerRef{ViewerID: string(viewerID)})
}

// Reject denies a pending viewer.
func (b *Broadcaster) Reject(viewerID domain.ParticipantID) error {
	return b.transport.Emit(protocol.EventRejectViewer, protocol.ViewerRef{ViewerID: string(viewerID)})
}

// ReplaceVideoTrack swaps the outbound video on every live link without
// renegotiation, e.g. toggling screen share.
func (b *Broadcaster) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	return b.manager.ReplaceOutboundVideoTrack(track)
}

// Stop ends the session: tells the relay, tears down every link, releases
// media, closes signaling. Safe to call more than once.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	cancel := b.cancel
	b.mu.Unlock()

	if b.transport != nil {
		if err := b.transport.Emit(protocol.EventEndStream, nil); err != nil {
			b.logger.Debugw("endStream emit failed", "error", err)
		}
	}
	if b.manager != nil {
		b.manager.TeardownAll()
	}
	if cancel != nil {
		cancel()
	}
	if b.transport != nil {
		b.transport.Close()
	}
}

func decodeDescription(env protocol.Envelope) (domain.ParticipantID, webrtc.SessionDescription, error) {
	var payload protocol.Description
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return "", webrtc.SessionDescription{}, err
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload.Description, &desc); err != nil {
		return "", webrtc.SessionDescription{}, err
	}
	if env.From == "" {
		return "", webrtc.SessionDescription{}, fmt.Errorf("missing sender on %s", env.Type)
	}
	return domain.ParticipantID(env.From), desc, nil
}

func decodeCandidate(env protocol.Envelope) (domain.ParticipantID, webrtc.ICECandidateInit, error) {
	var payload protocol.Candidate
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return "", webrtc.ICECandidateInit{}, err
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload.Candidate, &candidate); err != nil {
		return "", webrtc.ICECandidateInit{}, err
	}
	if env.From == "" {
		return "", webrtc.ICECandidateInit{}, fmt.Errorf("missing sender on candidate")
	}
	return domain.ParticipantID(env.From), candidate, nil
}
