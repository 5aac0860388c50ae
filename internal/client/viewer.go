package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
	"github.com/Hood-Codivo/streamcast/internal/protocol"
	apperrors "github.com/Hood-Codivo/streamcast/pkg/errors"
	"github.com/Hood-Codivo/streamcast/pkg/retry"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ViewerConfig configures one watch client.
type ViewerConfig struct {
	RelayURL   string
	SessionID  domain.SessionID
	Credential string
	ICEServers []webrtc.ICEServer
	Backoff    retry.Config

	// OfferTimeout bounds the wait for the broadcaster's offer once the
	// handshake is expected. It does not run while approval is pending or
	// while waiting for the broadcaster to go live.
	OfferTimeout time.Duration
}

// Viewer runs the receiving side: one peer link toward the broadcaster,
// inbound tracks surfaced through OnTrack.
type Viewer struct {
	cfg       ViewerConfig
	transport *Transport
	manager   *Manager
	logger    *zap.SugaredLogger

	// Optional callbacks; set before Watch.
	OnTrack       RemoteTrackFunc
	OnStatus      StatusFunc
	OnViewerCount func(count int)
	OnEnded       func(reason string)

	mu         sync.Mutex
	offerTimer *time.Timer
	gotOffer   bool
	cancel     context.CancelFunc
	stopped    bool
}

func NewViewer(cfg ViewerConfig, logger *zap.SugaredLogger) *Viewer {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = 15 * time.Second
	}
	return &Viewer{cfg: cfg, logger: logger}
}

// Watch connects signaling and requests attachment to the session. It
// returns once the join request is on the wire; progress arrives through
// the callbacks.
func (v *Viewer) Watch(ctx context.Context) error {
	v.transport = NewTransport(v.cfg.RelayURL, v.cfg.Backoff, v.logger)
	v.manager = NewManager(ManagerConfig{
		Role:       domain.RoleViewer,
		ICEServers: v.cfg.ICEServers,
	}, v.transport, v.OnStatus, v.logger)
	if v.OnTrack != nil {
		v.manager.OnRemoteTrack(v.OnTrack)
	}

	v.registerHandlers()

	runCtx, cancel := context.WithCancel(context.Background())
	v.mu.Lock()
	v.cancel = cancel
	v.mu.Unlock()

	if err := v.transport.Connect(ctx); err != nil {
		cancel()
		return err
	}

	go func() {
		if err := v.transport.Run(runCtx); err != nil && runCtx.Err() == nil {
			v.logger.Errorw("signaling loop ended", "error", err)
			v.ended("signaling lost")
		}
		v.manager.TeardownAll()
	}()

	return v.join()
}

func (v *Viewer) join() error {
	v.mu.Lock()
	v.gotOffer = false
	v.mu.Unlock()
	return v.transport.Emit(protocol.EventJoinStream, protocol.JoinRequest{
		SessionID:  string(v.cfg.SessionID),
		Credential: v.cfg.Credential,
	})
}

// armOfferTimer starts the no-offer watchdog. Firing means the broadcaster
// never completed the handshake; the viewer reports failure instead of
// waiting forever.
func (v *Viewer) armOfferTimer() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gotOffer || v.stopped {
		return
	}
	if v.offerTimer != nil {
		v.offerTimer.Stop()
	}
	v.offerTimer = time.AfterFunc(v.cfg.OfferTimeout, func() {
		v.mu.Lock()
		expired := !v.gotOffer && !v.stopped
		v.mu.Unlock()
		if expired {
			v.ended("connection failed: no offer from broadcaster")
		}
	})
}

func (v *Viewer) disarmOfferTimer() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.offerTimer != nil {
		v.offerTimer.Stop()
		v.offerTimer = nil
	}
}

func (v *Viewer) registerHandlers() {
	v.transport.On(protocol.EventAck, func(env protocol.Envelope) {
		var ack protocol.Ack
		if json.Unmarshal(env.Payload, &ack) != nil || ack.For != protocol.EventJoinStream {
			return
		}
		switch {
		case ack.OK && ack.State == string(domain.AttachmentPendingApproval):
			v.logger.Infow("awaiting approval", "session_id", ack.SessionID)
			v.statusDetail("awaiting approval")
		case ack.OK:
			// Handshake under way: the offer must arrive within the window.
			v.armOfferTimer()
		case ack.Code == string(apperrors.CodeSessionNotFound):
			// Not live yet. The relay remembers us and will push
			// broadcasterAvailable when the session appears.
			v.logger.Infow("session not live, waiting", "session_id", v.cfg.SessionID)
			v.statusDetail("waiting for broadcaster")
		default:
			v.ended("join rejected: " + ack.Message)
		}
	})

	v.transport.On(protocol.EventOffer, func(env protocol.Envelope) {
		remote, desc, err := decodeDescription(env)
		if err != nil {
			v.logger.Warnw("invalid offer", "error", err)
			return
		}
		v.mu.Lock()
		v.gotOffer = true
		v.mu.Unlock()
		v.disarmOfferTimer()

		if err := v.manager.OnRemoteOffer(remote, desc); err != nil {
			v.logger.Errorw("failed to answer offer", "broadcaster", remote, "error", err)
			v.ended("connection failed: " + err.Error())
		}
	})

	v.transport.On(protocol.EventCandidate, func(env protocol.Envelope) {
		remote, candidate, err := decodeCandidate(env)
		if err != nil {
			v.logger.Warnw("invalid candidate", "error", err)
			return
		}
		if err := v.manager.OnRemoteCandidate(remote, candidate); err != nil {
			v.logger.Warnw("failed to apply candidate", "broadcaster", remote, "error", err)
		}
	})

	v.transport.On(protocol.EventDisconnectPeer, func(env protocol.Envelope) {
		var ref protocol.PeerRef
		if json.Unmarshal(env.Payload, &ref) != nil || ref.PeerID == "" {
			return
		}
		v.manager.OnRemoteLeave(domain.ParticipantID(ref.PeerID))
		v.ended("stream ended")
	})

	v.transport.On(protocol.EventBroadcasterAvailable, func(env protocol.Envelope) {
		var available protocol.SessionAvailable
		if json.Unmarshal(env.Payload, &available) != nil {
			return
		}
		v.logger.Infow("broadcaster live, joining", "session_id", available.SessionID)
		if err := v.join(); err != nil {
			v.logger.Errorw("rejoin failed", "error", err)
		}
	})

	v.transport.On(protocol.EventJoinDenied, func(env protocol.Envelope) {
		v.ended("join denied by broadcaster")
	})

	v.transport.On(protocol.EventViewerUpdate, func(env protocol.Envelope) {
		var count protocol.ViewerCount
		if json.Unmarshal(env.Payload, &count) != nil {
			return
		}
		if v.OnViewerCount != nil {
			v.OnViewerCount(count.Count)
		}
	})

	// After a reconnect the old attachment is gone; start over.
	v.transport.OnReconnect(func() {
		v.manager.TeardownLinks()
		if err := v.join(); err != nil {
			v.logger.Errorw("rejoin after reconnect failed", "error", err)
		}
	})
}

func (v *Viewer) statusDetail(detail string) {
	if v.OnStatus != nil {
		v.OnStatus("", StateIdle, detail)
	}
}

func (v *Viewer) ended(reason string) {
	v.disarmOfferTimer()
	if v.OnEnded != nil {
		v.OnEnded(reason)
	}
}

// Stop leaves the session and releases everything. Safe to call repeatedly.
func (v *Viewer) Stop() {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	v.stopped = true
	cancel := v.cancel
	v.mu.Unlock()

	v.disarmOfferTimer()
	if v.manager != nil {
		v.manager.TeardownAll()
	}
	if cancel != nil {
		cancel()
	}
	if v.transport != nil {
		v.transport.Close()
	}
}
