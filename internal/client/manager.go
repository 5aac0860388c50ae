package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
	"github.com/Hood-Codivo/streamcast/internal/protocol"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Signaller is the slice of the transport the manager needs.
type Signaller interface {
	Emit(event string, payload interface{}) error
}

// StatusFunc receives link lifecycle updates for the UI or logs.
type StatusFunc func(remote domain.ParticipantID, state NegotiationState, detail string)

// RemoteTrackFunc receives inbound media on the viewer side.
type RemoteTrackFunc func(remote domain.ParticipantID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

// ManagerConfig carries the knobs for peer connection construction.
type ManagerConfig struct {
	Role         domain.Role
	ICEServers   []webrtc.ICEServer
	RestartLimit int
}

// maxEarlyCandidates bounds the per-peer buffer for candidates that arrive
// before their link exists. A well-behaved peer trickles far fewer.
const maxEarlyCandidates = 32

// Manager owns every live PeerLink for one client. The broadcaster runs one
// link per viewer; a viewer runs exactly one, toward the broadcaster. All
// link bookkeeping is serialized under mu; pion callbacks fence themselves
// against replacement links before touching shared state.
type Manager struct {
	cfg       ManagerConfig
	signaller Signaller
	status    StatusFunc
	logger    *zap.SugaredLogger

	mu    sync.Mutex
	links map[domain.ParticipantID]*PeerLink
	early map[domain.ParticipantID][]webrtc.ICECandidateInit
	// dead remembers peers whose link was torn down so their late
	// candidates are dropped instead of re-buffered; a fresh join or offer
	// revives the peer.
	dead       map[domain.ParticipantID]struct{}
	tracks     []webrtc.TrackLocal
	generation uint64

	onRemoteTrack RemoteTrackFunc
	keyframe      func()
	releaseMedia  func()
	released      bool
}

func NewManager(cfg ManagerConfig, signaller Signaller, status StatusFunc, logger *zap.SugaredLogger) *Manager {
	if cfg.RestartLimit < 0 {
		cfg.RestartLimit = 0
	}
	if status == nil {
		status = func(domain.ParticipantID, NegotiationState, string) {}
	}
	return &Manager{
		cfg:       cfg,
		signaller: signaller,
		status:    status,
		logger:    logger,
		links:     make(map[domain.ParticipantID]*PeerLink),
		early:     make(map[domain.ParticipantID][]webrtc.ICECandidateInit),
		dead:      make(map[domain.ParticipantID]struct{}),
	}
}

// SetTracks installs the outbound media attached to every new link.
func (m *Manager) SetTracks(tracks []webrtc.TrackLocal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = tracks
}

// OnRemoteTrack registers the inbound media callback (viewer side).
func (m *Manager) OnRemoteTrack(fn RemoteTrackFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoteTrack = fn
}

// OnKeyFrameRequest registers the hook fired when a viewer asks for a
// keyframe over RTCP (broadcaster side).
func (m *Manager) OnKeyFrameRequest(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyframe = fn
}

// OnReleaseMedia registers the media teardown hook, invoked exactly once by
// TeardownAll.
func (m *Manager) OnReleaseMedia(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseMedia = fn
	m.released = false
}

// LinkCount reports how many peer links are live.
func (m *Manager) LinkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// LinkState reports the negotiation state toward one remote peer.
func (m *Manager) LinkState(remote domain.ParticipantID) (NegotiationState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[remote]
	if !ok {
		return StateIdle, false
	}
	return link.sm.State(), true
}

// newLink builds a peer connection toward remote and wires its callbacks.
// Caller holds m.mu.
func (m *Manager) newLink(remote domain.ParticipantID) (*PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}

	m.generation++
	link := &PeerLink{
		remote:     remote,
		generation: m.generation,
		pc:         pc,
	}
	link.sm = newStateMachine(m.cfg.RestartLimit,
		func(candidate webrtc.ICECandidateInit) error {
			return pc.AddICECandidate(candidate)
		},
		func(from, to NegotiationState) {
			m.status(remote, to, "")
		},
	)

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		body, err := json.Marshal(init)
		if err != nil {
			return
		}
		if err := m.signaller.Emit(protocol.EventCandidate, protocol.Candidate{
			PeerID:    string(remote),
			Candidate: body,
		}); err != nil {
			m.logger.Warnw("failed to emit candidate", "remote", remote, "error", err)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if !m.linkLive(link) {
			return
		}
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			link.sm.Connected()
		case webrtc.ICEConnectionStateDisconnected:
			m.status(remote, link.sm.State(), "ice disconnected")
		case webrtc.ICEConnectionStateFailed:
			m.handleICEFailure(link)
		}
	})

	if m.onRemoteTrack != nil {
		onTrack := m.onRemoteTrack
		pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			if !m.linkLive(link) {
				return
			}
			onTrack(remote, track, receiver)
		})
	}

	m.links[remote] = link
	return link, nil
}

// linkLive reports whether link is still the current one toward its remote.
func (m *Manager) linkLive(link *PeerLink) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[link.remote] == link
}

// handleICEFailure restarts ICE while budget remains, then fails the link.
// Only the offering side restarts; the answering side waits for the new
// offer to arrive through signaling.
func (m *Manager) handleICEFailure(link *PeerLink) {
	if m.cfg.Role == domain.RoleBroadcaster && link.sm.ConsumeRestart() {
		m.status(link.remote, link.sm.State(), "ice restart")
		if err := m.restartICE(link); err == nil {
			return
		}
		m.logger.Warnw("ice restart failed", "remote", link.remote)
	}

	link.sm.Failed()
	m.closeLink(link.remote)
}

func (m *Manager) restartICE(link *PeerLink) error {
	offer, err := link.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}
	link.sm.ResetRemote()
	return m.emitDescription(protocol.EventOffer, link.remote, link.pc.LocalDescription())
}

func (m *Manager) emitDescription(event string, remote domain.ParticipantID, desc *webrtc.SessionDescription) error {
	body, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", event, err)
	}
	return m.signaller.Emit(event, protocol.Description{
		PeerID:      string(remote),
		Description: body,
	})
}

// OnRemoteJoin starts a fresh handshake toward a viewer: build the link,
// attach outbound tracks, send the offer. A join from a peer we already
// track replaces the old link; the viewer reloaded.
func (m *Manager) OnRemoteJoin(remote domain.ParticipantID) error {
	m.mu.Lock()
	delete(m.dead, remote)
	if old, ok := m.links[remote]; ok {
		delete(m.links, remote)
		go old.close()
	}

	link, err := m.newLink(remote)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	tracks := m.tracks
	keyframe := m.keyframe
	early := m.early[remote]
	delete(m.early, remote)
	m.mu.Unlock()

	for _, track := range tracks {
		sender, err := link.pc.AddTrack(track)
		if err != nil {
			m.dropLink(link)
			return fmt.Errorf("%w: add track: %v", domain.ErrNegotiationFailed, err)
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go watchRTCP(sender, keyframe, m.logger)
		}
	}

	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		m.dropLink(link)
		return fmt.Errorf("%w: create offer: %v", domain.ErrNegotiationFailed, err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		m.dropLink(link)
		return fmt.Errorf("%w: set local description: %v", domain.ErrNegotiationFailed, err)
	}
	if err := m.emitDescription(protocol.EventOffer, remote, link.pc.LocalDescription()); err != nil {
		m.dropLink(link)
		return err
	}
	link.sm.OfferSent()

	for _, candidate := range early {
		link.sm.AddCandidate(candidate)
	}
	return nil
}

// OnRemoteOffer answers an inbound offer (viewer side). An offer from a peer
// we already track is a renegotiation: the broadcaster restarted ICE or
// replaced its session, so the old link is discarded.
func (m *Manager) OnRemoteOffer(remote domain.ParticipantID, desc webrtc.SessionDescription) error {
	m.mu.Lock()
	delete(m.dead, remote)
	if old, ok := m.links[remote]; ok {
		delete(m.links, remote)
		go old.close()
	}

	link, err := m.newLink(remote)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	early := m.early[remote]
	delete(m.early, remote)
	m.mu.Unlock()

	if err := link.pc.SetRemoteDescription(desc); err != nil {
		m.dropLink(link)
		return fmt.Errorf("%w: set remote description: %v", domain.ErrNegotiationFailed, err)
	}
	if err := link.sm.RemoteDescriptionSet(); err != nil {
		m.dropLink(link)
		return err
	}

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		m.dropLink(link)
		return fmt.Errorf("%w: create answer: %v", domain.ErrNegotiationFailed, err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		m.dropLink(link)
		return fmt.Errorf("%w: set local description: %v", domain.ErrNegotiationFailed, err)
	}
	if err := m.emitDescription(protocol.EventAnswer, remote, link.pc.LocalDescription()); err != nil {
		m.dropLink(link)
		return err
	}
	link.sm.AnswerReceived()

	for _, candidate := range early {
		link.sm.AddCandidate(candidate)
	}
	return nil
}

// OnRemoteAnswer completes the handshake the broadcaster started with
// OnRemoteJoin. Answers for unknown or replaced links are dropped; the
// viewer they belong to is already gone.
func (m *Manager) OnRemoteAnswer(remote domain.ParticipantID, desc webrtc.SessionDescription) error {
	m.mu.Lock()
	link, ok := m.links[remote]
	m.mu.Unlock()
	if !ok {
		m.logger.Debugw("answer for unknown link dropped", "remote", remote)
		return nil
	}

	if err := link.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote description: %v", domain.ErrNegotiationFailed, err)
	}
	link.sm.AnswerReceived()
	return link.sm.RemoteDescriptionSet()
}

// OnRemoteCandidate routes a trickled candidate to its link. Candidates that
// race ahead of the link itself are held at the manager until the link
// exists; candidates for torn-down peers are dropped so a reused id never
// replays a stale one.
func (m *Manager) OnRemoteCandidate(remote domain.ParticipantID, candidate webrtc.ICECandidateInit) error {
	m.mu.Lock()
	link, ok := m.links[remote]
	if !ok {
		if _, gone := m.dead[remote]; gone {
			m.mu.Unlock()
			m.logger.Debugw("candidate for torn-down link dropped", "remote", remote)
			return nil
		}
		if len(m.early[remote]) >= maxEarlyCandidates {
			m.mu.Unlock()
			m.logger.Debugw("early candidate buffer full, dropping", "remote", remote)
			return nil
		}
		m.early[remote] = append(m.early[remote], candidate)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return link.sm.AddCandidate(candidate)
}

// OnRemoteLeave tears down the link toward one departed peer. Unknown peers
// are a no-op; teardown already happened or never applied.
func (m *Manager) OnRemoteLeave(remote domain.ParticipantID) {
	m.closeLink(remote)
}

func (m *Manager) closeLink(remote domain.ParticipantID) {
	m.mu.Lock()
	link, ok := m.links[remote]
	if ok {
		delete(m.links, remote)
	}
	delete(m.early, remote)
	m.dead[remote] = struct{}{}
	m.mu.Unlock()

	if ok {
		link.close()
	}
}

// dropLink removes a link that failed mid-setup.
func (m *Manager) dropLink(link *PeerLink) {
	m.mu.Lock()
	if m.links[link.remote] == link {
		delete(m.links, link.remote)
	}
	m.dead[link.remote] = struct{}{}
	m.mu.Unlock()
	link.close()
}

// ReplaceOutboundVideoTrack swaps the video track on every live link without
// renegotiation. Used for screen share toggles.
func (m *Manager) ReplaceOutboundVideoTrack(track webrtc.TrackLocal) error {
	m.mu.Lock()
	for i, existing := range m.tracks {
		if existing.Kind() == webrtc.RTPCodecTypeVideo {
			m.tracks[i] = track
		}
	}
	links := make([]*PeerLink, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	m.mu.Unlock()

	var firstErr error
	for _, link := range links {
		for _, sender := range link.pc.GetSenders() {
			current := sender.Track()
			if current == nil || current.Kind() != webrtc.RTPCodecTypeVideo {
				continue
			}
			if err := sender.ReplaceTrack(track); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to replace track for %s: %w", link.remote, err)
			}
		}
	}
	return firstErr
}

// TeardownLinks closes every link and clears buffered candidates but keeps
// acquired media. This is the reconnect path: the links died with the old
// transport while the local tracks are still good for the next handshake.
func (m *Manager) TeardownLinks() {
	m.mu.Lock()
	links := make([]*PeerLink, 0, len(m.links))
	for remote, link := range m.links {
		links = append(links, link)
		m.dead[remote] = struct{}{}
	}
	m.links = make(map[domain.ParticipantID]*PeerLink)
	m.early = make(map[domain.ParticipantID][]webrtc.ICECandidateInit)
	m.mu.Unlock()

	for _, link := range links {
		link.close()
	}
}

// TeardownAll closes every link and releases acquired media exactly once.
// Safe to call repeatedly and from any path; user stop, remote end, and
// transport loss all funnel here.
func (m *Manager) TeardownAll() {
	m.TeardownLinks()

	m.mu.Lock()
	release := m.releaseMedia
	doRelease := release != nil && !m.released
	if doRelease {
		m.released = true
	}
	m.mu.Unlock()

	if doRelease {
		release()
	}
}
