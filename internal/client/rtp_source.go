package client

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RTPSource ingests pre-encoded RTP from a local UDP socket and forwards it
// into a TrackLocalStaticRTP. It is the bridge for external encoders
// (ffmpeg, gstreamer) that push their output at the broadcast client.
type RTPSource struct {
	listenAddr string
	capability webrtc.RTPCodecCapability
	trackID    string
	logger     *zap.SugaredLogger

	// onKeyFrameRequest forwards viewer PLIs upstream to the encoder.
	onKeyFrameRequest func()

	mu     sync.Mutex
	track  *webrtc.TrackLocalStaticRTP
	conn   *net.UDPConn
	closed bool
}

func NewRTPSource(listenAddr string, capability webrtc.RTPCodecCapability, trackID string, logger *zap.SugaredLogger) *RTPSource {
	return &RTPSource{
		listenAddr: listenAddr,
		capability: capability,
		trackID:    trackID,
		logger:     logger,
	}
}

// OnKeyFrameRequest installs the upstream keyframe hook.
func (s *RTPSource) OnKeyFrameRequest(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKeyFrameRequest = fn
}

func (s *RTPSource) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// Open binds the UDP socket and creates the track. Split from Start so the
// caller can attach the track before packets flow.
func (s *RTPSource) Open() error {
	addr, err := net.ResolveUDPAddr("udp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", domain.ErrMediaAcquisition, s.listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", domain.ErrMediaAcquisition, s.listenAddr, err)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(s.capability, s.trackID, "streamcast")
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.track = track
	s.mu.Unlock()

	s.logger.Infow("rtp source listening", "addr", s.listenAddr, "mime", s.capability.MimeType)
	return nil
}

// Start reads RTP packets off the socket and writes them to the track. It
// validates each datagram as RTP before forwarding; malformed packets are
// counted and dropped.
func (s *RTPSource) Start(ctx context.Context) error {
	s.mu.Lock()
	conn, track := s.conn, s.track
	s.mu.Unlock()
	if conn == nil {
		if err := s.Open(); err != nil {
			return err
		}
		s.mu.Lock()
		conn, track = s.conn, s.track
		s.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	buf := make([]byte, 1600)
	dropped := 0
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rtp read failed: %w", err)
		}

		var packet rtp.Packet
		if err := packet.Unmarshal(buf[:n]); err != nil {
			dropped++
			if dropped%1000 == 1 {
				s.logger.Warnw("dropping malformed rtp", "count", dropped)
			}
			continue
		}
		if err := track.WriteRTP(&packet); err != nil {
			return fmt.Errorf("failed to write rtp to track: %w", err)
		}
	}
}

// RequestKeyFrame forwards the request to the external encoder hook.
func (s *RTPSource) RequestKeyFrame() {
	s.mu.Lock()
	fn := s.onKeyFrameRequest
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *RTPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// RTPMediaSource adapts one or two RTPSources into a MediaSource.
type RTPMediaSource struct {
	video *RTPSource
	audio *RTPSource
}

func NewRTPMediaSource(video, audio *RTPSource) *RTPMediaSource {
	return &RTPMediaSource{video: video, audio: audio}
}

func (s *RTPMediaSource) Acquire(ctx context.Context, constraints Constraints) ([]TrackSource, error) {
	var sources []TrackSource
	if constraints.Video && s.video != nil {
		if err := s.video.Open(); err != nil {
			return nil, err
		}
		sources = append(sources, s.video)
	}
	if constraints.Audio && s.audio != nil {
		if err := s.audio.Open(); err != nil {
			for _, src := range sources {
				src.Close()
			}
			return nil, err
		}
		sources = append(sources, s.audio)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no rtp inputs configured for constraints", domain.ErrMediaAcquisition)
	}
	return sources, nil
}

func (s *RTPMediaSource) Release() error {
	if s.video != nil {
		s.video.Close()
	}
	if s.audio != nil {
		s.audio.Close()
	}
	return nil
}
