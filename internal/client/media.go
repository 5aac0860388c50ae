package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// Constraints narrows what a media source must produce.
type Constraints struct {
	Audio bool
	Video bool
}

// TrackSource produces one outbound track.
type TrackSource interface {
	Track() webrtc.TrackLocal
	// Start pumps media into the track until ctx is cancelled.
	Start(ctx context.Context) error
	// RequestKeyFrame asks the producer for an intra frame. Sources that
	// cannot honor it ignore the call.
	RequestKeyFrame()
	Close() error
}

// MediaSource acquires capture pipelines for a broadcaster. Acquisition can
// fail (device busy, permission denied); the caller surfaces that as a
// media acquisition error and never announces the session.
type MediaSource interface {
	Acquire(ctx context.Context, constraints Constraints) ([]TrackSource, error)
	Release() error
}

// SampleSource feeds a TrackLocalStaticSample from a caller-supplied frame
// generator. It backs the test-pattern source and anything that produces
// encoded frames in-process.
type SampleSource struct {
	track    *webrtc.TrackLocalStaticSample
	interval time.Duration
	nextFrame func() []byte

	mu       sync.Mutex
	keyframe bool
	closed   chan struct{}
	once     sync.Once
}

func NewSampleSource(capability webrtc.RTPCodecCapability, id string, interval time.Duration, nextFrame func() []byte) (*SampleSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(capability, id, "streamcast")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}
	return &SampleSource{
		track:     track,
		interval:  interval,
		nextFrame: nextFrame,
		closed:    make(chan struct{}),
	}, nil
}

func (s *SampleSource) Track() webrtc.TrackLocal { return s.track }

func (s *SampleSource) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		case <-ticker.C:
			frame := s.nextFrame()
			if frame == nil {
				continue
			}
			if err := s.track.WriteSample(media.Sample{Data: frame, Duration: s.interval}); err != nil {
				return fmt.Errorf("failed to write sample: %w", err)
			}
		}
	}
}

// RequestKeyFrame flags the generator; generators that care poll KeyFrameWanted.
func (s *SampleSource) RequestKeyFrame() {
	s.mu.Lock()
	s.keyframe = true
	s.mu.Unlock()
}

// KeyFrameWanted reports and clears the pending keyframe request.
func (s *SampleSource) KeyFrameWanted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := s.keyframe
	s.keyframe = false
	return wanted
}

func (s *SampleSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// StaticSource is a MediaSource producing synthetic tracks: silence-shaped
// audio and a counter-pattern video payload. It exists for demos and tests
// where no capture hardware is available.
type StaticSource struct {
	mu      sync.Mutex
	sources []TrackSource
}

func NewStaticSource() *StaticSource { return &StaticSource{} }

func (s *StaticSource) Acquire(ctx context.Context, constraints Constraints) ([]TrackSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sources []TrackSource
	if constraints.Video {
		frame := 0
		video, err := NewSampleSource(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video",
			33*time.Millisecond,
			func() []byte {
				frame++
				return []byte{0x10, byte(frame >> 8), byte(frame)}
			},
		)
		if err != nil {
			return nil, err
		}
		sources = append(sources, video)
	}
	if constraints.Audio {
		silence := []byte{0xF8, 0xFF, 0xFE}
		audio, err := NewSampleSource(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio",
			20*time.Millisecond,
			func() []byte { return silence },
		)
		if err != nil {
			for _, src := range sources {
				src.Close()
			}
			return nil, err
		}
		sources = append(sources, audio)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: constraints request no tracks", domain.ErrMediaAcquisition)
	}

	s.sources = sources
	return sources, nil
}

func (s *StaticSource) Release() error {
	s.mu.Lock()
	sources := s.sources
	s.sources = nil
	s.mu.Unlock()

	for _, src := range sources {
		src.Close()
	}
	return nil
}
