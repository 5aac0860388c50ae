package client

import (
	"context"
	"testing"
	"time"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSourceHonorsConstraints(t *testing.T) {
	source := NewStaticSource()
	defer source.Release()

	sources, err := source.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	require.Len(t, sources, 2)

	kinds := map[webrtc.RTPCodecType]bool{}
	for _, src := range sources {
		kinds[src.Track().Kind()] = true
	}
	assert.True(t, kinds[webrtc.RTPCodecTypeVideo])
	assert.True(t, kinds[webrtc.RTPCodecTypeAudio])
}

func TestStaticSourceVideoOnly(t *testing.T) {
	source := NewStaticSource()
	defer source.Release()

	sources, err := source.Acquire(context.Background(), Constraints{Video: true})
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, sources[0].Track().Kind())
}

func TestStaticSourceRejectsEmptyConstraints(t *testing.T) {
	source := NewStaticSource()
	_, err := source.Acquire(context.Background(), Constraints{})
	assert.ErrorIs(t, err, domain.ErrMediaAcquisition)
}

func TestSampleSourceKeyFrameFlag(t *testing.T) {
	src, err := NewSampleSource(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", 33*time.Millisecond,
		func() []byte { return []byte{0x00} },
	)
	require.NoError(t, err)
	defer src.Close()

	assert.False(t, src.KeyFrameWanted())
	src.RequestKeyFrame()
	assert.True(t, src.KeyFrameWanted())
	// Reading the flag clears it.
	assert.False(t, src.KeyFrameWanted())
}

func TestSampleSourceStartStopsOnClose(t *testing.T) {
	src, err := NewSampleSource(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", time.Millisecond,
		func() []byte { return nil },
	)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- src.Start(context.Background()) }()

	require.NoError(t, src.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop after close")
	}
}

func TestRTPMediaSourceRequiresConfiguredInputs(t *testing.T) {
	source := NewRTPMediaSource(nil, nil)
	_, err := source.Acquire(context.Background(), Constraints{Video: true})
	assert.ErrorIs(t, err, domain.ErrMediaAcquisition)
}
