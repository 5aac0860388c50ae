package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
	"github.com/Hood-Codivo/streamcast/internal/core/services"
	"github.com/Hood-Codivo/streamcast/internal/infrastructure/repositories/memory"
	signalws "github.com/Hood-Codivo/streamcast/internal/infrastructure/signal"
	"github.com/Hood-Codivo/streamcast/pkg/logger"
	"github.com/Hood-Codivo/streamcast/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSink struct{}

func (nopSink) SessionStarted()                 {}
func (nopSink) SessionEnded()                   {}
func (nopSink) ViewerAttached(domain.SessionID) {}
func (nopSink) ViewerDetached(domain.SessionID) {}
func (nopSink) EventRelayed(string)             {}
func (nopSink) JoinDenied(string)               {}

func startRelay(t *testing.T) string {
	t.Helper()
	log := logger.NewNop().Sugar()

	server := signalws.NewWebSocketServer(nil, log)
	registry := services.NewRegistryService(
		memory.NewMemorySessionRepository(),
		memory.NewMemoryAttachmentRepository(),
		server,
		services.NewTokenService("test-secret"),
		nopSink{},
		log,
	)
	server.SetRegistry(registry)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func testBackoff() retry.Config {
	return retry.Config{
		MaxAttempts:  2,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// stateRecorder captures every negotiation state a link passes through.
type stateRecorder struct {
	mu     sync.Mutex
	states []NegotiationState
}

func (r *stateRecorder) record(_ domain.ParticipantID, state NegotiationState, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) saw(want NegotiationState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == want {
			return true
		}
	}
	return false
}

func TestBroadcastViewerSignalingEndToEnd(t *testing.T) {
	relayURL := startRelay(t)
	log := logger.NewNop().Sugar()

	broadcaster := NewBroadcaster(BroadcasterConfig{
		RelayURL:    relayURL,
		Title:       "integration",
		Access:      domain.AccessOpen,
		Constraints: Constraints{Audio: true, Video: true},
		Backoff:     testBackoff(),
	}, NewStaticSource(), log)
	defer broadcaster.Stop()

	require.NoError(t, broadcaster.Start(context.Background()))
	require.NotEmpty(t, broadcaster.SessionID())

	recorder := &stateRecorder{}
	ended := make(chan string, 1)

	viewer := NewViewer(ViewerConfig{
		RelayURL:     relayURL,
		SessionID:    broadcaster.SessionID(),
		OfferTimeout: 10 * time.Second,
		Backoff:      testBackoff(),
	}, log)
	viewer.OnStatus = recorder.record
	viewer.OnEnded = func(reason string) { ended <- reason }
	defer viewer.Stop()

	require.NoError(t, viewer.Watch(context.Background()))

	// The offer reached the viewer and its answer went back out.
	require.Eventually(t, func() bool {
		return recorder.saw(StateAnswerReceived)
	}, 10*time.Second, 50*time.Millisecond, "viewer never answered the offer")

	require.Eventually(t, func() bool {
		return broadcaster.ViewerCount() == 1
	}, 5*time.Second, 50*time.Millisecond, "broadcaster never opened a link")

	// Ending the stream tells the viewer.
	broadcaster.Stop()
	select {
	case reason := <-ended:
		assert.Contains(t, reason, "stream ended")
	case <-time.After(5 * time.Second):
		t.Fatal("viewer never learned the stream ended")
	}
}

// countingSource wraps a MediaSource and records lifecycle calls.
type countingSource struct {
	inner    MediaSource
	mu       sync.Mutex
	acquired int
	released int
}

func (c *countingSource) Acquire(ctx context.Context, constraints Constraints) ([]TrackSource, error) {
	c.mu.Lock()
	c.acquired++
	c.mu.Unlock()
	return c.inner.Acquire(ctx, constraints)
}

func (c *countingSource) Release() error {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()
	return c.inner.Release()
}

func (c *countingSource) releases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

func (c *countingSource) acquisitions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

func TestBroadcasterReconnectKeepsMediaAndSession(t *testing.T) {
	relayURL := startRelay(t)
	log := logger.NewNop().Sugar()

	source := &countingSource{inner: NewStaticSource()}
	broadcaster := NewBroadcaster(BroadcasterConfig{
		RelayURL:    relayURL,
		Access:      domain.AccessOpen,
		Constraints: Constraints{Video: true},
		Backoff:     testBackoff(),
	}, source, log)
	defer broadcaster.Stop()

	require.NoError(t, broadcaster.Start(context.Background()))
	sessionID := broadcaster.SessionID()

	// Steal the broadcaster's socket: the relay closes its old connection
	// and the broadcaster reconnects under the same identity, which in turn
	// closes ours. That read error is the signal the takeover completed.
	intruder, _, err := websocket.DefaultDialer.Dial(
		relayURL+"?peer_id="+string(broadcaster.transport.PeerID()), nil)
	require.NoError(t, err)
	defer intruder.Close()
	intruder.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		if _, _, err := intruder.ReadMessage(); err != nil {
			break
		}
	}

	// Local media survived the drop: nothing released, nothing re-acquired.
	assert.Equal(t, 0, source.releases())
	assert.Equal(t, 1, source.acquisitions())
	assert.Equal(t, sessionID, broadcaster.SessionID())

	// The re-announced session serves a fresh viewer.
	recorder := &stateRecorder{}
	viewer := NewViewer(ViewerConfig{
		RelayURL:     relayURL,
		SessionID:    sessionID,
		OfferTimeout: 10 * time.Second,
		Backoff:      testBackoff(),
	}, log)
	viewer.OnStatus = recorder.record
	defer viewer.Stop()
	require.NoError(t, viewer.Watch(context.Background()))

	require.Eventually(t, func() bool {
		return recorder.saw(StateAnswerReceived)
	}, 10*time.Second, 50*time.Millisecond, "viewer never answered after broadcaster reconnect")
	assert.Equal(t, 0, source.releases())

	// A real stop still releases the media.
	broadcaster.Stop()
	assert.Equal(t, 1, source.releases())
}

func TestViewerWaitsForBroadcasterToGoLive(t *testing.T) {
	relayURL := startRelay(t)
	log := logger.NewNop().Sugar()

	recorder := &stateRecorder{}
	viewer := NewViewer(ViewerConfig{
		RelayURL:     relayURL,
		SessionID:    "appears-later",
		OfferTimeout: 10 * time.Second,
		Backoff:      testBackoff(),
	}, log)
	viewer.OnStatus = recorder.record
	defer viewer.Stop()

	require.NoError(t, viewer.Watch(context.Background()))

	// Give the join-before-live path a moment to register the waiter.
	time.Sleep(200 * time.Millisecond)

	broadcaster := NewBroadcaster(BroadcasterConfig{
		RelayURL:    relayURL,
		SessionID:   "appears-later",
		Access:      domain.AccessOpen,
		Constraints: Constraints{Video: true},
		Backoff:     testBackoff(),
	}, NewStaticSource(), log)
	defer broadcaster.Stop()
	require.NoError(t, broadcaster.Start(context.Background()))

	// The relay wakes the waiting viewer and the handshake completes.
	require.Eventually(t, func() bool {
		return recorder.saw(StateAnswerReceived)
	}, 10*time.Second, 50*time.Millisecond, "waiting viewer never joined after go-live")
}
