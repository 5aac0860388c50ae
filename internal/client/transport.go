package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
	"github.com/Hood-Codivo/streamcast/internal/protocol"
	"github.com/Hood-Codivo/streamcast/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler processes one inbound signaling event.
type Handler func(env protocol.Envelope)

// Transport is the client end of the signaling channel: one persistent
// websocket with ordered writes, a dispatch loop, and capped-backoff
// reconnection. It carries no media.
type Transport struct {
	relayURL string
	backoff  retry.Config
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]Handler
	peerID   domain.ParticipantID

	// onReconnect fires after a successful re-dial. PeerLinks from before
	// the drop are gone; the owner rebuilds its session state here.
	onReconnect func()

	closed    chan struct{}
	closeOnce sync.Once
}

func NewTransport(relayURL string, backoff retry.Config, logger *zap.SugaredLogger) *Transport {
	return &Transport{
		relayURL: relayURL,
		backoff:  backoff,
		logger:   logger,
		handlers: make(map[string]Handler),
		closed:   make(chan struct{}),
	}
}

// On registers the handler for an event type, replacing any previous one.
// Replacement matters: re-registering on every negotiation attempt must not
// stack handlers.
func (t *Transport) On(event string, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = handler
}

// OnReconnect sets the callback invoked after a successful reconnect.
func (t *Transport) OnReconnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReconnect = fn
}

// PeerID returns the transport-assigned identity, valid after Connect.
func (t *Transport) PeerID() domain.ParticipantID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerID
}

// Connect dials the relay and waits for the identity ack.
func (t *Transport) Connect(ctx context.Context) error {
	return t.dial(ctx)
}

func (t *Transport) dial(ctx context.Context) error {
	u, err := url.Parse(t.relayURL)
	if err != nil {
		return fmt.Errorf("invalid relay url: %w", err)
	}

	t.mu.Lock()
	if t.peerID != "" {
		q := u.Query()
		q.Set("peer_id", string(t.peerID))
		u.RawQuery = q.Encode()
	}
	t.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial relay: %w", err)
	}

	// First frame is the connect ack carrying our identity.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read connect ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var ack protocol.Ack
	if env.Type != protocol.EventAck || json.Unmarshal(env.Payload, &ack) != nil || !ack.OK {
		conn.Close()
		return fmt.Errorf("unexpected connect handshake: %s", env.Type)
	}

	t.mu.Lock()
	t.conn = conn
	t.peerID = domain.ParticipantID(ack.PeerID)
	t.mu.Unlock()

	t.logger.Infow("signaling connected", "relay", t.relayURL, "peer_id", ack.PeerID)
	return nil
}

// Run reads and dispatches events until the context is cancelled or the
// reconnect budget is spent. A dropped connection is retried with capped
// exponential backoff; anything in flight before the drop is not assumed
// still valid.
func (t *Transport) Run(ctx context.Context) error {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return domain.ErrTransportClosed
		}

		var env protocol.Envelope
		err := conn.ReadJSON(&env)
		if err == nil {
			t.dispatch(env)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return nil
		default:
		}

		t.logger.Warnw("signaling connection lost, reconnecting", "error", err)
		if rerr := retry.Do(ctx, t.backoff, func() error { return t.dial(ctx) }); rerr != nil {
			t.logger.Errorw("reconnect budget exhausted", "error", rerr)
			return domain.ErrTransportClosed
		}

		t.mu.Lock()
		onReconnect := t.onReconnect
		t.mu.Unlock()
		if onReconnect != nil {
			onReconnect()
		}
	}
}

func (t *Transport) dispatch(env protocol.Envelope) {
	t.mu.Lock()
	handler := t.handlers[env.Type]
	t.mu.Unlock()

	if handler == nil {
		t.logger.Debugw("no handler for event", "type", env.Type)
		return
	}
	handler(env)
}

// Emit sends one event to the relay. Writes are serialized; the relay
// relies on in-order delivery for candidate sequencing.
func (t *Transport) Emit(event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return domain.ErrTransportClosed
	}
	return t.conn.WriteJSON(protocol.Envelope{Type: event, Payload: body})
}

// Close tears the transport down; Run returns after the in-flight read fails.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		if t.conn != nil {
			err = t.conn.Close()
		}
		t.mu.Unlock()
	})
	return err
}
