package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
	"github.com/Hood-Codivo/streamcast/internal/core/ports"
	"github.com/Hood-Codivo/streamcast/internal/protocol"
	apperrors "github.com/Hood-Codivo/streamcast/pkg/errors"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// conn wraps a websocket connection with a write lock; gorilla allows only
// one concurrent writer and the registry may push from handler goroutines.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(writeTimeout time.Duration, v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *conn) ping(writeTimeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// WebSocketServer is the Signaling Transport endpoint on the relay. It owns
// the participant->socket map and hands every decoded event to the registry;
// it never routes by itself.
type WebSocketServer struct {
	registry ports.RegistryService

	connections map[domain.ParticipantID]*conn
	mu          sync.RWMutex

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	msgRate     rate.Limit
	msgBurst    int
	maxMsgBytes int64

	connMetrics ConnectionMetrics
	logger      *zap.SugaredLogger
}

// ConnectionMetrics observes socket lifecycle for the monitoring layer.
type ConnectionMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
}

type Option func(*WebSocketServer)

// WithKeepalive overrides ping/pong timing.
func WithKeepalive(pingInterval, pongTimeout time.Duration) Option {
	return func(s *WebSocketServer) {
		s.pingInterval = pingInterval
		s.pongTimeout = pongTimeout
	}
}

// WithMessageLimits bounds per-socket message rate and size.
func WithMessageLimits(perSecond float64, burst int, maxBytes int64) Option {
	return func(s *WebSocketServer) {
		s.msgRate = rate.Limit(perSecond)
		s.msgBurst = burst
		s.maxMsgBytes = maxBytes
	}
}

// WithConnectionMetrics reports socket opens/closes to a collector.
func WithConnectionMetrics(m ConnectionMetrics) Option {
	return func(s *WebSocketServer) {
		s.connMetrics = m
	}
}

func NewWebSocketServer(registry ports.RegistryService, logger *zap.SugaredLogger, opts ...Option) *WebSocketServer {
	s := &WebSocketServer{
		registry:     registry,
		connections:  make(map[domain.ParticipantID]*conn),
		pingInterval: 30 * time.Second,
		pongTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		msgRate:      rate.Inf,
		msgBurst:     1,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRegistry wires the registry after construction. The server and the
// registry reference each other (the registry pushes through the server),
// so one side has to be attached late.
func (s *WebSocketServer) SetRegistry(registry ports.RegistryService) {
	s.registry = registry
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	// Identity is transport-assigned. A client reconnecting with its old id
	// keeps it; the stale socket is closed first.
	participantID := domain.ParticipantID(r.URL.Query().Get("peer_id"))
	if participantID == "" {
		participantID = domain.ParticipantID(uuid.NewString())
	}

	c := &conn{ws: ws}

	s.mu.Lock()
	existing, isReconnect := s.connections[participantID]
	if isReconnect && existing != nil {
		existing.ws.Close()
		s.logger.Infow("closing old connection for reconnecting participant", "participant", participantID)
	}
	s.connections[participantID] = c
	s.mu.Unlock()

	s.logger.Infow("participant connected", "participant", participantID, "reconnect", isReconnect)
	if s.connMetrics != nil {
		s.connMetrics.ConnectionOpened()
		defer s.connMetrics.ConnectionClosed()
	}

	if s.maxMsgBytes > 0 {
		ws.SetReadLimit(s.maxMsgBytes)
	}
	ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	// Tell the client which identity it got.
	s.sendTo(c, protocol.Envelope{Type: protocol.EventAck}, protocol.Ack{
		For:    "connect",
		OK:     true,
		PeerID: string(participantID),
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan protocol.Envelope, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg protocol.Envelope
			if err := ws.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
			messageChan <- msg
		}
	}()

	limiter := rate.NewLimiter(s.msgRate, s.msgBurst)

loop:
	for {
		select {
		case msg := <-messageChan:
			if !limiter.Allow() {
				s.sendError(c, string(apperrors.CodeRateLimit), "message rate exceeded")
				continue
			}
			if err := s.handleMessage(r.Context(), participantID, c, msg); err != nil {
				s.logger.Infow("error handling message", "participant", participantID, "type", msg.Type, "error", err)
				s.sendError(c, string(apperrors.CodeInternal), err.Error())
			}

		case <-pingTicker.C:
			if err := c.ping(s.writeTimeout); err != nil {
				s.logger.Infow("ping failed", "participant", participantID, "error", err)
				break loop
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Infow("read error", "participant", participantID, "error", err)
			}
			break loop
		}
	}

	s.mu.Lock()
	owned := s.connections[participantID] == c
	if owned {
		delete(s.connections, participantID)
	}
	s.mu.Unlock()

	// A reconnect may have replaced this socket already. The new connection
	// owns the participant's registry state; unregistering here would race
	// the client's re-announce and destroy what it just re-established.
	if !owned {
		s.logger.Infow("connection superseded by reconnect", "participant", participantID)
		return
	}

	if err := s.registry.Unregister(context.Background(), participantID); err != nil {
		s.logger.Infow("unregister failed", "participant", participantID, "error", err)
	}

	s.logger.Infow("participant disconnected", "participant", participantID)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, from domain.ParticipantID, c *conn, msg protocol.Envelope) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}

	switch msg.Type {
	case protocol.EventBroadcaster:
		return s.handleBroadcaster(ctx, from, c, msg)
	case protocol.EventJoinStream:
		return s.handleJoinStream(ctx, from, c, msg)
	case protocol.EventOffer, protocol.EventAnswer:
		return s.handleDescription(ctx, from, msg)
	case protocol.EventCandidate:
		return s.handleCandidate(ctx, from, msg)
	case protocol.EventApproveViewer:
		return s.handleApproval(ctx, from, c, msg, true)
	case protocol.EventRejectViewer:
		return s.handleApproval(ctx, from, c, msg, false)
	case protocol.EventEndStream:
		return s.handleEndStream(ctx, from, c)
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *WebSocketServer) handleBroadcaster(ctx context.Context, from domain.ParticipantID, c *conn, msg protocol.Envelope) error {
	var payload protocol.SessionAnnounce
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("invalid broadcaster payload: %w", err)
		}
	}

	meta := domain.SessionMeta{
		ID:          domain.SessionID(payload.SessionID),
		Title:       payload.Title,
		Description: payload.Description,
		Access:      domain.AccessMode(payload.AccessMode),
	}

	session, err := s.registry.RegisterBroadcaster(ctx, from, meta)
	if err != nil {
		s.ack(c, protocol.EventBroadcaster, err, "")
		return nil
	}

	s.logger.Infow("broadcaster registered", "participant", from, "session_id", session.ID)
	s.ackOK(c, protocol.EventBroadcaster, string(session.ID), "")
	return nil
}

func (s *WebSocketServer) handleJoinStream(ctx context.Context, from domain.ParticipantID, c *conn, msg protocol.Envelope) error {
	var payload protocol.JoinRequest
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid joinStream payload: %w", err)
	}
	if payload.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	state, err := s.registry.RequestWatch(ctx, from, domain.SessionID(payload.SessionID), payload.Credential)
	if err != nil {
		s.ack(c, protocol.EventJoinStream, err, "")
		return nil
	}

	s.ackOK(c, protocol.EventJoinStream, payload.SessionID, string(state))
	return nil
}

func (s *WebSocketServer) handleDescription(ctx context.Context, from domain.ParticipantID, msg protocol.Envelope) error {
	var payload protocol.Description
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid %s payload: %w", msg.Type, err)
	}
	if payload.PeerID == "" {
		return fmt.Errorf("peer_id is required")
	}
	if len(payload.Description) == 0 {
		return fmt.Errorf("description is required")
	}

	return s.registry.Relay(ctx, from, domain.ParticipantID(payload.PeerID), msg.Type, msg.Payload)
}

func (s *WebSocketServer) handleCandidate(ctx context.Context, from domain.ParticipantID, msg protocol.Envelope) error {
	var payload protocol.Candidate
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid candidate payload: %w", err)
	}
	if payload.PeerID == "" {
		return fmt.Errorf("peer_id is required")
	}
	if len(payload.Candidate) == 0 {
		return fmt.Errorf("candidate is required")
	}

	return s.registry.Relay(ctx, from, domain.ParticipantID(payload.PeerID), protocol.EventCandidate, msg.Payload)
}

func (s *WebSocketServer) handleApproval(ctx context.Context, from domain.ParticipantID, c *conn, msg protocol.Envelope, approve bool) error {
	var payload protocol.ViewerRef
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid approval payload: %w", err)
	}
	if payload.ViewerID == "" {
		return fmt.Errorf("viewer_id is required")
	}

	var err error
	event := protocol.EventApproveViewer
	if approve {
		err = s.registry.Approve(ctx, from, domain.ParticipantID(payload.ViewerID))
	} else {
		event = protocol.EventRejectViewer
		err = s.registry.Reject(ctx, from, domain.ParticipantID(payload.ViewerID))
	}

	if err != nil {
		s.ack(c, event, err, "")
		return nil
	}
	s.ackOK(c, event, "", "")
	return nil
}

func (s *WebSocketServer) handleEndStream(ctx context.Context, from domain.ParticipantID, c *conn) error {
	if err := s.registry.EndStream(ctx, from); err != nil {
		s.ack(c, protocol.EventEndStream, err, "")
		return nil
	}
	s.ackOK(c, protocol.EventEndStream, "", "")
	return nil
}

// SendEvent implements ports.SignalSender.
func (s *WebSocketServer) SendEvent(id domain.ParticipantID, event string, payload interface{}) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return c.writeJSON(s.writeTimeout, protocol.Envelope{Type: event, Payload: body})
}

// ForwardSignal implements ports.SignalSender for relayed offer/answer/candidate.
func (s *WebSocketServer) ForwardSignal(to domain.ParticipantID, event string, from domain.ParticipantID, payload json.RawMessage) error {
	c, err := s.lookup(to)
	if err != nil {
		return err
	}
	return c.writeJSON(s.writeTimeout, protocol.Envelope{Type: event, From: string(from), Payload: payload})
}

func (s *WebSocketServer) lookup(id domain.ParticipantID) (*conn, error) {
	s.mu.RLock()
	c, exists := s.connections[id]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("participant %s not connected", id)
	}
	return c, nil
}

func (s *WebSocketServer) ackOK(c *conn, forEvent, sessionID, state string) {
	s.sendAck(c, protocol.Ack{For: forEvent, OK: true, SessionID: sessionID, State: state})
}

func (s *WebSocketServer) ack(c *conn, forEvent string, err error, sessionID string) {
	appErr := apperrors.FromDomain(err)
	s.sendAck(c, protocol.Ack{
		For:       forEvent,
		OK:        false,
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		SessionID: sessionID,
	})
}

func (s *WebSocketServer) sendAck(c *conn, ack protocol.Ack) {
	body, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if err := c.writeJSON(s.writeTimeout, protocol.Envelope{Type: protocol.EventAck, Payload: body}); err != nil {
		s.logger.Debugw("ack dropped", "for", ack.For, "error", err)
	}
}

func (s *WebSocketServer) sendTo(c *conn, env protocol.Envelope, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env.Payload = body
	if err := c.writeJSON(s.writeTimeout, env); err != nil {
		s.logger.Debugw("send dropped", "type", env.Type, "error", err)
	}
}

func (s *WebSocketServer) sendError(c *conn, code, message string) {
	s.sendTo(c, protocol.Envelope{Type: protocol.EventError}, protocol.Ack{OK: false, Code: code, Message: message})
}

// ConnectionCount reports currently attached sockets (health endpoint).
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}
