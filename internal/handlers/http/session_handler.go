package http

import (
	"net/http"
	"time"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
	"github.com/Hood-Codivo/streamcast/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// SessionHandler exposes pull-based discovery over REST: what is on air,
// per-session detail, and join tokens for approval-gated sessions.
type SessionHandler struct {
	sessions    ports.SessionRepository
	attachments ports.AttachmentRepository
	tokens      ports.TokenService
	tokenTTL    time.Duration
}

func NewSessionHandler(
	sessions ports.SessionRepository,
	attachments ports.AttachmentRepository,
	tokens ports.TokenService,
	tokenTTL time.Duration,
) *SessionHandler {
	return &SessionHandler{
		sessions:    sessions,
		attachments: attachments,
		tokens:      tokens,
		tokenTTL:    tokenTTL,
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.POST("/sessions/:id/tokens", h.IssueToken)
	}
}

type sessionView struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	AccessMode  string    `json:"access_mode"`
	Viewers     int       `json:"viewers"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, h.view(c, session))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	session, err := h.sessions.GetByID(c.Request.Context(), domain.SessionID(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, h.view(c, session))
}

// IssueToken mints a join credential for one session. The caller must prove
// ownership by presenting the broadcaster participant id; a production
// deployment would put real authentication in front of this.
func (h *SessionHandler) IssueToken(c *gin.Context) {
	var req struct {
		Broadcaster string `json:"broadcaster" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := domain.SessionID(c.Param("id"))
	session, err := h.sessions.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if session.Broadcaster != domain.ParticipantID(req.Broadcaster) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the session owner"})
		return
	}

	token, err := h.tokens.IssueJoinToken(sessionID, h.tokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int64(h.tokenTTL.Seconds()),
	})
}

func (h *SessionHandler) view(c *gin.Context, session *domain.Session) sessionView {
	viewers, _ := h.attachments.CountBySession(c.Request.Context(), session.ID)
	return sessionView{
		ID:          string(session.ID),
		Title:       session.Title,
		Description: session.Description,
		AccessMode:  string(session.Access),
		Viewers:     viewers,
		CreatedAt:   session.CreatedAt,
	}
}
