package ports

import (
	"context"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
)

type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	GetByBroadcaster(ctx context.Context, broadcaster domain.ParticipantID) (*domain.Session, error)
	Delete(ctx context.Context, id domain.SessionID) error
	ListActive(ctx context.Context) ([]*domain.Session, error)
}

type AttachmentRepository interface {
	Put(ctx context.Context, attachment *domain.Attachment) error
	Get(ctx context.Context, viewer domain.ParticipantID) (*domain.Attachment, error)
	Remove(ctx context.Context, viewer domain.ParticipantID) error
	ListBySession(ctx context.Context, session domain.SessionID) ([]*domain.Attachment, error)
	CountBySession(ctx context.Context, session domain.SessionID) (int, error)
}
