package memory

import (
	"context"
	"sync"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
	"github.com/Hood-Codivo/streamcast/internal/core/ports"
)

type MemoryAttachmentRepository struct {
	attachments map[domain.ParticipantID]*domain.Attachment
	mu          sync.RWMutex
}

func NewMemoryAttachmentRepository() ports.AttachmentRepository {
	return &MemoryAttachmentRepository{
		attachments: make(map[domain.ParticipantID]*domain.Attachment),
	}
}

func (r *MemoryAttachmentRepository) Put(ctx context.Context, attachment *domain.Attachment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attachments[attachment.Viewer] = attachment
	return nil
}

func (r *MemoryAttachmentRepository) Get(ctx context.Context, viewer domain.ParticipantID) (*domain.Attachment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attachment, exists := r.attachments[viewer]
	if !exists {
		return nil, domain.ErrAttachmentNotFound
	}
	return attachment, nil
}

func (r *MemoryAttachmentRepository) Remove(ctx context.Context, viewer domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.attachments[viewer]; !exists {
		return domain.ErrAttachmentNotFound
	}
	delete(r.attachments, viewer)
	return nil
}

func (r *MemoryAttachmentRepository) ListBySession(ctx context.Context, session domain.SessionID) ([]*domain.Attachment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var attachments []*domain.Attachment
	for _, attachment := range r.attachments {
		if attachment.Session == session {
			attachments = append(attachments, attachment)
		}
	}
	return attachments, nil
}

func (r *MemoryAttachmentRepository) CountBySession(ctx context.Context, session domain.SessionID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, attachment := range r.attachments {
		if attachment.Session == session && attachment.State != domain.AttachmentDisconnected {
			count++
		}
	}
	return count, nil
}
