package memory

import (
	"context"
	"sync"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
	"github.com/Hood-Codivo/streamcast/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions      map[domain.SessionID]*domain.Session
	byBroadcaster map[domain.ParticipantID]domain.SessionID
	mu            sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions:      make(map[domain.SessionID]*domain.Session),
		byBroadcaster: make(map[domain.ParticipantID]domain.SessionID),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byBroadcaster[session.Broadcaster]; exists {
		return domain.ErrDuplicateBroadcaster
	}

	r.sessions[session.ID] = session
	r.byBroadcaster[session.Broadcaster] = session.ID
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

func (r *MemorySessionRepository) GetByBroadcaster(ctx context.Context, broadcaster domain.ParticipantID) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byBroadcaster[broadcaster]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return r.sessions[id], nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}

	delete(r.byBroadcaster, session.Broadcaster)
	delete(r.sessions, id)
	return nil
}

func (r *MemorySessionRepository) ListActive(ctx context.Context) ([]*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*domain.Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	return sessions, nil
}
