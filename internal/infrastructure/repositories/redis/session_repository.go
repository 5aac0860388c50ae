package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
	"github.com/Hood-Codivo/streamcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisSessionRepository mirrors live sessions into Redis so a restarted or
// sharded relay can list what is on air. Keys carry no TTL: sessions are
// destroyed explicitly when the broadcaster's socket dies.
type RedisSessionRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionRepository(client *redis.Client) ports.SessionRepository {
	return &RedisSessionRepository{
		client: client,
		prefix: "streamcast:session:",
	}
}

func (r *RedisSessionRepository) sessionKey(id domain.SessionID) string {
	return r.prefix + string(id)
}

func (r *RedisSessionRepository) broadcasterKey(broadcaster domain.ParticipantID) string {
	return r.prefix + "broadcaster:" + string(broadcaster)
}

func (r *RedisSessionRepository) activeKey() string {
	return r.prefix + "active"
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	ownerKey := r.broadcasterKey(session.Broadcaster)

	// SETNX on the broadcaster index enforces one live session per broadcaster.
	ok, err := r.client.SetNX(ctx, ownerKey, string(session.ID), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve broadcaster key: %w", err)
	}
	if !ok {
		return domain.ErrDuplicateBroadcaster
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.sessionKey(session.ID), data, 0)
	pipe.SAdd(ctx, r.activeKey(), string(session.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		r.client.Del(ctx, ownerKey)
		return fmt.Errorf("failed to store session in Redis: %w", err)
	}

	return nil
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (r *RedisSessionRepository) GetByBroadcaster(ctx context.Context, broadcaster domain.ParticipantID) (*domain.Session, error) {
	id, err := r.client.Get(ctx, r.broadcasterKey(broadcaster)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get broadcaster index from Redis: %w", err)
	}
	return r.GetByID(ctx, domain.SessionID(id))
}

func (r *RedisSessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	session, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.sessionKey(id))
	pipe.Del(ctx, r.broadcasterKey(session.Broadcaster))
	pipe.SRem(ctx, r.activeKey(), string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) ListActive(ctx context.Context) ([]*domain.Session, error) {
	ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}

	sessions := make([]*domain.Session, 0, len(ids))
	for _, id := range ids {
		session, err := r.GetByID(ctx, domain.SessionID(id))
		if err == domain.ErrSessionNotFound {
			// Stale index entry; drop it.
			r.client.SRem(ctx, r.activeKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}
