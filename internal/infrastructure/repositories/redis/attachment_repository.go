package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
	"github.com/Hood-Codivo/streamcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisAttachmentRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisAttachmentRepository(client *redis.Client) ports.AttachmentRepository {
	return &RedisAttachmentRepository{
		client: client,
		prefix: "streamcast:attachment:",
	}
}

func (r *RedisAttachmentRepository) viewerKey(viewer domain.ParticipantID) string {
	return r.prefix + string(viewer)
}

func (r *RedisAttachmentRepository) sessionSetKey(session domain.SessionID) string {
	return r.prefix + "session:" + string(session)
}

func (r *RedisAttachmentRepository) Put(ctx context.Context, attachment *domain.Attachment) error {
	data, err := json.Marshal(attachment)
	if err != nil {
		return fmt.Errorf("failed to marshal attachment: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.viewerKey(attachment.Viewer), data, 0)
	pipe.SAdd(ctx, r.sessionSetKey(attachment.Session), string(attachment.Viewer))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store attachment in Redis: %w", err)
	}
	return nil
}

func (r *RedisAttachmentRepository) Get(ctx context.Context, viewer domain.ParticipantID) (*domain.Attachment, error) {
	data, err := r.client.Get(ctx, r.viewerKey(viewer)).Result()
	if err == redis.Nil {
		return nil, domain.ErrAttachmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment from Redis: %w", err)
	}

	var attachment domain.Attachment
	if err := json.Unmarshal([]byte(data), &attachment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachment: %w", err)
	}
	return &attachment, nil
}

func (r *RedisAttachmentRepository) Remove(ctx context.Context, viewer domain.ParticipantID) error {
	attachment, err := r.Get(ctx, viewer)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.viewerKey(viewer))
	pipe.SRem(ctx, r.sessionSetKey(attachment.Session), string(viewer))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove attachment from Redis: %w", err)
	}
	return nil
}

func (r *RedisAttachmentRepository) ListBySession(ctx context.Context, session domain.SessionID) ([]*domain.Attachment, error) {
	viewers, err := r.client.SMembers(ctx, r.sessionSetKey(session)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session attachments: %w", err)
	}

	var attachments []*domain.Attachment
	for _, viewer := range viewers {
		attachment, err := r.Get(ctx, domain.ParticipantID(viewer))
		if err == domain.ErrAttachmentNotFound {
			r.client.SRem(ctx, r.sessionSetKey(session), viewer)
			continue
		}
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, attachment)
	}
	return attachments, nil
}

func (r *RedisAttachmentRepository) CountBySession(ctx context.Context, session domain.SessionID) (int, error) {
	attachments, err := r.ListBySession(ctx, session)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, attachment := range attachments {
		if attachment.State != domain.AttachmentDisconnected {
			count++
		}
	}
	return count, nil
}
