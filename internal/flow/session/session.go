// Package session persists signup snapshots in Redis so an applicant can
// leave and come back without losing progress. Sessions expire with a sliding
// TTL refreshed on every save.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	stderrors "adhesion-flow/internal/common/errors"
	"adhesion-flow/internal/common/logger"
	"adhesion-flow/internal/flow/store"
)

const keyPrefix = "adhesion:session:"

// Record is the persisted unit: a snapshot plus bookkeeping.
type Record struct {
	ID        string         `json:"id"`
	Snapshot  store.Snapshot `json:"snapshot"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// RedisStore keeps sessions in Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewRedisStore(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{client: client, ttl: ttl, logger: log}
}

// Create allocates a session id and stores the initial snapshot.
func (s *RedisStore) Create(ctx context.Context, snap store.Snapshot) (*Record, error) {
	now := time.Now().UTC()
	rec := &Record{
		ID:        uuid.NewString(),
		Snapshot:  snap,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.write(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("Signup session created", map[string]interface{}{
		"sessionId": rec.ID,
	})
	return rec, nil
}

// Save overwrites the session's snapshot and refreshes its TTL.
func (s *RedisStore) Save(ctx context.Context, id string, snap store.Snapshot) error {
	rec, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	rec.Snapshot = snap
	rec.UpdatedAt = time.Now().UTC()
	return s.write(ctx, rec)
}

// Load fetches a session, returning SESSION_NOT_FOUND for unknown or
// expired ids.
func (s *RedisStore) Load(ctx context.Context, id string) (*Record, error) {
	raw, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, stderrors.NewSessionNotFoundError(id)
	}
	if err != nil {
		return nil, stderrors.NewSessionStoreError(err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, stderrors.NewSessionStoreError(fmt.Errorf("corrupt session %s: %w", id, err))
	}
	return &rec, nil
}

// Delete removes a session. Deleting an unknown id is not an error.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return stderrors.NewSessionStoreError(err)
	}
	return nil
}

func (s *RedisStore) write(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return stderrors.NewSessionStoreError(err)
	}
	if err := s.client.Set(ctx, keyPrefix+rec.ID, raw, s.ttl).Err(); err != nil {
		return stderrors.NewSessionStoreError(err)
	}
	return nil
}
