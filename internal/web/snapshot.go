package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emailassist/emailassist/internal/assistant"
	"github.com/emailassist/emailassist/internal/config"
)

const snapshotKeyPrefix = "emailassist:session:"

// Snapshots keeps form state outside the process so sessions survive a restart
type Snapshots interface {
	Load(ctx context.Context, id string) (*assistant.State, error)
	Save(ctx context.Context, id string, state assistant.State, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// RedisSnapshots stores each session's form state as a JSON string with a TTL
type RedisSnapshots struct {
	client *redis.Client
}

func NewRedisSnapshots(cfg config.RedisConfig) *RedisSnapshots {
	return &RedisSnapshots{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// Ping checks the connection
func (r *RedisSnapshots) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

func (r *RedisSnapshots) Load(ctx context.Context, id string) (*assistant.State, error) {
	data, err := r.client.Get(ctx, snapshotKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var state assistant.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode session snapshot: %w", err)
	}
	return &state, nil
}

func (r *RedisSnapshots) Save(ctx context.Context, id string, state assistant.State, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, snapshotKey(id), data, ttl).Err()
}

func (r *RedisSnapshots) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, snapshotKey(id)).Err()
}

func (r *RedisSnapshots) Close() error {
	return r.client.Close()
}

func snapshotKey(id string) string {
	return snapshotKeyPrefix + id
}
