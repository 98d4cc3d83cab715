package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fithublabs/gatekeeper/internal/common/config"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a redis hash so several kiosk agents at one
// gym share a single alert read-state.
type RedisStore struct {
	client *redis.Client
	cfg    config.AlertRedisConfig
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a redis-backed alert store.
func NewRedisStore(cfg config.AlertRedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "gatekeeper"
	}
	return &RedisStore{client: client, cfg: cfg}, nil
}

func (s *RedisStore) key() string {
	return s.cfg.Prefix + ":alerts"
}

// Get implements Store.Get
func (s *RedisStore) Get(ctx context.Context, id string) (*Alert, error) {
	data, err := s.client.HGet(ctx, s.key(), id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	var alert Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

// Put implements Store.Put
func (s *RedisStore) Put(ctx context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key(), alert.ID, data).Err(); err != nil {
		return err
	}
	if s.cfg.TTL > 0 {
		return s.client.Expire(ctx, s.key(), s.cfg.TTL).Err()
	}
	return nil
}

// List implements Store.List
func (s *RedisStore) List(ctx context.Context) ([]Alert, error) {
	entries, err := s.client.HGetAll(ctx, s.key()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Alert, 0, len(entries))
	for id, data := range entries {
		var alert Alert
		if err := json.Unmarshal([]byte(data), &alert); err != nil {
			return nil, fmt.Errorf("decode alert %s: %w", id, err)
		}
		out = append(out, alert)
	}
	return out, nil
}

// Delete implements Store.Delete
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.HDel(ctx, s.key(), id).Err()
}

// Clear implements Store.Clear
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key()).Err()
}

// Close releases the redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
