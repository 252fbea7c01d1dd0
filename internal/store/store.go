// Package store keeps the small amount of session bookkeeping the recorder
// needs between requests, such as the id of the meeting being recorded.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// CurrentMeetingKey holds the id of the meeting being recorded or processed.
const CurrentMeetingKey = "current_meeting_id"

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("key not found")

type Store interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Redis stores every key as a field of one hash named by the prefix and namespace.
type Redis struct {
	client *redis.Client
	hash   string
}

// NewRedis wraps client. namespace separates recorder instances sharing one Redis.
func NewRedis(client *redis.Client, prefix, namespace string) *Redis {
	return &Redis{client: client, hash: prefix + namespace}
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.HSet(ctx, r.hash, key, value).Err(); err != nil {
		return fmt.Errorf("redis HSET %s %s: %w", r.hash, key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.HGet(ctx, r.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("redis HGET %s %s: %w", r.hash, key, err)
	}
	return val, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.HDel(ctx, r.hash, key).Err(); err != nil {
		return fmt.Errorf("redis HDEL %s %s: %w", r.hash, key, err)
	}
	return nil
}

// Memory is a process-local Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.data[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return val, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
