package ehrcontext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// -- In-memory --

type memoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]IngestionTask
}

// NewMemoryTaskStore keeps tasks for the lifetime of the process.
func NewMemoryTaskStore() TaskStore {
	return &memoryTaskStore{tasks: make(map[uuid.UUID]IngestionTask)}
}

func (s *memoryTaskStore) Save(_ context.Context, task *IngestionTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = *task
	return nil
}

func (s *memoryTaskStore) Get(_ context.Context, id uuid.UUID) (*IngestionTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &task, nil
}

// -- Redis --

const taskKeyPrefix = "ehrctx:ingestion-task:"

type redisTaskStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisTaskStore stores tasks as JSON values that expire after ttl.
func NewRedisTaskStore(rdb redis.UniversalClient, ttl time.Duration) TaskStore {
	return &redisTaskStore{rdb: rdb, ttl: ttl}
}

// OpenRedis parses a redis:// URL and verifies the server is reachable.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (s *redisTaskStore) Save(ctx context.Context, task *IngestionTask) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := s.rdb.Set(ctx, taskKeyPrefix+task.ID.String(), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *redisTaskStore) Get(ctx context.Context, id uuid.UUID) (*IngestionTask, error) {
	raw, err := s.rdb.Get(ctx, taskKeyPrefix+id.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	var task IngestionTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}
