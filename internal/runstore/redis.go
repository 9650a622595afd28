package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "brandlens:run:"

// RedisConfig holds the redis backend settings.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	// TTL applied to every record write. Zero keeps records forever.
	TTL time.Duration
}

// RedisStore persists run records in redis so status survives restarts
// and can be read by any replica.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("run store connected",
		zap.String("backend", "redis"),
		zap.String("addr", cfg.Addr),
	)

	return &RedisStore{
		client: client,
		ttl:    cfg.TTL,
		logger: logger.With(zap.String("component", "runstore")),
	}, nil
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+rec.RunID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save run record: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, runID string) (Record, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+runID).Bytes()
	if err == redis.Nil {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load run record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal run record: %w", err)
	}
	return rec, nil
}

// Ping reports backend health, used by the readiness probe.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
