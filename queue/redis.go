package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/worklens/trackengine/evidence"
	"github.com/worklens/trackengine/logger"
)

// RedisConfig holds Redis connection settings for the shared-host backend.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Key is the list key evidence records are queued under. Defaults to
	// "trackengine:evidence_queue".
	Key string
}

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const (
	defaultRedisKey        = "trackengine:evidence_queue"
	redisConnectionTimeout = 5 * time.Second
)

// Redis is the offline queue backend for deployments where agents sit
// beside a local Redis instance. Records are kept in a list, FIFO.
type Redis struct {
	client *redis.Client
	key    string
	log    logger.Logger
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(cfg RedisConfig, log logger.Logger) (*Redis, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	if cfg.Key == "" {
		cfg.Key = defaultRedisKey
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Redis{client: client, key: cfg.Key, log: log}, nil
}

// Enqueue implements evidence.Queue.
func (r *Redis) Enqueue(ctx context.Context, rec *evidence.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal evidence record: %w", err)
	}
	if err := r.client.RPush(ctx, r.key, payload).Err(); err != nil {
		return fmt.Errorf("rpush evidence record: %w", err)
	}
	return nil
}

// Flush implements Store. Records are only popped after a successful
// upload, so a crash mid-flush cannot lose evidence.
func (r *Redis) Flush(ctx context.Context, upload UploadFunc) (int, error) {
	replayed := 0
	for {
		payload, err := r.client.LIndex(ctx, r.key, 0).Bytes()
		if errors.Is(err, redis.Nil) {
			return replayed, nil
		}
		if err != nil {
			return replayed, fmt.Errorf("peek queued record: %w", err)
		}

		var rec evidence.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			r.log.Error("dropping undecodable queued record", logger.Error(err))
			if popErr := r.client.LPop(ctx, r.key).Err(); popErr != nil {
				return replayed, fmt.Errorf("pop corrupt record: %w", popErr)
			}
			continue
		}

		if err := uploadWithRetry(ctx, upload, &rec); err != nil {
			return replayed, err
		}
		if err := r.client.LPop(ctx, r.key).Err(); err != nil {
			return replayed, fmt.Errorf("pop replayed record: %w", err)
		}
		replayed++
	}
}

// Depth implements Store.
func (r *Redis) Depth(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen: %w", err)
	}
	return int(n), nil
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.client.Close()
}
