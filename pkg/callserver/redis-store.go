package callserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxUpdateRetries = 5

// RedisStore keeps call records as JSON values with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis", "addr", cfg.RedisAddr)

	ttl := cfg.CallTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: rdb, ttl: ttl, logger: logger}, nil
}

func callKey(callID string) string {
	return "call:" + callID
}

func (rs *RedisStore) Create(ctx context.Context, rec *CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal call: %w", err)
	}
	ok, err := rs.client.SetNX(ctx, callKey(rec.CallID), data, rs.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store call: %w", err)
	}
	if !ok {
		return fmt.Errorf("call already exists: %s", rec.CallID)
	}
	return nil
}

func (rs *RedisStore) Get(ctx context.Context, callID string) (*CallRecord, error) {
	data, err := rs.client.Get(ctx, callKey(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load call: %w", err)
	}

	var rec CallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call: %w", err)
	}
	return &rec, nil
}

// Update runs fn inside an optimistic WATCH transaction, retrying when a
// concurrent writer touched the same call.
func (rs *RedisStore) Update(ctx context.Context, callID string, fn func(*CallRecord)) (*CallRecord, error) {
	key := callKey(callID)
	var out CallRecord

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrCallNotFound
		}
		if err != nil {
			return err
		}

		var rec CallRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal call: %w", err)
		}
		fn(&rec)
		rec.UpdatedAt = time.Now()

		updated, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to marshal call: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, rs.ttl)
			return nil
		})
		if err == nil {
			out = rec
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := rs.client.Watch(ctx, txf, key)
		if err == nil {
			return &out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			rs.logger.Debug("call update conflicted, retrying", "call_id", callID, "attempt", i+1)
			continue
		}
		if errors.Is(err, ErrCallNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update call: %w", err)
	}
	return nil, fmt.Errorf("failed to update call %s: too many concurrent updates", callID)
}

func (rs *RedisStore) Delete(ctx context.Context, callID string) error {
	if err := rs.client.Del(ctx, callKey(callID)).Err(); err != nil {
		return fmt.Errorf("failed to delete call: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
