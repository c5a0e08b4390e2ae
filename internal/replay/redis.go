package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const replayKeyPrefix = "paygate:replay:"

// RedisStore persists replay rows in Redis. Rows carry their own TTL via
// PEXPIREAT, so no sweeper is needed; capacity is left to Redis memory
// policy rather than a key count.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func redisKey(key string) string {
	return replayKeyPrefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string, now time.Time) (*Row, error) {
	vals, err := s.rdb.HGetAll(ctx, redisKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("replay get: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	row, err := rowFromMap(key, vals)
	if err != nil {
		return nil, fmt.Errorf("replay get: %w", err)
	}
	if row.Expired(now) {
		// TTL and the caller's clock can disagree; honor the caller's.
		s.rdb.Del(ctx, redisKey(key))
		return nil, nil
	}
	return row, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, row Row, now time.Time) error {
	if row.Expired(now) {
		return nil
	}
	headers, err := json.Marshal(row.Headers)
	if err != nil {
		return fmt.Errorf("replay set: %w", err)
	}
	rkey := redisKey(key)
	if err := s.rdb.HSet(ctx, rkey,
		"expires_at_ms", row.ExpiresAtMs,
		"status_code", row.StatusCode,
		"headers", headers,
		"content_type", row.ContentType,
		"body", row.BodyBytes,
		"signature", row.Signature,
		"request_binding_mode", row.RequestBindingMode,
		"request_binding_sha256", row.RequestBindingSHA256,
	).Err(); err != nil {
		return fmt.Errorf("replay set: %w", err)
	}
	if err := s.rdb.PExpireAt(ctx, rkey, time.UnixMilli(row.ExpiresAtMs)).Err(); err != nil {
		return fmt.Errorf("replay set: %w", err)
	}
	return nil
}

func rowFromMap(key string, m map[string]string) (*Row, error) {
	expiresAtMs, err := strconv.ParseInt(m["expires_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("expires_at_ms: %w", err)
	}
	statusCode, err := strconv.Atoi(m["status_code"])
	if err != nil {
		return nil, fmt.Errorf("status_code: %w", err)
	}
	var headers map[string]string
	if raw := m["headers"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return nil, fmt.Errorf("headers: %w", err)
		}
	}
	return &Row{
		Key:                  key,
		ExpiresAtMs:          expiresAtMs,
		StatusCode:           statusCode,
		Headers:              headers,
		ContentType:          m["content_type"],
		BodyBytes:            []byte(m["body"]),
		Signature:            m["signature"],
		RequestBindingMode:   m["request_binding_mode"],
		RequestBindingSHA256: m["request_binding_sha256"],
	}, nil
}
