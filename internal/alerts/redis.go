package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"presencewatch/internal/config"
	"presencewatch/internal/model"
)

// NewRedisClient builds and pings a client from cfg.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisDismissals stores dismissals in one hash per tenant so that a reset
// is a single DEL. Fields are "<actor key>|<pattern type>"; normalized actor
// keys never contain '|'.
type RedisDismissals struct {
	client *redis.Client
	prefix string
}

func NewRedisDismissals(client *redis.Client, prefix string) *RedisDismissals {
	if prefix == "" {
		prefix = "presencewatch:dismissals:"
	}
	return &RedisDismissals{client: client, prefix: prefix}
}

func (r *RedisDismissals) hashKey(tenantID string) string {
	return r.prefix + tenantID
}

func field(key model.DismissalKey) string {
	return key.ActorName + "|" + string(key.PatternType)
}

func (r *RedisDismissals) PutDismissal(ctx context.Context, rec model.DismissalRecord) error {
	at := rec.DismissedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return r.client.HSet(ctx, r.hashKey(rec.Key.TenantID), field(rec.Key), at.Format(time.RFC3339Nano)).Err()
}

func (r *RedisDismissals) HasDismissal(ctx context.Context, key model.DismissalKey) (bool, error) {
	return r.client.HExists(ctx, r.hashKey(key.TenantID), field(key)).Result()
}

// DeleteDismissals counts and removes the tenant hash in one transaction.
func (r *RedisDismissals) DeleteDismissals(ctx context.Context, tenantID string) (int, error) {
	key := r.hashKey(tenantID)
	var count *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.HLen(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(count.Val()), nil
}

func (r *RedisDismissals) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
