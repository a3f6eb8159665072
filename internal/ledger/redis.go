package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Redis shares the seen-set across crawler instances. SETNX keeps the
// first instance's mark when two race on the same id.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func openRedis(cfg Config) (*Redis, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("ledger: redis backend needs an address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ledger: redis ping: %w", err)
	}
	return &Redis{client: client, ttl: cfg.TTL}, nil
}

func (r *Redis) Seen(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, keyPrefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) MarkSeen(ctx context.Context, id string, mark Mark) error {
	if mark.SeenAt.IsZero() {
		mark.SeenAt = time.Now()
	}
	buf, err := json.Marshal(mark)
	if err != nil {
		return err
	}
	return r.client.SetNX(ctx, keyPrefix+id, buf, r.ttl).Err()
}

func (r *Redis) Close() error { return r.client.Close() }
