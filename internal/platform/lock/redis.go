package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyLock = "lock:"

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`

	// TTL bounds how long a crashed holder blocks others. Held locks are
	// renewed at a third of it.
	TTL           time.Duration `yaml:"ttl"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		KeyPrefix:     "bridge:",
		TTL:           30 * time.Second,
		RetryInterval: 50 * time.Millisecond,
	}
}

// Redis is a Locker backed by SET NX with a per-acquisition token; only the
// token holder can extend or release the key.
type Redis struct {
	cfg    RedisConfig
	client *redis.Client
	logger *slog.Logger
}

func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRedisConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "redis-lock"),
	}, nil
}

func (r *Redis) key(k string) string {
	return r.cfg.KeyPrefix + keyLock + k
}

func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := r.key(key)
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-time.After(r.cfg.RetryInterval):
		}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.renew(redisKey, token, done)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.logger.Warn("failed to release lock", "key", key, "error", err)
			}
		})
	}, nil
}

func (r *Redis) renew(redisKey, token string, done <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.TTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TTL/3)
			n, err := extendScript.Run(ctx, r.client, []string{redisKey}, token, r.cfg.TTL.Milliseconds()).Int()
			cancel()
			if err != nil || n == 0 {
				r.logger.Error("lock lost: renewal failed", "key", redisKey, "error", err)
				return
			}
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
