package lock

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	appconfig "cryptometrics/config"
	"cryptometrics/logger"
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a SET NX PX lock shared by every host pointing at the same server.
type Redis struct {
	rdb *redis.Client
	cfg appconfig.LockConfig
	log *logger.Log
}

func NewRedis(ctx context.Context, cfg appconfig.LockConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, cfg: cfg, log: logger.GetLogger()}, nil
}

func (l *Redis) Acquire(ctx context.Context) (ReleaseFunc, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.cfg.Key, token, l.cfg.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.rdb, []string{l.cfg.Key}, token).Err(); err != nil && err != redis.Nil {
			l.log.WithComponent("lock").WithError(err).Warn("failed to release redis lock")
			return err
		}
		return nil
	}, nil
}

func (l *Redis) Close() error {
	return l.rdb.Close()
}
