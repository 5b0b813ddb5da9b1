package relaygraph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultRedisLockTTL  = 2 * time.Minute
	defaultRedisLockPoll = 100 * time.Millisecond
	redisUnlockTimeout   = 5 * time.Second
)

const redisUnlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

type RedisLockerOptions struct {
	Prefix       string
	TTL          time.Duration
	PollInterval time.Duration
	Logger       *zap.Logger
}

// RedisLocker extends the per-workspace exclusion across processes sharing one store.
// The TTL bounds how long a crashed holder can block a workspace.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *zap.Logger
}

func NewRedisLocker(client *redis.Client, opts RedisLockerOptions) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = DefaultRedisLockTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultRedisLockPoll
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "relaygraph:"
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
		poll:   opts.PollInterval,
		logger: opts.Logger,
	}
}

// NewRedisLockerFromURL parses a redis:// URL.
func NewRedisLockerFromURL(rawURL string, opts RedisLockerOptions) (*RedisLocker, error) {
	parsed, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLocker(redis.NewClient(parsed), opts), nil
}

func (l *RedisLocker) Lock(ctx context.Context, workspaceID string) (UnlockFunc, error) {
	key := l.prefix + "lock:" + workspaceID
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", workspaceID, err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		unlockCtx, cancel := context.WithTimeout(context.Background(), redisUnlockTimeout)
		defer cancel()
		if err := l.client.Eval(unlockCtx, redisUnlockScript, []string{key}, token).Err(); err != nil {
			l.logger.Warn("release workspace lock failed",
				zap.String("workspaceID", workspaceID),
				zap.Error(err),
			)
		}
	}, nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
