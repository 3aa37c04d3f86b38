package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/srmgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// compareAndDelete frees a lease only for the token that took it, so a
// replica whose lease expired cannot drop a successor's lock.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisClient connects the shared lease store. Without REDIS_ADDR it
// returns nil and the gateway runs single-replica with in-process locks.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Redis.Addr),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return client.Close() }})
	log.Named("lock").Info("lock.redis_enabled", zap.String("addr", cfg.Redis.Addr), zap.Int("db", cfg.Redis.DB))
	return client
}

// LeaseStore issues expiring single-owner leases in Redis.
type LeaseStore struct {
	client *redis.Client
}

func NewLeaseStore(client *redis.Client) *LeaseStore {
	if client == nil {
		return nil
	}
	return &LeaseStore{client: client}
}

// Lease is a held key. It lapses on its own after the TTL it was taken with.
type Lease struct {
	store *LeaseStore
	key   string
	token string
}

// Take claims key for ttl. A nil lease with a nil error means another owner
// holds it.
func (s *LeaseStore) Take(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	switch {
	case key == "":
		return nil, errors.New("lock: empty lease key")
	case ttl <= 0:
		return nil, errors.New("lock: lease ttl must be positive")
	}
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, err
	}
	return &Lease{store: s, key: key, token: token}, nil
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return compareAndDelete.Run(ctx, l.store.client, []string{l.key}, l.token).Err()
}
