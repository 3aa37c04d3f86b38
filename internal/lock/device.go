package lock

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	KindDispatch = metrics.LockDispatch
	KindChain    = metrics.LockChain
)

const keyPrefix = "srmgate:lock:"

var ErrHeld = errors.New("lock_held")

// DeviceLocks hands out per-device locks. The in-process mutex always
// applies; when Redis is configured the lease is also taken there so several
// replicas never work the same device at once.
type DeviceLocks struct {
	local   *KeyedMutex
	remote  *LeaseStore
	ttl     time.Duration
	poll    time.Duration
	metrics *metrics.DispatchMetrics
	log     *zap.Logger
}

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

func NewDeviceLocks(p Params) *DeviceLocks {
	ttl := p.Config.Redis.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &DeviceLocks{
		local:   NewKeyedMutex(),
		remote:  NewLeaseStore(p.Redis),
		ttl:     ttl,
		poll:    100 * time.Millisecond,
		metrics: metrics.Dispatch(),
		log:     p.Log.Named("lock.device"),
	}
}

// NewLocalDeviceLocks is the in-process only variant used by tests.
func NewLocalDeviceLocks() *DeviceLocks {
	return &DeviceLocks{
		local:   NewKeyedMutex(),
		ttl:     2 * time.Minute,
		poll:    100 * time.Millisecond,
		metrics: metrics.Dispatch(),
		log:     zap.NewNop(),
	}
}

// Acquire blocks until the kind/key lock is held or ctx is done.
func (d *DeviceLocks) Acquire(ctx context.Context, kind, key string) (func(), error) {
	started := time.Now()
	defer func() {
		d.metrics.ObserveLockWait(kind, time.Since(started))
	}()

	name := kind + ":" + key
	unlock, err := d.local.Lock(ctx, name)
	if err != nil {
		return nil, err
	}
	if d.remote == nil {
		return unlock, nil
	}

	for {
		lease, err := d.remote.Take(ctx, keyPrefix+name, d.ttl)
		if err != nil {
			unlock()
			return nil, err
		}
		if lease != nil {
			return d.releaser(ctx, lease, unlock), nil
		}
		select {
		case <-ctx.Done():
			unlock()
			return nil, ctx.Err()
		case <-time.After(d.poll):
		}
	}
}

// TryAcquire returns ErrHeld instead of waiting.
func (d *DeviceLocks) TryAcquire(ctx context.Context, kind, key string) (func(), error) {
	name := kind + ":" + key
	unlock, ok := d.local.TryLock(name)
	if !ok {
		return nil, ErrHeld
	}
	if d.remote == nil {
		return unlock, nil
	}
	lease, err := d.remote.Take(ctx, keyPrefix+name, d.ttl)
	if err != nil || lease == nil {
		unlock()
		if err == nil {
			err = ErrHeld
		}
		return nil, err
	}
	return d.releaser(ctx, lease, unlock), nil
}

func (d *DeviceLocks) releaser(ctx context.Context, lease *Lease, unlock func()) func() {
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			d.log.Warn("lock.release_failed", zap.String("key", lease.key), zap.Error(err))
		}
		unlock()
	}
}
