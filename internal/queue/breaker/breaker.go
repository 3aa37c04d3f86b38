// Package breaker implements the persisted per-endpoint circuit breaker that
// guards regulator calls.
package breaker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/srmgate/internal/clock"
	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/observability/metrics"
	"github.com/smallbiznis/srmgate/internal/queue/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Settings struct {
	Threshold   int
	Cooldown    time.Duration
	MaxCooldown time.Duration
	// ProbeTimeout is how long a granted trial call may go without an outcome
	// before it is handed out again.
	ProbeTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Threshold <= 0 {
		s.Threshold = 3
	}
	if s.Cooldown <= 0 {
		s.Cooldown = time.Minute
	}
	if s.MaxCooldown < s.Cooldown {
		s.MaxCooldown = s.Cooldown
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = 5 * time.Minute
	}
	return s
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Config config.Config
	Repo   domain.BreakerRepository
}

// Breaker state lives in circuit_breakers so that it survives restarts.
// Each transition runs in one DB transaction holding the endpoint's row lock.
type Breaker struct {
	mu       sync.Mutex
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	repo     domain.BreakerRepository
	settings Settings
	metrics  *metrics.DispatchMetrics
}

func Provide(p Params) *Breaker {
	return New(p.DB, p.Repo, p.Clock, p.Log, Settings{
		Threshold:    p.Config.Dispatch.BreakerThreshold,
		Cooldown:     p.Config.Dispatch.BreakerCooldown,
		MaxCooldown:  p.Config.Dispatch.BreakerMaxCool,
		ProbeTimeout: p.Config.Dispatch.StuckAfter,
	})
}

func New(db *gorm.DB, repo domain.BreakerRepository, clk clock.Clock, log *zap.Logger, settings Settings) *Breaker {
	return &Breaker{
		db:       db,
		log:      log.Named("queue.breaker"),
		clock:    clk,
		repo:     repo,
		settings: settings.withDefaults(),
		metrics:  metrics.Dispatch(),
	}
}

// Allow reports whether a call to endpoint may proceed. After the cool-down
// an open breaker grants exactly one trial call.
func (b *Breaker) Allow(ctx context.Context, endpoint string) (bool, error) {
	return b.allow(ctx, endpoint, false)
}

// AllowNow is Allow for a reconnect: an open breaker grants its trial call without
// waiting out the cool-down. A trial already in flight still blocks.
func (b *Breaker) AllowNow(ctx context.Context, endpoint string) (bool, error) {
	return b.allow(ctx, endpoint, true)
}

func (b *Breaker) allow(ctx context.Context, endpoint string, skipCooldown bool) (bool, error) {
	allowed := false
	err := b.update(ctx, endpoint, func(state *domain.BreakerState, now time.Time) {
		switch state.State {
		case domain.BreakerClosed:
			allowed = true
		case domain.BreakerOpen:
			if !skipCooldown && state.CooldownUntil != nil && now.Before(*state.CooldownUntil) {
				return
			}
			b.transition(state, domain.BreakerHalfOpen, now)
			b.grantProbe(state, now)
			allowed = true
		case domain.BreakerHalfOpen:
			if state.ProbeInFlight && !b.probeExpired(state, now) {
				return
			}
			if state.ProbeInFlight {
				b.log.Warn("breaker.probe_expired", b.probeFields(state)...)
			}
			b.grantProbe(state, now)
			allowed = true
		}
	})
	return allowed, err
}

// ReleaseExpired clears half-open grants older than ProbeTimeout that never
// resolved, as happens when the process dies mid-call.
func (b *Breaker) ReleaseExpired(ctx context.Context) (int, error) {
	states, err := b.repo.List(ctx, b.db)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, candidate := range states {
		if candidate == nil || !candidate.ProbeInFlight || !b.probeExpired(candidate, b.clock.Now().UTC()) {
			continue
		}
		err := b.update(ctx, candidate.Endpoint, func(state *domain.BreakerState, now time.Time) {
			if !state.ProbeInFlight || !b.probeExpired(state, now) {
				return
			}
			b.log.Warn("breaker.probe_expired", b.probeFields(state)...)
			clearProbe(state)
			released++
		})
		if err != nil {
			return released, err
		}
	}
	return released, nil
}

func (b *Breaker) grantProbe(state *domain.BreakerState, now time.Time) {
	state.ProbeInFlight = true
	state.ProbeStartedAt = &now
}

func (b *Breaker) probeExpired(state *domain.BreakerState, now time.Time) bool {
	if state.ProbeStartedAt == nil {
		return true
	}
	return !now.Before(state.ProbeStartedAt.Add(b.settings.ProbeTimeout))
}

func (b *Breaker) probeFields(state *domain.BreakerState) []zap.Field {
	fields := []zap.Field{
		zap.String("endpoint", state.Endpoint),
		zap.Duration("probe_timeout", b.settings.ProbeTimeout),
	}
	if state.ProbeStartedAt != nil {
		fields = append(fields, zap.Time("probe_started_at", *state.ProbeStartedAt))
	}
	return fields
}

func clearProbe(state *domain.BreakerState) {
	state.ProbeInFlight = false
	state.ProbeStartedAt = nil
}

func (b *Breaker) RecordSuccess(ctx context.Context, endpoint string) error {
	return b.update(ctx, endpoint, func(state *domain.BreakerState, now time.Time) {
		if state.State != domain.BreakerClosed {
			b.transition(state, domain.BreakerClosed, now)
		}
		state.ConsecutiveFailures = 0
		state.OpenCount = 0
		state.CooldownUntil = nil
		clearProbe(state)
	})
}

func (b *Breaker) RecordFailure(ctx context.Context, endpoint string) error {
	return b.update(ctx, endpoint, func(state *domain.BreakerState, now time.Time) {
		state.ConsecutiveFailures++
		switch state.State {
		case domain.BreakerHalfOpen:
			b.open(state, now)
		case domain.BreakerClosed:
			if state.ConsecutiveFailures >= b.settings.Threshold {
				b.open(state, now)
			}
		}
	})
}

// Release gives back a trial call that ended without an outcome, such as a
// canceled call.
func (b *Breaker) Release(ctx context.Context, endpoint string) error {
	return b.update(ctx, endpoint, func(state *domain.BreakerState, now time.Time) {
		clearProbe(state)
	})
}

func (b *Breaker) State(ctx context.Context, endpoint string) (domain.BreakerState, error) {
	state, err := b.repo.Get(ctx, b.db, normalize(endpoint))
	if err != nil {
		return domain.BreakerState{}, err
	}
	if state == nil {
		return domain.BreakerState{Endpoint: normalize(endpoint), State: domain.BreakerClosed}, nil
	}
	return *state, nil
}

func (b *Breaker) Snapshot(ctx context.Context) ([]domain.BreakerState, error) {
	items, err := b.repo.List(ctx, b.db)
	if err != nil {
		return nil, err
	}
	out := make([]domain.BreakerState, 0, len(items))
	for _, item := range items {
		if item != nil {
			out = append(out, *item)
		}
	}
	return out, nil
}

// Reset closes the breaker regardless of its state.
func (b *Breaker) Reset(ctx context.Context, endpoint string) error {
	return b.RecordSuccess(ctx, endpoint)
}

func (b *Breaker) open(state *domain.BreakerState, now time.Time) {
	state.OpenCount++
	cooldown := b.settings.Cooldown
	for i := 1; i < state.OpenCount && cooldown < b.settings.MaxCooldown; i++ {
		cooldown *= 2
	}
	if cooldown > b.settings.MaxCooldown {
		cooldown = b.settings.MaxCooldown
	}
	until := now.Add(cooldown)
	state.CooldownUntil = &until
	clearProbe(state)
	b.transition(state, domain.BreakerOpen, now)
}

func (b *Breaker) transition(state *domain.BreakerState, to domain.BreakerStatus, now time.Time) {
	from := state.State
	state.State = to
	state.LastTransitionAt = now
	b.metrics.IncBreakerTransition(state.Endpoint, string(from), string(to))
	fields := []zap.Field{
		zap.String("endpoint", state.Endpoint),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("consecutive_failures", state.ConsecutiveFailures),
	}
	if state.CooldownUntil != nil && to == domain.BreakerOpen {
		fields = append(fields, zap.Time("cooldown_until", *state.CooldownUntil))
	}
	if to == domain.BreakerOpen {
		b.log.Warn("breaker.transition", fields...)
		return
	}
	b.log.Info("breaker.transition", fields...)
}

func (b *Breaker) update(ctx context.Context, endpoint string, fn func(*domain.BreakerState, time.Time)) error {
	endpoint = normalize(endpoint)
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := b.clock.Now().UTC()
		state, err := b.repo.GetForUpdate(ctx, tx, domain.BreakerState{
			Endpoint:         endpoint,
			State:            domain.BreakerClosed,
			LastTransitionAt: now,
			UpdatedAt:        now,
		})
		if err != nil {
			return err
		}
		fn(state, now)
		state.UpdatedAt = now
		return b.repo.Save(ctx, tx, state)
	})
}

func normalize(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}
