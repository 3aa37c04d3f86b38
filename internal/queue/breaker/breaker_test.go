package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/srmgate/internal/clock"
	"github.com/smallbiznis/srmgate/internal/queue/domain"
	"github.com/smallbiznis/srmgate/internal/queue/repository"
	"github.com/smallbiznis/srmgate/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const endpoint = "https://regulator.example.test/transaction"

func newBreaker(t *testing.T) (*Breaker, *clock.FakeClock) {
	t.Helper()
	db := testkit.OpenDB(t, &domain.BreakerState{})
	clk := clock.NewFakeClock(time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC))
	return breakerOn(db, clk), clk
}

func breakerOn(db *gorm.DB, clk clock.Clock) *Breaker {
	return New(db, repository.ProvideBreakers(), clk, zap.NewNop(), Settings{
		Threshold:    3,
		Cooldown:     time.Minute,
		MaxCooldown:  3 * time.Minute,
		ProbeTimeout: 2 * time.Minute,
	})
}

func trip(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(context.Background(), endpoint))
	}
}

func mustAllow(t *testing.T, b *Breaker, want bool) {
	t.Helper()
	ok, err := b.Allow(context.Background(), endpoint)
	require.NoError(t, err)
	require.Equal(t, want, ok)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newBreaker(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		mustAllow(t, b, true)
		require.NoError(t, b.RecordFailure(ctx, endpoint))
	}
	state, err := b.State(ctx, endpoint)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerClosed, state.State)

	require.NoError(t, b.RecordFailure(ctx, endpoint))
	state, err = b.State(ctx, endpoint)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerOpen, state.State)
	mustAllow(t, b, false)
}

func TestBreakerSingleTrialAfterCooldown(t *testing.T) {
	b, clk := newBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, endpoint))
	}

	clk.Advance(59 * time.Second)
	mustAllow(t, b, false)

	clk.Advance(time.Second)
	mustAllow(t, b, true)
	mustAllow(t, b, false)

	state, err := b.State(ctx, endpoint)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerHalfOpen, state.State)

	require.NoError(t, b.RecordSuccess(ctx, endpoint))
	state, err = b.State(ctx, endpoint)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerClosed, state.State)
	assert.Zero(t, state.ConsecutiveFailures)
	assert.Zero(t, state.OpenCount)
	mustAllow(t, b, true)
	mustAllow(t, b, true)
}

func TestBreakerTrialFailureDoublesCooldown(t *testing.T) {
	b, clk := newBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, endpoint))
	}

	cooldowns := []time.Duration{2 * time.Minute, 3 * time.Minute, 3 * time.Minute}
	clk.Advance(time.Minute)
	for _, want := range cooldowns {
		mustAllow(t, b, true)
		require.NoError(t, b.RecordFailure(ctx, endpoint))

		state, err := b.State(ctx, endpoint)
		require.NoError(t, err)
		require.Equal(t, domain.BreakerOpen, state.State)
		require.NotNil(t, state.CooldownUntil)
		assert.Equal(t, want, state.CooldownUntil.Sub(clk.Now()))

		clk.Advance(want - time.Second)
		mustAllow(t, b, false)
		clk.Advance(time.Second)
	}
}

func TestBreakerReleaseReturnsTrial(t *testing.T) {
	b, clk := newBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, endpoint))
	}
	clk.Advance(time.Minute)
	mustAllow(t, b, true)
	require.NoError(t, b.Release(ctx, endpoint))
	mustAllow(t, b, true)
}

func TestBreakerResetAndSnapshot(t *testing.T) {
	b, _ := newBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, endpoint+"/"))
	}
	mustAllow(t, b, false)

	require.NoError(t, b.Reset(ctx, endpoint))
	mustAllow(t, b, true)

	snapshot, err := b.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, endpoint, snapshot[0].Endpoint)
	assert.Equal(t, domain.BreakerClosed, snapshot[0].State)
}

func TestBreakerUnresolvedTrialSurvivesRestartUntilTimeout(t *testing.T) {
	db := testkit.OpenDB(t, &domain.BreakerState{})
	clk := clock.NewFakeClock(time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	b := breakerOn(db, clk)
	trip(t, b)
	clk.Advance(time.Minute)
	mustAllow(t, b, true)

	// The worker holding the trial call dies; a new process takes over.
	restarted := breakerOn(db, clk)
	mustAllow(t, restarted, false)

	clk.Advance(2*time.Minute - time.Second)
	mustAllow(t, restarted, false)

	clk.Advance(time.Second)
	mustAllow(t, restarted, true)
	mustAllow(t, restarted, false)

	state, err := restarted.State(ctx, endpoint)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerHalfOpen, state.State)
	assert.True(t, state.ProbeInFlight)
	require.NotNil(t, state.ProbeStartedAt)
	assert.True(t, state.ProbeStartedAt.Equal(clk.Now()))

	clk.Advance(24 * time.Hour)
	mustAllow(t, restarted, true)
	require.NoError(t, restarted.RecordSuccess(ctx, endpoint))
	state, err = restarted.State(ctx, endpoint)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerClosed, state.State)
	assert.False(t, state.ProbeInFlight)
	assert.Nil(t, state.ProbeStartedAt)
}

func TestBreakerReleaseExpired(t *testing.T) {
	b, clk := newBreaker(t)
	ctx := context.Background()
	trip(t, b)
	clk.Advance(time.Minute)
	mustAllow(t, b, true)

	n, err := b.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(2 * time.Minute)
	n, err = b.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state, err := b.State(ctx, endpoint)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerHalfOpen, state.State)
	assert.False(t, state.ProbeInFlight)
	assert.Nil(t, state.ProbeStartedAt)

	mustAllow(t, b, true)
	mustAllow(t, b, false)
}

func TestBreakerAllowNowSkipsCooldownOnly(t *testing.T) {
	b, _ := newBreaker(t)
	ctx := context.Background()

	ok, err := b.AllowNow(ctx, endpoint)
	require.NoError(t, err)
	assert.True(t, ok)

	trip(t, b)
	mustAllow(t, b, false)

	ok, err = b.AllowNow(ctx, endpoint)
	require.NoError(t, err)
	assert.True(t, ok)

	state, err := b.State(ctx, endpoint)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerHalfOpen, state.State)

	ok, err = b.AllowNow(ctx, endpoint)
	require.NoError(t, err)
	assert.False(t, ok, "one trial at a time")
	mustAllow(t, b, false)

	require.NoError(t, b.RecordFailure(ctx, endpoint))
	state, err = b.State(ctx, endpoint)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerOpen, state.State)
}
