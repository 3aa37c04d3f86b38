// Package dispatcher drains the transaction queue toward the regulator: one
// worker per device profile, many profiles in parallel.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
	"github.com/smallbiznis/srmgate/internal/clock"
	"github.com/smallbiznis/srmgate/internal/config"
	connectivitydomain "github.com/smallbiznis/srmgate/internal/connectivity/domain"
	"github.com/smallbiznis/srmgate/internal/lock"
	obscontext "github.com/smallbiznis/srmgate/internal/observability/context"
	"github.com/smallbiznis/srmgate/internal/observability/logger"
	"github.com/smallbiznis/srmgate/internal/observability/metrics"
	"github.com/smallbiznis/srmgate/internal/queue/breaker"
	"github.com/smallbiznis/srmgate/internal/queue/domain"
	receiptdomain "github.com/smallbiznis/srmgate/internal/receipt/domain"
	"github.com/smallbiznis/srmgate/internal/regulator"
	"github.com/smallbiznis/srmgate/internal/srmerror"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("dispatcher: missing dependency")

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Config       Config
	Environments *config.EnvironmentHolder
	Repo         domain.Repository
	Breaker      *breaker.Breaker
	Locks        *lock.DeviceLocks
	Sender       domain.Sender
	Receipts     receiptdomain.Service
	Connectivity connectivitydomain.Service `optional:"true"`
}

type Dispatcher struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	cfg          Config
	envs         *config.EnvironmentHolder
	repo         domain.Repository
	breaker      *breaker.Breaker
	locks        *lock.DeviceLocks
	sender       domain.Sender
	receipts     receiptdomain.Service
	connectivity connectivitydomain.Service
	metrics      *metrics.DispatchMetrics
	reconnect    chan struct{}
}

func New(p Params) (*Dispatcher, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Environments == nil || p.Repo == nil ||
		p.Breaker == nil || p.Locks == nil || p.Sender == nil || p.Receipts == nil {
		return nil, ErrInvalidConfig
	}
	return &Dispatcher{
		db:           p.DB,
		log:          p.Log.Named("queue.dispatcher").With(zap.String("component", "dispatcher")),
		clock:        p.Clock,
		cfg:          p.Config.withDefaults(),
		envs:         p.Environments,
		repo:         p.Repo,
		breaker:      p.Breaker,
		locks:        p.Locks,
		sender:       p.Sender,
		receipts:     p.Receipts,
		connectivity: p.Connectivity,
		metrics:      metrics.Dispatch(),
		reconnect:    make(chan struct{}, 1),
	}, nil
}

// TriggerReconnect requests an immediate pass that ignores retry schedules.
func (d *Dispatcher) TriggerReconnect() {
	select {
	case d.reconnect <- struct{}{}:
	default:
	}
}

// RunForever runs a pass on every tick and on every reconnect until ctx is
// done.
func (d *Dispatcher) RunForever(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	var reconnects <-chan string
	if d.connectivity != nil {
		reconnects = d.connectivity.Reconnects()
	}

	trigger := metrics.PassTriggerTick
	nextRun := time.Now().Add(d.cfg.Interval)
	for {
		if err := d.RunOnce(ctx, trigger); err != nil && ctx.Err() == nil {
			d.log.Warn("dispatcher.pass.failed", zap.String("trigger", trigger), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			trigger = metrics.PassTriggerTick
			d.metrics.ObserveRunLoopLag(time.Since(nextRun))
			nextRun = time.Now().Add(d.cfg.Interval)
		case <-d.reconnect:
			trigger = metrics.PassTriggerReconnect
		case tenantID := <-reconnects:
			trigger = metrics.PassTriggerReconnect
			d.log.Info("dispatcher.reconnect", zap.String("tenant_id", tenantID))
		}
	}
}

// RunOnce recovers stuck items and drains every profile with eligible work.
func (d *Dispatcher) RunOnce(ctx context.Context, trigger string) error {
	started := time.Now()
	d.metrics.IncPassRun(trigger)
	defer func() {
		d.metrics.ObservePassDuration(trigger, time.Since(started))
	}()

	var passErr error
	if _, err := d.RecoverStuck(ctx); err != nil {
		passErr = errors.Join(passErr, err)
	}

	ignoreSchedule := trigger == metrics.PassTriggerReconnect
	profiles, err := d.repo.ProfilesWithEligible(ctx, d.db, d.clock.Now().UTC(), ignoreSchedule, 0)
	if err != nil {
		d.metrics.IncStoreError(err)
		return errors.Join(passErr, err)
	}

	var (
		mu       sync.Mutex
		workErrs error
		g        errgroup.Group
	)
	g.SetLimit(d.cfg.MaxParallel)
	for _, profileID := range profiles {
		profileID := profileID
		g.Go(func() error {
			if err := d.drain(ctx, profileID, ignoreSchedule); err != nil {
				mu.Lock()
				workErrs = errors.Join(workErrs, fmt.Errorf("profile %s: %w", profileID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	d.recordDepth(ctx)
	if len(profiles) > 0 {
		d.log.Debug("dispatcher.pass.finish",
			zap.String("trigger", trigger),
			zap.Int("profiles", len(profiles)),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	}
	return errors.Join(passErr, workErrs)
}

// drain delivers the profile's items oldest first until the queue is empty,
// the batch is exhausted or a delivery says to stop.
func (d *Dispatcher) drain(ctx context.Context, profileID snowflake.ID, ignoreSchedule bool) error {
	unlock, err := d.locks.TryAcquire(ctx, lock.KindDispatch, profileID.String())
	if errors.Is(err, lock.ErrHeld) {
		return nil
	}
	if err != nil {
		return err
	}
	defer unlock()

	for i := 0; i < d.cfg.BatchSize; i++ {
		if ctx.Err() != nil {
			return nil
		}
		item, err := d.repo.NextEligible(ctx, d.db, profileID, d.clock.Now().UTC(), ignoreSchedule)
		if err != nil {
			d.metrics.IncStoreError(err)
			return err
		}
		if item == nil {
			return nil
		}
		env, err := d.envs.Get(item.Environment)
		if err != nil {
			return d.finish(ctx, item, srmerror.Configuration("environment", item.Environment, err))
		}
		allow := d.breaker.Allow
		if ignoreSchedule {
			allow = d.breaker.AllowNow
		}
		allowed, err := allow(ctx, env.TransactionURL)
		if err != nil {
			return err
		}
		if !allowed {
			d.metrics.IncDelivery(metrics.DeliveryDeferred)
			return nil
		}
		claimed, err := d.repo.Claim(ctx, d.db, item.ID, d.clock.Now().UTC())
		if err != nil || !claimed {
			d.noteBreaker(ctx, item, d.breaker.Release(context.WithoutCancel(ctx), env.TransactionURL))
			return err
		}
		item.Status = domain.StatusProcessing

		if stop, err := d.deliver(ctx, item, env); err != nil || stop {
			return err
		}
	}
	return nil
}

// deliver makes one attempt and records its outcome. stop reports whether
// the worker should leave this profile for the rest of the pass.
func (d *Dispatcher) deliver(ctx context.Context, item *domain.Item, env config.EnvironmentConfig) (bool, error) {
	body, err := snappy.Decode(nil, item.Payload)
	if err != nil {
		d.noteBreaker(ctx, item, d.breaker.Release(context.WithoutCancel(ctx), env.TransactionURL))
		return false, d.finish(ctx, item, srmerror.Integrity("queue_item.payload", "undecodable", err))
	}
	receipt, err := d.receipts.GetByID(ctx, item.ReceiptID)
	if err != nil {
		d.noteBreaker(ctx, item, d.breaker.Release(context.WithoutCancel(ctx), env.TransactionURL))
		if errors.Is(err, receiptdomain.ErrNotFound) {
			return false, d.finish(ctx, item, srmerror.Integrity("queue_item.receipt", "missing", err))
		}
		return true, d.revert(ctx, item, err)
	}

	item.Attempts++
	callCtx, cancel := context.WithTimeout(obscontext.WithTenantID(ctx, item.TenantID), d.cfg.CallTimeout)
	res, callErr := d.sender.SubmitTransaction(callCtx, regulator.TransactionCall{
		Target: regulator.Target{
			Env:       env,
			TenantID:  item.TenantID,
			ProfileID: item.ProfileID,
			DeviceID:  receipt.DeviceID,
		},
		TransactionID:          item.TransactionID,
		IdempotencyKey:         item.IdempotencyKey,
		Attempt:                item.Attempts,
		Body:                   body,
		Signature:              item.TransmissionSignature,
		CertificateFingerprint: receipt.CertificateFingerprint,
	})
	cancel()

	wctx := context.WithoutCancel(ctx)
	switch {
	case callErr == nil:
		return false, d.complete(wctx, item, env, res)
	case ctx.Err() != nil:
		d.noteBreaker(wctx, item, d.breaker.Release(wctx, env.TransactionURL))
		item.Attempts--
		return true, d.revert(wctx, item, callErr)
	case srmerror.IsRetryable(callErr):
		d.noteBreaker(wctx, item, d.breaker.RecordFailure(wctx, env.TransactionURL))
		d.markOffline(wctx, item, callErr)
		return true, d.retry(wctx, item, callErr)
	default:
		var protoErr *srmerror.ProtocolError
		if errors.As(callErr, &protoErr) {
			d.noteBreaker(wctx, item, d.breaker.RecordSuccess(wctx, env.TransactionURL))
		} else {
			d.noteBreaker(wctx, item, d.breaker.Release(wctx, env.TransactionURL))
		}
		return false, d.finish(wctx, item, callErr)
	}
}

func (d *Dispatcher) complete(ctx context.Context, item *domain.Item, env config.EnvironmentConfig, res regulator.TransactionResult) error {
	now := d.clock.Now().UTC()
	item.Status = domain.StatusCompleted
	item.RegulatorTransactionID = res.RegulatorTransactionID
	item.CompletedAt = &now
	item.ProcessingStartedAt = nil
	item.LastError = ""
	item.LastErrorClass = ""
	item.UpdatedAt = now

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := d.repo.Save(ctx, tx, item); err != nil {
			return err
		}
		return d.receipts.MarkCommitted(ctx, tx, item.ProfileID, item.Sequence)
	})
	// The regulator answered, so the endpoint is healthy whatever the store
	// did. A failed commit leaves the item processing for RecoverStuck.
	d.noteBreaker(ctx, item, d.breaker.RecordSuccess(ctx, env.TransactionURL))
	if err != nil {
		d.metrics.IncStoreError(err)
		return err
	}
	if d.connectivity != nil {
		if _, err := d.connectivity.MarkOnline(ctx, item.TenantID); err != nil {
			d.logFor(ctx, item).Warn("connectivity.mark_online.failed", zap.Error(err))
		}
	}

	d.metrics.IncDelivery(metrics.DeliveryCompleted)
	d.logFor(ctx, item).Info("queue.delivered",
		zap.Int("attempts", item.Attempts),
		zap.String("regulator_transaction_id", res.RegulatorTransactionID),
		zap.String("return_code", res.ReturnCode),
	)
	return nil
}

// retry schedules the next attempt with exponential backoff, or fails the
// item once attempts are exhausted.
func (d *Dispatcher) retry(ctx context.Context, item *domain.Item, cause error) error {
	if item.Attempts >= d.cfg.MaxAttempts {
		return d.finish(ctx, item, cause)
	}
	now := d.clock.Now().UTC()
	item.Status = domain.StatusPending
	item.NextAttemptAt = now.Add(d.cfg.Backoff(item.Attempts))
	item.ProcessingStartedAt = nil
	item.LastError = cause.Error()
	item.LastErrorClass = srmerror.Classify(cause)
	item.UpdatedAt = now
	if err := d.repo.Save(ctx, d.db, item); err != nil {
		d.metrics.IncStoreError(err)
		return err
	}
	d.metrics.IncDelivery(metrics.DeliveryRetry)
	d.logFor(ctx, item).Warn("queue.retry_scheduled",
		zap.Int("attempts", item.Attempts),
		zap.Time("next_attempt_at", item.NextAttemptAt),
		zap.String("error_class", item.LastErrorClass),
		zap.Error(cause),
	)
	return nil
}

// revert returns an interrupted item to pending.
func (d *Dispatcher) revert(ctx context.Context, item *domain.Item, cause error) error {
	now := d.clock.Now().UTC()
	item.Status = domain.StatusPending
	item.ProcessingStartedAt = nil
	item.UpdatedAt = now
	if err := d.repo.Save(ctx, d.db, item); err != nil {
		d.metrics.IncStoreError(err)
		return err
	}
	d.metrics.IncDelivery(metrics.DeliveryReverted)
	d.logFor(ctx, item).Info("queue.reverted", zap.Error(cause))
	return nil
}

// finish marks the item failed for good.
func (d *Dispatcher) finish(ctx context.Context, item *domain.Item, cause error) error {
	now := d.clock.Now().UTC()
	item.Status = domain.StatusFailed
	item.ProcessingStartedAt = nil
	item.LastError = cause.Error()
	item.LastErrorClass = srmerror.Classify(cause)
	var protoErr *srmerror.ProtocolError
	if errors.As(cause, &protoErr) {
		item.LastError = "regulator rejected: " + strings.Join(protoErr.Codes(), ",")
	}
	item.UpdatedAt = now
	if err := d.repo.Save(ctx, d.db, item); err != nil {
		d.metrics.IncStoreError(err)
		return err
	}
	d.metrics.IncDelivery(metrics.DeliveryFailed)
	d.logFor(ctx, item).Error("queue.failed",
		zap.Int("attempts", item.Attempts),
		zap.String("error_class", item.LastErrorClass),
		zap.Error(cause),
	)
	return nil
}

func (d *Dispatcher) markOffline(ctx context.Context, item *domain.Item, cause error) {
	if d.connectivity == nil {
		return
	}
	if _, err := d.connectivity.MarkOffline(ctx, item.TenantID, srmerror.Classify(cause)+": "+cause.Error(), connectivitydomain.SourceDispatcher); err != nil {
		d.logFor(ctx, item).Warn("connectivity.mark_offline.failed", zap.Error(err))
	}
}

func (d *Dispatcher) noteBreaker(ctx context.Context, item *domain.Item, err error) {
	if err == nil {
		return
	}
	d.metrics.IncStoreError(err)
	d.logFor(ctx, item).Warn("breaker.record.failed", zap.Error(err))
}

func (d *Dispatcher) recordDepth(ctx context.Context) {
	counts, err := d.repo.CountByStatus(ctx, d.db, "")
	if err != nil {
		d.metrics.IncStoreError(err)
		return
	}
	for _, status := range []domain.Status{domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed} {
		d.metrics.SetQueueDepth(string(status), counts[status])
	}
}

func (d *Dispatcher) logFor(ctx context.Context, item *domain.Item) *zap.Logger {
	ctx = obscontext.WithTenantID(ctx, item.TenantID)
	return logger.WithContext(ctx, d.log).With(
		zap.String("item_id", item.ID.String()),
		zap.String("transaction_id", item.TransactionID),
		zap.String("idempotency_key", item.IdempotencyKey),
		zap.String("profile_id", item.ProfileID.String()),
	)
}
