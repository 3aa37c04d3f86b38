package dispatcher

import (
	"context"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"github.com/smallbiznis/srmgate/internal/clock"
	"github.com/smallbiznis/srmgate/internal/config"
	connectivitydomain "github.com/smallbiznis/srmgate/internal/connectivity/domain"
	connectivityrepository "github.com/smallbiznis/srmgate/internal/connectivity/repository"
	connectivityservice "github.com/smallbiznis/srmgate/internal/connectivity/service"
	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	devicerepository "github.com/smallbiznis/srmgate/internal/device/repository"
	deviceservice "github.com/smallbiznis/srmgate/internal/device/service"
	"github.com/smallbiznis/srmgate/internal/lock"
	"github.com/smallbiznis/srmgate/internal/observability/metrics"
	"github.com/smallbiznis/srmgate/internal/queue/breaker"
	"github.com/smallbiznis/srmgate/internal/queue/domain"
	"github.com/smallbiznis/srmgate/internal/queue/mock"
	"github.com/smallbiznis/srmgate/internal/queue/repository"
	queueservice "github.com/smallbiznis/srmgate/internal/queue/service"
	receiptdomain "github.com/smallbiznis/srmgate/internal/receipt/domain"
	receiptrepository "github.com/smallbiznis/srmgate/internal/receipt/repository"
	receiptservice "github.com/smallbiznis/srmgate/internal/receipt/service"
	"github.com/smallbiznis/srmgate/internal/regulator"
	"github.com/smallbiznis/srmgate/internal/srmerror"
	"github.com/smallbiznis/srmgate/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	dispatcher   *Dispatcher
	queue        domain.Service
	receipts     receiptdomain.Service
	connectivity connectivitydomain.Service
	breaker      *breaker.Breaker
	sender       *mock.MockSender
	device       testkit.Device
	db           *gorm.DB
	clock        *clock.FakeClock
	endpoint     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testkit.OpenDB(t,
		&devicedomain.Profile{},
		&receiptdomain.SignedReceipt{},
		&receiptdomain.DeviceChain{},
		&domain.Item{},
		&domain.BreakerState{},
		&connectivitydomain.OfflineSession{},
	)
	v := testkit.Vault(t)
	node := testkit.Node(t)
	envs := testkit.Environments(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC))
	locks := lock.NewLocalDeviceLocks()
	device := testkit.EnrolledProfile(t, db, v, testkit.NewCA(t), node, "tenant-1", config.EnvironmentEssai, "ABCD-1234-5678")

	devices := deviceservice.NewService(deviceservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Environments: envs, Repo: devicerepository.Provide(),
	})
	receiptRepo := receiptrepository.Provide()
	receipts := receiptservice.NewService(receiptservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Environments: envs, Vault: v,
		Locks: locks, Repo: receiptRepo,
	})
	connectivity := connectivityservice.NewService(connectivityservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: connectivityrepository.Provide(), Receipts: receiptRepo,
	})
	brk := breaker.New(db, repository.ProvideBreakers(), clk, zap.NewNop(), breaker.Settings{
		Threshold: 2, Cooldown: 10 * time.Minute, MaxCooldown: time.Hour,
	})
	queueRepo := repository.Provide()
	queue := queueservice.NewService(queueservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk,
		Config:       config.Config{SRM: config.SRMConfig{DefaultEnvironment: config.EnvironmentEssai}},
		Environments: envs, Vault: v, Devices: devices, Receipts: receipts, Repo: queueRepo, Breaker: brk,
	})

	sender := mock.NewMockSender(gomock.NewController(t))
	d, err := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		Config: Config{
			Interval:    time.Minute,
			CallTimeout: time.Second,
			MaxAttempts: 3,
			BackoffBase: time.Minute,
			BackoffMax:  5 * time.Minute,
			StuckAfter:  5 * time.Minute,
			MaxParallel: 2,
			BatchSize:   10,
		},
		Environments: envs,
		Repo:         queueRepo,
		Breaker:      brk,
		Locks:        locks,
		Sender:       sender,
		Receipts:     receipts,
		Connectivity: connectivity,
	})
	require.NoError(t, err)

	env, err := envs.Get(config.EnvironmentEssai)
	require.NoError(t, err)
	return &harness{
		dispatcher: d, queue: queue, receipts: receipts, connectivity: connectivity, breaker: brk,
		sender: sender, device: device, db: db, clock: clk, endpoint: env.TransactionURL,
	}
}

func (h *harness) enqueue(t *testing.T, ids ...string) []*domain.Item {
	t.Helper()
	items := make([]*domain.Item, 0, len(ids))
	for _, id := range ids {
		item, err := h.queue.Enqueue(context.Background(), receiptdomain.TransactionRecord{
			ID:       id,
			TenantID: "tenant-1",
			Currency: "CAD",
			Subtotal: 1000,
			Total:    1000,
			Items: []receiptdomain.LineItem{
				{SKU: "SKU-" + id, Description: "item", Quantity: 1000, UnitPrice: 1000, Amount: 1000},
			},
			CompletedAt: h.clock.Now(),
			Type:        receiptdomain.TransactionSale,
		}, "")
		require.NoError(t, err)
		items = append(items, item)
	}
	return items
}

func (h *harness) item(t *testing.T, id any) *domain.Item {
	t.Helper()
	var item domain.Item
	require.NoError(t, h.db.First(&item, "id = ?", id).Error)
	return &item
}

func accepted(id string) regulator.TransactionResult {
	return regulator.TransactionResult{RegulatorTransactionID: id, ReturnCode: "00"}
}

func transactionID(id string) gomock.Matcher {
	return gomock.Cond(func(x any) bool {
		call, ok := x.(regulator.TransactionCall)
		return ok && call.TransactionID == id
	})
}

func TestRunOnce_DeliversInChainOrder(t *testing.T) {
	h := newHarness(t)
	items := h.enqueue(t, "T1", "T2")

	gomock.InOrder(
		h.sender.EXPECT().SubmitTransaction(gomock.Any(), transactionID("T1")).
			DoAndReturn(func(_ context.Context, call regulator.TransactionCall) (regulator.TransactionResult, error) {
				assert.Equal(t, "ABCD-1234-5678", call.DeviceID)
				assert.Equal(t, h.device.Profile.CertificateFingerprint, call.CertificateFingerprint)
				assert.Equal(t, items[0].IdempotencyKey, call.IdempotencyKey)
				assert.Equal(t, 1, call.Attempt)
				assert.NotEmpty(t, call.Signature)
				return accepted("R1"), nil
			}),
		h.sender.EXPECT().SubmitTransaction(gomock.Any(), transactionID("T2")).Return(accepted("R2"), nil),
	)

	require.NoError(t, h.dispatcher.RunOnce(context.Background(), metrics.PassTriggerTick))

	first := h.item(t, items[0].ID)
	assert.Equal(t, domain.StatusCompleted, first.Status)
	assert.Equal(t, "R1", first.RegulatorTransactionID)
	assert.NotNil(t, first.CompletedAt)
	assert.Equal(t, domain.StatusCompleted, h.item(t, items[1].ID).Status)

	status, err := h.receipts.ChainStatus(context.Background(), h.device.Profile)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.CommittedSequence)
	assert.Zero(t, status.Uncommitted)
}

func TestRunOnce_TransientFailureSchedulesRetryAndGoesOffline(t *testing.T) {
	h := newHarness(t)
	items := h.enqueue(t, "T1", "T2")
	ctx := context.Background()

	h.sender.EXPECT().SubmitTransaction(gomock.Any(), transactionID("T1")).
		Return(regulator.TransactionResult{}, srmerror.Transient(h.endpoint, 503, nil))

	require.NoError(t, h.dispatcher.RunOnce(ctx, metrics.PassTriggerTick))

	first := h.item(t, items[0].ID)
	assert.Equal(t, domain.StatusPending, first.Status)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, srmerror.ClassTransient, first.LastErrorClass)
	assert.True(t, first.NextAttemptAt.Equal(h.clock.Now().Add(time.Minute)))
	assert.Equal(t, domain.StatusPending, h.item(t, items[1].ID).Status)
	assert.Zero(t, h.item(t, items[1].ID).Attempts)

	offline, err := h.connectivity.IsOffline(ctx, "tenant-1")
	require.NoError(t, err)
	assert.True(t, offline)

	// Nothing is due yet, and T2 must not overtake T1.
	require.NoError(t, h.dispatcher.RunOnce(ctx, metrics.PassTriggerTick))

	gomock.InOrder(
		h.sender.EXPECT().SubmitTransaction(gomock.Any(), transactionID("T1")).Return(accepted("R1"), nil),
		h.sender.EXPECT().SubmitTransaction(gomock.Any(), transactionID("T2")).Return(accepted("R2"), nil),
	)
	require.NoError(t, h.dispatcher.RunOnce(ctx, metrics.PassTriggerReconnect))

	assert.Equal(t, domain.StatusCompleted, h.item(t, items[0].ID).Status)
	assert.Equal(t, 2, h.item(t, items[0].ID).Attempts)
	assert.Equal(t, domain.StatusCompleted, h.item(t, items[1].ID).Status)

	offline, err = h.connectivity.IsOffline(ctx, "tenant-1")
	require.NoError(t, err)
	assert.False(t, offline)
}

func TestRunOnce_ProtocolRejectionFailsItemAndContinues(t *testing.T) {
	h := newHarness(t)
	items := h.enqueue(t, "T1", "T2")

	gomock.InOrder(
		h.sender.EXPECT().SubmitTransaction(gomock.Any(), transactionID("T1")).
			Return(regulator.TransactionResult{}, &srmerror.ProtocolError{
				Endpoint:   h.endpoint,
				StatusCode: 400,
				Errors:     []srmerror.RegulatorError{{Code: "E104", Message: "bad total"}},
			}),
		h.sender.EXPECT().SubmitTransaction(gomock.Any(), transactionID("T2")).Return(accepted("R2"), nil),
	)

	require.NoError(t, h.dispatcher.RunOnce(context.Background(), metrics.PassTriggerTick))

	first := h.item(t, items[0].ID)
	assert.Equal(t, domain.StatusFailed, first.Status)
	assert.Equal(t, srmerror.ClassProtocol, first.LastErrorClass)
	assert.Contains(t, first.LastError, "E104")
	assert.Equal(t, domain.StatusCompleted, h.item(t, items[1].ID).Status)

	state, err := h.breaker.State(context.Background(), h.endpoint)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerClosed, state.State)
}

func TestRunOnce_FailsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	items := h.enqueue(t, "T1")
	ctx := context.Background()

	h.sender.EXPECT().SubmitTransaction(gomock.Any(), transactionID("T1")).
		Return(regulator.TransactionResult{}, srmerror.Transient(h.endpoint, 0, context.DeadlineExceeded)).
		Times(3)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.breaker.Reset(ctx, h.endpoint))
		require.NoError(t, h.dispatcher.RunOnce(ctx, metrics.PassTriggerReconnect))
	}

	item := h.item(t, items[0].ID)
	assert.Equal(t, domain.StatusFailed, item.Status)
	assert.Equal(t, 3, item.Attempts)
	assert.Equal(t, srmerror.ClassTransient, item.LastErrorClass)

	failed, err := h.queue.FailedItems(ctx, "tenant-1", 10)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestRunOnce_OpenBreakerDefersDelivery(t *testing.T) {
	h := newHarness(t)
	items := h.enqueue(t, "T1")
	ctx := context.Background()

	h.sender.EXPECT().SubmitTransaction(gomock.Any(), gomock.Any()).
		Return(regulator.TransactionResult{}, srmerror.Transient(h.endpoint, 502, nil)).
		Times(2)

	require.NoError(t, h.dispatcher.RunOnce(ctx, metrics.PassTriggerReconnect))
	require.NoError(t, h.dispatcher.RunOnce(ctx, metrics.PassTriggerReconnect))

	state, err := h.breaker.State(ctx, h.endpoint)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerOpen, state.State)

	// Past the item backoff but inside the breaker cool-down.
	h.clock.Advance(3 * time.Minute)
	require.NoError(t, h.dispatcher.RunOnce(ctx, metrics.PassTriggerTick))
	item := h.item(t, items[0].ID)
	assert.Equal(t, domain.StatusPending, item.Status)
	assert.Equal(t, 2, item.Attempts)

	h.clock.Advance(10 * time.Minute)
	h.sender.EXPECT().SubmitTransaction(gomock.Any(), gomock.Any()).Return(accepted("R1"), nil)
	require.NoError(t, h.dispatcher.RunOnce(ctx, metrics.PassTriggerTick))

	assert.Equal(t, domain.StatusCompleted, h.item(t, items[0].ID).Status)
	state, err = h.breaker.State(ctx, h.endpoint)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerClosed, state.State)
}

func TestRunOnce_ReconnectTriesOpenBreakerOnce(t *testing.T) {
	h := newHarness(t)
	items := h.enqueue(t, "T1", "T2")
	ctx := context.Background()

	require.NoError(t, h.breaker.RecordFailure(ctx, h.endpoint))
	require.NoError(t, h.breaker.RecordFailure(ctx, h.endpoint))

	// Inside the cool-down a tick sends nothing.
	require.NoError(t, h.dispatcher.RunOnce(ctx, metrics.PassTriggerTick))
	assert.Zero(t, h.item(t, items[0].ID).Attempts)

	h.sender.EXPECT().SubmitTransaction(gomock.Any(), transactionID("T1")).
		Return(regulator.TransactionResult{}, srmerror.Transient(h.endpoint, 503, nil)).
		Times(1)
	require.NoError(t, h.dispatcher.RunOnce(ctx, metrics.PassTriggerReconnect))

	assert.Equal(t, 1, h.item(t, items[0].ID).Attempts)
	assert.Zero(t, h.item(t, items[1].ID).Attempts)
	state, err := h.breaker.State(ctx, h.endpoint)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerOpen, state.State)
	assert.Equal(t, 2, state.OpenCount)
}

func TestRunOnce_ReconnectWaitsForTrialInFlight(t *testing.T) {
	h := newHarness(t)
	items := h.enqueue(t, "T1")
	ctx := context.Background()

	require.NoError(t, h.breaker.RecordFailure(ctx, h.endpoint))
	require.NoError(t, h.breaker.RecordFailure(ctx, h.endpoint))
	ok, err := h.breaker.AllowNow(ctx, h.endpoint)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.dispatcher.RunOnce(ctx, metrics.PassTriggerReconnect))
	assert.Zero(t, h.item(t, items[0].ID).Attempts)
}

func TestRunOnce_ReleasesTrialLeftByDeadWorker(t *testing.T) {
	h := newHarness(t)
	items := h.enqueue(t, "T1")
	ctx := context.Background()

	require.NoError(t, h.breaker.RecordFailure(ctx, h.endpoint))
	require.NoError(t, h.breaker.RecordFailure(ctx, h.endpoint))
	h.clock.Advance(10 * time.Minute)
	ok, err := h.breaker.Allow(ctx, h.endpoint)
	require.NoError(t, err)
	require.True(t, ok)

	// The holder never reports back.
	h.clock.Advance(time.Minute)
	require.NoError(t, h.dispatcher.RunOnce(ctx, metrics.PassTriggerTick))
	assert.Equal(t, domain.StatusPending, h.item(t, items[0].ID).Status)

	h.clock.Advance(5 * time.Minute)
	h.sender.EXPECT().SubmitTransaction(gomock.Any(), transactionID("T1")).Return(accepted("R1"), nil)
	require.NoError(t, h.dispatcher.RunOnce(ctx, metrics.PassTriggerTick))

	assert.Equal(t, domain.StatusCompleted, h.item(t, items[0].ID).Status)
	state, err := h.breaker.State(ctx, h.endpoint)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerClosed, state.State)
	assert.False(t, state.ProbeInFlight)
}

func TestRunOnce_CanceledCallRevertsWithoutCountingAttempt(t *testing.T) {
	h := newHarness(t)
	items := h.enqueue(t, "T1")
	ctx, cancel := context.WithCancel(context.Background())

	h.sender.EXPECT().SubmitTransaction(gomock.Any(), gomock.Any()).
		DoAndReturn(func(callCtx context.Context, _ regulator.TransactionCall) (regulator.TransactionResult, error) {
			cancel()
			<-callCtx.Done()
			return regulator.TransactionResult{}, callCtx.Err()
		})

	_ = h.dispatcher.RunOnce(ctx, metrics.PassTriggerTick)

	item := h.item(t, items[0].ID)
	assert.Equal(t, domain.StatusPending, item.Status)
	assert.Zero(t, item.Attempts)
	assert.Nil(t, item.ProcessingStartedAt)
}

func TestRunOnce_RecoversStuckItems(t *testing.T) {
	h := newHarness(t)
	items := h.enqueue(t, "T1")
	ctx := context.Background()

	started := h.clock.Now()
	stuck := h.item(t, items[0].ID)
	stuck.Status = domain.StatusProcessing
	stuck.ProcessingStartedAt = &started
	require.NoError(t, h.db.Save(stuck).Error)

	// Still inside StuckAfter: the in-flight head blocks the profile.
	h.clock.Advance(time.Minute)
	require.NoError(t, h.dispatcher.RunOnce(ctx, metrics.PassTriggerTick))
	assert.Equal(t, domain.StatusProcessing, h.item(t, items[0].ID).Status)

	h.clock.Advance(5 * time.Minute)
	h.sender.EXPECT().SubmitTransaction(gomock.Any(), transactionID("T1")).Return(accepted("R1"), nil)
	require.NoError(t, h.dispatcher.RunOnce(ctx, metrics.PassTriggerTick))
	assert.Equal(t, domain.StatusCompleted, h.item(t, items[0].ID).Status)
}

func TestDrain_SkipsProfileHeldByAnotherWorker(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "T1")

	unlock, err := h.dispatcher.locks.TryAcquire(context.Background(), lock.KindDispatch, h.device.Profile.ID.String())
	require.NoError(t, err)
	defer unlock()

	require.NoError(t, h.dispatcher.RunOnce(context.Background(), metrics.PassTriggerTick))
}

func TestBackoff(t *testing.T) {
	cfg := Config{BackoffBase: time.Minute, BackoffMax: 5 * time.Minute}
	assert.Equal(t, time.Minute, cfg.Backoff(1))
	assert.Equal(t, 2*time.Minute, cfg.Backoff(2))
	assert.Equal(t, 4*time.Minute, cfg.Backoff(3))
	assert.Equal(t, 5*time.Minute, cfg.Backoff(4))
	assert.Equal(t, 5*time.Minute, cfg.Backoff(40))
}

func TestConfig_WithDefaultsFloorsInterval(t *testing.T) {
	cfg := Config{Interval: time.Second, MinInterval: 5 * time.Second}.withDefaults()
	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.Equal(t, DefaultConfig().MaxAttempts, cfg.MaxAttempts)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
