package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	PassTriggerTick      = "tick"
	PassTriggerReconnect = "reconnect"
	PassTriggerManual    = "manual"
)

const (
	DeliveryCompleted = "completed"
	DeliveryRetry     = "retry"
	DeliveryFailed    = "failed"
	DeliveryDeferred  = "deferred"
	DeliveryReverted  = "reverted"
)

const (
	LockDispatch = "dispatch"
	LockChain    = "chain"
)

const (
	StoreReasonDeadlineExceeded     = "deadline_exceeded"
	StoreReasonDBLockTimeout        = "db_lock_timeout"
	StoreReasonSerializationFailure = "serialization_failure"
	StoreReasonUniqueViolation      = "unique_violation"
	StoreReasonUnknown              = "unknown"
)

// DispatchMetrics captures outbox dispatcher health signals.
type DispatchMetrics struct {
	passRuns           *prometheus.CounterVec
	passDuration       *prometheus.HistogramVec
	deliveries         *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
	lockWait           *prometheus.HistogramVec
	storeErrors        *prometheus.CounterVec
	runLoopLag         prometheus.Observer
}

var (
	dispatchMetricsOnce sync.Once
	dispatchMetrics     *DispatchMetrics
)

// Dispatch returns the singleton dispatcher metrics registry.
func Dispatch() *DispatchMetrics {
	return DispatchWithConfig(Config{})
}

// DispatchWithConfig returns the singleton dispatcher metrics registry using config labels.
func DispatchWithConfig(cfg Config) *DispatchMetrics {
	dispatchMetricsOnce.Do(func() {
		dispatchMetrics = newDispatchMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return dispatchMetrics
}

// ResetDispatchMetricsForTest resets the dispatcher metrics singleton for tests.
func ResetDispatchMetricsForTest() {
	dispatchMetricsOnce = sync.Once{}
	dispatchMetrics = nil
}

func newDispatchMetrics(registerer prometheus.Registerer, cfg Config) *DispatchMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "srmgate"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	passRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "srmgate_dispatch_pass_runs_total",
		Help:        "Dispatcher passes by trigger.",
		ConstLabels: constLabels,
	}, []string{"trigger"})
	passDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "srmgate_dispatch_pass_duration_seconds",
		Help:        "Dispatcher pass latency across all devices.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		ConstLabels: constLabels,
	}, []string{"trigger"})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "srmgate_dispatch_deliveries_total",
		Help:        "Queue item delivery outcomes.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	breakerTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "srmgate_circuit_breaker_transitions_total",
		Help:        "Circuit breaker state transitions per endpoint kind.",
		ConstLabels: constLabels,
	}, []string{"endpoint", "from", "to"})
	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "srmgate_queue_items",
		Help:        "Queue items by status as of the last dispatcher pass.",
		ConstLabels: constLabels,
	}, []string{"status"})
	lockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "srmgate_device_lock_wait_seconds",
		Help:        "Time spent waiting for per-device locks.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"lock"})
	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "srmgate_store_errors_total",
		Help:        "Store errors seen by the dispatcher by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "srmgate_dispatch_runloop_lag_seconds",
		Help:        "Dispatcher run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		passRuns,
		passDuration,
		deliveries,
		breakerTransitions,
		queueDepth,
		lockWait,
		storeErrors,
		runLoopLag,
	)

	return &DispatchMetrics{
		passRuns:           passRuns,
		passDuration:       passDuration,
		deliveries:         deliveries,
		breakerTransitions: breakerTransitions,
		queueDepth:         queueDepth,
		lockWait:           lockWait,
		storeErrors:        storeErrors,
		runLoopLag:         runLoopLag,
	}
}

func (m *DispatchMetrics) IncPassRun(trigger string) {
	if m == nil {
		return
	}
	m.passRuns.WithLabelValues(trigger).Inc()
}

func (m *DispatchMetrics) ObservePassDuration(trigger string, d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

func (m *DispatchMetrics) IncDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *DispatchMetrics) IncBreakerTransition(endpoint, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(endpoint, from, to).Inc()
}

func (m *DispatchMetrics) SetQueueDepth(status string, n int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(status).Set(float64(n))
}

func (m *DispatchMetrics) ObserveLockWait(lock string, d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(lock).Observe(d.Seconds())
}

func (m *DispatchMetrics) IncStoreError(err error) {
	if m == nil || err == nil {
		return
	}
	m.storeErrors.WithLabelValues(ClassifyStoreError(err)).Inc()
}

func (m *DispatchMetrics) ObserveRunLoopLag(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.runLoopLag.Observe(d.Seconds())
}

// ClassifyStoreError maps database failures to a stable reason label.
func ClassifyStoreError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StoreReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return StoreReasonUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return StoreReasonDBLockTimeout
		case "40001":
			return StoreReasonSerializationFailure
		case "23505":
			return StoreReasonUniqueViolation
		}
	}
	return StoreReasonUnknown
}
