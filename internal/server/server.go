package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/srmgate/internal/audit/domain"
	"github.com/smallbiznis/srmgate/internal/authorization"
	"github.com/smallbiznis/srmgate/internal/config"
	connectivitydomain "github.com/smallbiznis/srmgate/internal/connectivity/domain"
	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	enrollmentdomain "github.com/smallbiznis/srmgate/internal/enrollment/domain"
	"github.com/smallbiznis/srmgate/internal/evidence"
	"github.com/smallbiznis/srmgate/internal/observability"
	obslogger "github.com/smallbiznis/srmgate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/srmgate/internal/observability/metrics"
	obstracing "github.com/smallbiznis/srmgate/internal/observability/tracing"
	"github.com/smallbiznis/srmgate/internal/queue/dispatcher"
	queuedomain "github.com/smallbiznis/srmgate/internal/queue/domain"
	"github.com/smallbiznis/srmgate/internal/ratelimit"
	receiptdomain "github.com/smallbiznis/srmgate/internal/receipt/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	authorization.Module,
	ratelimit.Module,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.RequestLogger(obslogger.RequestLogConfig{
		Debug:    obsCfg.Debug(),
		Classify: classifyErrorForLog,
	}))
	r.Use(obstracing.ServerSpans())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http.server.failed", zap.Error(err))
				}
			}()
			log.Info("http.server.started", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	apiKeys         map[string]string
	authzSvc        authorization.Service
	auditSvc        auditdomain.Service
	queueSvc        queuedomain.Service
	receiptSvc      receiptdomain.Service
	deviceSvc       devicedomain.Service
	enrollmentSvc   enrollmentdomain.Service
	connectivitySvc connectivitydomain.Service
	exporter        *evidence.Exporter
	dispatcher      *dispatcher.Dispatcher
	limiter         *ratelimit.SubmissionLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	AuthzSvc        authorization.Service
	AuditSvc        auditdomain.Service
	QueueSvc        queuedomain.Service
	ReceiptSvc      receiptdomain.Service
	DeviceSvc       devicedomain.Service
	EnrollmentSvc   enrollmentdomain.Service
	ConnectivitySvc connectivitydomain.Service
	Exporter        *evidence.Exporter
	Dispatcher      *dispatcher.Dispatcher       `optional:"true"`
	Limiter         *ratelimit.SubmissionLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		apiKeys:         p.Cfg.Operator.APIKeys,
		authzSvc:        p.AuthzSvc,
		auditSvc:        p.AuditSvc,
		queueSvc:        p.QueueSvc,
		receiptSvc:      p.ReceiptSvc,
		deviceSvc:       p.DeviceSvc,
		enrollmentSvc:   p.EnrollmentSvc,
		connectivitySvc: p.ConnectivitySvc,
		exporter:        p.Exporter,
		dispatcher:      p.Dispatcher,
		limiter:         p.Limiter,
	}
	if len(s.apiKeys) == 0 {
		s.log.Warn("operator API has no keys configured; every /v1 request will be rejected")
	}

	s.registerAPIRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.APIKeyRequired())

	// -------- Transactions --------
	api.POST("/transactions", s.authorize(authorization.ObjectTransaction, authorization.ActionTransactionSubmit), s.SubmitTransaction)

	// -------- Queue --------
	api.GET("/queue", s.authorize(authorization.ObjectQueue, authorization.ActionQueueView), s.ListQueue)
	api.GET("/queue/stats", s.authorize(authorization.ObjectQueue, authorization.ActionQueueView), s.QueueStats)
	api.GET("/queue/:id", s.authorize(authorization.ObjectQueue, authorization.ActionQueueView), s.GetQueueItem)
	api.POST("/queue/:id/requeue", s.authorize(authorization.ObjectQueue, authorization.ActionQueueRequeue), s.RequeueItem)

	// -------- Circuit breakers --------
	api.GET("/breakers", s.authorize(authorization.ObjectBreaker, authorization.ActionBreakerView), s.ListBreakers)
	api.POST("/breakers/reset", s.authorize(authorization.ObjectBreaker, authorization.ActionBreakerReset), s.ResetBreaker)

	// -------- Connectivity --------
	api.POST("/connectivity", s.authorize(authorization.ObjectConnectivity, authorization.ActionConnectivitySignal), s.SignalConnectivity)
	api.GET("/offline-sessions", s.authorize(authorization.ObjectConnectivity, authorization.ActionConnectivityView), s.ListOfflineSessions)

	// -------- Enrollment --------
	api.GET("/enrollment", s.authorize(authorization.ObjectEnrollment, authorization.ActionEnrollmentView), s.EnrollmentStatus)
	api.GET("/enrollment/history", s.authorize(authorization.ObjectEnrollment, authorization.ActionEnrollmentView), s.EnrollmentHistory)
	api.POST("/enrollment", s.authorize(authorization.ObjectEnrollment, authorization.ActionEnrollmentEnroll), s.Enroll)
	api.POST("/enrollment/annul", s.authorize(authorization.ObjectEnrollment, authorization.ActionEnrollmentAnnul), s.Annul)

	// -------- Receipts and evidence --------
	api.GET("/receipts/:transaction_id", s.authorize(authorization.ObjectReceipt, authorization.ActionReceiptView), s.GetReceipt)
	api.GET("/receipts/:transaction_id/evidence", s.authorize(authorization.ObjectEvidence, authorization.ActionEvidenceExport), s.ExportEvidence)

	// -------- Chain --------
	api.GET("/chain", s.authorize(authorization.ObjectChain, authorization.ActionChainView), s.GetChain)
	api.POST("/chain/verify", s.authorize(authorization.ObjectChain, authorization.ActionChainVerify), s.VerifyChain)

	// -------- Audit log --------
	api.GET("/audit-logs", s.authorize(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}
