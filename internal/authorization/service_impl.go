package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/srmgate/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectTransaction  = "transaction"
	ObjectQueue        = "queue"
	ObjectBreaker      = "breaker"
	ObjectConnectivity = "connectivity"
	ObjectEnrollment   = "enrollment"
	ObjectReceipt      = "receipt"
	ObjectEvidence     = "evidence"
	ObjectChain        = "chain"
	ObjectAuditLog     = "audit_log"
)

const (
	ActionTransactionSubmit = "transaction.submit"

	ActionQueueView    = "queue.view"
	ActionQueueRequeue = "queue.requeue"

	ActionBreakerView  = "breaker.view"
	ActionBreakerReset = "breaker.reset"

	ActionConnectivitySignal = "connectivity.signal"
	ActionConnectivityView   = "connectivity.view"

	ActionEnrollmentView   = "enrollment.view"
	ActionEnrollmentEnroll = "enrollment.enroll"
	ActionEnrollmentAnnul  = "enrollment.annul"

	ActionReceiptView    = "receipt.view"
	ActionEvidenceExport = "evidence.export"
	ActionChainView      = "chain.view"
	ActionChainVerify    = "chain.verify"
	ActionAuditLogView   = "audit_log.view"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor, role, object, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if !KnownRole(role) {
		return ErrInvalidRole
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	roleName := "role:" + role
	if err := s.ensureGrouping(actor, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(actor, object, action)
	if err != nil {
		return err
	}
	log := logger.WithContext(ctx, s.log).With(
		zap.String("actor", actor),
		zap.String("role", role),
		zap.String("object", object),
		zap.String("action", action),
	)
	if !allowed {
		log.Warn("authorization.denied")
		return ErrForbidden
	}
	if shouldAuditGrant(action) {
		log.Info("authorization.granted")
	}
	return nil
}

// ensureGrouping binds actor to exactly one role, replacing a role the key
// held under an earlier configuration.
func (s *ServiceImpl) ensureGrouping(subject, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionQueueRequeue, ActionBreakerReset, ActionEnrollmentEnroll, ActionEnrollmentAnnul, ActionEvidenceExport:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	views := [][]string{
		{ObjectQueue, ActionQueueView},
		{ObjectBreaker, ActionBreakerView},
		{ObjectConnectivity, ActionConnectivityView},
		{ObjectEnrollment, ActionEnrollmentView},
		{ObjectReceipt, ActionReceiptView},
		{ObjectChain, ActionChainView},
		{ObjectAuditLog, ActionAuditLogView},
	}

	policies := [][]string{
		// Point-of-sale devices hand over finished orders and report connectivity.
		{"role:pos", ObjectTransaction, ActionTransactionSubmit},
		{"role:pos", ObjectConnectivity, ActionConnectivitySignal},
		{"role:pos", ObjectReceipt, ActionReceiptView},

		// Operator actions
		{"role:operator", ObjectTransaction, ActionTransactionSubmit},
		{"role:operator", ObjectConnectivity, ActionConnectivitySignal},
		{"role:operator", ObjectQueue, ActionQueueRequeue},
		{"role:operator", ObjectBreaker, ActionBreakerReset},
		{"role:operator", ObjectEnrollment, ActionEnrollmentEnroll},
		{"role:operator", ObjectEnrollment, ActionEnrollmentAnnul},
		{"role:operator", ObjectEvidence, ActionEvidenceExport},
		{"role:operator", ObjectChain, ActionChainVerify},
	}
	for _, view := range views {
		policies = append(policies,
			[]string{"role:viewer", view[0], view[1]},
			[]string{"role:operator", view[0], view[1]},
		)
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
