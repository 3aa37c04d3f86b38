package authorization

import (
	"context"
	"testing"

	"github.com/smallbiznis/srmgate/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) *ServiceImpl {
	t.Helper()
	db := testkit.OpenDB(t)
	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)
	return NewService(Params{DB: db, Log: zap.NewNop(), Enforcer: enforcer}).(*ServiceImpl)
}

func TestAuthorize_RolePolicies(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		role    string
		object  string
		action  string
		allowed bool
	}{
		{RolePOS, ObjectTransaction, ActionTransactionSubmit, true},
		{RolePOS, ObjectConnectivity, ActionConnectivitySignal, true},
		{RolePOS, ObjectQueue, ActionQueueView, false},
		{RolePOS, ObjectEnrollment, ActionEnrollmentEnroll, false},
		{RoleViewer, ObjectQueue, ActionQueueView, true},
		{RoleViewer, ObjectChain, ActionChainView, true},
		{RoleViewer, ObjectQueue, ActionQueueRequeue, false},
		{RoleViewer, ObjectTransaction, ActionTransactionSubmit, false},
		{RoleOperator, ObjectQueue, ActionQueueRequeue, true},
		{RoleOperator, ObjectBreaker, ActionBreakerReset, true},
		{RoleOperator, ObjectEvidence, ActionEvidenceExport, true},
		{RoleOperator, ObjectAuditLog, ActionAuditLogView, true},
	}
	for _, tc := range cases {
		t.Run(tc.role+"/"+tc.action, func(t *testing.T) {
			err := svc.Authorize(ctx, "api_key:"+tc.role, tc.role, tc.object, tc.action)
			if tc.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrForbidden)
			}
		})
	}
}

func TestAuthorize_RoleChangeReplacesGrouping(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Authorize(ctx, "api_key:abc", RoleOperator, ObjectQueue, ActionQueueRequeue))
	assert.ErrorIs(t, svc.Authorize(ctx, "api_key:abc", RoleViewer, ObjectQueue, ActionQueueRequeue), ErrForbidden)

	roles, err := svc.enforcer.GetRolesForUser("api_key:abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"role:viewer"}, roles)
}

func TestAuthorize_RejectsBadInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Authorize(ctx, " ", RoleOperator, ObjectQueue, ActionQueueView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "api_key:x", "admin", ObjectQueue, ActionQueueView), ErrInvalidRole)
	assert.ErrorIs(t, svc.Authorize(ctx, "api_key:x", RoleOperator, "", ActionQueueView), ErrInvalidObject)
	assert.ErrorIs(t, svc.Authorize(ctx, "api_key:x", RoleOperator, ObjectQueue, " "), ErrInvalidAction)
}

func TestNewEnforcer_SeedIsIdempotent(t *testing.T) {
	db := testkit.OpenDB(t)
	first, err := NewEnforcer(db)
	require.NoError(t, err)
	policies, err := first.GetPolicy()
	require.NoError(t, err)

	second, err := NewEnforcer(db)
	require.NoError(t, err)
	again, err := second.GetPolicy()
	require.NoError(t, err)
	assert.Len(t, again, len(policies))
}
