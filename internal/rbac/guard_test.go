package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

func TestAuthorize_CapabilityMatrix(t *testing.T) {
	guard := NewGuard()

	tests := []struct {
		role       types.Role
		capability types.Capability
		allowed    bool
	}{
		{types.RoleAdmin, types.CapRoleAssign, true},
		{types.RoleAdmin, types.CapPOSCheckout, true},
		{types.RoleAdmin, types.CapRewardRedeem, true},
		{types.RoleOperator, types.CapPOSCheckout, true},
		{types.RoleOperator, types.CapCheckinRecord, true},
		{types.RoleOperator, types.CapRoleAssign, false},
		{types.RoleOperator, types.CapRewardRedeem, false},
		{types.RoleOperator, types.CapSubscriptionManage, false},
		{types.RoleMember, types.CapWalletLink, true},
		{types.RoleMember, types.CapRewardRedeem, true},
		{types.RoleMember, types.CapSubscriptionManage, true},
		{types.RoleMember, types.CapPOSCheckout, false},
		{types.RoleMember, types.CapRoleRead, false},
		{types.RoleMember, types.CapRoleAssign, false},
	}

	for _, tt := range tests {
		err := guard.Authorize(tt.role, tt.capability)
		if tt.allowed {
			assert.NoError(t, err, "%s should hold %s", tt.role, tt.capability)
		} else {
			assert.Error(t, err, "%s should not hold %s", tt.role, tt.capability)
		}
	}
}

func TestAuthorize_UnknownRoleDenied(t *testing.T) {
	guard := NewGuard()

	err := guard.Authorize(types.Role("SUPERUSER"), types.CapRoleRead)
	require.Error(t, err)
}

func TestAuthorizeRoleAssign_SelfAlwaysDenied(t *testing.T) {
	guard := NewGuard()

	// Even an admin cannot change their own role.
	err := guard.AuthorizeRoleAssign("admin-1", types.RoleAdmin, "admin-1", types.RoleMember)
	require.Error(t, err)

	err = guard.AuthorizeRoleAssign("member-1", types.RoleMember, "member-1", types.RoleAdmin)
	require.Error(t, err)
}

func TestAuthorizeRoleAssign_AdminOnly(t *testing.T) {
	guard := NewGuard()

	require.NoError(t, guard.AuthorizeRoleAssign("admin-1", types.RoleAdmin, "user-2", types.RoleOperator))

	require.Error(t, guard.AuthorizeRoleAssign("op-1", types.RoleOperator, "user-2", types.RoleOperator))
	require.Error(t, guard.AuthorizeRoleAssign("member-1", types.RoleMember, "user-2", types.RoleMember))
}

func TestAuthorizeRoleAssign_InvalidRoleRejected(t *testing.T) {
	guard := NewGuard()

	err := guard.AuthorizeRoleAssign("admin-1", types.RoleAdmin, "user-2", types.Role("WIZARD"))
	require.Error(t, err)
}

func TestAuthorizeRoleRead_SelfAlwaysAllowed(t *testing.T) {
	guard := NewGuard()

	for _, role := range []types.Role{types.RoleAdmin, types.RoleOperator, types.RoleMember} {
		assert.NoError(t, guard.AuthorizeRoleRead("u-1", role, "u-1", role))
	}
}

func TestAuthorizeRoleRead_OperatorScopedToMembers(t *testing.T) {
	guard := NewGuard()

	require.NoError(t, guard.AuthorizeRoleRead("op-1", types.RoleOperator, "m-1", types.RoleMember))

	require.Error(t, guard.AuthorizeRoleRead("op-1", types.RoleOperator, "a-1", types.RoleAdmin))
	require.Error(t, guard.AuthorizeRoleRead("op-1", types.RoleOperator, "op-2", types.RoleOperator))
}

func TestAuthorizeRoleRead_AdminReadsAll(t *testing.T) {
	guard := NewGuard()

	for _, target := range []types.Role{types.RoleAdmin, types.RoleOperator, types.RoleMember} {
		assert.NoError(t, guard.AuthorizeRoleRead("a-1", types.RoleAdmin, "t-1", target))
	}
}

func TestAuthorizeRoleRead_MemberCannotReadOthers(t *testing.T) {
	guard := NewGuard()

	require.Error(t, guard.AuthorizeRoleRead("m-1", types.RoleMember, "m-2", types.RoleMember))
}
