package rbac

import (
	"fmt"

	serrors "github.com/lyfted-engineering/ZephyrPay/internal/errors"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// capabilities enumerates what each role may do. Anything not listed
// is denied; there is no wildcard grant, ADMIN included.
var capabilities = map[types.Role]map[types.Capability]bool{
	types.RoleAdmin: {
		types.CapRoleRead:           true,
		types.CapRoleAssign:         true,
		types.CapWalletLink:         true,
		types.CapPOSCheckout:        true,
		types.CapPOSHistory:         true,
		types.CapCheckinRecord:      true,
		types.CapRewardRedeem:       true,
		types.CapSubscriptionManage: true,
	},
	types.RoleOperator: {
		types.CapRoleRead:      true,
		types.CapWalletLink:    true,
		types.CapPOSCheckout:   true,
		types.CapPOSHistory:    true,
		types.CapCheckinRecord: true,
	},
	types.RoleMember: {
		types.CapWalletLink:         true,
		types.CapRewardRedeem:       true,
		types.CapSubscriptionManage: true,
	},
}

// Guard is the single authorization decision point. Handlers ask it
// before acting; it never mutates anything.
type Guard struct{}

// NewGuard creates a guard
func NewGuard() *Guard {
	return &Guard{}
}

// Authorize checks a role against a capability
func (g *Guard) Authorize(role types.Role, capability types.Capability) error {
	if capabilities[role][capability] {
		return nil
	}
	return serrors.NewRoleViolationError(
		fmt.Sprintf("role %s lacks capability %s", role, capability))
}

// AuthorizeRoleRead checks whether the actor may read the target's
// role. Everyone may read their own role. Beyond that the read
// capability applies, with one narrowing: OPERATOR may only read
// MEMBER roles.
func (g *Guard) AuthorizeRoleRead(actorID string, actorRole types.Role, targetID string, targetRole types.Role) error {
	if actorID == targetID {
		return nil
	}
	if err := g.Authorize(actorRole, types.CapRoleRead); err != nil {
		return err
	}
	if actorRole == types.RoleOperator && targetRole != types.RoleMember {
		return serrors.NewRoleViolationError("operators may only read member roles")
	}
	return nil
}

// AuthorizeRoleAssign checks whether the actor may change the target's
// role. Changing one's own role is always denied, whatever the actor's
// role; only ADMIN holds the assign capability.
func (g *Guard) AuthorizeRoleAssign(actorID string, actorRole types.Role, targetID string, newRole types.Role) error {
	if actorID == targetID {
		return serrors.NewRoleViolationError("actors may not change their own role")
	}
	if !types.ValidRole(string(newRole)) {
		return serrors.NewInvalidParameterError("role", fmt.Sprintf("unknown role %q", newRole))
	}
	return g.Authorize(actorRole, types.CapRoleAssign)
}
