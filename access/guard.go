package access

import (
	"errors"
	"fmt"

	"milestoneescrow/deal"
	"milestoneescrow/ledger"
)

// ErrUnauthorized is returned when the caller does not hold the role an
// operation requires on the deal.
var ErrUnauthorized = errors.New("access: unauthorized")

// Role names a principal bound to a deal at creation.
type Role string

const (
	RolePayer   Role = "payer"
	RolePayee   Role = "payee"
	RoleArbiter Role = "arbiter"
)

// RolesOf lists every role caller holds on d. Roles are fixed for the deal's lifetime.
func RolesOf(caller ledger.Account, d deal.Deal) []Role {
	var roles []Role
	if caller.IsZero() {
		return roles
	}
	if caller == d.Payer {
		roles = append(roles, RolePayer)
	}
	if caller == d.Payee {
		roles = append(roles, RolePayee)
	}
	if caller == d.Arbiter {
		roles = append(roles, RoleArbiter)
	}
	return roles
}

// Require fails unless caller is the principal bound to role on d.
func Require(caller ledger.Account, d deal.Deal, role Role) error {
	var bound ledger.Account
	switch role {
	case RolePayer:
		bound = d.Payer
	case RolePayee:
		bound = d.Payee
	case RoleArbiter:
		bound = d.Arbiter
	default:
		return fmt.Errorf("%w: unknown role %q", ErrUnauthorized, role)
	}
	if caller.IsZero() || caller != bound {
		return fmt.Errorf("%w: %s is not the %s of deal %d", ErrUnauthorized, caller, role, d.ID)
	}
	return nil
}

func RequirePayer(caller ledger.Account, d deal.Deal) error   { return Require(caller, d, RolePayer) }
func RequirePayee(caller ledger.Account, d deal.Deal) error   { return Require(caller, d, RolePayee) }
func RequireArbiter(caller ledger.Account, d deal.Deal) error { return Require(caller, d, RoleArbiter) }

// RequireParty passes for the payer or the payee.
func RequireParty(caller ledger.Account, d deal.Deal) error {
	if RequirePayer(caller, d) == nil || RequirePayee(caller, d) == nil {
		return nil
	}
	return fmt.Errorf("%w: %s is not a party to deal %d", ErrUnauthorized, caller, d.ID)
}
