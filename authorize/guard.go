package authorize

import (
	"fmt"

	"github.com/stephnangue/steward/config"
)

// Operation classifies what a business operation is allowed to do.
type Operation int

const (
	// OpReadOwnTenant reads data scoped to the caller's own tenant
	OpReadOwnTenant Operation = iota
	// OpReadAnyTenant reads any managed customer's data when the caller
	// is the reseller
	OpReadAnyTenant
	// OpWriteReseller mutates customer state; reserved to the reseller
	OpWriteReseller
	// OpDestructiveSandbox is irreversible and permitted only with the
	// integration sandbox flag set
	OpDestructiveSandbox
)

func (o Operation) String() string {
	switch o {
	case OpReadOwnTenant:
		return "read-own-tenant"
	case OpReadAnyTenant:
		return "read-any-tenant-as-reseller"
	case OpWriteReseller:
		return "write-reseller-only"
	case OpDestructiveSandbox:
		return "destructive-sandbox-only"
	default:
		return "unknown"
	}
}

// Reason explains a decision
type Reason int

const (
	ReasonAllowed Reason = iota
	ReasonInsufficientPrivilege
	ReasonSandboxRequired
)

func (r Reason) String() string {
	switch r {
	case ReasonAllowed:
		return "allowed"
	case ReasonInsufficientPrivilege:
		return "insufficient privilege"
	case ReasonSandboxRequired:
		return "sandbox mode required"
	default:
		return "unknown"
	}
}

// Decision is the outcome of evaluating one operation for one caller.
// Computed per invocation and never cached: it depends on the live caller
// and live configuration.
type Decision struct {
	Allowed           bool
	EffectiveTenantID string
	Reason            Reason
}

// Guard decides which target tenant an operation may touch. It is a pure
// decision function: no I/O, no shared mutable state, safe to call from
// any goroutine without synchronization.
type Guard struct {
	resellerTenantID string
	sandbox          bool
}

// NewGuard creates a Guard. An absent or malformed reseller tenant id is
// a fatal configuration error, never guessed at.
func NewGuard(resellerTenantID string, sandbox bool) (*Guard, error) {
	if resellerTenantID == "" {
		return nil, fmt.Errorf("guard requires a reseller tenant id")
	}
	if err := config.ValidateTenantID(resellerTenantID); err != nil {
		return nil, err
	}
	return &Guard{
		resellerTenantID: resellerTenantID,
		sandbox:          sandbox,
	}, nil
}

// IsReseller reports whether the principal acts as the reseller
func (g *Guard) IsReseller(p *Principal) bool {
	return p.HomeTenantID == g.resellerTenantID
}

// Evaluate decides whether the caller may run op against the requested
// target tenant (may be empty) and which tenant the operation effectively
// touches.
//
// A caller whose home tenant is the reseller tenant acts as the reseller:
// it may address any requested target, falling back to its own tenant
// when none is given. Any other caller is a managed-customer identity and
// is always forced onto its own home tenant, whatever target it asked
// for. That forcing is the tenant-isolation rule: a customer cannot reach
// another customer's data by guessing an id.
func (g *Guard) Evaluate(p *Principal, targetCustomerID string, op Operation) Decision {
	isReseller := g.IsReseller(p)

	// Destructive operations are gated on the sandbox flag regardless of
	// who is asking.
	if op == OpDestructiveSandbox && !g.sandbox {
		return Decision{
			Allowed: false,
			Reason:  ReasonSandboxRequired,
		}
	}

	if !isReseller {
		switch op {
		case OpWriteReseller, OpDestructiveSandbox:
			return Decision{
				Allowed: false,
				Reason:  ReasonInsufficientPrivilege,
			}
		}
		// Isolation: the requested target is ignored outright.
		return Decision{
			Allowed:           true,
			EffectiveTenantID: p.HomeTenantID,
			Reason:            ReasonAllowed,
		}
	}

	effective := targetCustomerID
	if effective == "" || op == OpReadOwnTenant {
		effective = p.HomeTenantID
	}
	return Decision{
		Allowed:           true,
		EffectiveTenantID: effective,
		Reason:            ReasonAllowed,
	}
}
