// Package policy hosts the pluggable policy unit contract, the
// resource-to-unit registry and the sandboxed evaluator.
package policy

import (
	"context"

	"github.com/upb/vc-policy-gateway/models"
	"github.com/upb/vc-policy-gateway/services/claims"
)

// Input is the argument set handed to a policy unit. Request and Claims are
// read-only; Resource is the identifier supplied by the host.
type Input struct {
	Request  *models.RequestContext
	Claims   claims.Tree
	Resource string
}

// Decision is a unit's answer. Reason is optional and diagnostic only.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow returns an allowing decision
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny returns a denying decision with a reason
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Unit is a named, versioned bundle of the two decision functions.
//
// Implementations are treated as untrusted: the evaluator runs each call on
// its own goroutine under a deadline and recovers panics. Units should
// honour ctx cancellation so abandoned calls release their resources.
type Unit interface {
	Name() string
	Version() string
	Authenticate(ctx context.Context, in *Input) (Decision, error)
	Authorize(ctx context.Context, in *Input) (Decision, error)
}

// Resolver maps a resource identifier to the unit that governs it
type Resolver interface {
	Resolve(resource string) (Unit, bool)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(resource string) (Unit, bool)

func (f ResolverFunc) Resolve(resource string) (Unit, bool) {
	return f(resource)
}

// FuncUnit builds a Unit from two functions. A nil function denies.
type FuncUnit struct {
	UnitName       string
	UnitVersion    string
	AuthenticateFn func(ctx context.Context, in *Input) (Decision, error)
	AuthorizeFn    func(ctx context.Context, in *Input) (Decision, error)
}

func (u *FuncUnit) Name() string    { return u.UnitName }
func (u *FuncUnit) Version() string { return u.UnitVersion }

func (u *FuncUnit) Authenticate(ctx context.Context, in *Input) (Decision, error) {
	if u.AuthenticateFn == nil {
		return Deny("authenticate not implemented"), nil
	}
	return u.AuthenticateFn(ctx, in)
}

func (u *FuncUnit) Authorize(ctx context.Context, in *Input) (Decision, error) {
	if u.AuthorizeFn == nil {
		return Deny("authorize not implemented"), nil
	}
	return u.AuthorizeFn(ctx, in)
}
