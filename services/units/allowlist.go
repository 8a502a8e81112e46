// Package units provides host-supplied policy unit implementations and the
// YAML bundle loader that binds them to resources.
package units

import (
	"context"
	"fmt"
	"strings"

	"github.com/upb/vc-policy-gateway/services"
	"github.com/upb/vc-policy-gateway/services/claims"
	"github.com/upb/vc-policy-gateway/services/policy"
)

const (
	DefaultSubjectClaim = "credentialSubject.email"
	DefaultIssuerClaim  = "issuer"
)

// AllowListConfig configures an AllowList unit
type AllowListConfig struct {
	Name         string
	Version      string
	SubjectClaim string   // dotted claim path, DefaultSubjectClaim when empty
	Subjects     []string // accepted subject values
	IssuerClaim  string   // dotted claim path, DefaultIssuerClaim when empty
	Issuers      []string // accepted issuers; empty accepts any
	Resources    []string // resources authorize allows; entries ending in "*" are prefixes
}

// AllowList authenticates credentials whose subject claim is on a list and
// authorizes them for a configured resource set.
type AllowList struct {
	cfg       AllowListConfig
	subjects  map[string]bool
	issuers   map[string]bool
	resources []string
}

var _ policy.Unit = (*AllowList)(nil)

// NewAllowList validates cfg and builds the unit
func NewAllowList(cfg AllowListConfig) (*AllowList, error) {
	if cfg.Name == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "invalid policy unit definition",
			fmt.Errorf("allowlist unit needs a name"))
	}
	if len(cfg.Subjects) == 0 {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "invalid policy unit definition",
			fmt.Errorf("allowlist unit %q has no subjects", cfg.Name))
	}
	if cfg.SubjectClaim == "" {
		cfg.SubjectClaim = DefaultSubjectClaim
	}
	if cfg.IssuerClaim == "" {
		cfg.IssuerClaim = DefaultIssuerClaim
	}

	u := &AllowList{
		cfg:       cfg,
		subjects:  toSet(cfg.Subjects),
		issuers:   toSet(cfg.Issuers),
		resources: append([]string(nil), cfg.Resources...),
	}
	return u, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.TrimSpace(v)] = true
	}
	return set
}

func (u *AllowList) Name() string    { return u.cfg.Name }
func (u *AllowList) Version() string { return u.cfg.Version }

// Authenticate checks the issuer and subject claims
func (u *AllowList) Authenticate(_ context.Context, in *policy.Input) (policy.Decision, error) {
	return u.checkIdentity(in.Claims), nil
}

// Authorize repeats the identity checks and restricts the resource
func (u *AllowList) Authorize(_ context.Context, in *policy.Input) (policy.Decision, error) {
	if d := u.checkIdentity(in.Claims); !d.Allowed {
		return d, nil
	}
	if !u.resourceAllowed(in.Resource) {
		return policy.Deny("invalid protected resource: " + in.Resource), nil
	}
	return policy.Allow(), nil
}

func (u *AllowList) checkIdentity(tree claims.Tree) policy.Decision {
	if len(u.issuers) > 0 {
		issuer := issuerOf(tree.Lookup(u.cfg.IssuerClaim))
		if !u.issuers[issuer] {
			return policy.Deny("untrusted issuer: " + issuer)
		}
	}

	subject := tree.Lookup(u.cfg.SubjectClaim)
	if subject.IsAbsent() {
		return policy.Deny("missing subject claim " + u.cfg.SubjectClaim)
	}
	value, ok := subject.AsString()
	if !ok {
		return policy.Deny(fmt.Sprintf("subject claim %s is a %s", u.cfg.SubjectClaim, subject.Kind()))
	}
	if !u.subjects[value] {
		return policy.Deny("invalid subject: " + value)
	}
	return policy.Allow()
}

// issuerOf accepts both the string and the {"id": ...} issuer forms
func issuerOf(v claims.Value) string {
	if s, ok := v.AsString(); ok {
		return s
	}
	return v.Get("id").StringOr("")
}

func (u *AllowList) resourceAllowed(resource string) bool {
	if len(u.resources) == 0 {
		return true
	}
	for _, r := range u.resources {
		if prefix, ok := strings.CutSuffix(r, "*"); ok {
			if strings.HasPrefix(resource, prefix) {
				return true
			}
			continue
		}
		if r == resource {
			return true
		}
	}
	return false
}
