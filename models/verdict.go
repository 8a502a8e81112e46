package models

import "strings"

// Phase identifies which decision function of a policy unit is invoked
type Phase string

const (
	PhaseAuthenticate Phase = "authenticate"
	PhaseAuthorize    Phase = "authorize"
)

// Verdict is the final allow/deny answer for one evaluation call.
// The zero value denies.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow returns an allowing verdict
func Allow() Verdict {
	return Verdict{Allowed: true}
}

// Deny returns a denying verdict with the given reason
func Deny(reason string) Verdict {
	return Verdict{Allowed: false, Reason: reason}
}

// DenyByUnit returns a denying verdict for a reason written by a policy unit.
// A reason that would read as an engine failure kind is prefixed with "denied: ".
func DenyByUnit(reason string) Verdict {
	if Deny(reason).Kind() != "" {
		reason = "denied: " + reason
	}
	return Deny(reason)
}

// Failure kinds that prefix the reason of a verdict produced by the engine
// itself rather than by a policy unit.
const (
	KindRequestMalformed    = "RequestMalformed"
	KindCredentialMalformed = "CredentialMalformed"
	KindPolicyUnitNotFound  = "PolicyUnitNotFound"
	KindPolicyUnitFault     = "PolicyUnitFault"
	KindPolicyTimeout       = "PolicyTimeout"
)

var knownKinds = map[string]bool{
	KindRequestMalformed:    true,
	KindCredentialMalformed: true,
	KindPolicyUnitNotFound:  true,
	KindPolicyUnitFault:     true,
	KindPolicyTimeout:       true,
}

// Kind returns the failure kind prefix of the reason ("PolicyTimeout", ...),
// or an empty string for plain unit decisions.
func (v Verdict) Kind() string {
	kind, _, _ := strings.Cut(v.Reason, ":")
	if knownKinds[kind] {
		return kind
	}
	return ""
}
