package middleware

import (
	"context"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/upb/vc-policy-gateway/models"
	"github.com/upb/vc-policy-gateway/services/normalizer"
	"github.com/upb/vc-policy-gateway/utils"
	"go.uber.org/zap"
)

// DefaultResourceHeader is the conventional header a trusted proxy uses to
// name the protected resource it forwards for
const DefaultResourceHeader = "X-Protected-Resource"

// PolicyEvaluator defines the interface for policy evaluation
type PolicyEvaluator interface {
	EvaluateAuthenticate(ctx context.Context, raw normalizer.RawRequest, rawCredential, resource string) models.Verdict
	EvaluateAuthorize(ctx context.Context, raw normalizer.RawRequest, rawCredential, resource string) models.Verdict
}

// EnforcementConfig selects where credentials and resources are read from.
//
// The resource is PublicOrigin joined with the request path. ResourceHeader,
// when set, is honored only for requests whose peer address is inside
// TrustedProxies. Without a PublicOrigin the request's own URL is used.
type EnforcementConfig struct {
	CredentialHeader string
	ResourceHeader   string
	TrustedProxies   []netip.Prefix
	PublicOrigin     string
}

// PolicyEnforcementMiddleware gates handlers on policy decisions
type PolicyEnforcementMiddleware struct {
	evaluator PolicyEvaluator
	cfg       EnforcementConfig
	logger    *zap.Logger
}

// NewPolicyEnforcementMiddleware creates a new PolicyEnforcementMiddleware
func NewPolicyEnforcementMiddleware(evaluator PolicyEvaluator, cfg EnforcementConfig, logger *zap.Logger) *PolicyEnforcementMiddleware {
	if cfg.CredentialHeader == "" {
		cfg.CredentialHeader = DefaultCredentialHeader
	}
	cfg.PublicOrigin = strings.TrimRight(cfg.PublicOrigin, "/")
	return &PolicyEnforcementMiddleware{
		evaluator: evaluator,
		cfg:       cfg,
		logger:    logger,
	}
}

// RequireCredential runs the authentication decision. A missing or rejected
// credential ends the request with 401.
func (m *PolicyEnforcementMiddleware) RequireCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		cred := m.credential(r)
		if cred == nil {
			m.logger.Warn("missing credential",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Credential required")
			return
		}

		raw := normalizer.FromHTTP(r)
		resource := m.resource(r, raw)
		verdict := m.evaluator.EvaluateAuthenticate(ctx, raw, cred.JSON, resource)

		ctx = WithCredential(ctx, cred)
		ctx = WithVerdict(ctx, models.PhaseAuthenticate, verdict)

		if !verdict.Allowed {
			m.logger.Warn("credential rejected",
				zap.String("request_id", requestID),
				zap.String("resource", resource),
				zap.String("format", string(cred.Format)),
				zap.String("reason", verdict.Reason))
			_ = utils.WriteUnauthorized(w, "Credential rejected")
			return
		}

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("resource", resource))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// EnforceAuthorize runs the authorization decision for the protected
// resource. A denied request ends with 403.
func (m *PolicyEnforcementMiddleware) EnforceAuthorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		cred := m.credential(r)
		if cred == nil {
			m.logger.Warn("missing credential",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Credential required")
			return
		}

		raw := normalizer.FromHTTP(r)
		resource := m.resource(r, raw)
		verdict := m.evaluator.EvaluateAuthorize(ctx, raw, cred.JSON, resource)

		ctx = WithCredential(ctx, cred)
		ctx = WithVerdict(ctx, models.PhaseAuthorize, verdict)

		if !verdict.Allowed {
			m.logger.Warn("request blocked by policy",
				zap.String("request_id", requestID),
				zap.String("resource", resource),
				zap.String("reason", verdict.Reason))
			_ = utils.WriteForbidden(w, "Access denied")
			return
		}

		m.logger.Debug("policy enforcement passed",
			zap.String("request_id", requestID),
			zap.String("resource", resource))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *PolicyEnforcementMiddleware) credential(r *http.Request) *Credential {
	if cred := GetCredentialFromContext(r.Context()); cred != nil {
		return cred
	}
	return CredentialFromRequest(r, m.cfg.CredentialHeader)
}

func (m *PolicyEnforcementMiddleware) resource(r *http.Request, raw normalizer.RawRequest) string {
	if m.cfg.ResourceHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(m.cfg.ResourceHeader)); v != "" {
			if m.fromTrustedProxy(r) {
				return v
			}
			m.logger.Warn("ignoring resource header from untrusted peer",
				zap.String("request_id", GetRequestIDFromContext(r.Context())),
				zap.String("remote_addr", r.RemoteAddr))
		}
	}
	if m.cfg.PublicOrigin != "" && r.URL != nil {
		return ResourceFromURL(m.cfg.PublicOrigin + r.URL.EscapedPath())
	}
	return ResourceFromURL(raw.URL)
}

func (m *PolicyEnforcementMiddleware) fromTrustedProxy(r *http.Request) bool {
	addr, ok := peerAddr(r)
	if !ok {
		return false
	}
	for _, prefix := range m.cfg.TrustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ResourceFromURL reduces a request URL to scheme, host and path
func ResourceFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	return u.String()
}
