package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/vc-policy-gateway/models"
)

// Context key type to avoid collisions
type contextKey string

const (
	// CredentialKey is the context key for the presented credential
	CredentialKey contextKey = "credential"

	// AuthenticationKey is the context key for the authentication verdict
	AuthenticationKey contextKey = "authentication_verdict"

	// AuthorizationKey is the context key for the authorization verdict
	AuthorizationKey contextKey = "authorization_verdict"
)

// GetRequestIDFromContext retrieves the request ID from context.
// The ID lives under chi's request id key so the evaluator can read it too.
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, chimw.RequestIDKey, requestID)
}

// GetCredentialFromContext retrieves the presented credential from context
func GetCredentialFromContext(ctx context.Context) *Credential {
	if val := ctx.Value(CredentialKey); val != nil {
		if cred, ok := val.(*Credential); ok {
			return cred
		}
	}
	return nil
}

// WithCredential adds the presented credential to the context
func WithCredential(ctx context.Context, cred *Credential) context.Context {
	return context.WithValue(ctx, CredentialKey, cred)
}

// GetVerdictFromContext retrieves the verdict of a phase, if one was taken
func GetVerdictFromContext(ctx context.Context, phase models.Phase) (models.Verdict, bool) {
	key := AuthenticationKey
	if phase == models.PhaseAuthorize {
		key = AuthorizationKey
	}
	v, ok := ctx.Value(key).(models.Verdict)
	return v, ok
}

// WithVerdict stores the verdict of a phase in the context
func WithVerdict(ctx context.Context, phase models.Phase, v models.Verdict) context.Context {
	key := AuthenticationKey
	if phase == models.PhaseAuthorize {
		key = AuthorizationKey
	}
	return context.WithValue(ctx, key, v)
}
