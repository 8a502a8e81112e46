package handlers

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/upb/vc-policy-gateway/middleware"
	"github.com/upb/vc-policy-gateway/models"
	"github.com/upb/vc-policy-gateway/utils"
	"go.uber.org/zap"
)

// EchoResponse describes a request that passed enforcement
type EchoResponse struct {
	RequestID        string          `json:"request_id,omitempty"`
	Method           string          `json:"method"`
	Path             string          `json:"path"`
	CredentialFormat string          `json:"credential_format,omitempty"`
	Authentication   *models.Verdict `json:"authentication,omitempty"`
	Authorization    *models.Verdict `json:"authorization,omitempty"`
}

// ProtectedHandler serves requests admitted by the enforcement middleware.
// With an upstream it reverse-proxies to it, otherwise it echoes the decision.
type ProtectedHandler struct {
	proxy  *httputil.ReverseProxy
	logger *zap.Logger
}

// NewProtectedHandler creates a ProtectedHandler. upstream may be nil.
func NewProtectedHandler(upstream *url.URL, logger *zap.Logger) *ProtectedHandler {
	h := &ProtectedHandler{logger: logger}
	if upstream != nil {
		h.proxy = &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(upstream)
				pr.SetXForwarded()
				if id := middleware.GetRequestIDFromContext(pr.In.Context()); id != "" {
					pr.Out.Header.Set("X-Request-ID", id)
				}
			},
			ErrorHandler: h.proxyError,
		}
	}
	return h
}

// ServeHTTP implements http.Handler
func (h *ProtectedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.proxy != nil {
		h.proxy.ServeHTTP(w, r)
		return
	}

	ctx := r.Context()
	response := EchoResponse{
		RequestID: middleware.GetRequestIDFromContext(ctx),
		Method:    r.Method,
		Path:      r.URL.Path,
	}
	if cred := middleware.GetCredentialFromContext(ctx); cred != nil {
		response.CredentialFormat = string(cred.Format)
	}
	if v, ok := middleware.GetVerdictFromContext(ctx, models.PhaseAuthenticate); ok {
		response.Authentication = &v
	}
	if v, ok := middleware.GetVerdictFromContext(ctx, models.PhaseAuthorize); ok {
		response.Authorization = &v
	}

	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write echo response", zap.Error(err))
	}
}

func (h *ProtectedHandler) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("upstream request failed",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	if err := utils.WriteError(w, http.StatusBadGateway, "Upstream unavailable", nil); err != nil {
		h.logger.Error("failed to write bad gateway response", zap.Error(err))
	}
}
