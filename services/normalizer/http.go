package normalizer

import (
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/upb/vc-policy-gateway/models"
)

// FromHTTP captures an inbound net/http request as a RawRequest. Route
// parameters are read from the chi routing context when one is present.
func FromHTTP(r *http.Request) RawRequest {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	} else if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}

	raw := RawRequest{
		Method:   r.Method,
		Host:     r.Host,
		RemoteIP: remoteIP(r.RemoteAddr),
		Protocol: scheme,
		Headers:  headersFromHTTP(r),
	}
	if r.URL != nil {
		raw.URL = scheme + "://" + r.Host + r.URL.RequestURI()
		raw.Path = r.URL.Path
	}

	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		raw.PathParams = make(map[string]string, len(rctx.URLParams.Keys))
		for i, key := range rctx.URLParams.Keys {
			if key == "" || i >= len(rctx.URLParams.Values) {
				continue
			}
			raw.PathParams[key] = rctx.URLParams.Values[i]
		}
	}

	return raw
}

// NormalizeHTTP is shorthand for Normalize(FromHTTP(r))
func NormalizeHTTP(r *http.Request) *models.RequestContext {
	return Normalize(FromHTTP(r))
}

// headersFromHTTP flattens the header map in sorted order. The Host header is
// promoted from r.Host since net/http removes it from r.Header.
func headersFromHTTP(r *http.Request) []Header {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Header, 0, len(names)+1)
	if r.Host != "" {
		out = append(out, Header{Name: "host", Value: r.Host})
	}
	for _, name := range names {
		for _, v := range r.Header[name] {
			out = append(out, Header{Name: name, Value: v})
		}
	}
	return out
}

func remoteIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
