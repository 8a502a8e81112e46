package models

import (
	"sort"
	"strings"
)

// Protocol is the transport scheme of the inbound request
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// RequestFields carries the already normalized request components used to
// build a RequestContext. The maps are copied on construction.
type RequestFields struct {
	Method      string
	Host        string
	RemoteIP    string
	URL         string
	Path        string
	Protocol    Protocol
	Headers     map[string]string
	HeaderOrder []string
	PathParams  map[string]string
	QueryParams map[string][]string
}

// RequestContext is the immutable view of an inbound request handed to policy units.
// All accessors return copies; nothing a caller does with them is visible to
// other holders of the same context.
type RequestContext struct {
	method      string
	host        string
	remoteIP    string
	url         string
	path        string
	protocol    Protocol
	headers     map[string]string
	headerOrder []string
	pathParams  map[string]string
	queryParams map[string][]string
}

// NewRequestContext creates a RequestContext from normalized fields
func NewRequestContext(f RequestFields) *RequestContext {
	rc := &RequestContext{
		method:      f.Method,
		host:        f.Host,
		remoteIP:    f.RemoteIP,
		url:         f.URL,
		path:        f.Path,
		protocol:    f.Protocol,
		headers:     make(map[string]string, len(f.Headers)),
		pathParams:  make(map[string]string, len(f.PathParams)),
		queryParams: make(map[string][]string, len(f.QueryParams)),
	}
	if rc.protocol != ProtocolHTTPS {
		rc.protocol = ProtocolHTTP
	}

	for k, v := range f.Headers {
		rc.headers[k] = v
	}
	// Keep the declared order only for names that are present; anything
	// missing from the order is appended sorted so iteration stays deterministic.
	seen := make(map[string]bool, len(f.HeaderOrder))
	for _, name := range f.HeaderOrder {
		if _, ok := rc.headers[name]; ok && !seen[name] {
			rc.headerOrder = append(rc.headerOrder, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range rc.headers {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	rc.headerOrder = append(rc.headerOrder, rest...)

	for k, v := range f.PathParams {
		rc.pathParams[k] = v
	}
	for k, v := range f.QueryParams {
		rc.queryParams[k] = append([]string(nil), v...)
	}

	return rc
}

func (rc *RequestContext) Method() string     { return rc.method }
func (rc *RequestContext) Host() string       { return rc.host }
func (rc *RequestContext) RemoteIP() string   { return rc.remoteIP }
func (rc *RequestContext) URL() string        { return rc.url }
func (rc *RequestContext) Path() string       { return rc.path }
func (rc *RequestContext) Protocol() Protocol { return rc.protocol }

// Header returns the value of a header, matching the name case-insensitively
func (rc *RequestContext) Header(name string) (string, bool) {
	v, ok := rc.headers[strings.ToLower(name)]
	return v, ok
}

// HeaderNames returns header names in first-seen order
func (rc *RequestContext) HeaderNames() []string {
	return append([]string(nil), rc.headerOrder...)
}

// Headers returns a copy of all headers
func (rc *RequestContext) Headers() map[string]string {
	out := make(map[string]string, len(rc.headers))
	for k, v := range rc.headers {
		out[k] = v
	}
	return out
}

// PathParam returns a single route parameter
func (rc *RequestContext) PathParam(name string) (string, bool) {
	v, ok := rc.pathParams[name]
	return v, ok
}

// PathParams returns a copy of all route parameters
func (rc *RequestContext) PathParams() map[string]string {
	out := make(map[string]string, len(rc.pathParams))
	for k, v := range rc.pathParams {
		out[k] = v
	}
	return out
}

// QueryParam returns a copy of all values for a query key
func (rc *RequestContext) QueryParam(key string) []string {
	v, ok := rc.queryParams[key]
	if !ok {
		return nil
	}
	return append([]string(nil), v...)
}

// QueryParams returns a deep copy of the query parameters
func (rc *RequestContext) QueryParams() map[string][]string {
	out := make(map[string][]string, len(rc.queryParams))
	for k, v := range rc.queryParams {
		out[k] = append([]string(nil), v...)
	}
	return out
}
