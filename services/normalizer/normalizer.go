// Package normalizer turns transport-level request data into the immutable
// models.RequestContext handed to policy units.
package normalizer

import (
	"net/url"
	"strings"

	"github.com/upb/vc-policy-gateway/models"
)

// Header is a single raw header line. Names are matched case-insensitively.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RawRequest carries the request fields as received from the transport layer.
// Path and QueryParams are fallbacks: Path is used when the URL yields no
// path, QueryParams only when the URL carries no query string.
type RawRequest struct {
	Method      string              `json:"method"`
	Host        string              `json:"host"`
	RemoteIP    string              `json:"remoteip"`
	URL         string              `json:"url"`
	Path        string              `json:"path"`
	Protocol    string              `json:"protocol"`
	Headers     []Header            `json:"headers"`
	PathParams  map[string]string   `json:"pathparams"`
	QueryParams map[string][]string `json:"queryparams"`
}

// Normalize builds a RequestContext. It never fails: components that cannot
// be parsed become empty values.
func Normalize(raw RawRequest) *models.RequestContext {
	path, query, scheme, host := splitURL(raw.URL)
	if path == "" {
		path = raw.Path
	}
	if raw.Host != "" {
		host = raw.Host
	}

	if !hasQuery(raw.URL) {
		for k, vs := range raw.QueryParams {
			query[k] = append(query[k], vs...)
		}
	}

	headers, order := normalizeHeaders(raw.Headers)

	return models.NewRequestContext(models.RequestFields{
		Method:      strings.ToUpper(strings.TrimSpace(raw.Method)),
		Host:        host,
		RemoteIP:    strings.TrimSpace(raw.RemoteIP),
		URL:         raw.URL,
		Path:        path,
		Protocol:    protocol(raw.Protocol, scheme),
		Headers:     headers,
		HeaderOrder: order,
		PathParams:  raw.PathParams,
		QueryParams: query,
	})
}

// splitURL decodes the path and query of a URL. A URL that does not parse
// still yields whatever query pairs could be decoded.
func splitURL(raw string) (path string, query map[string][]string, scheme, host string) {
	query = make(map[string][]string)
	if raw == "" {
		return "", query, "", ""
	}

	if u, err := url.Parse(raw); err == nil {
		mergeQuery(query, u.RawQuery)
		return u.Path, query, strings.ToLower(u.Scheme), u.Host
	}

	rawPath, rawQuery, _ := strings.Cut(raw, "?")
	rawPath, _, _ = strings.Cut(rawPath, "#")
	rawQuery, _, _ = strings.Cut(rawQuery, "#")
	mergeQuery(query, rawQuery)

	if p, err := url.PathUnescape(rawPath); err == nil && strings.HasPrefix(p, "/") {
		path = p
	}
	return path, query, "", ""
}

func hasQuery(rawURL string) bool {
	rawURL, _, _ = strings.Cut(rawURL, "#")
	_, q, found := strings.Cut(rawURL, "?")
	return found && q != ""
}

// mergeQuery adds every well-formed pair of rawQuery. url.ParseQuery keeps
// the pairs it could decode and reports only the first bad one.
func mergeQuery(dst map[string][]string, rawQuery string) {
	values, _ := url.ParseQuery(rawQuery)
	for k, vs := range values {
		dst[k] = append(dst[k], vs...)
	}
}

func normalizeHeaders(in []Header) (map[string]string, []string) {
	headers := make(map[string]string, len(in))
	order := make([]string, 0, len(in))
	for _, h := range in {
		name := strings.ToLower(strings.TrimSpace(h.Name))
		if name == "" {
			continue
		}
		if _, seen := headers[name]; !seen {
			order = append(order, name)
		}
		headers[name] = h.Value
	}
	return headers, order
}

func protocol(declared, scheme string) models.Protocol {
	p := strings.ToLower(strings.TrimSpace(declared))
	if p == "" {
		p = scheme
	}
	if p == string(models.ProtocolHTTPS) {
		return models.ProtocolHTTPS
	}
	return models.ProtocolHTTP
}
