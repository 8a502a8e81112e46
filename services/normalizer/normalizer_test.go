package normalizer

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/vc-policy-gateway/models"
)

func TestNormalize(t *testing.T) {
	rc := Normalize(RawRequest{
		Method:   "get",
		RemoteIP: " 10.0.0.7 ",
		URL:      "https://api.example.com/orders/42?tag=a&tag=b&q=hello%20world",
		Headers: []Header{
			{Name: "Accept", Value: "text/html"},
			{Name: "X-Trace", Value: "t1"},
			{Name: "ACCEPT", Value: "application/json"},
		},
		PathParams: map[string]string{"id": "42"},
	})

	assert.Equal(t, "GET", rc.Method())
	assert.Equal(t, "api.example.com", rc.Host())
	assert.Equal(t, "10.0.0.7", rc.RemoteIP())
	assert.Equal(t, "/orders/42", rc.Path())
	assert.Equal(t, models.ProtocolHTTPS, rc.Protocol())
	assert.Equal(t, []string{"a", "b"}, rc.QueryParam("tag"))
	assert.Equal(t, []string{"hello world"}, rc.QueryParam("q"))

	accept, ok := rc.Header("accept")
	require.True(t, ok)
	assert.Equal(t, "application/json", accept, "last duplicate wins")
	assert.Equal(t, []string{"accept", "x-trace"}, rc.HeaderNames())

	id, ok := rc.PathParam("id")
	require.True(t, ok)
	assert.Equal(t, "42", id)
}

func TestNormalize_MalformedComponents(t *testing.T) {
	tests := []struct {
		name      string
		raw       RawRequest
		wantPath  string
		wantQuery map[string][]string
	}{
		{
			name:      "empty request",
			raw:       RawRequest{},
			wantPath:  "",
			wantQuery: map[string][]string{},
		},
		{
			name:      "bad escape in query keeps good pairs",
			raw:       RawRequest{URL: "/search?ok=1&bad=%zz&also=2"},
			wantPath:  "/search",
			wantQuery: map[string][]string{"ok": {"1"}, "also": {"2"}},
		},
		{
			name:      "unparseable url",
			raw:       RawRequest{URL: "http://[::1/x?a=1"},
			wantPath:  "",
			wantQuery: map[string][]string{"a": {"1"}},
		},
		{
			name:      "bad path escape",
			raw:       RawRequest{URL: "/a%zzb?x=y"},
			wantPath:  "",
			wantQuery: map[string][]string{"x": {"y"}},
		},
		{
			name:      "explicit path without url",
			raw:       RawRequest{Path: "/direct", QueryParams: map[string][]string{"k": {"v"}}},
			wantPath:  "/direct",
			wantQuery: map[string][]string{"k": {"v"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rc *models.RequestContext
			require.NotPanics(t, func() { rc = Normalize(tt.raw) })
			assert.Equal(t, tt.wantPath, rc.Path())
			assert.Equal(t, tt.wantQuery, rc.QueryParams())
			assert.Equal(t, models.ProtocolHTTP, rc.Protocol())
		})
	}
}

func TestNormalize_ExplicitQueryParams(t *testing.T) {
	t.Run("url query wins", func(t *testing.T) {
		rc := Normalize(RawRequest{
			URL:         "/x?a=1",
			QueryParams: map[string][]string{"a": {"1"}, "b": {"3"}},
		})

		assert.Equal(t, map[string][]string{"a": {"1"}}, rc.QueryParams())
	})

	t.Run("used when url has no query", func(t *testing.T) {
		rc := Normalize(RawRequest{
			URL:         "/x#frag?not-a-query",
			QueryParams: map[string][]string{"a": {"2"}, "b": {"3"}},
		})

		assert.Equal(t, []string{"2"}, rc.QueryParam("a"))
		assert.Equal(t, []string{"3"}, rc.QueryParam("b"))
	})
}

func TestNormalize_ProtocolFromDeclaredOrScheme(t *testing.T) {
	assert.Equal(t, models.ProtocolHTTPS, Normalize(RawRequest{Protocol: "HTTPS", URL: "http://a/"}).Protocol())
	assert.Equal(t, models.ProtocolHTTP, Normalize(RawRequest{Protocol: "http", URL: "https://a/"}).Protocol())
	assert.Equal(t, models.ProtocolHTTPS, Normalize(RawRequest{URL: "https://a/"}).Protocol())
}

func TestFromHTTP(t *testing.T) {
	r := chi.NewRouter()
	var got *models.RequestContext
	r.Get("/resources/{id}", func(w http.ResponseWriter, req *http.Request) {
		got = NormalizeHTTP(req)
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/resources/abc?page=2", nil)
	req.Host = "gateway.local"
	req.RemoteAddr = "192.168.1.9:51234"
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Add("X-Dup", "first")
	req.Header.Add("X-Dup", "second")

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.NotNil(t, got)
	assert.Equal(t, "GET", got.Method())
	assert.Equal(t, "gateway.local", got.Host())
	assert.Equal(t, "192.168.1.9", got.RemoteIP())
	assert.Equal(t, "https://gateway.local/resources/abc?page=2", got.URL())
	assert.Equal(t, "/resources/abc", got.Path())
	assert.Equal(t, models.ProtocolHTTPS, got.Protocol())
	assert.Equal(t, []string{"2"}, got.QueryParam("page"))

	id, ok := got.PathParam("id")
	require.True(t, ok)
	assert.Equal(t, "abc", id)

	dup, ok := got.Header("X-Dup")
	require.True(t, ok)
	assert.Equal(t, "second", dup)

	host, ok := got.Header("host")
	require.True(t, ok)
	assert.Equal(t, "gateway.local", host)
}

func TestFromHTTP_TLSWithoutRouter(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "https://secure.local/submit", nil)
	req.TLS = &tls.ConnectionState{}
	req.RemoteAddr = "not-a-host-port"

	raw := FromHTTP(req)

	assert.Equal(t, "https", raw.Protocol)
	assert.Equal(t, "not-a-host-port", raw.RemoteIP)
	assert.Nil(t, raw.PathParams)
	assert.Equal(t, "/submit", Normalize(raw).Path())
}
