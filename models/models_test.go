package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RequestContext tests
func TestNewRequestContext(t *testing.T) {
	fields := RequestFields{
		Method:      "GET",
		Host:        "gateway.example.com",
		RemoteIP:    "10.0.0.1",
		URL:         "https://gateway.example.com/orders/7?x=1",
		Path:        "/orders/7",
		Protocol:    ProtocolHTTPS,
		Headers:     map[string]string{"accept": "*/*", "x-trace": "abc"},
		HeaderOrder: []string{"x-trace", "accept", "missing"},
		PathParams:  map[string]string{"id": "7"},
		QueryParams: map[string][]string{"x": {"1"}},
	}

	rc := NewRequestContext(fields)

	assert.Equal(t, "GET", rc.Method())
	assert.Equal(t, "gateway.example.com", rc.Host())
	assert.Equal(t, "10.0.0.1", rc.RemoteIP())
	assert.Equal(t, "/orders/7", rc.Path())
	assert.Equal(t, ProtocolHTTPS, rc.Protocol())
	assert.Equal(t, []string{"x-trace", "accept"}, rc.HeaderNames())

	v, ok := rc.Header("accept")
	assert.True(t, ok)
	assert.Equal(t, "*/*", v)

	id, ok := rc.PathParam("id")
	assert.True(t, ok)
	assert.Equal(t, "7", id)
	assert.Equal(t, []string{"1"}, rc.QueryParam("x"))
	assert.Nil(t, rc.QueryParam("y"))
}

func TestRequestContext_Immutable(t *testing.T) {
	headers := map[string]string{"accept": "*/*"}
	query := map[string][]string{"tag": {"a", "b"}}
	rc := NewRequestContext(RequestFields{Headers: headers, QueryParams: query})

	// Mutating the inputs after construction must not leak in
	headers["accept"] = "changed"
	query["tag"][0] = "changed"

	v, _ := rc.Header("accept")
	assert.Equal(t, "*/*", v)
	assert.Equal(t, []string{"a", "b"}, rc.QueryParam("tag"))

	// Mutating accessor results must not leak in either
	rc.Headers()["accept"] = "changed"
	rc.QueryParams()["tag"][1] = "changed"
	rc.QueryParam("tag")[0] = "changed"
	rc.PathParams()["id"] = "changed"

	v, _ = rc.Header("accept")
	assert.Equal(t, "*/*", v)
	assert.Equal(t, []string{"a", "b"}, rc.QueryParam("tag"))
	_, ok := rc.PathParam("id")
	assert.False(t, ok)
}

func TestRequestContext_ProtocolDefaultsToHTTP(t *testing.T) {
	assert.Equal(t, ProtocolHTTP, NewRequestContext(RequestFields{}).Protocol())
	assert.Equal(t, ProtocolHTTP, NewRequestContext(RequestFields{Protocol: "gopher"}).Protocol())
}

// Verdict tests
func TestVerdict(t *testing.T) {
	t.Run("zero value denies", func(t *testing.T) {
		var v Verdict
		assert.False(t, v.Allowed)
	})

	t.Run("kind from reason", func(t *testing.T) {
		assert.Equal(t, "PolicyTimeout", Deny("PolicyTimeout: budget of 1s exceeded").Kind())
		assert.Equal(t, "", Deny("invalid protected resource: https://evil.example.com").Kind())
		assert.Equal(t, "CredentialMalformed", Deny("CredentialMalformed").Kind())
		assert.Equal(t, "", Allow().Kind())
	})

	t.Run("unit reasons never carry a kind", func(t *testing.T) {
		tests := []struct {
			reason string
			want   string
		}{
			{"PolicyTimeout: fake", "denied: PolicyTimeout: fake"},
			{"CredentialMalformed", "denied: CredentialMalformed"},
			{"not on the list", "not on the list"},
		}
		for _, tt := range tests {
			v := DenyByUnit(tt.reason)
			assert.False(t, v.Allowed)
			assert.Equal(t, tt.want, v.Reason)
			assert.Empty(t, v.Kind())
		}
	})

	t.Run("json shape", func(t *testing.T) {
		data, err := json.Marshal(Deny("CredentialMalformed: malformed credential"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"allowed":false,"reason":"CredentialMalformed: malformed credential"}`, string(data))
	})
}

// DecisionRecord tests
func TestNewDecisionRecord(t *testing.T) {
	v := Deny("PolicyUnitFault: boom")
	rec := NewDecisionRecord(PhaseAuthorize, "https://www.google.com", v)

	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, PhaseAuthorize, rec.Phase)
	assert.Equal(t, "https://www.google.com", rec.Resource)
	assert.False(t, rec.Allowed)
	assert.Equal(t, "PolicyUnitFault", rec.ReasonKind)
	assert.False(t, rec.Timestamp.IsZero())
	assert.Nil(t, rec.UnitName)
}

func TestDecisionRecord_Builders(t *testing.T) {
	rec := NewDecisionRecord(PhaseAuthenticate, "r", Allow()).
		WithUnit("anna-google", "1").
		WithRequest("req-1", "GET", "/x", "10.0.0.1").
		WithLatency(1500 * time.Microsecond).
		WithDetails(map[string]string{"state": "verdicted"})

	require.NotNil(t, rec.UnitName)
	assert.Equal(t, "anna-google", *rec.UnitName)
	assert.Equal(t, "1", *rec.UnitVersion)
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Equal(t, "GET", rec.Method)
	assert.Equal(t, 1, rec.LatencyMs)
	assert.JSONEq(t, `{"state":"verdicted"}`, string(rec.Details))
	assert.Equal(t, "policy_decisions", rec.TableName())
}
