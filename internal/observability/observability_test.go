package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{name: "json info", level: "info", format: "json"},
		{name: "console debug", level: "debug", format: "console"},
		{name: "defaults", level: "", format: ""},
		{name: "upper case level", level: "WARN", format: "json"},
		{name: "invalid level", level: "loud", format: "json", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.format)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid log level")
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			_ = logger.Sync()
		})
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("error")
	require.NoError(t, err)
	assert.Equal(t, zapcore.ErrorLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)
}

func TestPrometheusMetrics(t *testing.T) {
	m := NewPrometheusMetrics()
	ctx := context.Background()
	labels := DecisionLabels{Phase: "authorize", Unit: "anna-google", Outcome: "deny"}

	m.RecordDecision(ctx, labels)
	m.RecordDecision(ctx, labels)
	m.RecordLatency(ctx, 3*time.Millisecond, labels)
	m.RecordReload(ctx, true, 4)
	m.RecordReload(ctx, false, 0)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.decisions.WithLabelValues("authorize", "anna-google", "deny")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.reloads.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.reloads.WithLabelValues("failure")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.units))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "pdp_decisions_total")
	assert.Contains(t, rr.Body.String(), "pdp_evaluation_duration_seconds")
}

func TestNopMetrics(t *testing.T) {
	var m Metrics = NopMetrics{}
	assert.NotPanics(t, func() {
		m.RecordDecision(context.Background(), DecisionLabels{})
		m.RecordLatency(context.Background(), time.Second, DecisionLabels{})
		m.RecordReload(context.Background(), true, 1)
	})
}
