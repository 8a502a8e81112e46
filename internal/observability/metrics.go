package observability

import (
	"context"
	"time"
)

// Metrics collects decision engine metrics.
type Metrics interface {
	RecordDecision(ctx context.Context, labels DecisionLabels)
	RecordLatency(ctx context.Context, duration time.Duration, labels DecisionLabels)
	RecordReload(ctx context.Context, success bool, units int)
}

// DecisionLabels contains metric dimensions.
type DecisionLabels struct {
	Phase   string
	Unit    string
	Outcome string // "allow", "deny" or a failure kind
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) RecordDecision(context.Context, DecisionLabels)                {}
func (NopMetrics) RecordLatency(context.Context, time.Duration, DecisionLabels) {}
func (NopMetrics) RecordReload(context.Context, bool, int)                      {}
