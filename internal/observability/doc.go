// Package observability provides structured logging and Prometheus metrics
// for the policy decision gateway.
//
// This package implements:
//   - zap logger construction from LOG_LEVEL/LOG_FORMAT style settings
//   - Decision metrics (verdict counters, evaluation latency, reloads)
//
// The evaluator depends only on the Metrics interface; NopMetrics is used
// when metrics are disabled.
package observability
