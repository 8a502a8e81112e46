package units

import (
	"context"
	"sync"
	"time"

	"github.com/upb/vc-policy-gateway/internal/observability"
	"github.com/upb/vc-policy-gateway/services/policy"
	"go.uber.org/zap"
)

// ReloadStatus describes the outcome of the most recent reload
type ReloadStatus struct {
	LastAttempt time.Time `json:"last_attempt"`
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
	Bindings    int       `json:"bindings"`
}

// Reloader rebuilds the registry from a bundle file. A failed reload leaves
// the active snapshot untouched.
type Reloader struct {
	path     string
	registry *policy.Registry
	opts     LoadOptions
	metrics  observability.Metrics
	logger   *zap.Logger

	mu     sync.Mutex
	status ReloadStatus
}

// NewReloader creates a Reloader for the bundle at path
func NewReloader(path string, registry *policy.Registry, opts LoadOptions, metrics observability.Metrics, logger *zap.Logger) *Reloader {
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return &Reloader{
		path:     path,
		registry: registry,
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
	}
}

// Reload loads the bundle and swaps it into the registry
func (r *Reloader) Reload(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.LastAttempt = time.Now()

	bindings, err := LoadFile(r.path, r.opts)
	if err == nil {
		err = r.registry.Replace(bindings)
	}
	if err != nil {
		r.status.LastError = err.Error()
		r.metrics.RecordReload(ctx, false, 0)
		r.logger.Error("policy reload failed, keeping previous bindings",
			zap.String("path", r.path),
			zap.Error(err))
		return 0, err
	}

	r.status.LastSuccess = r.status.LastAttempt
	r.status.LastError = ""
	r.status.Bindings = len(bindings)
	r.metrics.RecordReload(ctx, true, len(bindings))
	r.logger.Info("policy bundle loaded",
		zap.String("path", r.path),
		zap.Int("bindings", len(bindings)))
	return len(bindings), nil
}

// Status returns the outcome of the most recent reload
func (r *Reloader) Status() ReloadStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run reloads every interval until ctx is done
func (r *Reloader) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("started policy reload worker", zap.Duration("interval", interval))
	for {
		select {
		case <-ticker.C:
			_, _ = r.Reload(ctx)
		case <-ctx.Done():
			return
		}
	}
}
