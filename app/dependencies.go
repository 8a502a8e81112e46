package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/upb/vc-policy-gateway/config"
	"github.com/upb/vc-policy-gateway/internal/observability"
	"github.com/upb/vc-policy-gateway/middleware"
	"github.com/upb/vc-policy-gateway/repositories"
	"github.com/upb/vc-policy-gateway/repositories/postgres"
	"github.com/upb/vc-policy-gateway/services/audit"
	"github.com/upb/vc-policy-gateway/services/policy"
	"github.com/upb/vc-policy-gateway/services/units"
	"go.uber.org/zap"
)

// auditStopTimeout bounds the flush of pending decision records on shutdown
const auditStopTimeout = 10 * time.Second

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger

	// Observability
	Metrics    observability.Metrics
	Prometheus *observability.PrometheusMetrics // nil when metrics are disabled

	// Policy engine
	Registry    *policy.Registry
	Reloader    *units.Reloader
	Evaluator   *policy.Evaluator
	Enforcement *middleware.PolicyEnforcementMiddleware

	// Decision trail, all nil when no database is configured
	DB          *postgres.DB
	RepoFactory *postgres.RepositoryFactory
	Decisions   repositories.DecisionRepository
	DecisionLog *audit.DecisionService

	stopWorkers context.CancelFunc
	workers     sync.WaitGroup
	closeOnce   sync.Once
	closeErr    error
}

// NewDependencies creates and wires up all application dependencies.
// Background workers (bundle reloads, retention) run until Close.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	deps.initObservability(cfg)

	if cfg.AuditEnabled() {
		if err := deps.initDatabase(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if err := deps.initAudit(cfg); err != nil {
			_ = deps.Close(ctx)
			return nil, fmt.Errorf("failed to initialize decision trail: %w", err)
		}
	} else {
		logger.Warn("no database configured, decision trail disabled")
	}

	if err := deps.initPolicy(ctx, cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	deps.startWorkers(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

func (d *Dependencies) initObservability(cfg *config.Config) {
	if !cfg.Observability.MetricsEnabled {
		d.Metrics = observability.NopMetrics{}
		return
	}
	d.Prometheus = observability.NewPrometheusMetrics()
	d.Metrics = d.Prometheus
}

// initDatabase opens the audit database and creates its schema
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(*cfg.Database, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if cfg.Database.InitSchema {
		if err := d.DB.InitSchema(ctx); err != nil {
			_ = factory.Close()
			d.RepoFactory, d.DB = nil, nil
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	d.Decisions = factory.NewRepositories().Decisions
	return nil
}

// initAudit starts the asynchronous decision writer
func (d *Dependencies) initAudit(cfg *config.Config) error {
	svc := audit.NewDecisionService(d.Decisions, d.Logger, audit.Config{
		BufferSize:  cfg.Audit.BufferSize,
		WorkerCount: cfg.Audit.WorkerCount,
		BatchSize:   cfg.Audit.BatchSize,
	})
	if err := svc.Start(); err != nil {
		return err
	}
	d.DecisionLog = svc
	return nil
}

// initPolicy loads the bundle and builds the evaluator. A bundle that fails
// to load at startup is fatal.
func (d *Dependencies) initPolicy(ctx context.Context, cfg *config.Config) error {
	d.Registry = policy.NewRegistry(d.Logger)
	d.Reloader = units.NewReloader(cfg.Policy.File, d.Registry,
		units.LoadOptions{MaxSteps: cfg.Policy.MaxSteps, Logger: d.Logger},
		d.Metrics, d.Logger)

	if _, err := d.Reloader.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load policy bundle %s: %w", cfg.Policy.File, err)
	}

	opts := []policy.Option{policy.WithMetrics(d.Metrics)}
	if d.DecisionLog != nil {
		opts = append(opts, policy.WithRecorder(d.DecisionLog))
	}
	d.Evaluator = policy.NewEvaluator(d.Registry, cfg.Policy.Timeout, d.Logger, opts...)

	proxies, err := cfg.Policy.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	d.Enforcement = middleware.NewPolicyEnforcementMiddleware(d.Evaluator, middleware.EnforcementConfig{
		CredentialHeader: cfg.Policy.CredentialHeader,
		ResourceHeader:   cfg.Policy.ResourceHeader,
		TrustedProxies:   proxies,
		PublicOrigin:     cfg.Policy.PublicOrigin,
	}, d.Logger)
	return nil
}

func (d *Dependencies) startWorkers(cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	d.stopWorkers = cancel

	if cfg.Policy.ReloadInterval > 0 {
		d.workers.Add(1)
		go func() {
			defer d.workers.Done()
			d.Reloader.Run(ctx, cfg.Policy.ReloadInterval)
		}()
	}
	if d.DecisionLog != nil && cfg.Audit.Retention > 0 {
		d.workers.Add(1)
		go func() {
			defer d.workers.Done()
			d.DecisionLog.RunRetention(ctx, cfg.Audit.RetentionInterval, cfg.Audit.Retention)
		}()
	}
}

// Close gracefully shuts down all dependencies. It is safe to call more than once.
func (d *Dependencies) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.closeErr = d.close()
	})
	return d.closeErr
}

func (d *Dependencies) close() error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.stopWorkers != nil {
		d.stopWorkers()
		d.workers.Wait()
	}

	// Flush pending decisions before the pool goes away
	if d.DecisionLog != nil {
		if err := d.DecisionLog.Stop(auditStopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop decision trail: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	_ = d.Logger.Sync()

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
