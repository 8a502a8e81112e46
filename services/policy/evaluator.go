package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/vc-policy-gateway/internal/observability"
	"github.com/upb/vc-policy-gateway/models"
	"github.com/upb/vc-policy-gateway/services"
	"github.com/upb/vc-policy-gateway/services/claims"
	"github.com/upb/vc-policy-gateway/services/normalizer"
	"go.uber.org/zap"
)

// DefaultTimeout is the per-call budget used when none is configured
const DefaultTimeout = 2 * time.Second

// State is a step of a single evaluation
type State string

const (
	StateNormalizing State = "normalizing"
	StateExtracting  State = "extracting"
	StateResolving   State = "resolving"
	StateInvoking    State = "invoking"
	StateVerdicted   State = "verdicted"
	StateFailed      State = "failed"
)

// DecisionRecorder receives a record of every verdict. Implementations must
// not block the caller.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, record *models.DecisionRecord)
}

// Evaluator runs policy units behind a timeout and fault boundary and turns
// every outcome into a verdict. It holds no mutable state and is safe for
// concurrent use.
type Evaluator struct {
	resolver Resolver
	timeout  time.Duration
	logger   *zap.Logger
	metrics  observability.Metrics
	recorder DecisionRecorder
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithMetrics sets the metrics sink
func WithMetrics(m observability.Metrics) Option {
	return func(e *Evaluator) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithRecorder sets the decision audit sink
func WithRecorder(r DecisionRecorder) Option {
	return func(e *Evaluator) {
		e.recorder = r
	}
}

// NewEvaluator creates an Evaluator. A non-positive timeout selects DefaultTimeout.
func NewEvaluator(resolver Resolver, timeout time.Duration, logger *zap.Logger, opts ...Option) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	e := &Evaluator{
		resolver: resolver,
		timeout:  timeout,
		logger:   logger,
		metrics:  observability.NopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timeout returns the per-call execution budget
func (e *Evaluator) Timeout() time.Duration {
	return e.timeout
}

// EvaluateAuthenticate decides whether the credential is acceptable
func (e *Evaluator) EvaluateAuthenticate(ctx context.Context, raw normalizer.RawRequest, rawCredential, resource string) models.Verdict {
	return e.evaluate(ctx, models.PhaseAuthenticate, raw, rawCredential, resource)
}

// EvaluateAuthorize decides whether the credential holder may access resource
func (e *Evaluator) EvaluateAuthorize(ctx context.Context, raw normalizer.RawRequest, rawCredential, resource string) models.Verdict {
	return e.evaluate(ctx, models.PhaseAuthorize, raw, rawCredential, resource)
}

// evaluation tracks one call for logging, metrics and the audit record
type evaluation struct {
	phase       models.Phase
	resource    string
	state       State
	unitName    string
	unitVersion string
	request     *models.RequestContext
	start       time.Time
	logger      *zap.Logger
}

func (ev *evaluation) enter(s State) {
	ev.state = s
	ev.logger.Debug("policy evaluation state", zap.String("state", string(s)))
}

func (e *Evaluator) evaluate(ctx context.Context, phase models.Phase, raw normalizer.RawRequest, rawCredential, resource string) (verdict models.Verdict) {
	ev := &evaluation{
		phase:    phase,
		resource: resource,
		start:    time.Now(),
		logger: e.logger.With(
			zap.String("request_id", chimw.GetReqID(ctx)),
			zap.String("phase", string(phase)),
			zap.String("resource", resource),
		),
	}

	defer func() {
		if r := recover(); r != nil {
			verdict = services.VerdictFromError(services.NewDomainError(
				services.ErrorTypePolicyUnitFault, "evaluation aborted", fmt.Errorf("panic in %s: %v", ev.state, r)))
			ev.state = StateFailed
		}
		e.finish(ctx, ev, verdict)
	}()

	ev.enter(StateNormalizing)
	ev.request = normalizer.Normalize(raw)

	ev.enter(StateExtracting)
	tree, err := claims.Extract(rawCredential)
	if err != nil {
		return e.fail(ev, err)
	}

	ev.enter(StateResolving)
	if e.resolver == nil {
		return e.fail(ev, notFound(resource))
	}
	unit, ok := e.resolver.Resolve(resource)
	if !ok || unit == nil {
		return e.fail(ev, notFound(resource))
	}

	// One budget covers reading the unit's identity and the decision call
	ev.enter(StateInvoking)
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	name, version, err := e.identify(callCtx, unit, resource)
	if err != nil {
		return e.fail(ev, err)
	}
	ev.unitName, ev.unitVersion = name, version
	ev.logger = ev.logger.With(zap.String("unit", name), zap.String("unit_version", version))

	decision, err := e.invoke(callCtx, phase, unit, name, &Input{Request: ev.request, Claims: tree, Resource: resource})
	if err != nil {
		return e.fail(ev, err)
	}

	ev.enter(StateVerdicted)
	if decision.Allowed {
		return models.Allow()
	}
	reason := decision.Reason
	if reason == "" {
		reason = "denied by policy unit " + ev.unitName
	}
	return models.DenyByUnit(reason)
}

func (e *Evaluator) fail(ev *evaluation, err error) models.Verdict {
	ev.logger.Debug("policy evaluation failed", zap.String("state", string(ev.state)), zap.Error(err))
	ev.state = StateFailed
	return services.VerdictFromError(err)
}

func notFound(resource string) error {
	return services.NewDomainError(services.ErrorTypePolicyUnitNotFound, "no policy unit for resource",
		errors.New(resource)).WithDetail("resource", resource)
}

type invokeResult struct {
	decision Decision
	err      error
}

// sandbox runs fn on its own goroutine until ctx is done and turns a panic
// into a PolicyUnitFault. The result channel is buffered so a unit that
// outlives its deadline can still complete its send and exit.
func (e *Evaluator) sandbox(ctx context.Context, label string, fn func(ctx context.Context) (Decision, error)) (Decision, error) {
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: services.NewDomainError(services.ErrorTypePolicyUnitFault,
					"policy unit panicked", fmt.Errorf("%s: %v", label, r))}
			}
		}()

		var res invokeResult
		res.decision, res.err = fn(ctx)
		done <- res
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.decision, nil
		}
		if ctx.Err() != nil {
			return Decision{}, e.timeoutError(label, ctx.Err())
		}
		switch services.GetErrorType(res.err) {
		case services.ErrorTypePolicyUnitFault, services.ErrorTypePolicyTimeout:
			return Decision{}, res.err
		}
		return Decision{}, services.NewDomainError(services.ErrorTypePolicyUnitFault,
			"policy unit returned an error", fmt.Errorf("%s: %w", label, res.err))
	case <-ctx.Done():
		return Decision{}, e.timeoutError(label, ctx.Err())
	}
}

// identify reads the unit's name and version inside the sandbox. They are
// cached on the evaluation and the unit is not asked again.
func (e *Evaluator) identify(ctx context.Context, unit Unit, resource string) (string, string, error) {
	type identity struct{ name, version string }
	ids := make(chan identity, 1)

	_, err := e.sandbox(ctx, "unit for "+resource, func(context.Context) (Decision, error) {
		ids <- identity{name: unit.Name(), version: unit.Version()}
		return Decision{}, nil
	})
	if err != nil {
		return "", "", err
	}
	id := <-ids
	return id.name, id.version, nil
}

// invoke runs the phase's decision function of unit inside the sandbox
func (e *Evaluator) invoke(ctx context.Context, phase models.Phase, unit Unit, name string, in *Input) (Decision, error) {
	return e.sandbox(ctx, name, func(ctx context.Context) (Decision, error) {
		if phase == models.PhaseAuthenticate {
			return unit.Authenticate(ctx, in)
		}
		return unit.Authorize(ctx, in)
	})
}

func (e *Evaluator) timeoutError(label string, cause error) error {
	return services.NewDomainError(services.ErrorTypePolicyTimeout, "policy unit exceeded its execution budget",
		fmt.Errorf("%s after %s: %w", label, e.timeout, cause))
}

func (e *Evaluator) finish(ctx context.Context, ev *evaluation, v models.Verdict) {
	latency := time.Since(ev.start)

	unitName, unitVersion := ev.unitName, ev.unitVersion

	outcome := "deny"
	switch {
	case v.Allowed:
		outcome = "allow"
	case v.Kind() != "":
		outcome = v.Kind()
	}

	fields := []zap.Field{
		zap.String("state", string(ev.state)),
		zap.Bool("allowed", v.Allowed),
		zap.String("reason", v.Reason),
		zap.Duration("latency", latency),
	}
	if ev.state == StateFailed {
		ev.logger.Warn("policy evaluation failed closed", fields...)
	} else {
		ev.logger.Info("policy verdict", fields...)
	}

	labels := observability.DecisionLabels{Phase: string(ev.phase), Unit: unitName, Outcome: outcome}
	e.metrics.RecordDecision(ctx, labels)
	e.metrics.RecordLatency(ctx, latency, labels)

	if e.recorder == nil {
		return
	}
	record := models.NewDecisionRecord(ev.phase, ev.resource, v).
		WithLatency(latency).
		WithDetails(map[string]string{"state": string(ev.state)})
	if unitName != "" {
		record.WithUnit(unitName, unitVersion)
	}
	if ev.request != nil {
		record.WithRequest(chimw.GetReqID(ctx), ev.request.Method(), ev.request.Path(), ev.request.RemoteIP())
	}
	e.recorder.RecordDecision(ctx, record)
}
