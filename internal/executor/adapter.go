package executor

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shelfsight/shelfscan/internal/budget"
	"github.com/shelfsight/shelfscan/internal/config"
	"github.com/shelfsight/shelfscan/internal/cost"
	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/resilience"
	"github.com/shelfsight/shelfscan/internal/schema"
)

// binding pairs an executor implementation with its configured limits. Each
// executor gets its own rate limiter and circuit breaker; a flapping backend
// trips only its own breaker while the rest keep answering.
type binding struct {
	exec    ModelExecutor
	cfg     config.ExecutorConfig
	limiter *rate.Limiter
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
}

// Adapter runs a work unit against every configured executor concurrently
// and hands usable candidates to consensus in configuration priority order.
// Rate limiters and breakers are shared across runs because they guard the
// backends; the budget tracker is per run and passed to each call.
type Adapter struct {
	reg       *schema.Registry
	calc      *cost.Calculator
	bound     []binding
	retryBase *resilience.RetryConfig
}

// Option adjusts adapter construction.
type Option func(*Adapter)

// WithRetryBase overrides the base retry tuning (backoff, jitter) applied to
// every executor. Per-executor max attempts still come from configuration.
func WithRetryBase(cfg resilience.RetryConfig) Option {
	return func(a *Adapter) { a.retryBase = &cfg }
}

// NewAdapter binds executor implementations to their configurations. Every
// configured executor must have a registered implementation; the order of
// cfgs is the priority order used for tie-breaking downstream.
func NewAdapter(reg *schema.Registry, calc *cost.Calculator, execs []ModelExecutor, cfgs []config.ExecutorConfig, opts ...Option) (*Adapter, error) {
	a := &Adapter{reg: reg, calc: calc}
	for _, o := range opts {
		o(a)
	}

	byName := make(map[string]ModelExecutor, len(execs))
	for _, ex := range execs {
		byName[ex.Name()] = ex
	}

	a.bound = make([]binding, 0, len(cfgs))
	for _, ec := range cfgs {
		ex, ok := byName[ec.Name]
		if !ok {
			return nil, eris.Errorf("executor: no implementation registered for %q", ec.Name)
		}
		limiter := rate.NewLimiter(rate.Inf, 1)
		if ec.RequestsPerSecond > 0 {
			limiter = rate.NewLimiter(rate.Limit(ec.RequestsPerSecond), 1)
		}
		retryCfg := resilience.RetryFor(ec.Name, ec.MaxRetries)
		if a.retryBase != nil {
			retryCfg = *a.retryBase
			retryCfg.MaxAttempts = ec.MaxRetries + 1
			retryCfg.OnRetry = resilience.RetryLogger(ec.Name, "extract")
		}
		a.bound = append(a.bound, binding{
			exec:    ex,
			cfg:     ec,
			limiter: limiter,
			breaker: resilience.NewBreaker(resilience.BreakerFor(0, 0)),
			retry:   retryCfg,
		})
	}
	return a, nil
}

// Executors returns the configured executor names in priority order.
func (a *Adapter) Executors() []string {
	names := make([]string, len(a.bound))
	for i, b := range a.bound {
		names[i] = b.cfg.Name
	}
	return names
}

// EstimateUnit prices a full fan-out over unit for budget reservation. Any
// executor whose cost cannot be estimated makes the whole unit unestimable,
// which the budget treats as unaffordable.
func (a *Adapter) EstimateUnit(unit model.WorkUnit) (float64, error) {
	var total float64
	for _, b := range a.bound {
		est, err := a.calc.Estimate(b.cfg.Model, unit)
		if err != nil {
			return 0, err
		}
		total += est
	}
	return total, nil
}

// TimeEstimate returns the wall-clock bound of one fan-out for budget
// reservation. Executors run concurrently, so the slowest configured timeout
// is the bound.
func (a *Adapter) TimeEstimate() time.Duration {
	var slowest time.Duration
	for _, b := range a.bound {
		if t := b.cfg.Timeout(); t > slowest {
			slowest = t
		}
	}
	return slowest
}

// Run fans unit out to every executor and waits for all of them. Candidates
// come back in configuration priority order; failed executors appear only in
// the failure list. Zero candidates with a non-empty failure list is the
// signal for an all-executors-failed unit. Actual costs are committed to
// tracker against the caller's reservation.
func (a *Adapter) Run(ctx context.Context, tracker *budget.Tracker, unit model.WorkUnit, imageRef string, retry *model.RetryContext) ([]model.Candidate, []*ExecutorError) {
	sch, err := a.reg.Stage(unit.Stage)
	if err != nil {
		failures := make([]*ExecutorError, len(a.bound))
		for i, b := range a.bound {
			// Settle the caller's reservation; nothing will run.
			if est, estErr := a.calc.Estimate(b.cfg.Model, unit); estErr == nil {
				tracker.Commit(est, 0)
			}
			failures[i] = &ExecutorError{
				Executor: b.cfg.Name, Stage: unit.Stage, UnitID: unit.ID,
				Err: eris.Wrap(err, "executor: resolve stage schema"),
			}
		}
		return nil, failures
	}

	results := make([]*model.Candidate, len(a.bound))
	failures := make([]*ExecutorError, len(a.bound))

	g, gCtx := errgroup.WithContext(ctx)
	for i, b := range a.bound {
		g.Go(func() error {
			cand, xerr := a.runOne(gCtx, tracker, b, unit, sch, imageRef, retry)
			if xerr != nil {
				failures[i] = xerr
				return nil // other executors keep going
			}
			results[i] = cand
			return nil
		})
	}
	_ = g.Wait()

	var cands []model.Candidate
	for _, r := range results {
		if r != nil {
			cands = append(cands, *r)
		}
	}
	var errs []*ExecutorError
	for _, f := range failures {
		if f != nil {
			zap.L().Warn("executor: fan-out member failed",
				zap.String("executor", f.Executor),
				zap.String("unit", f.UnitID),
				zap.Bool("transient", f.Transient),
				zap.Error(f.Err))
			errs = append(errs, f)
		}
	}
	return cands, errs
}

func (a *Adapter) runOne(ctx context.Context, tracker *budget.Tracker, b binding, unit model.WorkUnit, sch *schema.StageSchema, imageRef string, retry *model.RetryContext) (*model.Candidate, *ExecutorError) {
	est, estErr := a.calc.Estimate(b.cfg.Model, unit)
	if estErr != nil {
		// EstimateUnit fails closed before any reservation; reaching this
		// point means the caller accepted a free executor.
		est = 0
	}

	fail := func(err error) *ExecutorError {
		tracker.Commit(est, 0)
		return &ExecutorError{
			Executor: b.cfg.Name, Stage: unit.Stage, UnitID: unit.ID,
			Err:       err,
			Transient: resilience.IsTransient(err) || errors.Is(err, resilience.ErrBreakerOpen),
		}
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fail(eris.Wrap(err, "executor: rate limit wait"))
	}

	start := time.Now()
	req := Request{Unit: unit, Schema: sch, ImageRef: imageRef, MaxTokens: b.cfg.MaxTokens, Retry: retry}
	cand, err := resilience.DoVal(ctx, b.retry, func(ctx context.Context) (*model.Candidate, error) {
		return resilience.ExecuteVal(ctx, b.breaker, func(ctx context.Context) (*model.Candidate, error) {
			// Each call's deadline is the configured executor timeout or the
			// run's remaining wall-clock budget, whichever is tighter, so a
			// retry late in the run cannot overshoot the time ceiling.
			timeout := b.cfg.Timeout()
			if rem := tracker.Remaining().RemainingTime(); rem < timeout {
				timeout = rem
			}
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return b.exec.Extract(callCtx, req)
		})
	})
	if err != nil {
		return nil, fail(err)
	}

	cand.Executor = b.cfg.Name
	cand.Stage = unit.Stage
	cand.UnitID = unit.ID
	cand.Elapsed = time.Since(start)
	cand.CostUSD = a.calc.Call(b.cfg.Model, cand.InputTokens, cand.OutputTokens)
	tracker.Commit(est, cand.CostUSD)

	if unit.Scope.Scoped() {
		cand.Items = filterScoped(b.cfg.Name, unit, cand.Items)
	}
	if verr := screenCandidate(sch, cand); verr != nil {
		return nil, &ExecutorError{
			Executor: b.cfg.Name, Stage: unit.Stage, UnitID: unit.ID,
			Err: resilience.NewPermanentError(verr),
		}
	}
	return cand, nil
}

// filterScoped drops answers outside the unit's addressed positions. Scoped
// re-extractions must not disturb items the planner locked or held.
func filterScoped(executor string, unit model.WorkUnit, items []model.CandidateItem) []model.CandidateItem {
	allowed := make(map[string]bool, len(unit.Scope.Positions))
	for _, p := range unit.Scope.Positions {
		allowed[p] = true
	}
	kept := items[:0]
	for _, it := range items {
		if allowed[it.Position] {
			kept = append(kept, it)
			continue
		}
		zap.L().Debug("executor: dropping out-of-scope item",
			zap.String("executor", executor),
			zap.String("unit", unit.ID),
			zap.String("position", it.Position))
	}
	return kept
}

// screenCandidate enforces hard schema validity: a malformed position or a
// required/type violation on any item excludes the whole candidate for this
// unit. Range and pattern violations pass through; consensus uses them for
// tie-breaking.
func screenCandidate(sch *schema.StageSchema, cand *model.Candidate) error {
	for _, it := range cand.Items {
		if _, _, ok := model.SplitPosition(it.Position); !ok {
			return eris.Errorf("executor: item position %q does not match the position grammar", it.Position)
		}
		for _, v := range sch.Validate(it.Payload) {
			if v.Rule == "required" || v.Rule == "type" {
				return eris.Errorf("executor: item at %s failed schema validation: %s", it.Position, v)
			}
		}
	}
	return nil
}
