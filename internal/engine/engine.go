// Package engine drives one extraction run to a terminal state: it sequences
// the extraction stages, fans units out through the executor adapter, merges
// candidates via consensus, scores the merged layout with the visual
// comparator, and iterates — locking confirmed positions, re-extracting
// disputed ones — until the accuracy target, the budget, or a plateau ends
// the run. The run loop is the single writer of RunState; fan-out goroutines
// only return values and settle the budget tracker.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shelfsight/shelfscan/internal/budget"
	"github.com/shelfsight/shelfscan/internal/config"
	"github.com/shelfsight/shelfscan/internal/consensus"
	"github.com/shelfsight/shelfscan/internal/cost"
	"github.com/shelfsight/shelfscan/internal/executor"
	"github.com/shelfsight/shelfscan/internal/iterate"
	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/schema"
	"github.com/shelfsight/shelfscan/internal/store"
)

// Comparator scores a merged layout against the source photo. The rendering
// and the scoring function live behind this interface; the engine only
// consumes the report.
type Comparator interface {
	Compare(ctx context.Context, result *model.MergedResult, imageRef string) (*model.ComparatorReport, error)
}

// Engine holds the run-independent collaborators. One Engine serves many
// concurrent runs; everything per-run lives in the loop created by Run.
type Engine struct {
	cfg      *config.Config
	store    store.Store
	adapter  *executor.Adapter
	cmp      Comparator
	reg      *schema.Registry
	resolver *consensus.Resolver
	planner  *iterate.Planner
	calc     *cost.Calculator
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithResolver replaces the default consensus resolver, e.g. to install a
// different tie-break strategy.
func WithResolver(r *consensus.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithCalculator replaces the default pricing calculator.
func WithCalculator(c *cost.Calculator) Option {
	return func(e *Engine) { e.calc = c }
}

// New wires an engine from configuration. The resolver's tie-break priority
// and the adapter's fan-out set both come from cfg.Executors order.
func New(cfg *config.Config, st store.Store, adapter *executor.Adapter, cmp Comparator, reg *schema.Registry, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		store:   st,
		adapter: adapter,
		cmp:     cmp,
		reg:     reg,
		planner: iterate.NewPlanner(iterate.PlannerConfig{
			LockThreshold:      cfg.Run.LockThreshold,
			ReextractThreshold: cfg.Run.ReextractThreshold,
		}),
		calc: cost.NewCalculator(cost.DefaultRates()),
	}
	for _, o := range opts {
		o(e)
	}
	if e.resolver == nil {
		e.resolver = consensus.NewResolver(cfg.ExecutorOrder(), reg)
	}
	return e
}

// loop is the per-run mutable state. Only the goroutine running Engine.Run
// touches it.
type loop struct {
	run      *model.Run
	state    *model.RunState
	tracker  *budget.Tracker
	plateau  *iterate.Plateau
	machine  *machine
	imageRef string
	attempts map[string]int // stage/shelf -> re-extraction attempts
}

// Run executes one job to a terminal state. DONE and ESCALATE return a nil
// error; ABORTED returns the final state together with the typed error that
// ended the run. A failed run is never reported as a completed one.
func (e *Engine) Run(ctx context.Context, job model.Job) (*model.RunState, error) {
	if job.ImageRef == "" {
		return nil, eris.New("engine: job image_ref required")
	}

	run, err := e.store.CreateRun(ctx, job)
	if err != nil {
		return nil, eris.Wrap(err, "engine: create run")
	}
	log := zap.L().With(zap.String("run", run.ID), zap.String("image", job.ImageRef))
	log.Info("engine: run starting")

	target := e.cfg.Run.TargetAccuracyPct()
	if job.TargetAccuracy > 0 {
		target = job.TargetAccuracy
	}

	l := &loop{
		run:     run,
		tracker: budget.NewTracker(e.cfg.Run.BudgetLimits()),
		plateau: iterate.NewPlateau(e.cfg.Run.PlateauWindow, e.cfg.Run.PlateauEpsilon),
		machine: newMachine(),
		state: &model.RunState{
			RunID:          run.ID,
			Stage:          model.StageStructure,
			TargetAccuracy: target,
		},
		imageRef: job.ImageRef,
		attempts: make(map[string]int),
	}

	if err := e.store.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning); err != nil {
		return nil, eris.Wrap(err, "engine: mark run running")
	}

	state, err := e.drive(ctx, l)
	if err != nil {
		log.Warn("engine: run ended abnormally",
			zap.String("reason", state.Reason),
			zap.Float64("accuracy", state.Accuracy),
			zap.Error(err))
		return state, err
	}
	log.Info("engine: run finished",
		zap.String("reason", state.Reason),
		zap.Float64("accuracy", state.Accuracy),
		zap.Int("iterations", state.Iteration),
		zap.Float64("cost_usd", state.Budget.SpentUSD))
	return state, nil
}

// drive is the state machine. The initial pass runs every extraction stage
// in full; afterwards the compare/decide loop re-runs only the positions the
// planner disputes.
func (e *Engine) drive(ctx context.Context, l *loop) (*model.RunState, error) {
	for _, stage := range model.ExtractionStages() {
		if ctx.Err() != nil {
			return e.abort(ctx, l, model.ReasonCancelled, ctx.Err())
		}
		units := l.initialUnits(stage)
		if len(units) == 0 {
			zap.L().Warn("engine: stage produced no work units",
				zap.String("run", l.run.ID), zap.String("stage", stage.String()))
			continue
		}
		if err := e.enterStage(ctx, l, stage, units, nil); err != nil {
			return e.fail(ctx, l, err)
		}
	}

	for {
		if err := l.tracker.StartIteration(); err != nil {
			return e.abort(ctx, l, model.ReasonIterationCeiling, err)
		}
		l.state.Iteration = l.tracker.Iteration()

		if err := l.machine.to(StateCompare); err != nil {
			return e.fail(ctx, l, err)
		}
		l.state.Stage = model.StageValidation
		rep, err := e.compare(ctx, l)
		if err != nil {
			var bErr *model.BudgetExceededError
			if errors.As(err, &bErr) {
				return e.abort(ctx, l, budgetReason(bErr), err)
			}
			return e.abort(ctx, l, model.ReasonComparatorFailed, err)
		}
		l.state.Accuracy = rep.OverallAccuracy

		if err := l.machine.to(StateDecide); err != nil {
			return e.fail(ctx, l, err)
		}
		plan := e.planner.Plan(l.state.Result.Items, rep)
		l.apply(plan)
		l.plateau.Observe(rep.OverallAccuracy, l.state.Result.LockedCount())

		decision, reason := e.decide(ctx, l, plan)
		e.appendIteration(ctx, l, rep, plan, decision)

		switch decision {
		case StateDone:
			return e.finish(ctx, l, StateDone, reason)
		case StateEscalate:
			return e.finish(ctx, l, StateEscalate, reason)
		case StateAborted:
			if reason == model.ReasonCancelled {
				return e.abort(ctx, l, reason, ctx.Err())
			}
			return e.abort(ctx, l, reason, &model.BudgetExceededError{
				Dimension: model.BudgetTime,
				Limit:     l.tracker.Remaining().Limits.MaxDuration.Seconds(),
				Needed:    l.tracker.Remaining().Elapsed.Seconds(),
			})
		}

		retry := iterate.RetryContextFor(l.state.Iteration, plan.Reextract, &l.state.Result)
		for _, stage := range []model.Stage{model.StageItems, model.StageDetails} {
			units := l.scopedUnits(stage, plan)
			if len(units) == 0 {
				continue
			}
			if err := e.enterStage(ctx, l, stage, units, retry); err != nil {
				return e.fail(ctx, l, err)
			}
		}
	}
}

// enterStage transitions the machine, runs the units, and persists the
// merged state at the stage boundary.
func (e *Engine) enterStage(ctx context.Context, l *loop, stage model.Stage, units []model.WorkUnit, retry *model.RetryContext) error {
	if err := l.machine.to(StateStage); err != nil {
		return err
	}
	l.state.Stage = stage
	if err := e.runStage(ctx, l, stage, units, retry); err != nil {
		return err
	}
	e.saveState(ctx, l)
	return nil
}

// runStage fans the stage's units out under the configured concurrency
// bound. Each unit reserves budget before its fan-out launches and merges
// through consensus inside its goroutine; integration into RunState happens
// afterwards, in unit order, on the loop goroutine only. A group error
// discards the whole pass so the prior state stays fully merged.
func (e *Engine) runStage(ctx context.Context, l *loop, stage model.Stage, units []model.WorkUnit, retry *model.RetryContext) error {
	results := make([][]model.ExtractedItem, len(units))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Engine.UnitConcurrency)
	for i, unit := range units {
		g.Go(func() error {
			est, err := e.adapter.EstimateUnit(unit)
			if err != nil {
				return err
			}
			if err := l.tracker.Reserve(est, e.adapter.TimeEstimate()); err != nil {
				return err
			}
			cands, execErrs := e.adapter.Run(gCtx, l.tracker, unit, l.imageRef, scopedRetry(retry, unit))
			if len(cands) == 0 {
				return &model.AllExecutorsFailedError{
					Stage:    stage,
					UnitID:   unit.ID,
					Failures: executor.Failures(execErrs),
				}
			}
			items, err := e.resolver.Merge(unit, cands)
			if err != nil {
				return err
			}
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range units {
		l.integrate(stage, results[i])
	}
	zap.L().Info("engine: stage merged",
		zap.String("run", l.run.ID),
		zap.String("stage", stage.String()),
		zap.Int("units", len(units)),
		zap.Int("items", len(l.state.Result.Items)))
	return nil
}

// compare invokes the visual comparator on the composed result. The call is
// budgeted like any other spend and time-boxed to whichever is tighter: the
// configured comparator timeout or the run's remaining time budget.
func (e *Engine) compare(ctx context.Context, l *loop) (*model.ComparatorReport, error) {
	timeout := time.Duration(e.cfg.Comparator.TimeoutSecs) * time.Second
	if remaining := l.tracker.Remaining().RemainingTime(); remaining < timeout {
		timeout = remaining
	}

	est := e.calc.Compare()
	if err := l.tracker.Reserve(est, timeout); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	rep, err := e.cmp.Compare(cctx, &l.state.Result, l.imageRef)
	l.tracker.Commit(est, est)
	if err != nil {
		return nil, eris.Wrap(err, "engine: comparator call")
	}
	rep.Elapsed = time.Since(start)
	return rep, nil
}

// decide orders the terminal checks: exhausted budget beats everything (a
// run that ran out is aborted, not done), then the accuracy target, then
// whether any automatic progress is still possible. StateStage means another
// scoped pass.
func (e *Engine) decide(ctx context.Context, l *loop, plan *model.IterationPlan) (State, string) {
	if ctx.Err() != nil {
		return StateAborted, model.ReasonCancelled
	}
	if l.tracker.ExceededTime() {
		return StateAborted, model.ReasonBudgetTime
	}
	if l.state.Accuracy >= l.state.TargetAccuracy {
		return StateDone, model.ReasonTargetReached
	}
	if plan.Empty() {
		return StateEscalate, model.ReasonEmptyPlan
	}
	if l.plateau.Stalled() {
		return StateEscalate, model.ReasonPlateau
	}
	return StateStage, ""
}

// appendIteration writes the audit record for one compare/decide round.
// Audit failures are logged, not fatal: the run outcome must not depend on
// the audit trail.
func (e *Engine) appendIteration(ctx context.Context, l *loop, rep *model.ComparatorReport, plan *model.IterationPlan, decision State) {
	snap := l.tracker.Remaining()
	rec := model.IterationRecord{
		RunID:       l.run.ID,
		Iteration:   l.state.Iteration,
		Accuracy:    rep.OverallAccuracy,
		LockedCount: l.state.Result.LockedCount(),
		TotalCount:  len(l.state.Result.Items),
		Locked:      plan.Lock,
		Mismatches:  rep.Mismatches,
		Decision:    string(decision),
		CostUSD:     snap.SpentUSD,
		Elapsed:     snap.Elapsed,
	}
	for _, u := range plan.Unlocks {
		rec.Unlocked = append(rec.Unlocked, u.Position)
	}
	for _, t := range plan.Reextract {
		rec.Reextracted = append(rec.Reextracted, t.Position)
	}
	if err := e.store.AppendIteration(ctx, l.run.ID, rec); err != nil {
		zap.L().Warn("engine: append iteration record failed",
			zap.String("run", l.run.ID), zap.Error(err))
	}
	if e.cfg.Engine.SaveEveryIteration {
		e.saveState(ctx, l)
	}
}

// finish closes a run in a non-failed terminal state.
func (e *Engine) finish(ctx context.Context, l *loop, terminal State, reason string) (*model.RunState, error) {
	if err := l.machine.to(terminal); err != nil {
		return e.fail(ctx, l, err)
	}
	l.state.Reason = reason
	l.state.Incomplete = false
	e.persistTerminal(ctx, l, terminal.status())
	return l.state, nil
}

// abort closes the run as ABORTED with the best merged result so far. The
// incomplete marker and the returned error keep the failure visible; an
// aborted run must never look completed.
func (e *Engine) abort(ctx context.Context, l *loop, reason string, cause error) (*model.RunState, error) {
	l.machine.current = StateAborted
	l.state.Reason = reason
	l.state.Incomplete = true
	e.persistTerminal(ctx, l, model.RunStatusAborted)
	if cause == nil {
		cause = eris.Errorf("engine: run aborted: %s", reason)
	}
	return l.state, cause
}

// fail maps an in-flight error to its terminal reason and aborts.
func (e *Engine) fail(ctx context.Context, l *loop, err error) (*model.RunState, error) {
	var bErr *model.BudgetExceededError
	var aErr *model.AllExecutorsFailedError
	switch {
	// Operator cancellation first: a cancelled fan-out also looks like every
	// executor failing, and the reason must say who stopped the run.
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return e.abort(ctx, l, model.ReasonCancelled, err)
	case errors.As(err, &bErr):
		return e.abort(ctx, l, budgetReason(bErr), err)
	case errors.As(err, &aErr):
		return e.abort(ctx, l, model.ReasonAllExecutorsFailed, err)
	default:
		return e.abort(ctx, l, "internal_error", err)
	}
}

func budgetReason(err *model.BudgetExceededError) string {
	switch err.Dimension {
	case model.BudgetTime:
		return model.ReasonBudgetTime
	case model.BudgetIterations:
		return model.ReasonIterationCeiling
	default:
		return model.ReasonBudgetCost
	}
}

// persistTerminal saves the final state and status. The terminal write uses
// a fresh context so a cancelled run still records how it ended.
func (e *Engine) persistTerminal(ctx context.Context, l *loop, status model.RunStatus) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	e.saveState(ctx, l)
	if err := e.store.UpdateRunStatus(ctx, l.run.ID, status); err != nil {
		zap.L().Error("engine: persist terminal status failed",
			zap.String("run", l.run.ID), zap.String("status", string(status)), zap.Error(err))
	}
}

func (e *Engine) saveState(ctx context.Context, l *loop) {
	l.state.Budget = l.tracker.Remaining()
	l.state.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveRunState(ctx, l.run.ID, l.state); err != nil {
		zap.L().Warn("engine: save run state failed",
			zap.String("run", l.run.ID), zap.Error(err))
	}
}
