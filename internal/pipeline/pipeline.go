// Package pipeline runs the churn pipeline stages in order and records each
// invocation in the store's run log.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/janus/internal/artifact"
	"github.com/sells-group/janus/internal/config"
	"github.com/sells-group/janus/internal/derive"
	"github.com/sells-group/janus/internal/evaluate"
	"github.com/sells-group/janus/internal/ingest"
	"github.com/sells-group/janus/internal/model"
	"github.com/sells-group/janus/internal/monitoring"
	"github.com/sells-group/janus/internal/raw"
	"github.com/sells-group/janus/internal/resilience"
	"github.com/sells-group/janus/internal/store"
)

// Pipeline builds stage components from configuration over one store.
type Pipeline struct {
	cfg   *config.Config
	store store.Store
}

// New creates a Pipeline.
func New(cfg *config.Config, st store.Store) *Pipeline {
	return &Pipeline{cfg: cfg, store: st}
}

// Result is the outcome of a full run. Fields for stages that did not run are nil.
type Result struct {
	RunID     string            `json:"run_id"`
	Status    model.RunStatus   `json:"status"`
	Ingest    *ingest.Result    `json:"ingest,omitempty"`
	Derive    *derive.Result    `json:"derive,omitempty"`
	Report    *evaluate.Report  `json:"-"`
	Artifacts *artifact.Written `json:"artifacts,omitempty"`
	Counters  model.RunCounters `json:"counters"`
}

// Loader returns an idempotent loader reporting into counters.
func (p *Pipeline) Loader(counters *monitoring.Counters) *ingest.Loader {
	c := p.cfg.Ingest
	return ingest.NewLoader(p.store, counters, ingest.Options{
		FingerprintAttributes: c.FingerprintAttributes,
		Lateness: ingest.LatenessPolicy{
			Grace:           p.cfg.Lateness.Grace,
			SameDayBoundary: p.cfg.Lateness.SameDayBoundary,
		},
		Retry:       resilience.FromRetryConfig(c.RetryAttempts, c.RetryBackoffMs, 0),
		Concurrency: c.Concurrency,
	})
}

// Engine returns a derivation engine reporting into counters.
func (p *Pipeline) Engine(counters *monitoring.Counters) *derive.Engine {
	c := p.cfg.Derive
	return derive.NewEngine(p.store, counters, derive.Options{
		ShortWindowDays: c.ShortWindowDays,
		LongWindowDays:  c.LongWindowDays,
		HorizonDays:     c.HorizonDays,
		Concurrency:     c.Concurrency,
	})
}

// Evaluator returns a walk-forward evaluator over the logistic baseline.
func (p *Pipeline) Evaluator(counters *monitoring.Counters) *evaluate.Evaluator {
	c := p.cfg.Evaluate
	factory := evaluate.NewLogisticFactory(evaluate.LogisticConfig{
		L2:                  c.L2,
		MaxIterations:       c.MaxIterations,
		ClassWeightBalanced: c.ClassWeightBalanced,
		Features: evaluate.FeatureSpec{
			ShortWindowDays: p.cfg.Derive.ShortWindowDays,
			LongWindowDays:  p.cfg.Derive.LongWindowDays,
		},
	})
	return evaluate.NewEvaluator(factory, counters, evaluate.Options{
		MinPositives: c.MinPositives,
		MinTrainDays: c.MinTrainDays,
		Concurrency:  c.Concurrency,
	})
}

// Ingest discovers raw batches and loads them.
func (p *Pipeline) Ingest(ctx context.Context, counters *monitoring.Counters) (*ingest.Result, error) {
	batches, err := raw.Discover(raw.Source{
		EventsDir:   p.cfg.Raw.EventsDir,
		EventsGlob:  p.cfg.Raw.EventsGlob,
		BillingDir:  p.cfg.Raw.BillingDir,
		BillingGlob: p.cfg.Raw.BillingGlob,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: discover batches")
	}
	return p.Loader(counters).LoadAll(ctx, batches)
}

// Derive recomputes derived tables for days, or the whole observed range when nil.
func (p *Pipeline) Derive(ctx context.Context, counters *monitoring.Counters, days *model.DayRange) (*derive.Result, error) {
	return p.Engine(counters).Run(ctx, days)
}

// Evaluate loads the derived rows for days and runs walk-forward evaluation.
// A nil days evaluates every row in the observed range.
func (p *Pipeline) Evaluate(ctx context.Context, counters *monitoring.Counters, days *model.DayRange) (*evaluate.Report, *model.DayRange, error) {
	if days == nil {
		observed, ok, err := p.store.ObservedRange(ctx)
		if err != nil {
			return nil, nil, eris.Wrap(err, "pipeline: observed range")
		}
		if !ok {
			return nil, nil, eris.Wrap(derive.ErrNoData, "pipeline: evaluate")
		}
		days = &observed
	}
	rows, err := p.store.LoadFeatureRows(ctx, *days)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: load feature rows")
	}
	report, err := p.Evaluator(counters).Evaluate(ctx, rows)
	if err != nil {
		return nil, nil, err
	}
	return report, days, nil
}

// WriteArtifacts writes report under outDir/runID. An empty runID gets a new
// one. Pass nil counters when this process did not ingest or derive, so the
// summary does not report zeros it never measured.
func (p *Pipeline) WriteArtifacts(ctx context.Context, outDir, runID string, days *model.DayRange, report *evaluate.Report, counters *monitoring.Counters) (*artifact.Written, error) {
	if outDir == "" {
		outDir = p.cfg.Artifacts.Dir
	}
	if runID == "" {
		runID = uuid.New().String()
	}
	in := artifact.Input{RunID: runID, Days: days, Report: report}
	if counters != nil {
		snap, err := counters.Snapshot()
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: snapshot counters")
		}
		in.Counters = &snap
	}
	return artifact.NewWriter(outDir).Write(ctx, in)
}

// Run executes ingest, derive, evaluate and write as one recorded run. A
// failed stage fails the run and later stages are not attempted; rows
// committed by earlier stages stay valid.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	counters := monitoring.NewCounters()

	run, err := p.store.CreateRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("run_id", run.ID))
	log.Info("pipeline: run started")

	res := &Result{RunID: run.ID}
	var days *model.DayRange

	stages := []struct {
		name string
		fn   func() (map[string]any, error)
	}{
		{model.StageIngest, func() (map[string]any, error) {
			r, err := p.Ingest(ctx, counters)
			if r != nil {
				res.Ingest = r
			}
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"batches":    len(r.Batches),
				"failed":     r.Failed,
				"inserted":   r.Totals.Inserted,
				"duplicates": r.Totals.Duplicates,
				"rejected":   r.Totals.Rejected,
			}, nil
		}},
		{model.StageDerive, func() (map[string]any, error) {
			r, err := p.Derive(ctx, counters, nil)
			if err != nil {
				return nil, err
			}
			res.Derive = r
			days = &r.Days
			return map[string]any{
				"from":          r.Days.From.String(),
				"to":            r.Days.To.String(),
				"label_cutoff":  r.LabelCutoff.String(),
				"users":         r.Users,
				"state_rows":    len(r.States),
				"feature_rows":  len(r.Rows),
				"censored_rows": r.CensoredRows,
			}, nil
		}},
		{model.StageEvaluate, func() (map[string]any, error) {
			report, _, err := p.Evaluate(ctx, counters, days)
			if err != nil {
				return nil, err
			}
			res.Report = report
			return map[string]any{
				"folds":     report.Summary.FoldsTotal,
				"evaluated": report.Summary.FoldsEvaluated,
				"skipped":   report.Summary.FoldsSkipped,
			}, nil
		}},
		{model.StageWrite, func() (map[string]any, error) {
			w, err := p.WriteArtifacts(ctx, "", run.ID, days, res.Report, counters)
			if err != nil {
				return nil, err
			}
			res.Artifacts = w
			return map[string]any{"dir": w.Dir, "files": len(w.Paths)}, nil
		}},
	}

	var runErr error
	for _, s := range stages {
		if runErr = p.trackStage(ctx, log, run.ID, s.name, s.fn); runErr != nil {
			break
		}
	}

	res.Status = model.RunStatusComplete
	errMsg := ""
	if runErr != nil {
		res.Status = model.RunStatusFailed
		errMsg = runErr.Error()
	}
	if snap, snapErr := counters.Snapshot(); snapErr == nil {
		res.Counters = snap
	} else {
		log.Warn("pipeline: snapshot counters", zap.Error(snapErr))
	}

	// Bookkeeping must land even when ctx was cancelled mid-run.
	finishCtx := context.WithoutCancel(ctx)
	if err := p.store.FinishRun(finishCtx, run.ID, res.Status, res.Counters, errMsg); err != nil {
		log.Warn("pipeline: failed to finish run", zap.Error(err))
	}

	if runErr != nil {
		log.Error("pipeline: run failed", zap.Error(runErr))
		return res, eris.Wrapf(runErr, "pipeline: run %s", run.ID)
	}
	log.Info("pipeline: run complete",
		zap.Int64("inserted", res.Counters.Inserted),
		zap.Int64("duplicates", res.Counters.Duplicates),
		zap.Int64("rejected", res.Counters.Rejected),
		zap.Int64("censored_rows", res.Counters.CensoredRows),
		zap.Int64("folds_evaluated", res.Counters.FoldsEvaluated),
		zap.Int64("folds_skipped", res.Counters.FoldsSkipped),
	)
	return res, nil
}

// trackStage records a stage in the run log around fn.
func (p *Pipeline) trackStage(ctx context.Context, log *zap.Logger, runID, name string, fn func() (map[string]any, error)) error {
	stage, err := p.store.StartStage(ctx, runID, name)
	if err != nil {
		return eris.Wrapf(err, "pipeline: start stage %s", name)
	}

	start := time.Now()
	result, fnErr := fn()
	duration := time.Since(start).Milliseconds()

	bookCtx := context.WithoutCancel(ctx)
	if fnErr != nil {
		log.Error("pipeline: stage failed",
			zap.String("stage", name),
			zap.Int64("duration_ms", duration),
			zap.Error(fnErr),
		)
		if err := p.store.FailStage(bookCtx, stage.ID, fnErr.Error()); err != nil {
			log.Warn("pipeline: failed to record stage failure", zap.String("stage", name), zap.Error(err))
		}
		return eris.Wrapf(fnErr, "pipeline: stage %s", name)
	}

	if result == nil {
		result = map[string]any{}
	}
	result["duration_ms"] = duration
	log.Info("pipeline: stage complete",
		zap.String("stage", name),
		zap.Int64("duration_ms", duration),
	)
	if err := p.store.CompleteStage(bookCtx, stage.ID, result); err != nil {
		return eris.Wrapf(err, "pipeline: complete stage %s", name)
	}
	return nil
}
