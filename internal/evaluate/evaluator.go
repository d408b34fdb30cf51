package evaluate

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/janus/internal/model"
	"github.com/sells-group/janus/internal/monitoring"
)

// SkipReason explains why a fold produced no metrics.
type SkipReason string

const (
	SkipNoHistory         SkipReason = "no_history"
	SkipNoTestPositives   SkipReason = "no_test_positives"
	SkipDegenerateLabels  SkipReason = "degenerate_training_labels"
	SkipFitFailed         SkipReason = "fit_failed"
	SkipPredictionFailure SkipReason = "prediction_failed"
)

// Options configures walk-forward evaluation.
type Options struct {
	// MinPositives is the fewest test-day churners a fold needs to be scored.
	MinPositives int
	// MinTrainDays is the fewest distinct past days a fold needs to be scored.
	MinTrainDays int
	Concurrency  int
}

// FoldMetrics is the outcome of one walk-forward fold. ROCAUC is nil when the
// test day has a single class even though the fold was scored.
type FoldMetrics struct {
	Day        model.Day  `json:"fold_day" csv:"fold_day"`
	ROCAUC     *float64   `json:"roc_auc" csv:"roc_auc"`
	PRAUC      *float64   `json:"pr_auc" csv:"pr_auc"`
	Skipped    bool       `json:"skipped" csv:"skipped"`
	SkipReason SkipReason `json:"skip_reason,omitempty" csv:"skip_reason"`
	Positives  int        `json:"positives" csv:"positives"`
	Total      int        `json:"total" csv:"total"`
	TrainRows  int        `json:"train_rows" csv:"train_rows"`
}

// Summary aggregates metrics over evaluated folds. Skipped folds are counted,
// never averaged in.
type Summary struct {
	ROCAUC          MetricSummary      `json:"roc_auc"`
	PRAUC           MetricSummary      `json:"pr_auc"`
	FoldsTotal      int                `json:"folds_total"`
	FoldsEvaluated  int                `json:"folds_evaluated"`
	FoldsSkipped    int                `json:"folds_skipped"`
	SkippedByReason map[SkipReason]int `json:"skipped_by_reason"`
	Rows            int                `json:"rows"`
	Positives       int                `json:"positives"`
	FirstDay        *model.Day         `json:"first_day,omitempty"`
	LastDay         *model.Day         `json:"last_day,omitempty"`
}

// FinalFit describes the model fit on every row after cross-validation.
type FinalFit struct {
	Rows         int           `json:"rows"`
	Positives    int           `json:"positives"`
	ChurnRate    float64       `json:"churn_rate"`
	Intercept    *float64      `json:"intercept,omitempty"`
	Coefficients []Coefficient `json:"-"`
	Error        string        `json:"error,omitempty"`
}

// Report is the complete evaluation output.
type Report struct {
	Folds    []FoldMetrics `json:"folds"`
	Summary  Summary       `json:"summary"`
	FinalFit FinalFit      `json:"final_fit"`
}

// Evaluator runs walk-forward temporal cross-validation.
type Evaluator struct {
	factory  Factory
	opts     Options
	counters *monitoring.Counters
}

// NewEvaluator creates an Evaluator. Nil counters get a fresh run-scoped set.
func NewEvaluator(factory Factory, counters *monitoring.Counters, opts Options) *Evaluator {
	if counters == nil {
		counters = monitoring.NewCounters()
	}
	if opts.MinPositives <= 0 {
		opts.MinPositives = 1
	}
	if opts.MinTrainDays <= 0 {
		opts.MinTrainDays = 1
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Evaluator{factory: factory, opts: opts, counters: counters}
}

// Evaluate scores one fold per distinct day after the earliest: the model is
// fit on rows dated strictly before the day and scored on that day's rows.
// Folds run in parallel and never share state.
func (e *Evaluator) Evaluate(ctx context.Context, rows []model.FeatureRow) (*Report, error) {
	log := zap.L().With(zap.String("component", "evaluate.evaluator"))
	start := time.Now()

	sorted := append([]model.FeatureRow(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Day != sorted[j].Day {
			return sorted[i].Day < sorted[j].Day
		}
		return sorted[i].UserID < sorted[j].UserID
	})

	days, offsets := dayOffsets(sorted)
	var folds []FoldMetrics
	if len(days) > 1 {
		folds = make([]FoldMetrics, len(days)-1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i := 1; i < len(days); i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			train := sorted[:offsets[i]]
			test := sorted[offsets[i]:offsets[i+1]]
			fm, err := e.fold(days[i], i, train, test)
			if err != nil {
				return err
			}
			folds[i-1] = fm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "evaluate: folds")
	}

	for _, fm := range folds {
		e.counters.RecordFold(fm.Skipped, string(fm.SkipReason))
		if fm.Skipped {
			log.Info("fold skipped",
				zap.String("day", fm.Day.String()),
				zap.String("reason", string(fm.SkipReason)),
				zap.Int("positives", fm.Positives),
				zap.Int("total", fm.Total),
			)
		}
	}

	report := &Report{Folds: folds, Summary: summarizeFolds(sorted, days, folds)}
	report.FinalFit = e.finalFit(sorted)

	log.Info("evaluation complete",
		zap.Int("folds", report.Summary.FoldsTotal),
		zap.Int("evaluated", report.Summary.FoldsEvaluated),
		zap.Int("skipped", report.Summary.FoldsSkipped),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

// fold evaluates a single test day. pastDays is the number of distinct days
// in train. Returns an error only on a leakage violation.
func (e *Evaluator) fold(d model.Day, pastDays int, train, test []model.FeatureRow) (FoldMetrics, error) {
	fm := FoldMetrics{Day: d, Total: len(test), TrainRows: len(train)}
	labels := make([]bool, len(test))
	for i, r := range test {
		labels[i] = r.Churn
		fm.Positives += r.Label()
	}

	for _, r := range train {
		if r.Day >= d {
			return fm, eris.Errorf("evaluate: fold %s training set holds row dated %s", d, r.Day)
		}
	}

	skip := func(reason SkipReason) (FoldMetrics, error) {
		fm.Skipped, fm.SkipReason = true, reason
		return fm, nil
	}

	if len(train) == 0 || pastDays < e.opts.MinTrainDays {
		return skip(SkipNoHistory)
	}
	if fm.Positives < e.opts.MinPositives || fm.Positives == 0 {
		return skip(SkipNoTestPositives)
	}

	clf := e.factory()
	if err := clf.Fit(train); err != nil {
		if errors.Is(err, ErrDegenerateLabels) {
			return skip(SkipDegenerateLabels)
		}
		zap.L().Warn("fold fit failed", zap.String("day", d.String()), zap.Error(err))
		return skip(SkipFitFailed)
	}
	scores, err := clf.PredictProba(test)
	if err != nil || len(scores) != len(test) {
		zap.L().Warn("fold prediction failed", zap.String("day", d.String()), zap.Error(err))
		return skip(SkipPredictionFailure)
	}

	if auc, ok := ROCAUC(scores, labels); ok {
		fm.ROCAUC = &auc
	}
	if ap, ok := AveragePrecision(scores, labels); ok {
		fm.PRAUC = &ap
	}
	return fm, nil
}

func (e *Evaluator) finalFit(rows []model.FeatureRow) FinalFit {
	ff := FinalFit{Rows: len(rows)}
	for _, r := range rows {
		ff.Positives += r.Label()
	}
	if len(rows) > 0 {
		ff.ChurnRate = float64(ff.Positives) / float64(len(rows))
	}

	clf := e.factory()
	if err := clf.Fit(rows); err != nil {
		ff.Error = err.Error()
		zap.L().Warn("final fit failed", zap.String("component", "evaluate.evaluator"), zap.Error(err))
		return ff
	}
	if ex, ok := clf.(CoefficientExporter); ok {
		ff.Coefficients = ex.Coefficients()
	}
	if lr, ok := clf.(*LogisticRegression); ok {
		b := lr.Intercept()
		ff.Intercept = &b
	}
	return ff
}

// dayOffsets returns the distinct days of day-sorted rows and the index where
// each begins, with a final sentinel equal to len(rows).
func dayOffsets(rows []model.FeatureRow) ([]model.Day, []int) {
	var days []model.Day
	var offsets []int
	for i, r := range rows {
		if i == 0 || r.Day != rows[i-1].Day {
			days = append(days, r.Day)
			offsets = append(offsets, i)
		}
	}
	offsets = append(offsets, len(rows))
	return days, offsets
}

func summarizeFolds(rows []model.FeatureRow, days []model.Day, folds []FoldMetrics) Summary {
	s := Summary{
		FoldsTotal:      len(folds),
		SkippedByReason: make(map[SkipReason]int),
		Rows:            len(rows),
	}
	for _, r := range rows {
		s.Positives += r.Label()
	}
	if len(days) > 0 {
		first, last := days[0], days[len(days)-1]
		s.FirstDay, s.LastDay = &first, &last
	}

	var roc, pr []float64
	for _, fm := range folds {
		if fm.Skipped {
			s.FoldsSkipped++
			s.SkippedByReason[fm.SkipReason]++
			continue
		}
		s.FoldsEvaluated++
		if fm.ROCAUC != nil {
			roc = append(roc, *fm.ROCAUC)
		}
		if fm.PRAUC != nil {
			pr = append(pr, *fm.PRAUC)
		}
	}
	s.ROCAUC = summarize(roc)
	s.PRAUC = summarize(pr)
	return s
}
