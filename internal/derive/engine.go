package derive

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/janus/internal/model"
	"github.com/sells-group/janus/internal/monitoring"
)

// ErrNoData is returned when the canonical store holds no records to derive from.
var ErrNoData = eris.New("derive: canonical store is empty")

// Source is the part of the canonical store the engine reads and replaces.
type Source interface {
	ObservedRange(ctx context.Context) (model.DayRange, bool, error)
	ScanEvents(ctx context.Context, days model.DayRange) ([]model.CanonicalEvent, error)
	ScanBilling(ctx context.Context, through model.Day) ([]model.CanonicalBilling, error)
	ReplaceDerived(ctx context.Context, days model.DayRange, states []model.SubscriptionState, rows []model.FeatureRow) error
}

// Engine recomputes derived tables from the canonical store.
type Engine struct {
	src      Source
	opts     Options
	counters *monitoring.Counters
}

// NewEngine creates an Engine. Nil counters get a fresh run-scoped set.
func NewEngine(src Source, counters *monitoring.Counters, opts Options) *Engine {
	if counters == nil {
		counters = monitoring.NewCounters()
	}
	return &Engine{src: src, opts: opts.withDefaults(), counters: counters}
}

// Run derives the requested day range (the whole observed range when nil),
// clipped to observed data, and replaces the derived tables for that range.
func (e *Engine) Run(ctx context.Context, requested *model.DayRange) (*Result, error) {
	log := zap.L().With(zap.String("component", "derive.engine"))
	start := time.Now()

	observed, ok, err := e.src.ObservedRange(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "derive: observed range")
	}
	if !ok {
		return nil, ErrNoData
	}

	days := observed
	if requested != nil {
		if requested.From > days.From {
			days.From = requested.From
		}
		if requested.To < days.To {
			days.To = requested.To
		}
	}
	if days.Len() == 0 {
		return nil, eris.Errorf("derive: range %s..%s lies outside observed data %s..%s",
			days.From, days.To, observed.From, observed.To)
	}

	// The user spine and event-id dedup span all observed data so a narrowed
	// range yields the same rows as a full derive.
	events, err := e.src.ScanEvents(ctx, observed)
	if err != nil {
		return nil, eris.Wrap(err, "derive: scan events")
	}
	billing, err := e.src.ScanBilling(ctx, observed.To)
	if err != nil {
		return nil, eris.Wrap(err, "derive: scan billing")
	}

	res, err := Compute(ctx, Input{
		Events:      events,
		Billing:     billing,
		Days:        days,
		MaxObserved: observed.To,
	}, e.opts)
	if err != nil {
		return nil, err
	}

	if err := e.src.ReplaceDerived(ctx, days, res.States, res.Rows); err != nil {
		return nil, eris.Wrap(err, "derive: replace derived tables")
	}

	e.counters.RecordDerived(len(res.States), len(res.Rows), res.CensoredRows)
	log.Info("derived tables replaced",
		zap.String("from", days.From.String()),
		zap.String("to", days.To.String()),
		zap.String("label_cutoff", res.LabelCutoff.String()),
		zap.Int("users", res.Users),
		zap.Int("state_rows", len(res.States)),
		zap.Int("feature_rows", len(res.Rows)),
		zap.Int("censored_rows", res.CensoredRows),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}
