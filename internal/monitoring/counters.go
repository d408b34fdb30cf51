// Package monitoring holds run-scoped pipeline counters and store health collection.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/janus/internal/model"
)

const namespace = "janus"

// Outcome label values.
const (
	OutcomeInserted  = "inserted"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeLoaded    = "loaded"
	OutcomeFailed    = "failed"
	OutcomeEvaluated = "evaluated"
	OutcomeSkipped   = "skipped"
)

// Counters are the counters of a single pipeline run. Each run owns its own
// registry, so nothing carries over between runs in one process.
type Counters struct {
	Records    *prometheus.CounterVec
	Rejections *prometheus.CounterVec
	Batches    *prometheus.CounterVec
	Folds      *prometheus.CounterVec

	StateRows    prometheus.Gauge
	FeatureRows  prometheus.Gauge
	CensoredRows prometheus.Gauge

	registry *prometheus.Registry
}

// NewCounters creates zeroed counters registered on a fresh registry.
func NewCounters() *Counters {
	c := &Counters{registry: prometheus.NewRegistry()}

	c.Records = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Raw records processed by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: inserted, duplicate, rejected
	)

	c.Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rejections_total",
			Help:      "Quarantined raw records by kind and reason",
		},
		[]string{"kind", "reason"},
	)

	c.Batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Raw batches by outcome",
		},
		[]string{"outcome"}, // loaded, failed
	)

	c.Folds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluate",
			Name:      "folds_total",
			Help:      "Walk-forward folds by outcome and skip reason",
		},
		[]string{"outcome", "reason"},
	)

	c.StateRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "derive",
		Name:      "state_rows",
		Help:      "Subscription-state rows written by the last derivation",
	})
	c.FeatureRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "derive",
		Name:      "feature_rows",
		Help:      "Labeled feature rows written by the last derivation",
	})
	c.CensoredRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "derive",
		Name:      "censored_rows",
		Help:      "Rows dropped because their label horizon passes the observed data",
	})

	c.registry.MustRegister(
		c.Records, c.Rejections, c.Batches, c.Folds,
		c.StateRows, c.FeatureRows, c.CensoredRows,
	)
	return c
}

// Registry returns the run's registry for exposition.
func (c *Counters) Registry() *prometheus.Registry {
	return c.registry
}

// RecordCommit adds one committed batch's result.
func (c *Counters) RecordCommit(kind model.RecordKind, res model.CommitResult) {
	k := string(kind)
	c.Records.WithLabelValues(k, OutcomeInserted).Add(float64(res.Inserted))
	c.Records.WithLabelValues(k, OutcomeDuplicate).Add(float64(res.Duplicates))
	c.Records.WithLabelValues(k, OutcomeRejected).Add(float64(res.Rejected))
	c.Batches.WithLabelValues(OutcomeLoaded).Inc()
}

// RecordRejections counts quarantined records by reason.
func (c *Counters) RecordRejections(kind model.RecordKind, rejections []model.Rejection) {
	for _, r := range rejections {
		c.Rejections.WithLabelValues(string(kind), r.Reason).Inc()
	}
}

// RecordBatchFailure counts a batch whose commit failed after retries.
func (c *Counters) RecordBatchFailure() {
	c.Batches.WithLabelValues(OutcomeFailed).Inc()
}

// RecordDerived sets the row counts of a derivation.
func (c *Counters) RecordDerived(states, rows, censored int) {
	c.StateRows.Set(float64(states))
	c.FeatureRows.Set(float64(rows))
	c.CensoredRows.Set(float64(censored))
}

// RecordFold counts one fold. reason is empty for evaluated folds.
func (c *Counters) RecordFold(skipped bool, reason string) {
	if skipped {
		c.Folds.WithLabelValues(OutcomeSkipped, reason).Inc()
		return
	}
	c.Folds.WithLabelValues(OutcomeEvaluated, "").Inc()
}

// Snapshot reads the current values into a RunCounters.
func (c *Counters) Snapshot() (model.RunCounters, error) {
	var out model.RunCounters

	families, err := c.registry.Gather()
	if err != nil {
		return out, eris.Wrap(err, "monitoring: gather counters")
	}

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := labelMap(m)
			switch mf.GetName() {
			case namespace + "_ingest_records_total":
				v := int64(m.GetCounter().GetValue())
				switch labels["outcome"] {
				case OutcomeInserted:
					out.Inserted += v
				case OutcomeDuplicate:
					out.Duplicates += v
				case OutcomeRejected:
					out.Rejected += v
				}
			case namespace + "_ingest_batches_total":
				v := int64(m.GetCounter().GetValue())
				switch labels["outcome"] {
				case OutcomeLoaded:
					out.BatchesLoaded += v
				case OutcomeFailed:
					out.BatchesFailed += v
				}
			case namespace + "_evaluate_folds_total":
				v := int64(m.GetCounter().GetValue())
				switch labels["outcome"] {
				case OutcomeEvaluated:
					out.FoldsEvaluated += v
				case OutcomeSkipped:
					out.FoldsSkipped += v
				}
			case namespace + "_derive_state_rows":
				out.StateRows = int64(m.GetGauge().GetValue())
			case namespace + "_derive_feature_rows":
				out.FeatureRows = int64(m.GetGauge().GetValue())
			case namespace + "_derive_censored_rows":
				out.CensoredRows = int64(m.GetGauge().GetValue())
			}
		}
	}
	return out, nil
}

// SkippedByReason returns skipped fold counts keyed by reason code.
func (c *Counters) SkippedByReason() (map[string]int64, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: gather counters")
	}
	out := make(map[string]int64)
	for _, mf := range families {
		if mf.GetName() != namespace+"_evaluate_folds_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := labelMap(m)
			if labels["outcome"] == OutcomeSkipped {
				out[labels["reason"]] += int64(m.GetCounter().GetValue())
			}
		}
	}
	return out, nil
}

func labelMap(m *dto.Metric) map[string]string {
	labels := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels
}
