package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/janus/internal/model"
	"github.com/sells-group/janus/internal/store"
)

// Health holds a point-in-time view of pipeline health.
type Health struct {
	// Store contents.
	Tables          map[string]int64 `json:"tables"`
	LateEvents      int64            `json:"late_events"`
	LateRate        float64          `json:"late_rate"`
	QuarantineRate  float64          `json:"quarantine_rate"`
	LatestIngestion *time.Time       `json:"latest_ingestion,omitempty"`
	ObservedFrom    string           `json:"observed_from,omitempty"`
	ObservedTo      string           `json:"observed_to,omitempty"`

	// Runs within the lookback window.
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Attribute keys seen in canonical events, earliest first.
	Attributes []AttributeDrift `json:"attributes,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// AttributeDrift records when an attribute key first appeared. Keys outside
// the fingerprint allow-list are schema drift: stored, never fingerprinted.
type AttributeDrift struct {
	Key           string `json:"key"`
	FirstDay      string `json:"first_day"`
	Rows          int64  `json:"rows"`
	Fingerprinted bool   `json:"fingerprinted"`
}

// HealthSource is the slice of store.Store the collector reads.
type HealthSource interface {
	Stats(ctx context.Context) (*store.Stats, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ObservedRange(ctx context.Context) (model.DayRange, bool, error)
	ScanEvents(ctx context.Context, days model.DayRange) ([]model.CanonicalEvent, error)
}

// Collector gathers pipeline health from the store.
type Collector struct {
	store        HealthSource
	fingerprints map[string]bool
	now          func() time.Time
}

// NewCollector creates a health collector. fingerprintAttrs are the attribute
// keys that participate in event fingerprints.
func NewCollector(st HealthSource, fingerprintAttrs []string) *Collector {
	fp := make(map[string]bool, len(fingerprintAttrs))
	for _, k := range fingerprintAttrs {
		fp[k] = true
	}
	return &Collector{store: st, fingerprints: fp, now: time.Now}
}

// Collect gathers a health snapshot, counting runs started within the
// lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Health, error) {
	now := c.now().UTC()
	h := &Health{LookbackHours: lookbackHours, CollectedAt: now}

	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: store stats")
	}
	h.Tables = stats.Tables
	h.LateEvents = stats.LateEvents
	h.LatestIngestion = stats.LatestIngestion

	events := stats.Tables[store.TableEvents]
	if events > 0 {
		h.LateRate = float64(stats.LateEvents) / float64(events)
	}
	quarantined := stats.Tables[store.TableQuarantine]
	if seen := events + stats.Tables[store.TableBilling] + quarantined; seen > 0 {
		h.QuarantineRate = float64(quarantined) / float64(seen)
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		h.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			h.RunsComplete++
		case model.RunStatusFailed:
			h.RunsFailed++
		case model.RunStatusRunning:
			h.RunsRunning++
		}
	}
	if finished := h.RunsComplete + h.RunsFailed; finished > 0 {
		h.RunFailRate = float64(h.RunsFailed) / float64(finished)
	}

	observed, ok, err := c.store.ObservedRange(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: observed range")
	}
	if !ok {
		return h, nil
	}
	h.ObservedFrom, h.ObservedTo = observed.From.String(), observed.To.String()

	evs, err := c.store.ScanEvents(ctx, observed)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: scan events")
	}
	h.Attributes = c.attributeDrift(evs)

	return h, nil
}

func (c *Collector) attributeDrift(events []model.CanonicalEvent) []AttributeDrift {
	type seen struct {
		first model.Day
		rows  int64
	}
	keys := make(map[string]*seen)
	for i := range events {
		day := events[i].Day()
		for k := range events[i].Attributes {
			s, ok := keys[k]
			if !ok {
				keys[k] = &seen{first: day, rows: 1}
				continue
			}
			s.rows++
			if day < s.first {
				s.first = day
			}
		}
	}

	out := make([]AttributeDrift, 0, len(keys))
	for k, s := range keys {
		out = append(out, AttributeDrift{
			Key:           k,
			FirstDay:      s.first.String(),
			Rows:          s.rows,
			Fingerprinted: c.fingerprints[k],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstDay != out[j].FirstDay {
			return out[i].FirstDay < out[j].FirstDay
		}
		return out[i].Key < out[j].Key
	})
	return out
}
