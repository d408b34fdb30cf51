package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/janus/internal/evaluate"
	"github.com/sells-group/janus/internal/ingest"
	"github.com/sells-group/janus/internal/model"
	"github.com/sells-group/janus/internal/monitoring"
	"github.com/sells-group/janus/internal/raw"
)

func TestParseDayRange(t *testing.T) {
	r, err := parseDayRange("", "")
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = parseDayRange("2024-01-01", "2024-01-31")
	require.NoError(t, err)
	assert.Equal(t, model.MustParseDay("2024-01-01"), r.From)
	assert.Equal(t, model.MustParseDay("2024-01-31"), r.To)

	r, err = parseDayRange("2024-01-10", "")
	require.NoError(t, err)
	assert.Equal(t, model.MustParseDay("2024-01-10"), r.From)
	assert.True(t, r.Contains(model.MustParseDay("2030-01-01")))

	_, err = parseDayRange("2024-01-31", "2024-01-01")
	assert.Error(t, err)
	_, err = parseDayRange("yesterday", "")
	assert.Error(t, err)
}

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	done := now.Add(90 * time.Second)
	runs := []model.Run{
		{
			ID:          "abc12345-6789-0000-0000-000000000000",
			Status:      model.RunStatusComplete,
			StartedAt:   now,
			CompletedAt: &done,
			Counters:    model.RunCounters{Inserted: 120, Duplicates: 3, Rejected: 2, FoldsEvaluated: 9, FoldsSkipped: 4},
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Status:    model.RunStatusFailed,
			StartedAt: now.Add(-time.Hour),
			Error:     "pipeline: stage derive: derive: no canonical data to derive from",
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "1m30s")
	assert.Contains(t, output, "9/13")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "failed")
	assert.Contains(t, output, "...")
}

func TestFormatLoadResult(t *testing.T) {
	res := &ingest.Result{
		Totals: model.CommitResult{Inserted: 5, Duplicates: 1, Rejected: 2},
		Batches: []ingest.BatchResult{
			{Batch: raw.Batch{ID: "billing:a.csv"}, Result: model.CommitResult{Inserted: 2, Rejected: 1}},
			{Batch: raw.Batch{ID: "event:a.jsonl"}, Result: model.CommitResult{Inserted: 3, Duplicates: 1, Rejected: 1}},
			{Batch: raw.Batch{ID: "event:b.jsonl"}, Err: "open: no such file"},
		},
		Failed: 1,
	}
	var buf bytes.Buffer
	formatLoadResult(&buf, res)
	assert.Contains(t, buf.String(), "event:a.jsonl")
	assert.Contains(t, buf.String(), "open: no such file")
	assert.Contains(t, buf.String(), "1 failed")
}

func TestFormatSummary(t *testing.T) {
	mean, std := 0.8123, 0.05
	report := &evaluate.Report{
		Summary: evaluate.Summary{
			Rows:            100,
			Positives:       9,
			FoldsTotal:      5,
			FoldsEvaluated:  3,
			FoldsSkipped:    2,
			SkippedByReason: map[evaluate.SkipReason]int{evaluate.SkipNoTestPositives: 2},
			ROCAUC:          evaluate.MetricSummary{Mean: &mean, StdDev: &std, Count: 3},
		},
		FinalFit: evaluate.FinalFit{Rows: 100, ChurnRate: 0.09},
	}
	var buf bytes.Buffer
	formatSummary(&buf, report)
	out := buf.String()
	assert.Contains(t, out, "no_test_positives")
	assert.Contains(t, out, "0.8123")
	assert.Contains(t, out, "(3 folds)")
	assert.Contains(t, out, "PR AUC:")
	assert.Contains(t, out, "n/a")
	assert.Contains(t, out, "churn rate 0.090")
}

func TestFormatHealth(t *testing.T) {
	latest := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	h := &monitoring.Health{
		Tables:          map[string]int64{"canonical_events": 40, "quarantine": 2},
		LateRate:        0.125,
		LatestIngestion: &latest,
		ObservedFrom:    "2025-06-01",
		ObservedTo:      "2025-06-14",
		LookbackHours:   24,
		RunsTotal:       3,
		RunsComplete:    2,
		RunsFailed:      1,
		Attributes:      []monitoring.AttributeDrift{{Key: "ui_variant", FirstDay: "2025-06-10", Rows: 4}},
	}

	var buf bytes.Buffer
	formatHealth(&buf, h, nil)
	out := buf.String()
	assert.Contains(t, out, "canonical_events:")
	assert.Contains(t, out, "12.50%")
	assert.Contains(t, out, "2025-06-01..2025-06-14")
	assert.Contains(t, out, "ui_variant")
	assert.Contains(t, out, "not fingerprinted")
	assert.Contains(t, out, "No alerts.")

	buf.Reset()
	formatHealth(&buf, h, []monitoring.Alert{{Type: monitoring.AlertLateRate, Severity: "warning", Message: "late rate 12.5% above 10.0%"}})
	assert.Contains(t, buf.String(), "[warning] late_rate")
}
