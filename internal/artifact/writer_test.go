package artifact

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/janus/internal/evaluate"
	"github.com/sells-group/janus/internal/model"
)

func ptr(f float64) *float64 { return &f }

func testReport() *evaluate.Report {
	d := model.MustParseDay("2024-01-02")
	intercept := -1.5
	return &evaluate.Report{
		Folds: []evaluate.FoldMetrics{
			{Day: d, Skipped: true, SkipReason: evaluate.SkipNoTestPositives, Total: 3, TrainRows: 3},
			{Day: d.Add(1), ROCAUC: ptr(0.75), PRAUC: ptr(0.5), Positives: 1, Total: 3, TrainRows: 6},
		},
		Summary: evaluate.Summary{
			FoldsTotal:      2,
			FoldsEvaluated:  1,
			FoldsSkipped:    1,
			SkippedByReason: map[evaluate.SkipReason]int{evaluate.SkipNoTestPositives: 1},
		},
		FinalFit: evaluate.FinalFit{
			Rows:      9,
			Positives: 2,
			ChurnRate: 2.0 / 9,
			Intercept: &intercept,
			Coefficients: []evaluate.Coefficient{
				{Feature: "support_tickets_14d", Weight: 0.8},
				{Feature: "events_7d", Weight: -1.2},
			},
		},
	}
}

func testWriter(t *testing.T) *Writer {
	w := NewWriter(t.TempDir())
	w.now = func() time.Time { return time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC) }
	return w
}

func TestWrite_ProducesVerifiableRunDirectory(t *testing.T) {
	w := testWriter(t)
	days := model.DayRange{From: model.MustParseDay("2024-01-01"), To: model.MustParseDay("2024-01-03")}
	out, err := w.Write(context.Background(), Input{
		RunID:    "run-1",
		Days:     &days,
		Report:   testReport(),
		Counters: &model.RunCounters{Inserted: 40, Duplicates: 2, Rejected: 1, CensoredRows: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, w.Dir("run-1"), out.Dir)
	assert.Len(t, out.Paths, 4)
	assert.Equal(t, filepath.Join(out.Dir, FileManifest), out.Paths[3])

	m, err := Verify(out.Dir)
	require.NoError(t, err)
	assert.True(t, m.Complete)
	assert.Equal(t, "run-1", m.RunID)
	assert.Len(t, m.Files, 3)

	entries, err := os.ReadDir(out.Dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{FileFolds, FileCoefficients, FileSummary, FileManifest}, names)
}

func TestWrite_FoldsCSV(t *testing.T) {
	out, err := testWriter(t).Write(context.Background(), Input{RunID: "r", Report: testReport()})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(out.Dir, FileFolds))
	require.NoError(t, err)
	assert.Contains(t, string(data), "fold_day,roc_auc,pr_auc,skipped,skip_reason,positives,total,train_rows\n")
	assert.Contains(t, string(data), "2024-01-02,,,true,no_test_positives,0,3,3\n")

	var folds []evaluate.FoldMetrics
	require.NoError(t, csvutil.Unmarshal(data, &folds))
	assert.Equal(t, testReport().Folds, folds)
}

func TestWrite_CoefficientsAndSummary(t *testing.T) {
	out, err := testWriter(t).Write(context.Background(), Input{
		RunID:    "r",
		Report:   testReport(),
		Counters: &model.RunCounters{Inserted: 40, Duplicates: 2, Rejected: 1, CensoredRows: 7},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(out.Dir, FileCoefficients))
	require.NoError(t, err)
	var coefs []evaluate.Coefficient
	require.NoError(t, csvutil.Unmarshal(data, &coefs))
	assert.Equal(t, testReport().FinalFit.Coefficients, coefs)

	data, err = os.ReadFile(filepath.Join(out.Dir, FileSummary))
	require.NoError(t, err)
	var s map[string]any
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, "r", s["run_id"])
	counters := s["counters"].(map[string]any)
	assert.EqualValues(t, 40, counters["inserted"])
	assert.EqualValues(t, 7, counters["censored_rows"])
	eval := s["evaluation"].(map[string]any)
	assert.EqualValues(t, 1, eval["folds_skipped"])
	assert.EqualValues(t, 1, eval["skipped_by_reason"].(map[string]any)["no_test_positives"])
	ff := s["final_fit"].(map[string]any)
	assert.EqualValues(t, 9, ff["rows"])
	assert.NotContains(t, ff, "coefficients")
}

func TestWrite_SummaryOmitsMissingCounters(t *testing.T) {
	out, err := testWriter(t).Write(context.Background(), Input{RunID: "eval-only", Report: testReport()})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(out.Dir, FileSummary))
	require.NoError(t, err)
	var s map[string]any
	require.NoError(t, json.Unmarshal(data, &s))
	assert.NotContains(t, s, "counters")
	assert.Contains(t, s, "evaluation")
}

func TestWrite_EmptyReportWritesHeaders(t *testing.T) {
	out, err := testWriter(t).Write(context.Background(), Input{
		RunID:  "empty",
		Report: &evaluate.Report{FinalFit: evaluate.FinalFit{Error: "no rows"}},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(out.Dir, FileCoefficients))
	require.NoError(t, err)
	assert.Equal(t, "feature,weight\n", string(data))

	_, err = Verify(out.Dir)
	require.NoError(t, err)
}

func TestWrite_RequiresRunIDAndReport(t *testing.T) {
	w := testWriter(t)
	_, err := w.Write(context.Background(), Input{Report: testReport()})
	require.Error(t, err)
	_, err = w.Write(context.Background(), Input{RunID: "r"})
	require.Error(t, err)
}

func TestWrite_CancelledLeavesNoManifest(t *testing.T) {
	w := testWriter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Write(ctx, Input{RunID: "r", Report: testReport()})
	require.Error(t, err)

	_, err = Verify(w.Dir("r"))
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestWrite_RewriteReplacesManifest(t *testing.T) {
	w := testWriter(t)
	_, err := w.Write(context.Background(), Input{RunID: "r", Report: testReport()})
	require.NoError(t, err)

	report := testReport()
	report.Folds = report.Folds[:1]
	_, err = w.Write(context.Background(), Input{RunID: "r", Report: report})
	require.NoError(t, err)

	_, err = Verify(w.Dir("r"))
	require.NoError(t, err)
}
