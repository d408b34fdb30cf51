package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/janus/internal/evaluate"
	"github.com/sells-group/janus/internal/monitoring"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run walk-forward evaluation and write artifacts",
	Long:  "Fits the baseline classifier on strictly earlier days for every fold day, scores it, and writes fold metrics, summary and coefficients.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		out, _ := cmd.Flags().GetString("out")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		days, err := parseDayRange(from, to)
		if err != nil {
			return err
		}

		p, st, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, evaluated, err := p.Evaluate(ctx, monitoring.NewCounters(), days)
		if err != nil {
			return err
		}
		// Ingest and derive counters belong to earlier invocations.
		written, err := p.WriteArtifacts(ctx, out, "", evaluated, report, nil)
		if err != nil {
			return err
		}

		formatSummary(cmd.OutOrStdout(), report)
		fmt.Fprintf(cmd.OutOrStdout(), "artifacts: %s\n", written.Dir)
		return nil
	},
}

func init() {
	evaluateCmd.Flags().String("out", "", "artifact root directory (default from config)")
	evaluateCmd.Flags().String("from", "", "first feature row day to evaluate (YYYY-MM-DD)")
	evaluateCmd.Flags().String("to", "", "last feature row day to evaluate (YYYY-MM-DD)")
	rootCmd.AddCommand(evaluateCmd)
}

// formatSummary writes the evaluation summary to out.
func formatSummary(out io.Writer, report *evaluate.Report) {
	s := report.Summary
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Rows:\t%d (%d positive)\n", s.Rows, s.Positives)
	_, _ = fmt.Fprintf(w, "Folds:\t%d\n", s.FoldsTotal)
	_, _ = fmt.Fprintf(w, "  Evaluated:\t%d\n", s.FoldsEvaluated)
	_, _ = fmt.Fprintf(w, "  Skipped:\t%d\n", s.FoldsSkipped)
	for _, reason := range []evaluate.SkipReason{
		evaluate.SkipNoHistory,
		evaluate.SkipNoTestPositives,
		evaluate.SkipDegenerateLabels,
		evaluate.SkipFitFailed,
		evaluate.SkipPredictionFailure,
	} {
		if n := s.SkippedByReason[reason]; n > 0 {
			_, _ = fmt.Fprintf(w, "    %s:\t%d\n", reason, n)
		}
	}
	_, _ = fmt.Fprintf(w, "ROC AUC:\t%s\n", formatMetric(s.ROCAUC))
	_, _ = fmt.Fprintf(w, "PR AUC:\t%s\n", formatMetric(s.PRAUC))
	if report.FinalFit.Error != "" {
		_, _ = fmt.Fprintf(w, "Final fit:\tfailed: %s\n", report.FinalFit.Error)
	} else {
		_, _ = fmt.Fprintf(w, "Final fit:\t%d rows, churn rate %.3f\n", report.FinalFit.Rows, report.FinalFit.ChurnRate)
	}
	_ = w.Flush()
}

func formatMetric(m evaluate.MetricSummary) string {
	switch {
	case m.Mean == nil:
		return "n/a"
	case m.StdDev == nil:
		return fmt.Sprintf("%.4f (1 fold)", *m.Mean)
	default:
		return fmt.Sprintf("%.4f ± %.4f (%d folds)", *m.Mean, *m.StdDev, m.Count)
	}
}
