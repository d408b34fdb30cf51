package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/janus/internal/model"
	"github.com/sells-group/janus/internal/monitoring"
	"github.com/sells-group/janus/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show run history, one run, or pipeline health",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		out := cmd.OutOrStdout()

		if health, _ := cmd.Flags().GetBool("health"); health {
			collector := monitoring.NewCollector(st, cfg.Ingest.FingerprintAttributes)
			h, err := collector.Collect(ctx, cfg.Monitoring.LookbackWindowHours)
			if err != nil {
				return eris.Wrap(err, "status health")
			}
			alerts := monitoring.NewAlerter(cfg.Monitoring).Evaluate(h)
			formatHealth(out, h, alerts)
			return nil
		}

		if len(args) == 1 {
			run, err := st.GetRun(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "status show")
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := st.ListRuns(ctx, store.RunFilter{Status: model.RunStatus(status), Limit: limit})
		if err != nil {
			return eris.Wrap(err, "status list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(out, runs)
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("health", false, "show pipeline health and threshold alerts")
	statusCmd.Flags().String("status", "", "filter by run status (running, complete, failed)")
	statusCmd.Flags().Int("limit", 20, "max number of runs to display")
	rootCmd.AddCommand(statusCmd)
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tINSERTED\tDUPLICATES\tREJECTED\tFOLDS\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t--------\t--------\t----------\t--------\t-----\t-----")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		errMsg := r.Error
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d/%d\t%s\n",
			truncateID(r.ID),
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			r.Counters.Inserted,
			r.Counters.Duplicates,
			r.Counters.Rejected,
			r.Counters.FoldsEvaluated,
			r.Counters.FoldsEvaluated+r.Counters.FoldsSkipped,
			errMsg,
		)
	}
	_ = w.Flush()
}

// formatHealth writes a health snapshot and its alerts to out.
func formatHealth(out io.Writer, h *monitoring.Health, alerts []monitoring.Alert) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	tables := make([]string, 0, len(h.Tables))
	for name := range h.Tables {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	for _, name := range tables {
		_, _ = fmt.Fprintf(w, "%s:\t%d\n", name, h.Tables[name])
	}
	if h.ObservedFrom != "" {
		_, _ = fmt.Fprintf(w, "Observed days:\t%s..%s\n", h.ObservedFrom, h.ObservedTo)
	}
	_, _ = fmt.Fprintf(w, "Late rate:\t%.2f%%\n", h.LateRate*100)
	_, _ = fmt.Fprintf(w, "Quarantine rate:\t%.2f%%\n", h.QuarantineRate*100)
	if h.LatestIngestion != nil {
		_, _ = fmt.Fprintf(w, "Latest ingestion:\t%s\n", h.LatestIngestion.Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(w, "Runs (%dh):\t%d total, %d complete, %d failed, %d running\n",
		h.LookbackHours, h.RunsTotal, h.RunsComplete, h.RunsFailed, h.RunsRunning)
	for _, a := range h.Attributes {
		fp := ""
		if !a.Fingerprinted {
			fp = " (not fingerprinted)"
		}
		_, _ = fmt.Fprintf(w, "Attribute %s:\tfirst seen %s, %d rows%s\n", a.Key, a.FirstDay, a.Rows, fp)
	}
	_ = w.Flush()

	if len(alerts) == 0 {
		fmt.Fprintln(out, "No alerts.")
		return
	}
	for _, a := range alerts {
		fmt.Fprintf(out, "[%s] %s: %s\n", a.Severity, a.Type, a.Message)
	}
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
