package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/janus/internal/model"
	"github.com/sells-group/janus/internal/monitoring"
)

var deriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Recompute subscription state and feature rows",
	Long:  "Recomputes derived tables for a day range (default: the whole observed range), replacing any previous rows.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

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

		res, err := p.Derive(ctx, monitoring.NewCounters(), days)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "days %s..%s  users %d  state rows %d  feature rows %d  censored %d  label cutoff %s\n",
			res.Days.From, res.Days.To, res.Users, len(res.States), len(res.Rows), res.CensoredRows, res.LabelCutoff)
		return nil
	},
}

func init() {
	deriveCmd.Flags().String("from", "", "first day to recompute (YYYY-MM-DD)")
	deriveCmd.Flags().String("to", "", "last day to recompute (YYYY-MM-DD)")
	rootCmd.AddCommand(deriveCmd)
}

// parseDayRange parses optional --from/--to flags. With neither set it
// returns nil, meaning the whole observed range. A missing bound is open.
func parseDayRange(from, to string) (*model.DayRange, error) {
	if from == "" && to == "" {
		return nil, nil
	}
	r := model.DayRange{From: model.Day(-1 << 30), To: model.Day(1 << 30)}
	if from != "" {
		d, err := model.ParseDay(from)
		if err != nil {
			return nil, eris.Wrap(err, "parse --from")
		}
		r.From = d
	}
	if to != "" {
		d, err := model.ParseDay(to)
		if err != nil {
			return nil, eris.Wrap(err, "parse --to")
		}
		r.To = d
	}
	if r.To < r.From {
		return nil, eris.Errorf("--to %s is before --from %s", to, from)
	}
	return &r, nil
}
