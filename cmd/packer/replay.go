package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"packline.ai/internal/persistence/journal"
)

func newReplayCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "replay <journal-dir>",
		Short: "Check recorded runs in an event journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			evs, err := journal.ReadDir(args[0], runID)
			if err != nil {
				return err
			}
			if len(evs) == 0 {
				return &exitError{Code: exitFailure, Err: fmt.Errorf("no events found in %s", args[0])}
			}
			if bad := printChecks(cmd.OutOrStdout(), journal.Replay(evs)); bad > 0 {
				return &exitError{Code: exitFailure, Err: fmt.Errorf("%d run(s) inconsistent", bad)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "only check this run id")
	return cmd
}

func printChecks(w io.Writer, checks []journal.RunCheck) int {
	bad := 0
	for _, c := range checks {
		state := okStyle.Render("ok")
		switch {
		case !c.OK():
			state = errorStyle.Render("inconsistent")
			bad++
		case !c.Finished:
			state = warnStyle.Render("unfinished")
		}
		fmt.Fprintf(w, "%s %s spawned=%d/%d placed=%d failed=%d degraded=%d max_height=%.3f\n",
			state, c.RunID, c.Spawned, c.Total, c.Placed, c.Failed, c.Degraded, c.MaxHeight)
		for _, p := range c.Problems {
			fmt.Fprintf(w, "  %s\n", p)
		}
	}
	return bad
}
