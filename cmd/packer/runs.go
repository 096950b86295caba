package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"packline.ai/internal/persistence/indexdb"
)

func newRunsCmd() *cobra.Command {
	var (
		path   string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List indexed runs, or the placements of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" || path == indexdb.MemoryPath {
				return &exitError{Code: exitConfig, Err: fmt.Errorf("runs needs a file index (--index)")}
			}
			idx, err := indexdb.OpenSQLite(path)
			if err != nil {
				return err
			}
			defer idx.Close()

			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			if len(args) == 1 {
				rows, err := idx.Placements(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(w, rows)
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "BOX\tHANDLE\tTARGET\tERR X\tERR Y\tDEGRADED")
				for _, p := range rows {
					fmt.Fprintf(tw, "%d\t%d\t%.3f,%.3f,%.3f\t%+.4f\t%+.4f\t%v\n",
						p.Box, p.Handle, p.Target[0], p.Target[1], p.Target[2], p.ErrorX, p.ErrorY, p.Degraded)
				}
				return tw.Flush()
			}

			runs, err := idx.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(w, runs)
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tPLACED\tFAILED\tDEGRADED\tMAX H\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%d\t%.3f\t%s\n",
					r.RunID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Placed, r.Total, r.Failed, r.Degraded, r.MaxHeight, r.Err)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&path, "index", "", "sqlite placement index path")
	cmd.Flags().IntVar(&limit, "limit", 20, "result limit")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
