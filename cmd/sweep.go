package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Flush every queue whose aggregation window has passed, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.engine.Close()

			report, err := a.sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d overdue=%d flushed=%d failed=%d\n",
				report.Scanned, report.Overdue, report.Flushed, report.Failed)
			if report.Failed > 0 {
				return fmt.Errorf("%d queue(s) could not be flushed", report.Failed)
			}
			return nil
		},
	}
}
