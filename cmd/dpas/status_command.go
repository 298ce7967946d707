package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"dpas/internal/config"
	"dpas/internal/preflight"
	"dpas/internal/queue"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show readiness checks, gateway reachability and queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if endpoint == "" {
				endpoint = cfg.Ingest.Endpoint
			}
			checks := preflight.RunAll(cfg)
			checks = append(checks, preflight.CheckGateway(cmd.Context(), endpoint))

			out := cmd.OutOrStdout()
			fmt.Fprint(out, renderTable(checkColumns, buildCheckRows(checks)))
			fmt.Fprintln(out)

			return ctx.withQueue(func(_ *config.Config, store *queue.Store) error {
				summary, err := store.Summarize(cmd.Context())
				if err != nil {
					return err
				}
				rows := [][]string{
					{"pending", strconv.Itoa(summary.Pending)},
					{"leased", strconv.Itoa(summary.Leased)},
					{"done", strconv.Itoa(summary.Done)},
					{"dead", strconv.Itoa(summary.Dead)},
				}
				fmt.Fprint(out, renderTable(countColumns("Queue", "Jobs"), rows))
				fmt.Fprintln(out)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Gateway /process URL to probe (default ingest.endpoint)")
	return cmd
}

func buildCheckRows(checks []preflight.Result) [][]string {
	rows := make([][]string, 0, len(checks))
	for _, c := range checks {
		status := "ok"
		if !c.Passed {
			status = "FAIL"
		}
		rows = append(rows, []string{c.Name, status, c.Detail})
	}
	return rows
}
