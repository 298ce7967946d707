package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dpas/internal/config"
	"dpas/internal/ingest"
	"dpas/internal/ingest/video"
)

func newUploadCommand(ctx *commandContext) *cobra.Command {
	var endpoint string
	var stride int

	cmd := &cobra.Command{
		Use:   "upload <dir>",
		Short: "Submit every Nth still image in a directory to the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			client, err := ingestClient(cfg, endpoint)
			if err != nil {
				return err
			}
			if stride <= 0 {
				stride = cfg.Ingest.Stride
			}

			report, err := ingest.UploadDirectory(cmd.Context(), client, args[0], stride, logger)
			if err != nil {
				return err
			}
			printIngestReport(cmd, client.Endpoint(), report)
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Gateway /process URL (default ingest.endpoint)")
	cmd.Flags().IntVar(&stride, "stride", 0, "Submit every Nth image (default ingest.stride)")
	return cmd
}

func newSampleVideoCommand(ctx *commandContext) *cobra.Command {
	var endpoint string
	var stride int

	cmd := &cobra.Command{
		Use:   "sample-video <file>",
		Short: "Submit every Nth decoded video frame to the gateway as JPEG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			client, err := ingestClient(cfg, endpoint)
			if err != nil {
				return err
			}
			if stride <= 0 {
				stride = cfg.Ingest.Stride
			}

			reader, err := video.Open(args[0])
			if err != nil {
				return err
			}
			defer reader.Close()

			report, err := ingest.SampleFrames(cmd.Context(), client, reader, filepath.Base(args[0]), stride, logger)
			if err != nil {
				return err
			}
			printIngestReport(cmd, client.Endpoint(), report)
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Gateway /process URL (default ingest.endpoint)")
	cmd.Flags().IntVar(&stride, "stride", 300, "Submit every Nth frame")
	return cmd
}

func ingestClient(cfg *config.Config, endpoint string) (*ingest.Client, error) {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = cfg.Ingest.Endpoint
	}
	return ingest.NewClient(endpoint, time.Duration(cfg.Ingest.TimeoutSeconds)*time.Second)
}

func printIngestReport(cmd *cobra.Command, endpoint string, report ingest.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Submitted %d of %d selected (%d considered) to %s\n", report.Submitted, report.Selected, report.Considered, endpoint)
	if report.Failed == 0 {
		return
	}
	rows := make([][]string, 0, len(report.Failures))
	for _, f := range report.Failures {
		rows = append(rows, []string{f.Item, f.Err})
	}
	fmt.Fprintf(out, "%d failed:\n", report.Failed)
	fmt.Fprint(out, renderTable(failureColumns, rows))
	fmt.Fprintln(out)
}
