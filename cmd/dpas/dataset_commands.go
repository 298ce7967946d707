package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"dpas/internal/dataset"
	"dpas/internal/detection"
	"dpas/internal/export"
	"dpas/internal/logging"
)

func newConvertCommand(ctx *commandContext) *cobra.Command {
	var input, output string
	var seed uint64
	var ratio float64
	var workers int

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert an exported dataset into the YOLO training layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("seed") {
				seed = uint64(time.Now().UnixNano())
				logger.Info("no --seed given; derived one from the clock", logging.Any("seed", seed))
			}
			if !cmd.Flags().Changed("ratio") {
				ratio = cfg.Dataset.TrainRatio
			}
			if workers <= 0 {
				workers = cfg.Dataset.CopyWorkers
			}

			report, err := dataset.NewConverter(logger).Run(cmd.Context(), dataset.Options{
				Input:       input,
				Output:      output,
				TrainRatio:  ratio,
				Seed:        seed,
				CopyWorkers: workers,
			})
			if err != nil {
				return err
			}

			rows := [][]string{
				{"Images", strconv.Itoa(report.Images)},
				{"Train", strconv.Itoa(report.Train)},
				{"Val", strconv.Itoa(report.Val)},
				{"Test", strconv.Itoa(report.Test)},
				{"Labels", strconv.Itoa(report.Labels)},
				{"Classes", strconv.Itoa(report.Classes)},
				{"Skipped", strconv.Itoa(len(report.Skipped))},
				{"Seed", strconv.FormatUint(report.Seed, 10)},
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(countColumns("Converted", "Count"), rows))
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Exported dataset directory (tags.json, images/, detections/)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination directory for the YOLO layout")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Shuffle seed; the same seed reproduces the same split")
	cmd.Flags().Float64Var(&ratio, "ratio", 0, "Fraction of images assigned to train (default dataset.train_ratio)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Parallel copy workers (default dataset.copy_workers)")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newExportCommand(ctx *commandContext) *cobra.Command {
	var output, prefix string
	var minConfidence float64

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored detection records as converter input",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			store, err := ctx.openResults()
			if err != nil {
				return err
			}
			if prefix != "" {
				prefix = detection.RecordPrefix + prefix
			}

			report, err := export.New(store, logger).Run(cmd.Context(), export.Options{
				Output:        output,
				Prefix:        prefix,
				MinConfidence: minConfidence,
			})
			if err != nil {
				return err
			}

			rows := [][]string{
				{"Records", strconv.Itoa(report.Records)},
				{"Detections", strconv.Itoa(report.Detections)},
				{"Filtered", strconv.Itoa(report.Filtered)},
				{"Tags", strconv.Itoa(report.Tags)},
				{"Skipped", strconv.Itoa(len(report.Skipped))},
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(countColumns("Exported", "Count"), rows))
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination directory")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Only records whose completion timestamp starts with this value (e.g. 202605 for May 2026 UTC)")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "Drop detections below this confidence")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
