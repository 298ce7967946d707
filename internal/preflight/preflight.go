package preflight

import (
	"fmt"
	"strings"

	"dpas/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes the checks a serving or consuming process needs.
func RunAll(cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Results directory", cfg.Paths.ResultsDir),
	}
	if cfg.Logging.File != "" {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	}
	if cfg.Detector.Backend == config.BackendGoCV {
		results = append(results, CheckModelFile("Model", cfg.Detector.ModelPath, true))
		results = append(results, CheckModelFile("Model config", cfg.Detector.ConfigPath, false))
		results = append(results, CheckModelFile("Labels", cfg.Detector.LabelsPath, false))
	}
	return results
}

// Failed returns the failing results.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

// Err summarizes failing results as one error, or nil when all passed.
func Err(results []Result) error {
	failed := Failed(results)
	if len(failed) == 0 {
		return nil
	}
	parts := make([]string, 0, len(failed))
	for _, r := range failed {
		parts = append(parts, r.Name+": "+r.Detail)
	}
	return fmt.Errorf("preflight failed: %s", strings.Join(parts, "; "))
}
