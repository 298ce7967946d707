// Package logging assembles the slog loggers used by the gateway, workers,
// and batch commands.
//
// It owns the console and JSON handlers, fans output out to stdout and an
// optional log file, and exposes context-aware helpers so pipeline code can tag
// lines with job IDs, worker names, and correlation IDs. A no-op logger is
// provided for tests and wiring code that cannot fail.
package logging
