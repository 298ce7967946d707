// Package services defines the shared error markers and context helpers used
// by the gateway, queue workers, and dataset tooling.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, worker names, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so failures can be
//     classified (validation vs retryable vs terminal) at every boundary.
//
// Use these helpers when adding new pipeline code so HTTP status mapping,
// redelivery decisions, and failure logs stay uniform.
package services
