// Package preflight provides readiness checks for the filesystem paths,
// model files and gateway endpoint that DPAS depends on.
//
// These checks run in two contexts:
//   - `dpas serve` and `dpas worker` call RunAll before starting and refuse
//     to run when a required check fails.
//   - `dpas status` prints every check, including gateway reachability.
//
// Checks for features that are not configured are skipped.
package preflight
