// Package scanning orchestrates scan runs over many hosts.
//
// A Handler turns a targets.Set into one scanner.Scanner per host,
// enumerated lazily so large networks are never materialized. A fixed
// pool of workers runs the per-host pipelines, and every pipeline also
// holds a slot of the admission gate while it runs. No more than
// Config.MaxParallel probes are in flight at any time.
//
// # Pipeline
//
// Each host goes through the same steps:
//   - reachability probe
//   - port and service scan, skipped for unreachable hosts unless the run
//     is privileged
//   - vulnerability correlation
//   - host report extraction
//
// Failures and panics inside a pipeline are contained: the host is
// reported down and the run continues.
//
// # Results
//
// Host reports are collected by a ResultSink in completion order and
// aggregated by RunScans into a report.Report. A Progress printer writes
// one line per finished host and serializes concurrent writers.
//
// # Cancellation
//
// Canceling the context passed to RunScans stops dispatching. Pipelines
// already running complete within their probe timeouts, and RunScans
// returns the partial report with a CodeCanceled error.
//
// # Example
//
//	var set targets.Set
//	_ = set.Add("192.168.1.0/24")
//	h, err := scanning.NewHandler(scanning.Config{Targets: set, MaxParallel: 8})
//	if err != nil {
//		return err
//	}
//	r, err := h.RunScans(ctx)
package scanning
