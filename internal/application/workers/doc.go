// Package workers implements the worker pool for executing submitted runs.
//
// The worker pool manages a fixed number of goroutines that:
//   - Take queued jobs from the orchestrator manager
//   - Run one job at a time each, so steps inside a run stay sequential
//   - Leave job status bookkeeping to the manager
//
// The health monitor tracks worker status and records pool metrics.
package workers
