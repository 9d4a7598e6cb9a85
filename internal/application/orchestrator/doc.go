// Package orchestrator implements the step graph engine.
//
// A run is driven by the Runner, which:
//   - Executes the steps of a StepGraph one at a time in dependency order
//   - Gates steps through the ApprovalPolicy and a DecisionSource
//   - Emits an ordered event stream carrying redacted context snapshots
//   - Stops at the first failed step or denied approval
//
// The Manager wraps the runner for hosts: it validates and queues runs and
// keeps a JobRecord per run in step with the events the runner emits.
package orchestrator
