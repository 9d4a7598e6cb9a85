// Package domain holds the value types shared by the orchestration engine,
// the query-generation agent and the host adapters.
//
// Types:
//   - Approval types, requests, decisions and audit records
//   - Run events and their variants
//   - Query attempts and execution results
//   - Job records tracked by hosts
//
// Nothing in this package performs I/O.
package domain
