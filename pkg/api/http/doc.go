// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Run submission from YAML plans, status queries and cancellation
//   - Pending approvals and their resolution
//   - The approval audit trail
//   - Worker status, health checks and Prometheus metrics
package http
