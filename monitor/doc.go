// Package monitor exposes the bridge's runtime state: Prometheus metrics for
// requests and dispatched events, and health checks for the transport and
// the pending request table.
package monitor
