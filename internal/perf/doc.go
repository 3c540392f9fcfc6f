// Package perf tracks per-session processing telemetry: frame latency,
// rolling FPS, process memory samples, battery drain, and typed warnings.
package perf
