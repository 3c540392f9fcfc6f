// Package jobqueue persists background analysis jobs in SQLite and drains
// them on a fixed tick under tier-dependent concurrency and execution
// condition gates, with exponential retry backoff and cooperative
// cancellation.
package jobqueue
