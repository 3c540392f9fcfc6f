// Package processor runs the video processing state machine: chunked,
// bounded-parallel frame inference with pause, resume, and cooperative
// cancellation, plus durable resume state for relaunch recovery.
package processor
