// Package services holds the error taxonomy and context plumbing shared by
// every pipeline component.
//
// Errors crossing component boundaries are tagged with one of the exported
// sentinel markers via Wrap so callers can classify them with errors.Is
// without inspecting message text: transient failures feed the retry policy,
// validation failures fail fast, and cancellation is always represented by
// context.Canceled rather than a marker.
package services
