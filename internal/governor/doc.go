// Package governor observes battery, network, memory, and thermal signals
// and owns the global optimization mode. It is the only writer of the mode;
// the frame optimizer and video processor read it to scale their settings,
// and every pipeline entry point consults CanProcess before doing work.
package governor
