package governor

import "sync"

// ModeCell holds the global optimization mode. The governor is its single
// writer; every other component reads or subscribes. Subscribers receive the
// latest mode with stale intermediate values dropped, so a slow reader never
// blocks the governor.
type ModeCell struct {
	mu   sync.Mutex
	mode Mode
	subs []chan Mode
}

// NewModeCell constructs a cell seeded with the provided mode.
func NewModeCell(initial Mode) *ModeCell {
	if _, ok := ParseMode(string(initial)); !ok {
		initial = ModeBalanced
	}
	return &ModeCell{mode: initial}
}

// Get returns the current mode.
func (c *ModeCell) Get() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Set updates the mode and notifies subscribers. Setting the current mode
// again is a no-op.
func (c *ModeCell) Set(mode Mode) {
	c.mu.Lock()
	if mode == c.mode {
		c.mu.Unlock()
		return
	}
	c.mode = mode
	subs := make([]chan Mode, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, ch := range subs {
		// Drop the stale value if the subscriber has not drained it yet.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- mode:
		default:
		}
	}
}

// Subscribe returns a channel carrying mode changes. The channel has a
// buffer of one and only ever holds the most recent value.
func (c *ModeCell) Subscribe() <-chan Mode {
	ch := make(chan Mode, 1)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}
