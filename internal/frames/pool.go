package frames

import (
	"fmt"
	"sync"

	"formsight/internal/services"
)

// Handle identifies a checked-out pool slot. The generation counter makes a
// stale handle (returned and re-acquired) detectable: operations with a
// handle whose generation no longer matches the slot fail instead of
// silently aliasing another frame's buffer.
type Handle struct {
	index      int
	generation uint64
}

type slot struct {
	buffer     []byte
	generation uint64
	inUse      bool
	frame      Frame
}

// Pool is a fixed-capacity slab of reusable frame buffers. Acquire blocks
// nothing and fails when the pool is exhausted; callers release handles on
// every path, success or error.
type Pool struct {
	mu       sync.Mutex
	slots    []slot
	free     []int
	bufBytes int
	inUse    int
}

// NewPool builds a pool of capacity buffers, each bufBytes large.
func NewPool(capacity, bufBytes int) (*Pool, error) {
	if capacity <= 0 {
		return nil, services.Wrap(services.ErrConfiguration, "frame-pool", "new", fmt.Sprintf("pool capacity must be positive, got %d", capacity), nil)
	}
	if bufBytes <= 0 {
		return nil, services.Wrap(services.ErrConfiguration, "frame-pool", "new", fmt.Sprintf("buffer size must be positive, got %d", bufBytes), nil)
	}
	p := &Pool{
		slots:    make([]slot, capacity),
		free:     make([]int, 0, capacity),
		bufBytes: bufBytes,
	}
	for i := range p.slots {
		p.slots[i].buffer = make([]byte, bufBytes)
		p.free = append(p.free, i)
	}
	return p, nil
}

// ErrPoolExhausted marks an acquire attempt on a fully checked-out pool.
var ErrPoolExhausted = services.Wrap(services.ErrTransient, "frame-pool", "acquire", "no free frame buffers", nil)

// Acquire checks out a free slot and returns its handle.
func (p *Pool) Acquire() (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return Handle{}, ErrPoolExhausted
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	s := &p.slots[idx]
	s.inUse = true
	s.frame = Frame{}
	p.inUse++
	return Handle{index: idx, generation: s.generation}, nil
}

// Release returns a handle's slot to the free list and zeroes its metadata.
// Releasing a stale or already-freed handle is a no-op.
func (p *Pool) Release(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slotFor(h)
	if !ok {
		return
	}
	s.inUse = false
	s.generation++
	s.frame = Frame{}
	p.free = append(p.free, h.index)
	p.inUse--
}

// Buffer exposes the slot's pixel buffer for a live handle.
func (p *Pool) Buffer(h Handle) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slotFor(h)
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "frame-pool", "buffer", "stale or released frame handle", nil)
	}
	return s.buffer, nil
}

// SetFrame stores frame metadata against a live handle.
func (p *Pool) SetFrame(h Handle, f Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slotFor(h)
	if !ok {
		return services.Wrap(services.ErrValidation, "frame-pool", "set-frame", "stale or released frame handle", nil)
	}
	s.frame = f
	return nil
}

// FrameFor returns the metadata stored against a live handle.
func (p *Pool) FrameFor(h Handle) (Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slotFor(h)
	if !ok {
		return Frame{}, services.Wrap(services.ErrValidation, "frame-pool", "frame-for", "stale or released frame handle", nil)
	}
	return s.frame, nil
}

// InUse reports how many slots are currently checked out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Capacity reports the fixed slot count.
func (p *Pool) Capacity() int {
	return len(p.slots)
}

// BufferSize reports the per-slot buffer size in bytes.
func (p *Pool) BufferSize() int {
	return p.bufBytes
}

func (p *Pool) slotFor(h Handle) (*slot, bool) {
	if h.index < 0 || h.index >= len(p.slots) {
		return nil, false
	}
	s := &p.slots[h.index]
	if !s.inUse || s.generation != h.generation {
		return nil, false
	}
	return s, true
}
