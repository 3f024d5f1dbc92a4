package dma

import (
	"fmt"
	"sync"
)

// heapBase is the first bus address handed out by a Heap. It is non-zero so
// that a zero address in a descriptor is always a bug.
const heapBase = 0x1000_0000

// Heap is an Allocator backed by ordinary Go memory with synthetic bus
// addresses. It is what the simulator uses: Resolve maps an address written
// into a register back to the buffer, the way a device would walk DMA.
type Heap struct {
	mu     sync.Mutex
	next   uint64
	bufs   map[uint64]*Buffer
	failAt int // fail the Nth next allocation, 0 = never
}

func NewHeap() *Heap {
	return &Heap{next: heapBase, bufs: make(map[uint64]*Buffer)}
}

func (h *Heap) Alloc(size, align int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid size %d", size)
	}
	if align <= 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("dma: alignment %d is not a power of two", align)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failAt > 0 {
		h.failAt--
		if h.failAt == 0 {
			return nil, fmt.Errorf("dma: out of memory (injected)")
		}
	}

	a := uint64(align)
	phys := (h.next + a - 1) &^ (a - 1)
	h.next = phys + uint64(size)

	b := &Buffer{mem: make([]byte, size), phys: phys, owner: h}
	h.bufs[phys] = b
	return b, nil
}

func (h *Heap) Free(b *Buffer) {
	h.mu.Lock()
	delete(h.bufs, b.phys)
	h.mu.Unlock()
}

// Resolve returns the live buffer containing phys and the offset into it.
func (h *Heap) Resolve(phys uint64) (*Buffer, int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.bufs[phys]; ok {
		return b, 0, true
	}
	for base, b := range h.bufs {
		if phys > base && phys < base+uint64(len(b.mem)) {
			return b, int(phys - base), true
		}
	}
	return nil, 0, false
}

// Live returns the number of buffers not yet freed.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bufs)
}

// FailAfter makes the nth following allocation fail (n >= 1).
func (h *Heap) FailAfter(n int) {
	h.mu.Lock()
	h.failAt = n
	h.mu.Unlock()
}
