// Package cmdpool is the fixed arena of command blocks. A block's tag is its
// index in the arena; free blocks are kept on a doubly linked list threaded
// through the arena by index.
package cmdpool

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-ciss/internal/constants"
	"github.com/ehrlich-b/go-ciss/internal/dma"
)

const (
	reservedTag = constants.ReservedTag
	none        = -1
)

// Pool owns every command block of one controller.
type Pool struct {
	mu     sync.Mutex
	blocks []Block
	head   int
	tail   int
	nfree  int

	// the reserved slot lives outside the free list
	reservedBusy bool
}

// New allocates n descriptors from alloc. Slot 0 is reserved for
// OccupyReserved, so n must be at least 2.
func New(alloc dma.Allocator, n int) (*Pool, error) {
	if n < 2 {
		return nil, fmt.Errorf("pool size %d too small", n)
	}

	p := &Pool{
		blocks: make([]Block, n),
		head:   none,
		tail:   none,
	}
	for i := range p.blocks {
		buf, err := alloc.Alloc(constants.DescriptorSize, constants.DescriptorAlign)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
		b := &p.blocks[i]
		b.tag = uint32(i)
		b.desc = buf
		b.prev, b.next = none, none
		b.Desc().writeHeader(b.tag)
		if i != reservedTag {
			p.pushTail(i)
		}
	}
	return p, nil
}

// Lock acquires the pool (software) lock.
func (p *Pool) Lock() { p.mu.Lock() }

func (p *Pool) Unlock() { p.mu.Unlock() }

// Locker exposes the pool lock, e.g. to build a sync.Cond on it.
func (p *Pool) Locker() sync.Locker { return &p.mu }

// Len is the number of slots, including the reserved one.
func (p *Pool) Len() int { return len(p.blocks) }

// Block returns the block for tag, or nil if tag is out of range.
func (p *Pool) Block(tag uint32) *Block {
	if int(tag) >= len(p.blocks) {
		return nil
	}
	return &p.blocks[tag]
}

func (p *Pool) pushTail(i int) {
	b := &p.blocks[i]
	b.next = none
	b.prev = p.tail
	if p.tail == none {
		p.head = i
	} else {
		p.blocks[p.tail].next = i
	}
	p.tail = i
	p.nfree++
}

func (p *Pool) popHead() int {
	i := p.head
	if i == none {
		return none
	}
	b := &p.blocks[i]
	p.head = b.next
	if p.head == none {
		p.tail = none
	} else {
		p.blocks[p.head].prev = none
	}
	b.prev, b.next = none, none
	p.nfree--
	return i
}

// Occupy takes the head of the free list and marks it Occupied. It returns
// false when the pool is exhausted.
func (p *Pool) Occupy() (*Block, bool) {
	return p.OccupyAs(Occupied)
}

// OccupyAs is Occupy with an explicit occupied state.
func (p *Pool) OccupyAs(s State) (*Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.occupyLocked(s)
}

func (p *Pool) occupyLocked(s State) (*Block, bool) {
	i := p.popHead()
	if i == none {
		return nil, false
	}
	b := &p.blocks[i]
	b.reset(s)
	return b, true
}

// OccupyReserved takes slot 0, which only ever carries polled commands
// issued while the controller is being quiesced.
func (p *Pool) OccupyReserved() (*Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reservedBusy {
		return nil, false
	}
	p.reservedBusy = true
	b := &p.blocks[reservedTag]
	b.reset(PollOccupied)
	return b, true
}

// Release puts b back on the free list. lockHeld tells Release that the
// caller already holds the pool lock. Releasing a free block is a no-op.
func (p *Pool) Release(b *Block, lockHeld bool) {
	if !lockHeld {
		p.mu.Lock()
		defer p.mu.Unlock()
	}

	if b.state == Free {
		return
	}
	b.state = Free
	if b.tag == reservedTag {
		p.reservedBusy = false
		return
	}
	p.pushTail(int(b.tag))
}

// FreeCount returns the number of blocks on the free list.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nfree
}

// IsFree reports whether tag is not occupied.
func (p *Pool) IsFree(tag uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(tag) >= len(p.blocks) {
		return false
	}
	return p.blocks[tag].state == Free
}

// FreeTags walks the free list from head to tail.
func (p *Pool) FreeTags() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	tags := make([]uint32, 0, p.nfree)
	for i := p.head; i != none; i = p.blocks[i].next {
		tags = append(tags, uint32(i))
	}
	return tags
}

// Close frees every descriptor. The pool must not be used afterwards.
func (p *Pool) Close() {
	for i := range p.blocks {
		b := &p.blocks[i]
		if b.desc != nil {
			b.desc.Free()
			b.desc = nil
		}
		if b.Payload != nil {
			b.Payload.Free()
			b.Payload = nil
		}
	}
}
