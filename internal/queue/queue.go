// Package queue reads completed command tags back from the controller in
// either transport's wire format.
package queue

import (
	"fmt"

	"github.com/ehrlich-b/go-ciss/internal/constants"
	"github.com/ehrlich-b/go-ciss/internal/dma"
	"github.com/ehrlich-b/go-ciss/internal/regs"
)

// Mode is the transport a queue speaks.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeSimple
	ModePerformant
)

func (m Mode) String() string {
	switch m {
	case ModeSimple:
		return "simple"
	case ModePerformant:
		return "performant"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts "simple" or "performant".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "simple":
		return ModeSimple, nil
	case "performant":
		return ModePerformant, nil
	default:
		return ModeUnknown, fmt.Errorf("unknown transport %q", s)
	}
}

// Queue yields raw completion words. Callers serialize access under the
// controller's hardware lock.
type Queue interface {
	// DequeueNext consumes the next completion word, or returns false when
	// nothing is waiting.
	DequeueNext() (uint32, bool)
	// Pending reports whether a completion is waiting without consuming it.
	Pending() bool
	Mode() Mode
}

// Simple pops completions from the outbound post queue register.
type Simple struct {
	regs regs.File
}

func NewSimple(f regs.File) *Simple {
	return &Simple{regs: f}
}

func (q *Simple) DequeueNext() (uint32, bool) {
	tag := q.regs.Read32(regs.OutboundPostQueue)
	if tag == constants.EmptyTag {
		return tag, false
	}
	return tag, true
}

// Pending checks the interrupt status register, since reading the post
// queue would consume an entry.
func (q *Simple) Pending() bool {
	return q.regs.Read32(regs.InterruptStatus)&regs.IntrSimple != 0
}

func (q *Simple) Mode() Mode { return ModeSimple }

// Performant is the driver-owned reply ring. Each entry is ReplyEntrySize
// bytes; the completion word is the low 32 bits. An entry is new when its
// bit 0 matches the tracked cyclic indicator, which flips on every wrap.
type Performant struct {
	buf     *dma.Buffer
	entries int
	index   int
	cyclic  uint32
}

// NewPerformant allocates a ring of n entries.
func NewPerformant(alloc dma.Allocator, n int) (*Performant, error) {
	if n <= 0 {
		return nil, fmt.Errorf("reply ring size %d", n)
	}
	buf, err := alloc.Alloc(n*constants.ReplyEntrySize, constants.DescriptorAlign)
	if err != nil {
		return nil, fmt.Errorf("reply ring: %w", err)
	}
	return &Performant{
		buf:     buf,
		entries: n,
		cyclic:  constants.ReplyInitCyclicIndicator,
	}, nil
}

func (q *Performant) head() uint32 {
	return q.buf.LoadWord(q.index * constants.ReplyEntrySize)
}

func (q *Performant) DequeueNext() (uint32, bool) {
	tag := q.head()
	if tag&1 != q.cyclic {
		return constants.EmptyTag, false
	}
	q.index++
	if q.index == q.entries {
		q.index = 0
		q.cyclic ^= 1
	}
	return tag, true
}

func (q *Performant) Pending() bool {
	return q.head()&1 == q.cyclic
}

func (q *Performant) Mode() Mode { return ModePerformant }

// Sync makes device writes to the ring visible before it is read.
func (q *Performant) Sync() { q.buf.Sync(dma.ForCPU) }

// Check verifies the ring's DMA mapping.
func (q *Performant) Check() error { return q.buf.Check() }

// Buffer exposes the ring memory; its bus address is programmed into the
// performant transport table.
func (q *Performant) Buffer() *dma.Buffer { return q.buf }

func (q *Performant) Entries() int { return q.entries }

// Cursor returns the read index and the tracked cyclic indicator.
func (q *Performant) Cursor() (index int, cyclic uint32) {
	return q.index, q.cyclic
}

// Reset zeroes the ring and rewinds the cursor, as at transport setup.
func (q *Performant) Reset() {
	q.buf.Zero()
	q.index = 0
	q.cyclic = constants.ReplyInitCyclicIndicator
}

// Close releases the ring memory.
func (q *Performant) Close() {
	q.buf.Free()
}

var (
	_ Queue = (*Simple)(nil)
	_ Queue = (*Performant)(nil)
)
