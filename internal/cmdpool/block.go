package cmdpool

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-ciss/internal/dma"
)

// State is the pool-level state of a block.
type State int

const (
	Free         State = iota // on the free list (or the reserved slot, idle)
	Occupied                  // taken by a caller for asynchronous use
	SelfOccupied              // taken by the synchronous facility (sleeping waits)
	PollOccupied              // taken by the synchronous facility (polled waits)
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Occupied:
		return "occupied"
	case SelfOccupied:
		return "self-occupied"
	case PollOccupied:
		return "poll-occupied"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Owner says which side is responsible for a block that is not Free.
type Owner int32

const (
	OwnedBySubmitter  Owner = iota // the caller that occupied it
	OwnedByCompletion              // handed to hardware; the completion path finishes it
	Abandoned                      // the submitter gave up; the completion path reclaims it
)

func (o Owner) String() string {
	switch o {
	case OwnedBySubmitter:
		return "submitter"
	case OwnedByCompletion:
		return "completion"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("owner(%d)", int32(o))
	}
}

// Callback is invoked once per completion. poolLocked reports whether the
// delivering context already holds the pool lock, and must be passed through
// to Pool.Release.
type Callback func(b *Block, poolLocked bool)

// Block is one command slot: a DMA descriptor, an optional payload buffer
// and the bookkeeping the engine needs to match a completion to its caller.
type Block struct {
	tag    uint32
	state  State
	owner  atomic.Int32
	posted atomic.Bool
	gen    uint32

	prev, next int

	desc    *dma.Buffer
	Payload *dma.Buffer

	// Callback must be set before the block is submitted.
	Callback Callback

	// Failed is decoded from the completion word; ErrInfo is valid when set.
	Failed  bool
	ErrInfo ErrorInfo

	// Pending is set by the synchronous facility before submission and
	// cleared by its completion handler; guarded by the pool lock.
	Pending bool

	// SubmittedAt is stamped on submission for latency accounting.
	SubmittedAt time.Time

	// Private is for the caller that occupies the block.
	Private any
}

func (b *Block) Tag() uint32 { return b.tag }

func (b *Block) State() State { return b.state }

func (b *Block) SetState(s State) { b.state = s }

// Generation is bumped on every occupy, so a stale handle can be detected.
func (b *Block) Generation() uint32 { return b.gen }

func (b *Block) Desc() Descriptor { return Descriptor{buf: b.desc} }

func (b *Block) DescPhys() uint64 { return b.desc.Phys() }

func (b *Block) Owner() Owner { return Owner(b.owner.Load()) }

func (b *Block) SetOwner(o Owner) { b.owner.Store(int32(o)) }

func (b *Block) IsReserved() bool { return b.tag == reservedTag }

func (b *Block) String() string {
	return fmt.Sprintf("block(tag=%d gen=%d %s/%s)", b.tag, b.gen, b.state, b.Owner())
}

// TransferOwner moves ownership from one side to another. It returns false
// if the block was not owned by from.
func (b *Block) TransferOwner(from, to Owner) bool {
	return b.owner.CompareAndSwap(int32(from), int32(to))
}

// MarkPosted records that hardware now references b.
func (b *Block) MarkPosted() { b.posted.Store(true) }

// TakeCompletion clears the posted mark. It returns false if b was not
// posted, which makes a repeated completion for the same tag detectable.
func (b *Block) TakeCompletion() bool { return b.posted.CompareAndSwap(true, false) }

// Posted reports whether hardware references b.
func (b *Block) Posted() bool { return b.posted.Load() }

// reset prepares a block for a new occupant.
func (b *Block) reset(s State) {
	b.state = s
	b.gen++
	b.owner.Store(int32(OwnedBySubmitter))
	b.posted.Store(false)
	b.Callback = nil
	b.Failed = false
	b.ErrInfo = ErrorInfo{}
	b.Pending = false
	b.Private = nil
	b.SubmittedAt = time.Time{}
	b.desc.Zero()
	b.Desc().writeHeader(b.tag)
}

// SetRequest fills in the descriptor's request block.
func (b *Block) SetRequest(lun [8]byte, cdb []byte, typeAttrDir uint8, timeoutSec uint16) error {
	return b.Desc().SetRequest(lun, cdb, typeAttrDir, timeoutSec)
}

// AddSG appends a scatter/gather element to the descriptor.
func (b *Block) AddSG(addr uint64, length uint32) error {
	return b.Desc().AddSG(addr, length)
}

// DescBuffer returns the DMA buffer holding the descriptor.
func (b *Block) DescBuffer() *dma.Buffer { return b.desc }
