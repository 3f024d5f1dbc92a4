// Package dma provides device-addressable buffers for command descriptors,
// payloads and the performant reply ring.
package dma

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/dswarbrick/smart/utils"
)

// ErrHandle is returned when a buffer's mapping can no longer be trusted.
var ErrHandle = errors.New("dma handle fault")

// Direction selects which side a Sync makes the buffer coherent for.
type Direction int

const (
	ForDevice Direction = iota
	ForCPU
)

func (d Direction) String() string {
	if d == ForDevice {
		return "device"
	}
	return "cpu"
}

// Buffer is a contiguous region with a bus address visible to the controller.
type Buffer struct {
	mem   []byte
	phys  uint64
	fault atomic.Bool
	owner Allocator
}

func (b *Buffer) Bytes() []byte { return b.mem }
func (b *Buffer) Phys() uint64  { return b.phys }
func (b *Buffer) Len() int      { return len(b.mem) }

// Zero clears the whole buffer.
func (b *Buffer) Zero() {
	clear(b.mem)
}

func (b *Buffer) Uint8(off int) uint8 { return b.mem[off] }

func (b *Buffer) PutUint8(off int, v uint8) { b.mem[off] = v }

func (b *Buffer) Uint16(off int) uint16 { return utils.NativeEndian.Uint16(b.mem[off:]) }

func (b *Buffer) PutUint16(off int, v uint16) { utils.NativeEndian.PutUint16(b.mem[off:], v) }

func (b *Buffer) Uint32(off int) uint32 { return utils.NativeEndian.Uint32(b.mem[off:]) }

func (b *Buffer) PutUint32(off int, v uint32) { utils.NativeEndian.PutUint32(b.mem[off:], v) }

func (b *Buffer) Uint64(off int) uint64 { return utils.NativeEndian.Uint64(b.mem[off:]) }

func (b *Buffer) PutUint64(off int, v uint64) { utils.NativeEndian.PutUint64(b.mem[off:], v) }

func (b *Buffer) wordPtr(off int) *uint32 {
	if off&3 != 0 || off+4 > len(b.mem) {
		panic(fmt.Sprintf("dma: unaligned word access at %d (len %d)", off, len(b.mem)))
	}
	return (*uint32)(unsafe.Pointer(&b.mem[off]))
}

// LoadWord reads a 32-bit word the device may be writing concurrently.
func (b *Buffer) LoadWord(off int) uint32 {
	return atomic.LoadUint32(b.wordPtr(off))
}

// StoreWord writes a 32-bit word the device may be reading concurrently.
func (b *Buffer) StoreWord(off int, v uint32) {
	atomic.StoreUint32(b.wordPtr(off), v)
}

// Sync makes the buffer coherent for dir. Memory handed out by this package
// is cache coherent, so Sync only orders accesses.
func (b *Buffer) Sync(dir Direction) {
	if dir == ForDevice {
		wmb()
	} else {
		rmb()
	}
}

// Check reports whether the mapping is still valid.
func (b *Buffer) Check() error {
	if b.fault.Load() {
		return fmt.Errorf("%w: buffer at %#x", ErrHandle, b.phys)
	}
	return nil
}

// InjectFault marks the buffer's mapping as broken; Check fails until
// ClearFault is called.
func (b *Buffer) InjectFault() { b.fault.Store(true) }

func (b *Buffer) ClearFault() { b.fault.Store(false) }

// Free returns the buffer to the allocator it came from.
func (b *Buffer) Free() {
	if b == nil || b.owner == nil {
		return
	}
	b.owner.Free(b)
}

// Allocator hands out device-addressable buffers.
type Allocator interface {
	// Alloc returns a zeroed buffer of size bytes whose bus address is a
	// multiple of align.
	Alloc(size, align int) (*Buffer, error)
	Free(b *Buffer)
}

var barrierDummy int64

func wmb() { atomic.AddInt64(&barrierDummy, 0) }
func rmb() { atomic.AddInt64(&barrierDummy, 0) }
