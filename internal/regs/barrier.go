package regs

import "sync/atomic"

// barrierDummy is used for atomic operations that provide memory barrier semantics.
// On x86-64, atomic.AddInt64 compiles to LOCK XADD which has full fence semantics.
var barrierDummy int64

// Wmb orders descriptor writes in DMA memory before a doorbell or post-queue write.
func Wmb() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Rmb orders a completion read before reads of the descriptor it names.
func Rmb() {
	atomic.AddInt64(&barrierDummy, 0)
}
