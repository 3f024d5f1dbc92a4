package ctrl

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/go-ciss/internal/cmdpool"
	"github.com/ehrlich-b/go-ciss/internal/constants"
	"github.com/ehrlich-b/go-ciss/internal/dma"
	"github.com/ehrlich-b/go-ciss/internal/queue"
	"github.com/ehrlich-b/go-ciss/internal/regs"
)

// errorFlag decodes the driver-info/error nibble of a completion word.
func errorFlag(word uint32) bool {
	return (word&constants.TagErrorMask)>>1&1 != 0
}

// retrieve drains the reply queue, delivering each valid completion to its
// block's callback. c.hwMu must be held on entry; it is released around each
// callback and held again on return. Callbacks run with neither the
// hardware nor the pool lock held.
func (c *Controller) retrieve() int {
	switch c.mode {
	case queue.ModePerformant:
		c.ring.Sync()
		if err := c.ring.Check(); err != nil {
			c.serviceImpact("dma/reply-ring", err)
		}
	case queue.ModeSimple:
	default:
		panic(fmt.Sprintf("ctrl: retrieve with unknown transport %v", c.mode))
	}

	n := 0
	for {
		word, ok := c.q.DequeueNext()
		if !ok {
			break
		}
		if c.complete(word) {
			n++
		}
	}
	return n
}

// drainSimple cycles the outbound post queue register directly. It is the
// simple transport's quiesce drain; c.hwMu held.
func (c *Controller) drainSimple() int {
	n := 0
	for {
		word := c.regs.Read32(regs.OutboundPostQueue)
		if word == constants.EmptyTag {
			break
		}
		if c.complete(word) {
			n++
		}
	}
	return n
}

// lookup maps a completion word to the in-flight block it names, or nil if
// the word is spurious: out of range, or naming a block that is not posted.
// Index 0 is only legitimate while quiescing, when the reserved slot
// carries polled commands.
func (c *Controller) lookup(word uint32) *cmdpool.Block {
	index := word >> constants.TagShift
	if int(index) >= c.pool.Len() {
		return nil
	}
	if index == constants.ReservedTag && !c.quiesceRun.Load() {
		return nil
	}
	b := c.pool.Block(index)
	if !b.TakeCompletion() {
		return nil
	}
	return b
}

// complete finishes one completion word; c.hwMu held, released around the
// callback.
func (c *Controller) complete(word uint32) bool {
	b := c.lookup(word)
	if b == nil {
		c.logger.Warn("spurious completion discarded", "word", fmt.Sprintf("%#x", word))
		c.obs.ObserveSpurious(word)
		return false
	}
	if c.outstanding > 0 {
		c.outstanding--
	}

	b.DescBuffer().Sync(dma.ForCPU)
	if b.Payload != nil {
		b.Payload.Sync(dma.ForCPU)
	}
	b.Failed = errorFlag(word)
	if b.Failed {
		b.ErrInfo = b.Desc().DecodeError()
	}
	latency := time.Since(b.SubmittedAt)
	cb := b.Callback

	c.hwMu.Unlock()
	c.obs.ObserveCompletion(latency, b.Failed)
	if b.Failed {
		c.logger.WithTag(b.Tag()).Debug("command failed", "status", b.ErrInfo.String())
	}
	cb(b, false)
	c.hwMu.Lock()
	return true
}
