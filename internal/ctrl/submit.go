package ctrl

import (
	"fmt"
	"math"
	"time"

	"github.com/ehrlich-b/go-ciss/internal/cmdpool"
	"github.com/ehrlich-b/go-ciss/internal/constants"
	"github.com/ehrlich-b/go-ciss/internal/dma"
	"github.com/ehrlich-b/go-ciss/internal/queue"
	"github.com/ehrlich-b/go-ciss/internal/regs"
)

// postWord is what goes into the inbound post queue for a descriptor.
func (c *Controller) postWord(phys uint64) uint32 {
	if c.mode == queue.ModePerformant {
		return uint32(phys) | constants.BlockFetchIndex<<1 | 1
	}
	return uint32(phys)
}

// Submit hands b to the controller. The block's Callback will be invoked
// exactly once when the controller reports it complete. Submit fails fast
// once the controller is locked up; there is no retry.
func (c *Controller) Submit(b *cmdpool.Block) error {
	if b.Callback == nil {
		return ErrNoCallback
	}
	if c.lockedUp.Load() {
		return ErrLockedUp
	}
	if b.DescPhys() > math.MaxUint32 {
		return fmt.Errorf("%w: descriptor above 4GiB", ErrHardwareAccess)
	}

	c.hwMu.Lock()
	defer c.hwMu.Unlock()

	if c.lockedUp.Load() {
		return ErrLockedUp
	}
	if !b.TransferOwner(cmdpool.OwnedBySubmitter, cmdpool.OwnedByCompletion) {
		return fmt.Errorf("%w: %s", ErrNotOwner, b)
	}
	c.outstanding++

	b.SubmittedAt = time.Now()
	b.DescBuffer().Sync(dma.ForDevice)
	if b.Payload != nil {
		b.Payload.Sync(dma.ForDevice)
	}
	if err := checkBuffers(b); err != nil {
		c.outstanding--
		b.SetOwner(cmdpool.OwnedBySubmitter)
		c.serviceImpact("dma/submit", err)
		return fmt.Errorf("%w: %v", ErrHardwareAccess, err)
	}

	b.MarkPosted()
	c.regs.Write32(regs.InboundPostQueue, c.postWord(b.DescPhys()))
	c.checkRegs("submit")

	c.obs.ObserveSubmit(c.outstanding)
	return nil
}

func checkBuffers(b *cmdpool.Block) error {
	if err := b.DescBuffer().Check(); err != nil {
		return err
	}
	if b.Payload != nil {
		return b.Payload.Check()
	}
	return nil
}
