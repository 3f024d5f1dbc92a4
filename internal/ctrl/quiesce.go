package ctrl

import (
	"context"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-ciss/internal/cmdpool"
	"github.com/ehrlich-b/go-ciss/internal/constants"
	"github.com/ehrlich-b/go-ciss/internal/queue"
	"github.com/ehrlich-b/go-ciss/internal/regs"
)

// Quiesce brings the controller to a state where it holds no commands and
// its cache is flushed. It runs without sleeping on completions: interrupts
// are disabled, event notification is cancelled by a polled command, the
// reply queue is drained by polling, and the cache is flushed by a polled
// command. Any failed stage aborts the sequence and ends the quiesce run,
// unless a polled command on the reserved slot is still held by the
// controller; its completion must stay deliverable.
func (c *Controller) Quiesce() (err error) {
	c.quiesceRun.Store(true)
	defer func() {
		if err != nil && !c.pool.Block(constants.ReservedTag).Posted() {
			c.quiesceRun.Store(false)
		}
	}()
	if c.lockedUp.Load() {
		return ErrLockedUp
	}
	log := c.logger.WithOp("quiesce")

	c.IntrOnOff(false)
	if c.hostSupport&regs.HostSupportLockupIntr != 0 {
		c.LockupIntrOnOff(false)
	}

	if err := c.cancelEvents(); err != nil {
		log.Error("cancel event notification failed", "error", err)
		return fmt.Errorf("%w: cancel events: %v", ErrQuiesce, err)
	}
	if err := c.drain(); err != nil {
		log.Error("drain failed", "error", err)
		return err
	}
	if err := c.flushCacheNoLock(); err != nil {
		log.Error("cache flush failed", "error", err)
		return fmt.Errorf("%w: flush cache: %v", ErrQuiesce, err)
	}
	if n := c.Outstanding(); n != 0 {
		return fmt.Errorf("%w: %d commands outstanding after flush", ErrQuiesce, n)
	}

	c.quiesced.Store(true)
	log.Info("controller quiesced")
	return nil
}

// drain polls the reply queue until nothing is outstanding, at most
// DrainIterations times.
func (c *Controller) drain() error {
	left := 0
	for i := 0; i < c.cfg.DrainIterations; i++ {
		if c.lockedUp.Load() {
			return ErrLockedUp
		}
		c.hwMu.Lock()
		if c.mode == queue.ModeSimple {
			c.drainSimple()
		} else {
			c.retrieve()
		}
		left = c.outstanding
		c.hwMu.Unlock()

		if left == 0 {
			return nil
		}
		time.Sleep(c.cfg.DrainInterval)
	}
	return fmt.Errorf("%w: %d commands outstanding", ErrQuiesce, left)
}

// pollBlock occupies a block for a polled controller-private command. While
// quiescing it is the reserved slot, so the commands never compete with
// callers for the pool.
func (c *Controller) pollBlock(size int) (*cmdpool.Block, error) {
	var (
		b  *cmdpool.Block
		ok bool
	)
	if c.quiesceRun.Load() {
		b, ok = c.pool.OccupyReserved()
	} else {
		b, ok = c.pool.OccupyAs(cmdpool.PollOccupied)
	}
	if !ok {
		return nil, ErrPoolExhausted
	}
	if err := c.attachPayload(b, size); err != nil {
		c.pool.Release(b, false)
		return nil, err
	}
	b.Callback = c.syncDone
	return b, nil
}

// FlushCache asks the controller to write back its cache, sleeping for the
// completion.
func (c *Controller) FlushCache(ctx context.Context) error {
	b, err := c.SyncAlloc(flushCacheSize)
	if err != nil {
		return err
	}
	defer c.SyncFree(b)

	if err := setBMIC(b, bmicFlushCache, true, flushCacheSize); err != nil {
		return err
	}
	return c.SyncSend(ctx, b, c.cfg.SyncTimeout)
}

// flushCacheNoLock is FlushCache for contexts that must not sleep.
func (c *Controller) flushCacheNoLock() error {
	b, err := c.pollBlock(flushCacheSize)
	if err != nil {
		return err
	}
	defer c.SyncFree(b)

	if err := setBMIC(b, bmicFlushCache, true, flushCacheSize); err != nil {
		return err
	}
	return c.SyncSendPoll(b, c.cfg.PollTimeoutMs)
}

// Reset prepares the controller for a system reset. The cache is flushed
// unless a quiesce already did it.
func (c *Controller) Reset() error {
	if c.lockedUp.Load() {
		return ErrLockedUp
	}
	if c.quiesced.Load() {
		return nil
	}
	return c.flushCacheNoLock()
}
