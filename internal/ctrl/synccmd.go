package ctrl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-ciss/internal/cmdpool"
)

// SyncAlloc occupies a block for a synchronous command and, if size > 0,
// binds a payload buffer of that many bytes to it.
func (c *Controller) SyncAlloc(size int) (*cmdpool.Block, error) {
	b, ok := c.pool.OccupyAs(cmdpool.SelfOccupied)
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

// SyncSend submits b and sleeps until it completes, timeout elapses, ctx is
// done or the controller locks up. A zero timeout returns ErrTimeout at once
// unless the command has already finished. On any error other than
// ErrCommandFailed the command may still be in flight; SyncFree handles
// both cases.
func (c *Controller) SyncSend(ctx context.Context, b *cmdpool.Block, timeout time.Duration) error {
	c.pool.Lock()
	defer c.pool.Unlock()

	b.Callback = c.syncDone
	b.Pending = true
	if err := c.Submit(b); err != nil {
		b.Pending = false
		return err
	}

	expired := timeout <= 0
	if !expired {
		t := time.AfterFunc(timeout, func() {
			c.pool.Lock()
			expired = true
			c.cond.Broadcast()
			c.pool.Unlock()
		})
		defer t.Stop()
	}

	var cancelled bool
	stop := context.AfterFunc(ctx, func() {
		c.pool.Lock()
		cancelled = true
		c.cond.Broadcast()
		c.pool.Unlock()
	})
	defer stop()

	for b.Pending && !expired && !cancelled && !c.lockedUp.Load() {
		c.cond.Wait()
	}

	switch {
	case !b.Pending:
		return commandResult(b)
	case c.lockedUp.Load():
		return ErrLockedUp
	case cancelled:
		c.logger.WithTag(b.Tag()).WarnContext(ctx, "synchronous wait abandoned")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.obs.ObserveSyncTimeout()
			return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
	default:
		c.obs.ObserveSyncTimeout()
		c.logger.WithTag(b.Tag()).WarnContext(ctx, "synchronous command timed out", "timeout", timeout)
		return ErrTimeout
	}
}

// SyncSendPoll submits b with interrupts disabled and polls the reply queue
// once a millisecond, for at most timeoutMs polls, until b completes. It
// never sleeps on the condition variable, so it is usable while the
// controller is being quiesced. The interrupt mask found on entry is
// restored on return.
func (c *Controller) SyncSendPoll(b *cmdpool.Block, timeoutMs int) error {
	if c.lockedUp.Load() {
		return ErrLockedUp
	}

	c.hwMu.Lock()
	wasEnabled := c.intrEnabled
	c.intrOnOffLocked(false)
	c.hwMu.Unlock()
	defer func() {
		if wasEnabled {
			c.IntrOnOff(true)
		}
	}()

	c.pool.Lock()
	b.SetState(cmdpool.PollOccupied)
	b.Callback = c.syncDone
	b.Pending = true
	c.pool.Unlock()

	if err := c.Submit(b); err != nil {
		c.pool.Lock()
		b.Pending = false
		c.pool.Unlock()
		return err
	}

	for i := 0; i < timeoutMs; i++ {
		c.hwMu.Lock()
		c.retrieve()
		c.hwMu.Unlock()

		if b.Owner() == cmdpool.OwnedBySubmitter {
			return commandResult(b)
		}
		if c.lockedUp.Load() {
			return ErrLockedUp
		}
		time.Sleep(time.Millisecond)
	}

	c.obs.ObserveSyncTimeout()
	c.logger.WithTag(b.Tag()).Warn("polled command timed out", "polls", timeoutMs)
	return ErrTimeout
}

// SyncFree gives b back. A block the controller still holds is marked
// abandoned instead, and its completion reclaims it.
func (c *Controller) SyncFree(b *cmdpool.Block) {
	c.pool.Lock()
	defer c.pool.Unlock()

	if b.TransferOwner(cmdpool.OwnedByCompletion, cmdpool.Abandoned) {
		c.logger.WithTag(b.Tag()).Debug("abandoning in-flight command")
		return
	}
	c.reclaimLocked(b)
}

// syncDone is the completion callback of every synchronous command.
func (c *Controller) syncDone(b *cmdpool.Block, poolLocked bool) {
	if !poolLocked {
		c.pool.Lock()
		defer c.pool.Unlock()
	}

	if b.TransferOwner(cmdpool.OwnedByCompletion, cmdpool.OwnedBySubmitter) {
		b.Pending = false
		c.cond.Broadcast()
		return
	}
	if b.Owner() == cmdpool.Abandoned {
		c.logger.WithTag(b.Tag()).Debug("reclaiming abandoned command")
		c.reclaimLocked(b)
	}
}

// reclaimLocked frees b's payload and returns b to the pool; pool lock held.
func (c *Controller) reclaimLocked(b *cmdpool.Block) {
	if b.Payload != nil {
		b.Payload.Free()
		b.Payload = nil
	}
	c.pool.Release(b, true)
}

func (c *Controller) reclaim(b *cmdpool.Block, poolLocked bool) {
	if !poolLocked {
		c.pool.Lock()
		defer c.pool.Unlock()
	}
	c.reclaimLocked(b)
}

func commandResult(b *cmdpool.Block) error {
	if b.Failed {
		return fmt.Errorf("%w: %s", ErrCommandFailed, b.ErrInfo)
	}
	return nil
}
