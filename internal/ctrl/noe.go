package ctrl

import (
	"github.com/ehrlich-b/go-ciss/internal/cmdpool"
)

// armEvents posts the notify-on-event command. The controller holds it
// until it has an event to report; eventDone re-posts it.
func (c *Controller) armEvents() error {
	b, ok := c.pool.Occupy()
	if !ok {
		return ErrPoolExhausted
	}
	if err := c.attachPayload(b, eventBufSize); err != nil {
		c.pool.Release(b, false)
		return err
	}
	if err := setBMIC(b, bmicNotifyEvent, false, eventBufSize); err != nil {
		c.reclaim(b, false)
		return err
	}
	b.Callback = c.eventDone

	c.noeMu.Lock()
	c.noe = b
	c.noeMu.Unlock()
	c.noeStopping.Store(false)

	if err := c.Submit(b); err != nil {
		c.dropEvents(b, false)
		return err
	}
	c.logger.Debug("event notification armed", "tag", b.Tag())
	return nil
}

func (c *Controller) eventDone(b *cmdpool.Block, poolLocked bool) {
	if c.noeStopping.Load() || c.lockedUp.Load() {
		c.dropEvents(b, poolLocked)
		return
	}

	if b.Failed {
		c.logger.Warn("event notification failed", "status", b.ErrInfo.String())
	} else {
		c.events.Add(1)
		c.logger.Info("controller event", "sequence", b.Payload.Uint32(0))
	}

	b.TransferOwner(cmdpool.OwnedByCompletion, cmdpool.OwnedBySubmitter)
	b.Failed = false
	b.Payload.Zero()
	if err := c.Submit(b); err != nil {
		c.logger.Warn("event notification not re-armed", "error", err)
		c.dropEvents(b, poolLocked)
	}
}

// dropEvents forgets the notify-on-event command and reclaims its block.
func (c *Controller) dropEvents(b *cmdpool.Block, poolLocked bool) {
	c.noeMu.Lock()
	if c.noe == b {
		c.noe = nil
	}
	c.noeMu.Unlock()
	c.reclaim(b, poolLocked)
}

// cancelEvents withdraws the notify-on-event command with a polled cancel.
// The held command completes as part of the cancel and is reclaimed.
func (c *Controller) cancelEvents() error {
	c.noeMu.Lock()
	armed := c.noe != nil
	c.noeMu.Unlock()
	if !armed {
		return nil
	}
	c.noeStopping.Store(true)

	b, err := c.pollBlock(0)
	if err != nil {
		return err
	}
	defer c.SyncFree(b)

	if err := setBMIC(b, bmicCancelEvent, true, 0); err != nil {
		return err
	}
	return c.SyncSendPoll(b, c.cfg.PollTimeoutMs)
}

// EventsArmed reports whether a notify-on-event command is outstanding.
func (c *Controller) EventsArmed() bool {
	c.noeMu.Lock()
	defer c.noeMu.Unlock()
	return c.noe != nil
}
