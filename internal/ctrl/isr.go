package ctrl

import (
	"github.com/ehrlich-b/go-ciss/internal/queue"
	"github.com/ehrlich-b/go-ciss/internal/regs"
)

// intrMask is the reply interrupt bit for the active transport.
func (c *Controller) intrMask() uint32 {
	if c.mode == queue.ModePerformant {
		return c.cfg.PerformantIntrMask
	}
	return c.cfg.SimpleIntrMask
}

// intrPending asks the controller whether it raised a reply interrupt;
// c.hwMu held.
func (c *Controller) intrPending() bool {
	return c.regs.Read32(regs.InterruptStatus)&c.intrMask() != 0
}

// ackIntr clears a reply interrupt; c.hwMu held. The simple transport's
// status clears as the post queue is read.
func (c *Controller) ackIntr() {
	if c.mode == queue.ModePerformant {
		c.regs.Write32(regs.OutboundDoorbellC, regs.PerfAck)
		c.regs.Read32(regs.OutboundDoorbell) // flush the posted write
	}
}

// HardwareISR is the first-level interrupt handler. It claims the interrupt
// if this controller raised it, acknowledges it and arms the software
// handler unless one is already running. An unclaimed interrupt with a
// frozen heartbeat means the controller is wedged: it is declared locked up
// and the interrupt is claimed so it stops firing.
func (c *Controller) HardwareISR() Claim {
	c.hwMu.Lock()
	defer c.hwMu.Unlock()

	if c.lockedUp.Load() {
		return Claimed
	}

	status := c.regs.Read32(regs.InterruptStatus)
	if status&c.cfg.LockupIntrMask != 0 && c.hostSupport&regs.HostSupportLockupIntr != 0 {
		c.declareLockup("lockup interrupt")
		return Claimed
	}

	if status&c.intrMask() == 0 {
		if c.cfgTable.Read(regs.CfgHeartBeat) == c.lastHeartbeat {
			c.declareLockup("heartbeat stalled at interrupt")
			return Claimed
		}
		return Unclaimed
	}

	c.ackIntr()
	c.checkRegs("isr")
	if !c.swInProgress {
		c.armSoft()
	}
	return Claimed
}

// SoftwareISR drains the reply queue. Only one instance runs at a time,
// serialized by its own lock. Callbacks run with no engine lock held, so
// they may occupy and submit new commands or block on synchronous ones.
// The last emptiness check and the in-progress flag clear happen in one
// hardware-lock section, so a completion that lands after the check always
// finds the flag clear and re-arms the handler.
func (c *Controller) SoftwareISR() {
	c.swMu.Lock()
	defer c.swMu.Unlock()

	c.hwMu.Lock()
	defer c.hwMu.Unlock()

	c.swInProgress = true
	for {
		c.retrieve()
		if !c.q.Pending() {
			break
		}
	}
	c.swInProgress = false
}

// IntrOnOff enables or disables the reply interrupt.
func (c *Controller) IntrOnOff(on bool) {
	c.hwMu.Lock()
	defer c.hwMu.Unlock()
	c.intrOnOffLocked(on)
}

func (c *Controller) intrOnOffLocked(on bool) {
	if on && c.lockedUp.Load() {
		return
	}
	c.setMask(c.intrMask(), on)
	c.intrEnabled = on
}

// LockupIntrOnOff enables or disables the controller's lockup interrupt.
func (c *Controller) LockupIntrOnOff(on bool) {
	c.hwMu.Lock()
	defer c.hwMu.Unlock()
	c.setMask(c.cfg.LockupIntrMask, on)
}

// setMask unmasks (on) or masks bits in the interrupt mask register.
func (c *Controller) setMask(bits uint32, on bool) {
	imr := c.regs.Read32(regs.InterruptMask)
	if on {
		imr &^= bits
	} else {
		imr |= bits
	}
	c.regs.Write32(regs.InterruptMask, imr)
	c.checkRegs("imr")
}
