package ctrl

import (
	"sync"
	"time"

	"github.com/ehrlich-b/go-ciss/internal/regs"
)

// monitor re-samples the controller heartbeat on a ticker.
type monitor struct {
	lock        sync.Mutex
	started     bool
	stopChannel chan int
	done        chan int
	ticker      *time.Ticker
	c           *Controller
	interval    time.Duration
}

func newMonitor(c *Controller, interval time.Duration) *monitor {
	return &monitor{c: c, interval: interval}
}

// StartMonitor starts the heartbeat loop.
func (m *monitor) StartMonitor() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.started {
		return
	}
	m.stopChannel = make(chan int)
	m.done = make(chan int)
	m.ticker = time.NewTicker(m.interval)
	m.started = true

	go func() {
		defer close(m.done)
		for {
			select {
			case <-m.ticker.C:
				m.c.checkHeartbeat()
			case <-m.stopChannel:
				return
			}
		}
	}()
}

// StopMonitor stops the loop and waits for it to exit.
func (m *monitor) StopMonitor() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.started {
		return
	}
	m.ticker.Stop()
	close(m.stopChannel)
	<-m.done
	m.started = false
}

// checkHeartbeat is one monitor tick. A heartbeat equal to the previous
// sample declares the controller locked up. A live controller with work
// outstanding and a reply waiting gets its software handler armed, which
// recovers from a lost interrupt.
func (c *Controller) checkHeartbeat() {
	c.hwMu.Lock()
	defer c.hwMu.Unlock()

	if c.lockedUp.Load() {
		return
	}

	hb := c.cfgTable.Read(regs.CfgHeartBeat)
	c.checkRegs("heartbeat")
	if hb == c.lastHeartbeat {
		c.declareLockup("heartbeat stalled")
		return
	}
	c.lastHeartbeat = hb

	if c.outstanding > 0 && !c.swInProgress && c.q.Pending() {
		c.logger.Debug("reply pending without interrupt", "outstanding", c.outstanding)
		c.armSoft()
	}
}

// declareLockup marks the controller dead: interrupts off, flag set once,
// never cleared. Synchronous waiters are woken to observe it. c.hwMu held.
func (c *Controller) declareLockup(reason string) {
	if !c.lockedUp.CompareAndSwap(false, true) {
		return
	}
	c.setMask(c.intrMask(), false)
	c.intrEnabled = false
	c.setMask(c.cfg.LockupIntrMask, false)

	c.logger.Error("controller locked up", "reason", reason, "outstanding", c.outstanding)
	c.obs.ObserveLockup()
	go c.wakeWaiters()
}

// Heartbeat triggers one monitor tick immediately.
func (c *Controller) Heartbeat() {
	c.checkHeartbeat()
}
