// Package ctrl is the command-queue engine of a CISS controller: submission,
// completion retrieval, the interrupt split, synchronous commands, health
// monitoring and quiesce.
//
// Two locks order everything. The software lock is the command pool's lock;
// it guards the free list and the synchronous waiters' condition variable.
// The hardware lock guards the reply queue cursor, the outstanding counter,
// register access and the in-progress flag of the software handler. When
// both are needed the software lock is taken first. The software interrupt
// handler is serialized by a lock of its own, taken before the hardware
// lock. Completion callbacks run with none of them held.
package ctrl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-ciss/internal/cmdpool"
	"github.com/ehrlich-b/go-ciss/internal/dma"
	"github.com/ehrlich-b/go-ciss/internal/interfaces"
	"github.com/ehrlich-b/go-ciss/internal/intr"
	"github.com/ehrlich-b/go-ciss/internal/logging"
	"github.com/ehrlich-b/go-ciss/internal/queue"
	"github.com/ehrlich-b/go-ciss/internal/regs"
)

// Controller is one attached board.
type Controller struct {
	cfg    Config
	regs   regs.File
	line   intr.Line
	alloc  dma.Allocator
	logger *logging.Logger
	obs    interfaces.Observer

	cfgTable regs.Table
	mode     queue.Mode
	q        queue.Queue
	ring     *queue.Performant // nil for the simple transport
	maxCmds  int
	fetch    uint32
	server   string
	maxSG    uint32

	pool *cmdpool.Pool
	cond *sync.Cond // on the pool lock

	swMu          sync.Mutex // serializes SoftwareISR
	hwMu          sync.Mutex
	outstanding   int
	swInProgress  bool
	intrEnabled   bool
	lastHeartbeat uint32
	hostSupport   uint32

	lockedUp   atomic.Bool
	quiesceRun atomic.Bool
	quiesced   atomic.Bool
	detached   atomic.Bool

	softint chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	monitor *monitor

	noeMu       sync.Mutex
	noe         *cmdpool.Block
	noeStopping atomic.Bool
	events      atomic.Uint64
	serviceHits atomic.Uint64
}

// Attach initializes the board behind f, starts interrupt handling and the
// health monitor, and enables interrupts. line may be nil, in which case
// completions are only found by polling and by the monitor.
func Attach(ctx context.Context, f regs.File, line intr.Line, alloc dma.Allocator, cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:     cfg,
		regs:    f,
		line:    line,
		alloc:   alloc,
		logger:  cfg.Logger.WithController(cfg.Name),
		obs:     cfg.Observer,
		softint: make(chan struct{}, 1),
	}

	if err := c.initController(ctx); err != nil {
		c.release()
		return nil, err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.softLoop()
	if c.line != nil {
		c.wg.Add(1)
		go c.intrLoop()
	}
	c.monitor = newMonitor(c, cfg.HeartbeatInterval)
	c.monitor.StartMonitor()

	c.IntrOnOff(true)
	if c.hostSupport&regs.HostSupportLockupIntr != 0 {
		c.LockupIntrOnOff(true)
	}

	if cfg.EnableEvents {
		if err := c.armEvents(); err != nil {
			c.logger.Warn("event notification unavailable", "error", err)
		}
	}

	c.logger.Info("controller attached",
		"transport", c.mode.String(),
		"max_cmds", c.maxCmds,
		"server", c.server)
	return c, nil
}

// Detach stops event notification, flushes the controller cache (unless a
// quiesce already did, or the board is dead), stops background work and
// frees every DMA resource. Blocks still in flight are lost.
func (c *Controller) Detach() error {
	if !c.detached.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	if !c.lockedUp.Load() && !c.quiesced.Load() {
		if err := c.cancelEvents(); err != nil {
			c.logger.Warn("cancel event notification failed", "error", err)
		}
		if err := c.flushCacheNoLock(); err != nil {
			c.logger.Error("cache flush on detach failed", "error", err)
			firstErr = err
		}
	}

	c.monitor.StopMonitor()
	c.hwMu.Lock()
	c.intrOnOffLocked(false)
	c.hwMu.Unlock()
	c.cancel()
	c.wg.Wait()

	c.release()
	c.logger.Info("controller detached")
	return firstErr
}

func (c *Controller) release() {
	if c.pool != nil {
		c.pool.Close()
	}
	if c.ring != nil {
		c.ring.Close()
	}
}

// Pool returns the controller's command pool.
func (c *Controller) Pool() *cmdpool.Pool { return c.pool }

// Mode returns the active transport.
func (c *Controller) Mode() queue.Mode { return c.mode }

// LockedUp reports whether the controller has been declared dead.
func (c *Controller) LockedUp() bool { return c.lockedUp.Load() }

// Outstanding returns the number of submitted, not yet retrieved commands.
func (c *Controller) Outstanding() int {
	c.hwMu.Lock()
	defer c.hwMu.Unlock()
	return c.outstanding
}

// Info returns a snapshot of the controller's state.
func (c *Controller) Info() Info {
	c.hwMu.Lock()
	outstanding, enabled := c.outstanding, c.intrEnabled
	c.hwMu.Unlock()

	return Info{
		Name:        c.cfg.Name,
		ServerName:  c.server,
		Transport:   c.mode,
		MaxCommands: c.maxCmds,
		BlockFetch:  c.fetch,
		MaxSG:       c.maxSG,
		Outstanding: outstanding,
		LockedUp:    c.lockedUp.Load(),
		Quiesced:    c.quiesced.Load(),
		Events:      c.events.Load(),
		ServiceHits: c.serviceHits.Load(),
		IntrEnabled: enabled,
	}
}

// serviceImpact reports a failed access-integrity check. The operation that
// detected it decides whether to fail; the report itself never does.
func (c *Controller) serviceImpact(source string, err error) {
	c.serviceHits.Add(1)
	c.logger.WithError(err).Error("service impact", "source", source)
	c.obs.ObserveServiceImpact(source)
}

// checkRegs verifies register access after a burst of accesses; c.hwMu held.
func (c *Controller) checkRegs(op string) {
	if err := c.regs.Check(); err != nil {
		c.serviceImpact(fmt.Sprintf("registers/%s", op), err)
	}
}

// armSoft schedules the software handler; c.hwMu held.
func (c *Controller) armSoft() {
	c.swInProgress = true
	select {
	case c.softint <- struct{}{}:
	default:
	}
}

func (c *Controller) softLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.softint:
			c.SoftwareISR()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Controller) intrLoop() {
	defer c.wg.Done()
	for {
		if err := c.line.Wait(c.ctx); err != nil {
			if c.ctx.Err() == nil {
				c.logger.Error("interrupt line failed", "error", err)
			}
			return
		}
		claimed := c.HardwareISR()
		c.obs.ObserveInterrupt(bool(claimed))
		if err := c.line.Unmask(); err != nil {
			c.logger.Error("interrupt unmask failed", "error", err)
			return
		}
	}
}

// wakeWaiters rouses every synchronous waiter so it re-examines its state.
// It takes the pool lock, so it must not be called with c.hwMu held.
func (c *Controller) wakeWaiters() {
	c.pool.Lock()
	c.cond.Broadcast()
	c.pool.Unlock()
}
