package ctrl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/go-ciss/internal/cmdpool"
	"github.com/ehrlich-b/go-ciss/internal/constants"
	"github.com/ehrlich-b/go-ciss/internal/queue"
	"github.com/ehrlich-b/go-ciss/internal/regs"
)

// initController brings the board from reset to an active transport and
// allocates the pool and reply ring sized to it.
func (c *Controller) initController(ctx context.Context) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}

	c.cfgTable = regs.ConfigTable(c.regs)
	if sig := c.cfgTable.Read(regs.CfgSignature); sig != regs.CfgSignatureValue {
		return fmt.Errorf("%w: bad config table signature %#x", ErrUnsupported, sig)
	}
	c.server = c.readServerName()
	c.maxSG = c.cfgTable.Read(regs.CfgMaxSGElements)

	mode, err := c.selectTransport()
	if err != nil {
		return err
	}
	c.mode = mode
	c.maxCmds = c.commandLimit()
	if c.maxCmds < 2 {
		return fmt.Errorf("%w: controller accepts %d commands", ErrUnsupported, c.maxCmds)
	}

	c.pool, err = cmdpool.New(c.alloc, c.maxCmds)
	if err != nil {
		return fmt.Errorf("command pool: %w", err)
	}
	c.cond = sync.NewCond(c.pool.Locker())

	var request uint32
	switch mode {
	case queue.ModePerformant:
		if err := c.setupPerformant(); err != nil {
			return err
		}
		request = regs.TransportPerformant
	case queue.ModeSimple:
		c.q = queue.NewSimple(c.regs)
		request = regs.TransportSimple
	}

	c.cfgTable.Write(regs.CfgTransportRequest, request)
	c.regs.Write32(regs.InboundDoorbell, c.regs.Read32(regs.InboundDoorbell)|regs.DoorbellCfgChange)
	if err := c.waitAccepted(ctx); err != nil {
		return err
	}
	if active := c.cfgTable.Read(regs.CfgTransportActive); active&request == 0 {
		return fmt.Errorf("%w: controller refused %s transport (active %#x)", ErrUnsupported, mode, active)
	}

	c.cfgTable.Write(regs.CfgUpper32Addr, 0)
	c.lastHeartbeat = c.cfgTable.Read(regs.CfgHeartBeat)
	c.hostSupport = c.cfgTable.Read(regs.CfgHostDrvrSupport) | regs.HostSupportLockupIntr
	c.cfgTable.Write(regs.CfgHostDrvrSupport, c.hostSupport)

	if err := c.regs.Check(); err != nil {
		c.serviceImpact("registers/init", err)
		return fmt.Errorf("%w: %v", ErrHardwareAccess, err)
	}
	return nil
}

// waitReady polls the scratchpad until firmware reports ready.
func (c *Controller) waitReady(ctx context.Context) error {
	return c.pollUntil(ctx, c.cfg.InitWait, func() bool {
		return c.regs.Read32(regs.Scratchpad0) == regs.ScratchpadReady
	}, "firmware ready")
}

// waitAccepted polls the doorbell until the config change is consumed.
func (c *Controller) waitAccepted(ctx context.Context) error {
	return c.pollUntil(ctx, c.cfg.ReadyWait, func() bool {
		return c.regs.Read32(regs.InboundDoorbell)&regs.DoorbellCfgChange == 0
	}, "transport change")
}

func (c *Controller) pollUntil(ctx context.Context, limit time.Duration, done func() bool, what string) error {
	deadline := time.Now().Add(limit)
	ticker := time.NewTicker(c.cfg.ReadyPoll)
	defer ticker.Stop()

	for !done() {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s not seen within %v", ErrNotReady, what, limit)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (c *Controller) selectTransport() (queue.Mode, error) {
	support := c.cfgTable.Read(regs.CfgTransportSupport)
	switch c.cfg.Transport {
	case queue.ModePerformant:
		if support&regs.TransportPerformant == 0 {
			return queue.ModeUnknown, fmt.Errorf("%w: performant transport not supported", ErrUnsupported)
		}
		return queue.ModePerformant, nil
	case queue.ModeSimple:
		if support&regs.TransportSimple == 0 {
			return queue.ModeUnknown, fmt.Errorf("%w: simple transport not supported", ErrUnsupported)
		}
		return queue.ModeSimple, nil
	}
	switch {
	case support&regs.TransportPerformant != 0:
		return queue.ModePerformant, nil
	case support&regs.TransportSimple != 0:
		return queue.ModeSimple, nil
	}
	return queue.ModeUnknown, fmt.Errorf("%w: no known transport in %#x", ErrUnsupported, support)
}

// commandLimit is the pool size: the board's limit for the chosen
// transport, capped by configuration.
func (c *Controller) commandLimit() int {
	n := c.cfgTable.Read(regs.CfgCmdsOutMax)
	if c.mode == queue.ModePerformant {
		if perf := c.cfgTable.Read(regs.CfgMaxPerfCmdsOut); perf != 0 {
			n = perf
		}
		if n > constants.MaxPerfCommands {
			n = constants.MaxPerfCommands
		}
	}
	if n == 0 {
		n = constants.DefaultMaxCommands
	}
	if c.cfg.MaxCommands > 0 && c.cfg.MaxCommands < int(n) {
		return c.cfg.MaxCommands
	}
	return int(n)
}

// blockFetchCount picks how much of a descriptor the controller prefetches.
func blockFetchCount(max uint32) uint32 {
	switch {
	case max == 0:
		return constants.DefaultBlockFetchCount
	case max > constants.MaxBlockFetchCount:
		return constants.MaxBlockFetchCount
	default:
		return max
	}
}

func (c *Controller) setupPerformant() error {
	ring, err := queue.NewPerformant(c.alloc, c.maxCmds)
	if err != nil {
		return err
	}
	c.ring = ring
	c.q = ring

	c.fetch = blockFetchCount(c.cfgTable.Read(regs.CfgMaxBlockFetch))
	perf := regs.PerfTable(c.regs, c.cfgTable)
	for i := uint32(0); i < 8; i++ {
		perf.Write(regs.PerfBlockFetch0+4*i, 0)
	}
	perf.Write(regs.PerfBlockFetch0+4*constants.BlockFetchIndex, c.fetch)
	perf.Write(regs.PerfReplyQSize, uint32(c.maxCmds))
	perf.Write(regs.PerfReplyQCount, 1)
	perf.Write(regs.PerfReplyQAddr0Lo, uint32(ring.Buffer().Phys()))
	perf.Write(regs.PerfReplyQAddr0Hi, uint32(ring.Buffer().Phys()>>32))
	return nil
}

func (c *Controller) readServerName() string {
	var b strings.Builder
	for i := uint32(0); i < 16; i += 4 {
		w := c.cfgTable.Read(regs.CfgServerName + i)
		for s := 0; s < 32; s += 8 {
			if ch := byte(w >> s); ch != 0 {
				b.WriteByte(ch)
			}
		}
	}
	return strings.TrimSpace(b.String())
}
