// Package sim is a software model of a CISS controller. It implements the
// register window and the interrupt line, walks descriptors through the DMA
// heap the way firmware would, and lets a test decide when and in which
// order commands complete.
package sim

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ehrlich-b/go-ciss/internal/cmdpool"
	"github.com/ehrlich-b/go-ciss/internal/constants"
	"github.com/ehrlich-b/go-ciss/internal/dma"
	"github.com/ehrlich-b/go-ciss/internal/intr"
	"github.com/ehrlich-b/go-ciss/internal/regs"
)

// window layout of the simulated BAR
const (
	cfgBase  = 0x1000
	perfBase = 0x1100
)

// BMIC opcodes the model understands
const (
	bmicRead        = 0x26
	bmicWrite       = 0x27
	bmicFlushCache  = 0xC2
	bmicNotifyEvent = 0x64
	bmicCancelEvent = 0x65
)

// Config describes the simulated board.
type Config struct {
	Name            string
	Transports      uint32 // regs.TransportSimple | regs.TransportPerformant
	MaxCommands     uint32 // CmdsOutMax
	MaxPerfCommands uint32 // MaxPerfModeCmdsOutMax, 0 = not reported
	MaxBlockFetch   uint32
	ReadyAfter      int // Scratchpad0 reads before firmware reports ready
	AcceptAfter     int // doorbell reads before a transport change completes
	// AutoComplete completes every ordinary command after AutoDelay.
	AutoComplete bool
	AutoDelay    time.Duration
}

// DefaultConfig is a small board supporting both transports.
func DefaultConfig() Config {
	return Config{
		Name:            "SIMARRAY",
		Transports:      regs.TransportSimple | regs.TransportPerformant,
		MaxCommands:     16,
		MaxPerfCommands: 16,
		MaxBlockFetch:   0,
	}
}

// Controller is the simulated device.
type Controller struct {
	*intr.Soft

	mu   sync.Mutex
	cfg  Config
	heap *dma.Heap
	mem  map[uint32]uint32

	readyReads  int
	changeReads int
	idr         uint32
	imr         uint32

	heartbeat uint32
	wedged    bool

	active uint32 // active transport

	opq         []uint32
	ring        *dma.Buffer
	ringEntries int
	ringIndex   int
	ringCyclic  uint32
	perfPending bool

	posted   map[uint32]cmdpool.Descriptor
	failNext map[uint32]cmdpool.ErrorInfo
	noe      *cmdpool.Descriptor
	events   uint32

	flushes     int
	badPosts    int
	accessFault bool
	order       []uint32
}

// New builds a controller that resolves bus addresses through heap.
func New(heap *dma.Heap, cfg Config) *Controller {
	c := &Controller{
		Soft:       intr.NewSoft(),
		cfg:        cfg,
		heap:       heap,
		mem:        make(map[uint32]uint32),
		imr:        0xFFFFFFFF,
		heartbeat:  1,
		posted:     make(map[uint32]cmdpool.Descriptor),
		failNext:   make(map[uint32]cmdpool.ErrorInfo),
		ringCyclic: constants.ReplyInitCyclicIndicator,
	}

	c.mem[cfgBase+regs.CfgSignature] = regs.CfgSignatureValue
	c.mem[cfgBase+regs.CfgSpecValence] = 1
	c.mem[cfgBase+regs.CfgTransportSupport] = cfg.Transports
	c.mem[cfgBase+regs.CfgCmdsOutMax] = cfg.MaxCommands
	c.mem[cfgBase+regs.CfgTransMethodOff] = perfBase - cfgBase
	c.mem[cfgBase+regs.CfgMaxPerfCmdsOut] = cfg.MaxPerfCommands
	c.mem[cfgBase+regs.CfgMaxBlockFetch] = cfg.MaxBlockFetch
	c.mem[cfgBase+regs.CfgMaxSGElements] = 31
	name := []byte(fmt.Sprintf("%-16s", cfg.Name))
	for i := 0; i < 16; i += 4 {
		c.mem[cfgBase+regs.CfgServerName+uint32(i)] = uint32(name[i]) | uint32(name[i+1])<<8 |
			uint32(name[i+2])<<16 | uint32(name[i+3])<<24
	}
	return c
}

// Read32 implements regs.File.
func (c *Controller) Read32(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case regs.Scratchpad0:
		if c.readyReads < c.cfg.ReadyAfter {
			c.readyReads++
			return 0
		}
		return regs.ScratchpadReady
	case regs.CfgTableBAR:
		return 0
	case regs.CfgTableOffset:
		return cfgBase
	case regs.InboundDoorbell:
		if c.idr&regs.DoorbellCfgChange != 0 {
			if c.changeReads >= c.cfg.AcceptAfter {
				c.acceptChange()
			} else {
				c.changeReads++
			}
		}
		return c.idr
	case regs.InterruptStatus:
		return c.isr()
	case regs.InterruptMask:
		return c.imr
	case regs.OutboundPostQueue:
		if len(c.opq) == 0 {
			return constants.EmptyTag
		}
		w := c.opq[0]
		c.opq = c.opq[1:]
		return w
	case cfgBase + regs.CfgHeartBeat:
		if !c.wedged {
			c.heartbeat++
		}
		return c.heartbeat
	}
	return c.mem[off]
}

// Write32 implements regs.File.
func (c *Controller) Write32(off uint32, val uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case regs.InboundDoorbell:
		c.idr |= val
		if val&regs.DoorbellCfgChange != 0 {
			c.changeReads = 0
		}
	case regs.InterruptMask:
		c.imr = val
		c.raiseIfPending()
	case regs.InboundPostQueue:
		c.post(val)
	case regs.OutboundDoorbellC:
		if val&regs.PerfAck != 0 {
			c.perfPending = false
		}
	default:
		c.mem[off] = val
	}
}

// Check implements regs.File; an injected fault is reported once.
func (c *Controller) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessFault {
		c.accessFault = false
		return fmt.Errorf("%w: injected", regs.ErrAccess)
	}
	return nil
}

func (c *Controller) acceptChange() {
	req := c.mem[cfgBase+regs.CfgTransportRequest] & c.cfg.Transports
	c.idr &^= regs.DoorbellCfgChange
	if req == 0 {
		return
	}
	if req&regs.TransportPerformant != 0 {
		if !c.setupRing() {
			return
		}
		req = regs.TransportPerformant
	} else {
		req = regs.TransportSimple
	}
	c.active = req
	c.mem[cfgBase+regs.CfgTransportActive] = req
}

func (c *Controller) setupRing() bool {
	addr := uint64(c.mem[perfBase+regs.PerfReplyQAddr0Lo]) |
		uint64(c.mem[perfBase+regs.PerfReplyQAddr0Hi])<<32
	n := int(c.mem[perfBase+regs.PerfReplyQSize])
	buf, off, ok := c.heap.Resolve(addr)
	if !ok || off != 0 || n <= 0 || n*constants.ReplyEntrySize > buf.Len() {
		return false
	}
	c.ring = buf
	c.ringEntries = n
	c.ringIndex = 0
	c.ringCyclic = constants.ReplyInitCyclicIndicator
	return true
}

func (c *Controller) isr() uint32 {
	var v uint32
	switch c.active {
	case regs.TransportSimple:
		if len(c.opq) > 0 {
			v |= regs.IntrSimple
		}
	case regs.TransportPerformant:
		if c.perfPending {
			v |= regs.IntrPerformant
		}
	}
	if c.wedged && c.mem[cfgBase+regs.CfgHostDrvrSupport]&regs.HostSupportLockupIntr != 0 {
		v |= regs.IntrLockup
	}
	return v
}

func (c *Controller) raiseIfPending() {
	if c.isr()&^c.imr != 0 {
		c.Soft.Raise()
	}
}

func (c *Controller) post(word uint32) {
	phys := uint64(word)
	if c.active == regs.TransportPerformant {
		if word&1 == 0 {
			c.badPosts++
			return
		}
		phys &^= constants.DescriptorAlign - 1
	}
	buf, off, ok := c.heap.Resolve(phys)
	if !ok || off != 0 {
		c.badPosts++
		return
	}
	d := cmdpool.NewDescriptor(buf)
	index := d.Index()
	if _, dup := c.posted[index]; dup {
		c.badPosts++
		return
	}
	c.posted[index] = d

	if cdb := d.CDB(); len(cdb) > 6 && (cdb[0] == bmicRead || cdb[0] == bmicWrite) {
		switch cdb[6] {
		case bmicFlushCache:
			c.flushes++
			c.complete(index)
			return
		case bmicNotifyEvent:
			c.noe = &d
			return
		case bmicCancelEvent:
			if c.noe != nil {
				held := c.noe.Index()
				c.noe = nil
				c.complete(held)
			}
			c.complete(index)
			return
		}
	}

	if c.cfg.AutoComplete {
		if c.cfg.AutoDelay > 0 {
			time.AfterFunc(c.cfg.AutoDelay, func() { c.Complete(index) })
		} else {
			c.complete(index)
		}
	}
}

// complete pushes a completion for a posted index; c.mu must be held.
func (c *Controller) complete(index uint32) bool {
	d, ok := c.posted[index]
	if !ok {
		return false
	}
	delete(c.posted, index)

	word := cmdpool.TagWord(index)
	if info, fail := c.failNext[index]; fail {
		delete(c.failNext, index)
		d.WriteError(info)
		word |= 1 << 1
	}
	c.order = append(c.order, index)
	c.push(word)
	return true
}

func (c *Controller) push(word uint32) {
	switch c.active {
	case regs.TransportPerformant:
		c.ring.StoreWord(c.ringIndex*constants.ReplyEntrySize, word&^1|c.ringCyclic)
		c.ringIndex++
		if c.ringIndex == c.ringEntries {
			c.ringIndex = 0
			c.ringCyclic ^= 1
		}
		c.perfPending = true
	default:
		c.opq = append(c.opq, word)
	}
	c.raiseIfPending()
}

// Complete finishes the posted commands with the given pool indices, in the
// given order. It returns an error naming any index that was not posted.
func (c *Controller) Complete(indices ...uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var missing []uint32
	for _, i := range indices {
		if !c.complete(i) {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("not posted: %v", missing)
	}
	return nil
}

// CompleteAll finishes every posted command except a held event
// notification, in ascending index order.
func (c *Controller) CompleteAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var idx []uint32
	for i := range c.posted {
		if c.noe != nil && c.noe.Index() == i {
			continue
		}
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	for _, i := range idx {
		c.complete(i)
	}
	return len(idx)
}

// InjectWord pushes a raw completion word, valid or not.
func (c *Controller) InjectWord(word uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.push(word)
}

// FailNext makes the next completion of index carry info.
func (c *Controller) FailNext(index uint32, info cmdpool.ErrorInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[index] = info
}

// DeliverEvent completes the held notify-on-event command, as if the
// controller had an event to report. The event sequence number is written
// into the command's first data buffer.
func (c *Controller) DeliverEvent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.noe == nil {
		return false
	}
	d := *c.noe
	c.noe = nil
	c.events++
	if d.SGCount() > 0 {
		addr, n := d.SG(0)
		if buf, off, ok := c.heap.Resolve(addr); ok && n >= 4 {
			buf.PutUint32(off, c.events)
		}
	}
	return c.complete(d.Index())
}

// Wedge freezes the heartbeat, as a locked-up firmware would.
func (c *Controller) Wedge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wedged = true
	c.raiseIfPending()
}

// InjectAccessFault makes the next Check fail.
func (c *Controller) InjectAccessFault() {
	c.mu.Lock()
	c.accessFault = true
	c.mu.Unlock()
}

// SetAutoComplete switches automatic completion on or off.
func (c *Controller) SetAutoComplete(on bool, delay time.Duration) {
	c.mu.Lock()
	c.cfg.AutoComplete = on
	c.cfg.AutoDelay = delay
	c.mu.Unlock()
}

// Posted returns the indices currently held by the model, sorted.
func (c *Controller) Posted() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := make([]uint32, 0, len(c.posted))
	for i := range c.posted {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	return idx
}

// EventArmed reports whether a notify-on-event command is held.
func (c *Controller) EventArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noe != nil
}

// Flushes counts flush-cache commands received.
func (c *Controller) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

// BadPosts counts malformed or duplicate posts.
func (c *Controller) BadPosts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.badPosts
}

// CompletionOrder returns every index completed so far, in order.
func (c *Controller) CompletionOrder() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.order...)
}

// ActiveTransport returns the transport the model is running.
func (c *Controller) ActiveTransport() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Masked reports whether the given interrupt bits are masked.
func (c *Controller) Masked(bits uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.imr&bits == bits
}

var _ regs.File = (*Controller)(nil)
var _ intr.Line = (*Controller)(nil)
