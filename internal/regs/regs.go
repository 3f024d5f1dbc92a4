// Package regs describes the CISS register window and provides access to it,
// either through a memory-mapped PCI BAR or through any other File
// implementation (such as the simulator).
package regs

import "errors"

// ErrAccess is returned by File.Check when the register window is no longer
// trustworthy (surprise removal, bus error, injected fault).
var ErrAccess = errors.New("register access fault")

// File is a 32-bit register window.
type File interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
	// Check reports whether every access since the previous Check completed
	// cleanly.
	Check() error
}

// doorbell and queue register offsets

const (
	InboundDoorbell   = 0x20 // IDR: host to controller doorbell (RW)
	InterruptStatus   = 0x30 // ISR: outbound interrupt status (R)
	InterruptMask     = 0x34 // IMR: outbound interrupt mask, set bit = masked (RW)
	InboundPostQueue  = 0x40 // IPQ: post a descriptor address (W)
	OutboundPostQueue = 0x44 // OPQ: pop a completion, EmptyTag when empty (R)
	OutboundDoorbell  = 0x9C // ODR: outbound doorbell (R)
	OutboundDoorbellC = 0xA0 // ODR_CL: outbound doorbell clear (W)
	Scratchpad0       = 0xB0 // SPR0: firmware ready indication (R)
	CfgTableBAR       = 0xB4 // BAR holding the config table (R)
	CfgTableOffset    = 0xB8 // offset of the config table in that BAR (R)
	WindowSize        = 0x100
)

// ScratchpadReady is the value Scratchpad0 holds once firmware is up.
const ScratchpadReady = 0xFFFF0000

// inbound doorbell bits

const (
	DoorbellCfgChange = 0x01 // CFGTBL_CHANGE_REQ / CFGTBL_ACC_CMDS
)

// outbound interrupt bits

const (
	IntrSimple     = 0x08 // simple transport reply pending
	IntrPerformant = 0x01 // performant transport reply pending
	IntrLockup     = 0x04 // controller lockup indication
)

// PerfAck is written to OutboundDoorbellC to acknowledge a performant interrupt.
const PerfAck = 0x1

// transport method bits (TransportSupport / TransportActive / TransportRequest)

const (
	TransportSimple     = 0x02
	TransportPerformant = 0x04
)

// HostSupportLockupIntr is set in HostDrvrSupport to enable lockup interrupts.
const HostSupportLockupIntr = 0x4

// CISS config table field offsets, relative to the table base

const (
	CfgSignature        = 0x00 // "CISS"
	CfgSpecValence      = 0x04
	CfgTransportSupport = 0x08
	CfgTransportActive  = 0x0C
	CfgTransportRequest = 0x10
	CfgUpper32Addr      = 0x14
	CfgCoalIntDelay     = 0x18
	CfgCoalIntCount     = 0x1C
	CfgCmdsOutMax       = 0x20
	CfgBusTypes         = 0x24
	CfgTransMethodOff   = 0x28 // offset of the performant table
	CfgServerName       = 0x2C // 16 bytes
	CfgHeartBeat        = 0x3C
	CfgHostDrvrSupport  = 0x40
	CfgMaxSGElements    = 0x44
	CfgMaxLogicalUnits  = 0x48
	CfgMaxPhysDevices   = 0x4C
	CfgMaxPhysPerLU     = 0x50
	CfgMaxPerfCmdsOut   = 0x54
	CfgMaxBlockFetch    = 0x58
	CfgTableSize        = 0x60
)

// CfgSignatureValue is "CISS" read as a little-endian word.
const CfgSignatureValue = 0x53534943

// performant transport table field offsets, relative to its base

const (
	PerfBlockFetch0   = 0x00 // 8 words of block fetch counts
	PerfReplyQSize    = 0x20
	PerfReplyQCount   = 0x24
	PerfCtrAddrLow    = 0x28
	PerfCtrAddrHigh   = 0x2C
	PerfReplyQAddr0Lo = 0x30
	PerfReplyQAddr0Hi = 0x34
	PerfTableSize     = 0x38
)

// Table addresses a structure living inside the register window.
type Table struct {
	f    File
	base uint32
}

// NewTable returns a view of the structure at base.
func NewTable(f File, base uint32) Table {
	return Table{f: f, base: base}
}

// ConfigTable locates the CISS config table through CfgTableOffset.
func ConfigTable(f File) Table {
	return NewTable(f, f.Read32(CfgTableOffset))
}

// PerfTable locates the performant transport table through the config table.
func PerfTable(f File, cfg Table) Table {
	return NewTable(f, cfg.base+cfg.Read(CfgTransMethodOff))
}

func (t Table) Read(field uint32) uint32 {
	return t.f.Read32(t.base + field)
}

func (t Table) Write(field, val uint32) {
	t.f.Write32(t.base+field, val)
}

// Base returns the window offset of the table.
func (t Table) Base() uint32 {
	return t.base
}
