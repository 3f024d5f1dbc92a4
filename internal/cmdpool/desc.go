package cmdpool

import (
	"fmt"

	"github.com/ehrlich-b/go-ciss/internal/constants"
	"github.com/ehrlich-b/go-ciss/internal/dma"
)

// command list layout

const (
	offReplyQueue = 0x00 // u8
	offSGInList   = 0x01 // u8
	offSGTotal    = 0x02 // u16
	offTag        = 0x04 // u32, index << TagShift; 0x08 holds the unused high word
	offLUN        = 0x0C // 8 bytes
	offCDBLen     = 0x14 // u8
	offTypeAttr   = 0x15 // u8: type bits 0-2, attribute 3-5, direction 6-7
	offTimeout    = 0x16 // u16 seconds
	offCDB        = 0x18 // 16 bytes
	offErrDescLo  = 0x28 // u64 bus address of the error info block
	offErrDescLen = 0x30 // u32
	offSG         = 0x38 // SG descriptors: u64 addr, u32 len, u32 ext

	sgEntrySize = 16
	maxSG       = (offErrInfo - offSG) / sgEntrySize
	maxCDB      = 16
)

// error info layout

const (
	offErrInfo    = 0x180
	offScsiStatus = offErrInfo + 0x00 // u8
	offSenseLen   = offErrInfo + 0x01 // u8
	offCmdStatus  = offErrInfo + 0x02 // u16
	offResidual   = offErrInfo + 0x04 // u32
	offSense      = offErrInfo + 0x10 // 32 bytes, after 8 bytes of extended info
	errInfoSize   = 0x30
	maxSense      = 32
)

// Request type (bits 0-2 of TypeAttr)
const (
	TypeCommand = 0
	TypeMessage = 1
)

// Task attribute (bits 3-5)
const (
	AttrUntagged = 0 << 3
	AttrSimple   = 4 << 3
)

// Data direction (bits 6-7)
const (
	DirNone  = 0 << 6
	DirWrite = 1 << 6
	DirRead  = 2 << 6
)

// CommandStatus values reported in the error info block.
type CommandStatus uint16

const (
	StatusSuccess CommandStatus = iota
	StatusTargetStatus
	StatusDataUnderrun
	StatusDataOverrun
	StatusInvalid
	StatusProtocolErr
	StatusHardwareErr
	StatusConnectionLost
	StatusAborted
	StatusAbortFailed
	StatusUnsolicitedAbort
	StatusTimeout
	StatusUnabortable
)

var statusNames = [...]string{
	"success", "target status", "data underrun", "data overrun", "invalid",
	"protocol error", "hardware error", "connection lost", "aborted",
	"abort failed", "unsolicited abort", "timeout", "unabortable",
}

func (s CommandStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint16(s))
}

// ErrorInfo is the controller's report for a failed command.
type ErrorInfo struct {
	ScsiStatus    uint8
	CommandStatus CommandStatus
	Residual      uint32
	Sense         []byte
}

func (e ErrorInfo) String() string {
	return fmt.Sprintf("%s (scsi status %#x, residual %d)", e.CommandStatus, e.ScsiStatus, e.Residual)
}

// TagWord is the value the controller echoes back for this block.
func TagWord(index uint32) uint32 {
	return index << constants.TagShift
}

// Descriptor is a view of a command descriptor in DMA memory. The engine
// writes it through a Block; the simulator reads it the way firmware would.
type Descriptor struct {
	buf *dma.Buffer
}

// NewDescriptor wraps buf, which must be at least DescriptorSize bytes.
func NewDescriptor(buf *dma.Buffer) Descriptor {
	return Descriptor{buf: buf}
}

func (d Descriptor) Buffer() *dma.Buffer { return d.buf }

// TagWord returns the raw tag field.
func (d Descriptor) TagWord() uint32 { return d.buf.Uint32(offTag) }

// Index returns the pool index encoded in the tag field.
func (d Descriptor) Index() uint32 { return d.TagWord() >> constants.TagShift }

func (d Descriptor) writeHeader(index uint32) {
	d.buf.PutUint32(offTag, TagWord(index))
	d.buf.PutUint64(offErrDescLo, d.buf.Phys()+offErrInfo)
	d.buf.PutUint32(offErrDescLen, errInfoSize)
}

// SetRequest fills in the request block. cdb may be at most 16 bytes.
func (d Descriptor) SetRequest(lun [8]byte, cdb []byte, typeAttrDir uint8, timeoutSec uint16) error {
	if len(cdb) == 0 || len(cdb) > maxCDB {
		return fmt.Errorf("cdb length %d out of range", len(cdb))
	}
	copy(d.buf.Bytes()[offLUN:offLUN+8], lun[:])
	d.buf.PutUint8(offCDBLen, uint8(len(cdb)))
	d.buf.PutUint8(offTypeAttr, typeAttrDir)
	d.buf.PutUint16(offTimeout, timeoutSec)
	cdbArea := d.buf.Bytes()[offCDB : offCDB+maxCDB]
	clear(cdbArea)
	copy(cdbArea, cdb)
	return nil
}

// AddSG appends a scatter/gather element.
func (d Descriptor) AddSG(addr uint64, length uint32) error {
	n := d.SGCount()
	if n >= maxSG {
		return fmt.Errorf("too many sg elements (max %d)", maxSG)
	}
	off := offSG + n*sgEntrySize
	d.buf.PutUint64(off, addr)
	d.buf.PutUint32(off+8, length)
	d.buf.PutUint32(off+12, 0)
	d.buf.PutUint8(offSGInList, uint8(n+1))
	d.buf.PutUint16(offSGTotal, uint16(n+1))
	return nil
}

// CDB returns the command bytes currently in the request block.
func (d Descriptor) CDB() []byte {
	n := int(d.buf.Uint8(offCDBLen))
	if n > maxCDB {
		n = maxCDB
	}
	return d.buf.Bytes()[offCDB : offCDB+n]
}

func (d Descriptor) TypeAttrDir() uint8 { return d.buf.Uint8(offTypeAttr) }

// SGCount returns the number of scatter/gather elements.
func (d Descriptor) SGCount() int { return int(d.buf.Uint16(offSGTotal)) }

// SG returns scatter/gather element i.
func (d Descriptor) SG(i int) (addr uint64, length uint32) {
	off := offSG + i*sgEntrySize
	return d.buf.Uint64(off), d.buf.Uint32(off + 8)
}

// DecodeError reads the error info block written by the controller.
func (d Descriptor) DecodeError() ErrorInfo {
	info := ErrorInfo{
		ScsiStatus:    d.buf.Uint8(offScsiStatus),
		CommandStatus: CommandStatus(d.buf.Uint16(offCmdStatus)),
		Residual:      d.buf.Uint32(offResidual),
	}
	if n := int(d.buf.Uint8(offSenseLen)); n > 0 {
		if n > maxSense {
			n = maxSense
		}
		info.Sense = append([]byte(nil), d.buf.Bytes()[offSense:offSense+n]...)
	}
	return info
}

// WriteError fills in the error info block, as firmware does on failure.
func (d Descriptor) WriteError(info ErrorInfo) {
	d.buf.PutUint8(offScsiStatus, info.ScsiStatus)
	d.buf.PutUint16(offCmdStatus, uint16(info.CommandStatus))
	d.buf.PutUint32(offResidual, info.Residual)
	n := len(info.Sense)
	if n > maxSense {
		n = maxSense
	}
	d.buf.PutUint8(offSenseLen, uint8(n))
	copy(d.buf.Bytes()[offSense:offSense+maxSense], info.Sense[:n])
}
