package ctrl

import (
	"fmt"

	"github.com/ehrlich-b/go-ciss/internal/cmdpool"
	"github.com/ehrlich-b/go-ciss/internal/constants"
)

// Controller-private commands travel as BMIC reads and writes; byte 6 of
// the CDB selects the operation and bytes 7-8 carry the transfer size.
const (
	bmicRead  = 0x26
	bmicWrite = 0x27

	bmicFlushCache  = 0xC2
	bmicNotifyEvent = 0x64
	bmicCancelEvent = 0x65

	bmicCDBLen = 10

	flushCacheSize = 4
	eventBufSize   = 512
)

// setBMIC writes a BMIC request for cmd into b. size is the payload length
// already bound to b, 0 for none.
func setBMIC(b *cmdpool.Block, cmd byte, write bool, size int) error {
	cdb := make([]byte, bmicCDBLen)
	cdb[0] = bmicRead
	if write {
		cdb[0] = bmicWrite
	}
	cdb[6] = cmd
	cdb[7] = byte(size >> 8)
	cdb[8] = byte(size)

	dir := uint8(cmdpool.DirNone)
	if size > 0 {
		dir = cmdpool.DirRead
		if write {
			dir = cmdpool.DirWrite
		}
	}
	return b.SetRequest([8]byte{}, cdb, cmdpool.TypeCommand|cmdpool.AttrSimple|dir, 0)
}

// attachPayload binds a zeroed DMA buffer of size bytes to b as its single
// scatter/gather element. size 0 is a no-op.
func (c *Controller) attachPayload(b *cmdpool.Block, size int) error {
	if size <= 0 {
		return nil
	}
	buf, err := c.alloc.Alloc(size, constants.DescriptorAlign)
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	buf.Zero()
	if err := b.AddSG(buf.Phys(), uint32(size)); err != nil {
		buf.Free()
		return err
	}
	b.Payload = buf
	return nil
}
