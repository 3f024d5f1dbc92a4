package regs

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MMIO is a File backed by a mapped PCI BAR, typically
// /sys/bus/pci/devices/<addr>/resource0.
type MMIO struct {
	mem    []byte
	faults atomic.Uint32
}

// OpenMMIO maps the BAR resource file at path.
func OpenMMIO(path string) (*MMIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := int(st.Size())
	if size < WindowSize {
		return nil, fmt.Errorf("%s: BAR too small (%d bytes)", path, size)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &MMIO{mem: mem}, nil
}

func (m *MMIO) word(off uint32) *uint32 {
	if int(off)+4 > len(m.mem) || off&3 != 0 {
		m.faults.Add(1)
		return nil
	}
	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}

func (m *MMIO) Read32(off uint32) uint32 {
	p := m.word(off)
	if p == nil {
		return 0xFFFFFFFF
	}
	Rmb()
	return atomic.LoadUint32(p)
}

func (m *MMIO) Write32(off uint32, val uint32) {
	p := m.word(off)
	if p == nil {
		return
	}
	Wmb()
	atomic.StoreUint32(p, val)
}

// Check reports and clears accumulated access faults. A scratchpad that reads
// back as all ones means the device stopped answering (master abort).
func (m *MMIO) Check() error {
	if p := m.word(Scratchpad0); p != nil && atomic.LoadUint32(p) == 0xFFFFFFFF {
		m.faults.Add(1)
	}
	if n := m.faults.Swap(0); n != 0 {
		return fmt.Errorf("%w: %d bad accesses", ErrAccess, n)
	}
	return nil
}

// Close unmaps the BAR.
func (m *MMIO) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
