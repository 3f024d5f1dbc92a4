package dma

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/dswarbrick/smart/utils"
	"golang.org/x/sys/unix"
)

const pagemapPath = "/proc/self/pagemap"

// pagemap entry layout
const (
	pmPresent = 1 << 63
	pmPFNMask = (1 << 55) - 1
)

// Pinned allocates locked anonymous memory and resolves bus addresses through
// /proc/self/pagemap. It assumes an identity IOMMU mapping (or none), which
// is the case for UIO-bound devices without vfio. Every allocation must fit
// in one page so that it is physically contiguous.
type Pinned struct {
	mu       sync.Mutex
	pagemap  *os.File
	pageSize int
	page     []byte // current slab
	pagePhys uint64
	used     int
	slabs    [][]byte
}

// NewPinned opens the pagemap. Reading PFNs requires CAP_SYS_ADMIN.
func NewPinned() (*Pinned, error) {
	f, err := os.Open(pagemapPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", pagemapPath, err)
	}
	return &Pinned{pagemap: f, pageSize: unix.Getpagesize()}, nil
}

func (p *Pinned) Alloc(size, align int) (*Buffer, error) {
	if size <= 0 || size > p.pageSize {
		return nil, fmt.Errorf("dma: pinned size %d outside (0, %d]", size, p.pageSize)
	}
	if align <= 0 {
		align = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	start := (p.used + align - 1) &^ (align - 1)
	if p.page == nil || start+size > p.pageSize {
		if err := p.newSlab(); err != nil {
			return nil, err
		}
		start = 0
	}
	p.used = start + size

	mem := p.page[start : start+size : start+size]
	clear(mem)
	return &Buffer{mem: mem, phys: p.pagePhys + uint64(start), owner: p}, nil
}

func (p *Pinned) newSlab() error {
	page, err := unix.Mmap(-1, 0, p.pageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE|unix.MAP_LOCKED)
	if err != nil {
		return fmt.Errorf("dma: mmap: %w", err)
	}
	if err := unix.Mlock(page); err != nil {
		unix.Munmap(page)
		return fmt.Errorf("dma: mlock: %w", err)
	}
	phys, err := p.translate(page)
	if err != nil {
		unix.Munmap(page)
		return err
	}
	p.page = page
	p.pagePhys = phys
	p.used = 0
	p.slabs = append(p.slabs, page)
	return nil
}

func (p *Pinned) translate(page []byte) (uint64, error) {
	vaddr := uint64(uintptr(unsafe.Pointer(unsafe.SliceData(page))))
	var entry [8]byte
	off := int64(vaddr/uint64(p.pageSize)) * 8
	if _, err := unix.Pread(int(p.pagemap.Fd()), entry[:], off); err != nil {
		return 0, fmt.Errorf("dma: pagemap read: %w", err)
	}
	pm := utils.NativeEndian.Uint64(entry[:])
	if pm&pmPresent == 0 {
		return 0, fmt.Errorf("dma: page at %#x not present", vaddr)
	}
	pfn := pm & pmPFNMask
	if pfn == 0 {
		return 0, fmt.Errorf("dma: pagemap hides PFNs (need CAP_SYS_ADMIN)")
	}
	return pfn * uint64(p.pageSize), nil
}

// Free is a no-op: slabs are released together by Close, since the
// controller may still reference any of them until detach.
func (p *Pinned) Free(*Buffer) {}

// Close unmaps every slab.
func (p *Pinned) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slabs {
		unix.Munlock(s)
		unix.Munmap(s)
	}
	p.slabs = nil
	p.page = nil
	return p.pagemap.Close()
}
