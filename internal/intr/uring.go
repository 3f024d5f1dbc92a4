//go:build giouring
// +build giouring

package intr

import (
	"context"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/dswarbrick/smart/utils"
	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// Uring waits on a UIO device with an io_uring read instead of epoll.
type Uring struct {
	fd       int
	ring     *giouring.Ring
	buf      [4]byte
	inflight bool
	count    uint32
}

// pollSlice bounds each CQE wait so that ctx is observed.
var pollSlice = syscall.NsecToTimespec(int64(50_000_000))

// OpenUring opens a UIO device and sets up a small ring for it.
func OpenUring(path string) (*Uring, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	ring, err := giouring.CreateRing(4)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to create io_uring: %v", err)
	}
	u := &Uring{fd: fd, ring: ring}
	if err := u.Unmask(); err != nil {
		u.Close()
		return nil, err
	}
	return u, nil
}

func (u *Uring) arm() error {
	sqe := u.ring.GetSQE()
	if sqe == nil {
		return fmt.Errorf("io_uring submission queue full")
	}
	sqe.PrepareRead(u.fd, uintptr(unsafe.Pointer(&u.buf[0])), uint32(len(u.buf)), 0)
	if _, err := u.ring.Submit(); err != nil {
		return fmt.Errorf("io_uring submit: %w", err)
	}
	u.inflight = true
	return nil
}

func (u *Uring) Wait(ctx context.Context) error {
	if !u.inflight {
		if err := u.arm(); err != nil {
			return err
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ts := pollSlice
		cqe, err := u.ring.WaitCQETimeout(&ts)
		if err != nil {
			if err == syscall.ETIME || err == syscall.EINTR || err == syscall.EAGAIN {
				continue
			}
			return fmt.Errorf("io_uring wait: %w", err)
		}
		res := cqe.Res
		u.ring.CQESeen(cqe)
		u.inflight = false
		if res < 0 {
			return fmt.Errorf("uio read: %w", syscall.Errno(-res))
		}
		u.count = utils.NativeEndian.Uint32(u.buf[:])
		return nil
	}
}

func (u *Uring) Unmask() error {
	var buf [4]byte
	utils.NativeEndian.PutUint32(buf[:], 1)
	if _, err := unix.Write(u.fd, buf[:]); err != nil {
		return fmt.Errorf("uio unmask: %w", err)
	}
	return nil
}

func (u *Uring) Close() error {
	u.ring.QueueExit()
	return unix.Close(u.fd)
}

var _ Line = (*Uring)(nil)
