//go:build linux

package intr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dswarbrick/smart/utils"
	"golang.org/x/sys/unix"
)

// UIO is a Line backed by a /dev/uioN device. Reading the device returns
// the interrupt count; writing 1 re-enables the interrupt.
type UIO struct {
	fd     int
	epfd   int
	wakefd int

	mu     sync.Mutex
	closed bool
	count  uint32
}

// OpenUIO opens path (for example /dev/uio0) and unmasks the interrupt.
func OpenUIO(path string) (*UIO, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	u := &UIO{fd: fd, epfd: epfd, wakefd: wakefd}
	for _, f := range []int{fd, wakefd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(f)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, f, &ev); err != nil {
			u.Close()
			return nil, fmt.Errorf("epoll_ctl: %w", err)
		}
	}

	if err := u.Unmask(); err != nil {
		u.Close()
		return nil, err
	}
	return u, nil
}

func (u *UIO) wake() {
	var buf [8]byte
	utils.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(u.wakefd, buf[:])
}

func (u *UIO) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, u.wake)
	defer stop()

	var events [2]unix.EpollEvent
	for {
		u.mu.Lock()
		closed := u.closed
		u.mu.Unlock()
		if closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.EpollWait(u.epfd, events[:], -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			if int(events[i].Fd) == u.wakefd {
				var buf [8]byte
				unix.Read(u.wakefd, buf[:])
				continue
			}
			var buf [4]byte
			if _, err := unix.Read(u.fd, buf[:]); err != nil {
				if errors.Is(err, unix.EAGAIN) {
					continue
				}
				return fmt.Errorf("uio read: %w", err)
			}
			u.count = utils.NativeEndian.Uint32(buf[:])
			return nil
		}
	}
}

// Count returns the kernel's interrupt count as of the last delivery.
func (u *UIO) Count() uint32 {
	return u.count
}

func (u *UIO) Unmask() error {
	var buf [4]byte
	utils.NativeEndian.PutUint32(buf[:], 1)
	if _, err := unix.Write(u.fd, buf[:]); err != nil {
		return fmt.Errorf("uio unmask: %w", err)
	}
	return nil
}

func (u *UIO) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()

	u.wake()
	unix.Close(u.wakefd)
	unix.Close(u.epfd)
	return unix.Close(u.fd)
}

var _ Line = (*UIO)(nil)
