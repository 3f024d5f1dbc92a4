// Package intr delivers controller interrupts to user space.
package intr

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Wait after Close.
var ErrClosed = errors.New("interrupt line closed")

// Line is one interrupt source.
type Line interface {
	// Wait blocks until the interrupt fires, ctx is done, or the line is
	// closed.
	Wait(ctx context.Context) error
	// Unmask re-enables delivery after Wait returned.
	Unmask() error
	Close() error
}

// Soft is an in-process Line. Raise coalesces: any number of raises before
// the next Wait are delivered once, like a level-triggered line.
type Soft struct {
	ch        chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	masked    bool
	latched   bool
}

func NewSoft() *Soft {
	return &Soft{
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Raise asserts the line.
func (s *Soft) Raise() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masked {
		s.latched = true
		return
	}
	s.deliver()
}

func (s *Soft) deliver() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait masks the line on delivery; Unmask must be called to receive the
// next interrupt.
func (s *Soft) Wait(ctx context.Context) error {
	select {
	case <-s.ch:
		s.mu.Lock()
		s.masked = true
		s.mu.Unlock()
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Soft) Unmask() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masked = false
	if s.latched {
		s.latched = false
		s.deliver()
	}
	return nil
}

func (s *Soft) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

var _ Line = (*Soft)(nil)
