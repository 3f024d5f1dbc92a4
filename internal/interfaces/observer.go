// Package interfaces holds the contracts shared between the engine and its
// embedders.
package interfaces

import "time"

// Observer receives engine events for metrics collection. Implementations
// must be safe for concurrent use and must not block: some methods are
// called with the controller's hardware lock held.
type Observer interface {
	// ObserveSubmit is called after a command is posted, with the
	// outstanding count including it.
	ObserveSubmit(outstanding int)

	// ObserveCompletion is called for each retrieved command.
	ObserveCompletion(latency time.Duration, failed bool)

	// ObserveSpurious is called for each discarded completion word.
	ObserveSpurious(word uint32)

	// ObserveInterrupt is called by the hardware handler.
	ObserveInterrupt(claimed bool)

	// ObserveSyncTimeout is called when a synchronous command gives up.
	ObserveSyncTimeout()

	// ObserveLockup is called once, when the controller is declared dead.
	ObserveLockup()

	// ObserveServiceImpact is called when an access-integrity check fails.
	ObserveServiceImpact(source string)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(int)                     {}
func (NoOpObserver) ObserveCompletion(time.Duration, bool) {}
func (NoOpObserver) ObserveSpurious(uint32)                {}
func (NoOpObserver) ObserveInterrupt(bool)                 {}
func (NoOpObserver) ObserveSyncTimeout()                   {}
func (NoOpObserver) ObserveLockup()                        {}
func (NoOpObserver) ObserveServiceImpact(string)           {}

var _ Observer = NoOpObserver{}
