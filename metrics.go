package ciss

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-ciss/internal/interfaces"
)

// LatencyBuckets defines the completion latency histogram buckets in
// nanoseconds. Buckets cover from 10us to 100s with logarithmic spacing;
// synchronous control commands may legitimately take tens of seconds.
var LatencyBuckets = []uint64{
	10_000,          // 10us
	100_000,         // 100us
	1_000_000,       // 1ms
	10_000_000,      // 10ms
	100_000_000,     // 100ms
	1_000_000_000,   // 1s
	10_000_000_000,  // 10s
	100_000_000_000, // 100s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for one controller
type Metrics struct {
	// Command counters
	Submits       atomic.Uint64 // Commands posted to the controller
	Completions   atomic.Uint64 // Commands retrieved
	CommandErrors atomic.Uint64 // Completions carrying the error flag
	Spurious      atomic.Uint64 // Completion words discarded
	SyncTimeouts  atomic.Uint64 // Synchronous commands that gave up

	// Interrupt counters
	Interrupts          atomic.Uint64 // Hardware handler invocations
	InterruptsUnclaimed atomic.Uint64 // Invocations not raised by this controller

	// Health
	Lockups        atomic.Uint64 // Controller declared dead (0 or 1)
	ServiceImpacts atomic.Uint64 // Failed access-integrity checks

	// Outstanding-command statistics
	OutstandingTotal atomic.Uint64 // Cumulative outstanding samples
	OutstandingCount atomic.Uint64 // Number of outstanding samples
	MaxOutstanding   atomic.Uint32 // Maximum observed outstanding count

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative completion latency in nanoseconds
	OpCount        atomic.Uint64 // Total completions (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of completions with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Controller lifecycle
	StartTime atomic.Int64 // Attach timestamp (UnixNano)
	StopTime  atomic.Int64 // Detach timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records a posted command and the outstanding count after it
func (m *Metrics) RecordSubmit(outstanding uint32) {
	m.Submits.Add(1)
	m.OutstandingTotal.Add(uint64(outstanding))
	m.OutstandingCount.Add(1)

	// Update max outstanding atomically
	for {
		current := m.MaxOutstanding.Load()
		if outstanding <= current {
			break
		}
		if m.MaxOutstanding.CompareAndSwap(current, outstanding) {
			break
		}
	}
}

// RecordCompletion records a retrieved command
func (m *Metrics) RecordCompletion(latencyNs uint64, failed bool) {
	m.Completions.Add(1)
	if failed {
		m.CommandErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordInterrupt records a hardware handler invocation
func (m *Metrics) RecordInterrupt(claimed bool) {
	m.Interrupts.Add(1)
	if !claimed {
		m.InterruptsUnclaimed.Add(1)
	}
}

// recordLatency records completion latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the controller as detached
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	// Commands
	Submits       uint64
	Completions   uint64
	CommandErrors uint64
	Spurious      uint64
	SyncTimeouts  uint64

	// Interrupts
	Interrupts          uint64
	InterruptsUnclaimed uint64

	// Health
	Lockups        uint64
	ServiceImpacts uint64

	// Outstanding statistics
	AvgOutstanding float64
	MaxOutstanding uint32

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	CommandsPerSec float64
	ErrorRate      float64 // Percentage of failed completions
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Submits:             m.Submits.Load(),
		Completions:         m.Completions.Load(),
		CommandErrors:       m.CommandErrors.Load(),
		Spurious:            m.Spurious.Load(),
		SyncTimeouts:        m.SyncTimeouts.Load(),
		Interrupts:          m.Interrupts.Load(),
		InterruptsUnclaimed: m.InterruptsUnclaimed.Load(),
		Lockups:             m.Lockups.Load(),
		ServiceImpacts:      m.ServiceImpacts.Load(),
		MaxOutstanding:      m.MaxOutstanding.Load(),
	}

	outstandingTotal := m.OutstandingTotal.Load()
	outstandingCount := m.OutstandingCount.Load()
	if outstandingCount > 0 {
		snap.AvgOutstanding = float64(outstandingTotal) / float64(outstandingCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.CommandsPerSec = float64(snap.Completions) / (float64(snap.UptimeNs) / 1e9)
	}

	if snap.Completions > 0 {
		snap.ErrorRate = float64(snap.CommandErrors) / float64(snap.Completions) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// Latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.Submits.Store(0)
	m.Completions.Store(0)
	m.CommandErrors.Store(0)
	m.Spurious.Store(0)
	m.SyncTimeouts.Store(0)
	m.Interrupts.Store(0)
	m.InterruptsUnclaimed.Store(0)
	m.Lockups.Store(0)
	m.ServiceImpacts.Store(0)
	m.OutstandingTotal.Store(0)
	m.OutstandingCount.Store(0)
	m.MaxOutstanding.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives engine events; see MetricsObserver and prom.Observer.
type Observer = interfaces.Observer

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver = interfaces.NoOpObserver

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(outstanding int) {
	o.metrics.RecordSubmit(uint32(outstanding))
}

func (o *MetricsObserver) ObserveCompletion(latency time.Duration, failed bool) {
	o.metrics.RecordCompletion(uint64(latency.Nanoseconds()), failed)
}

func (o *MetricsObserver) ObserveSpurious(uint32) {
	o.metrics.Spurious.Add(1)
}

func (o *MetricsObserver) ObserveInterrupt(claimed bool) {
	o.metrics.RecordInterrupt(claimed)
}

func (o *MetricsObserver) ObserveSyncTimeout() {
	o.metrics.SyncTimeouts.Add(1)
}

func (o *MetricsObserver) ObserveLockup() {
	o.metrics.Lockups.Add(1)
}

func (o *MetricsObserver) ObserveServiceImpact(string) {
	o.metrics.ServiceImpacts.Add(1)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
