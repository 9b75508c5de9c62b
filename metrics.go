package dmremap

import (
	"sync/atomic"
	"time"

	"github.com/amigatomte/dm-remap-sub007/internal/interfaces"
)

// EngineMetrics tracks performance and operational statistics for one
// Engine instance. There is deliberately no package-level aggregate
// (Design Note "global mutable state"): each attach owns its own
// metrics, and there are no shared mutable counters across engines.
type EngineMetrics struct {
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64
	FlushOps atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	FlushErrors atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	AutoRemaps     atomic.Uint64
	ManualRemaps   atomic.Uint64
	AllocatorExhaustedCount atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewEngineMetrics returns a fresh metrics instance stamped with the
// current time as its start time.
func NewEngineMetrics() *EngineMetrics {
	m := &EngineMetrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *EngineMetrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
}

// RecordRead records the outcome of one upstream read request.
func (m *EngineMetrics) RecordRead(bytes, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records the outcome of one upstream write request.
func (m *EngineMetrics) RecordWrite(bytes, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFlush records the outcome of one flush.
func (m *EngineMetrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordAutoRemap increments the auto-remap counter.
func (m *EngineMetrics) RecordAutoRemap() { m.AutoRemaps.Add(1) }

// RecordManualRemap increments the manual (admin-triggered) remap counter.
func (m *EngineMetrics) RecordManualRemap() { m.ManualRemaps.Add(1) }

// RecordAllocatorExhausted increments the allocator-exhaustion counter.
func (m *EngineMetrics) RecordAllocatorExhausted() { m.AllocatorExhaustedCount.Add(1) }

// Stop marks the engine as detached.
func (m *EngineMetrics) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time, immutable copy of EngineMetrics.
type MetricsSnapshot struct {
	ReadOps, WriteOps, FlushOps       uint64
	ReadBytes, WriteBytes             uint64
	ReadErrors, WriteErrors, FlushErrors uint64
	AvgLatencyNs                      uint64
	UptimeNs                          uint64
	AutoRemaps, ManualRemaps          uint64
	AllocatorExhaustedCount           uint64
}

// Snapshot takes an immutable copy of the current counters.
func (m *EngineMetrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:                 m.ReadOps.Load(),
		WriteOps:                m.WriteOps.Load(),
		FlushOps:                m.FlushOps.Load(),
		ReadBytes:               m.ReadBytes.Load(),
		WriteBytes:              m.WriteBytes.Load(),
		ReadErrors:              m.ReadErrors.Load(),
		WriteErrors:             m.WriteErrors.Load(),
		FlushErrors:             m.FlushErrors.Load(),
		AutoRemaps:              m.AutoRemaps.Load(),
		ManualRemaps:            m.ManualRemaps.Load(),
		AllocatorExhaustedCount: m.AllocatorExhaustedCount.Load(),
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	return snap
}

// Reset zeroes all counters and restarts the uptime clock.
func (m *EngineMetrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.FlushOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.FlushErrors.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	m.AutoRemaps.Store(0)
	m.ManualRemaps.Store(0)
	m.AllocatorExhaustedCount.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// MetricsObserver adapts an *EngineMetrics to the interfaces.Observer
// capability every collaborator is handed (internal/interfaces, to
// break the import cycle the engine would otherwise have with its own
// subpackages).
type MetricsObserver struct {
	metrics *EngineMetrics
}

// NewMetricsObserver wraps m as an interfaces.Observer.
func NewMetricsObserver(m *EngineMetrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}
func (o *MetricsObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}
func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}
func (o *MetricsObserver) ObserveAutoRemap(logical, spare uint64) { o.metrics.RecordAutoRemap() }
func (o *MetricsObserver) ObserveManualRemap(logical, spare uint64) { o.metrics.RecordManualRemap() }
func (o *MetricsObserver) ObserveAllocatorExhausted()             { o.metrics.RecordAllocatorExhausted() }

var _ interfaces.Observer = (*MetricsObserver)(nil)
var _ interfaces.Observer = interfaces.NoOpObserver{}
