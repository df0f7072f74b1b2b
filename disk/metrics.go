package disk

import "sync/atomic"

// latencyBuckets mirrors the teacher's root-level Metrics.LatencyBuckets:
// fixed nanosecond boundaries for a cumulative latency histogram, scaled
// down here to the scope of a single backend rather than a whole device.
var latencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics is the per-backend op counter and latency histogram named in the
// metrics surface: one instance per Disk, grounded on
// original_source's UblkDiskMetrics (a named metrics group per device) and
// reusing the teacher's own Metrics/MetricsSnapshot histogram-bucket shape.
type Metrics struct {
	ReadOps    atomic.Uint64
	WriteOps   atomic.Uint64
	DiscardOps atomic.Uint64
	FlushOps   atomic.Uint64

	ReadBytes    atomic.Uint64
	WriteBytes   atomic.Uint64
	DiscardBytes atomic.Uint64

	ReadErrors    atomic.Uint64
	WriteErrors   atomic.Uint64
	DiscardErrors atomic.Uint64
	FlushErrors   atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64
}

// NewMetrics creates an empty per-backend Metrics instance.
func NewMetrics() *Metrics { return &Metrics{} }

// RecordRead records a completed (or failed) read of bytes in latencyNs.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, err error) {
	m.ReadOps.Add(1)
	if err == nil {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a completed (or failed) write of bytes in latencyNs.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, err error) {
	m.WriteOps.Add(1)
	if err == nil {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordDiscard records a completed (or failed) discard of bytes in latencyNs.
func (m *Metrics) RecordDiscard(bytes uint64, latencyNs uint64, err error) {
	m.DiscardOps.Add(1)
	if err == nil {
		m.DiscardBytes.Add(bytes)
	} else {
		m.DiscardErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFlush records a completed (or failed) flush taking latencyNs.
func (m *Metrics) RecordFlush(latencyNs uint64, err error) {
	m.FlushOps.Add(1)
	if err != nil {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range latencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time copy, in the teacher's Snapshot style.
type MetricsSnapshot struct {
	ReadOps    uint64
	WriteOps   uint64
	DiscardOps uint64
	FlushOps   uint64

	ReadBytes    uint64
	WriteBytes   uint64
	DiscardBytes uint64

	ReadErrors    uint64
	WriteErrors   uint64
	DiscardErrors uint64
	FlushErrors   uint64

	AvgLatencyNs     uint64
	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot returns a point-in-time snapshot of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:       m.ReadOps.Load(),
		WriteOps:      m.WriteOps.Load(),
		DiscardOps:    m.DiscardOps.Load(),
		FlushOps:      m.FlushOps.Load(),
		ReadBytes:     m.ReadBytes.Load(),
		WriteBytes:    m.WriteBytes.Load(),
		DiscardBytes:  m.DiscardBytes.Load(),
		ReadErrors:    m.ReadErrors.Load(),
		WriteErrors:   m.WriteErrors.Load(),
		DiscardErrors: m.DiscardErrors.Load(),
		FlushErrors:   m.FlushErrors.Load(),
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}
	for i := range m.LatencyBuckets {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	return snap
}
