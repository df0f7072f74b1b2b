package raid1

import "sync/atomic"

// Metrics tracks per-array degradation and resync activity, mirroring the
// teacher's atomic-counter Metrics (metrics.go) but scoped to the counters
// spec.md §6 declares for the RAID-1 array: degradation, resync progress,
// and dirty-page pressure.
type Metrics struct {
	Degradations     atomic.Uint64
	ResyncsStarted   atomic.Uint64
	ResyncBytes      atomic.Uint64
	ResyncDurationNs atomic.Uint64
	ActiveResyncs    atomic.Int32
	DirtyPages       atomic.Uint32
}

// NewMetrics creates an empty Metrics instance.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) recordDegradation() { m.Degradations.Add(1) }

func (m *Metrics) recordResyncStart() {
	m.ResyncsStarted.Add(1)
	m.ActiveResyncs.Add(1)
}

func (m *Metrics) recordResyncDone(bytes uint64, durationNs uint64) {
	m.ResyncBytes.Add(bytes)
	m.ResyncDurationNs.Add(durationNs)
	m.ActiveResyncs.Add(-1)
}

func (m *Metrics) setDirtyPages(n uint32) { m.DirtyPages.Store(n) }

// MetricsSnapshot is a point-in-time copy, in the teacher's Snapshot style.
type MetricsSnapshot struct {
	Degradations     uint64
	ResyncsStarted   uint64
	ResyncBytes      uint64
	ResyncDurationNs uint64
	ActiveResyncs    int32
	DirtyPages       uint32
}

// Snapshot returns a point-in-time snapshot of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Degradations:     m.Degradations.Load(),
		ResyncsStarted:   m.ResyncsStarted.Load(),
		ResyncBytes:      m.ResyncBytes.Load(),
		ResyncDurationNs: m.ResyncDurationNs.Load(),
		ActiveResyncs:    m.ActiveResyncs.Load(),
		DirtyPages:       m.DirtyPages.Load(),
	}
}
