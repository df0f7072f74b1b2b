// Package diskbackend adapts a disk.Disk (the async RAID personality
// capability) to the host runtime's synchronous interfaces.Backend, the
// seam internal/queue.Runner actually calls into. The RAID engines keep
// their own submit/collect protocol internally (needed for read failover
// and write replication bookkeeping); this adapter is the only place that
// protocol is flattened into blocking calls for the host.
package diskbackend

import (
	"time"

	"github.com/ublkraid/ublkraid/disk"
	"github.com/ublkraid/ublkraid/internal/interfaces"
)

// Adapter wraps a disk.Disk as an interfaces.Backend/DiscardBackend.
type Adapter struct {
	d disk.Disk
}

// New wraps d as a host-facing Backend.
func New(d disk.Disk) *Adapter {
	return &Adapter{d: d}
}

var (
	_ interfaces.Backend        = (*Adapter)(nil)
	_ interfaces.DiscardBackend = (*Adapter)(nil)
)

// ReadAt implements interfaces.Backend.
func (a *Adapter) ReadAt(p []byte, off int64) (int, error) {
	n, err := a.d.SyncIOV(disk.OpRead, [][]byte{p}, off)
	return int(n), err
}

// WriteAt implements interfaces.Backend.
func (a *Adapter) WriteAt(p []byte, off int64) (int, error) {
	n, err := a.d.SyncIOV(disk.OpWrite, [][]byte{p}, off)
	return int(n), err
}

// Size implements interfaces.Backend.
func (a *Adapter) Size() int64 {
	return a.d.Probe().Capacity
}

// Flush implements interfaces.Backend by driving one HandleFlush through
// to completion on a private queue handle, since the Disk surface has no
// synchronous flush primitive of its own.
func (a *Adapter) Flush() error {
	n, err := a.d.HandleFlush(flushQueue, disk.IOData{}, 0)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return drain(a.d, flushQueue)
}

// Discard implements interfaces.DiscardBackend, likewise driving
// HandleDiscard to completion synchronously.
func (a *Adapter) Discard(offset, length int64) error {
	_, err := a.d.HandleDiscard(flushQueue, disk.IOData{}, 0, length, offset)
	if err != nil {
		return err
	}
	return drain(a.d, flushQueue)
}

// Close implements interfaces.Backend.
func (a *Adapter) Close() error {
	return a.d.Close()
}

// flushQueue is the reserved Queue handle used for the adapter's own
// synchronous flush/discard drains; distinct from any host I/O queue since
// those are numbered starting at 0 by internal/queue.Runner and never call
// into the adapter concurrently with it (§5's "one Queue, one goroutine").
const flushQueue = disk.Queue(1 << 16)

// drain polls CollectAsync until the single outstanding completion on q
// arrives, used to turn an async submit into a blocking call.
func drain(d disk.Disk, q disk.Queue) error {
	for {
		var out []disk.CompletionResult
		n, err := d.CollectAsync(q, &out)
		if err != nil {
			return err
		}
		if n > 0 {
			return out[0].Err
		}
		time.Sleep(50 * time.Microsecond)
	}
}
