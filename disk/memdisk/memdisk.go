// Package memdisk provides a RAM-backed Disk capability implementation,
// adapted from the teacher's backend/mem.go sharded-lock memory backend.
package memdisk

import (
	"sync"
	"time"

	"github.com/ublkraid/ublkraid/disk"
	"github.com/ublkraid/ublkraid/raiderr"
	"github.com/ublkraid/ublkraid/subcmd"
)

// shardSize mirrors backend.ShardSize: large enough to keep lock overhead
// low, small enough to let concurrent queues touch disjoint regions.
const shardSize = 64 * 1024

// Disk is a RAM-backed disk.Disk.
type Disk struct {
	id   string
	data []byte
	size int64

	shards []sync.RWMutex
	exec   *disk.Executor

	logicalBlockSize  int
	physicalBlockSize int

	metrics *disk.Metrics
}

// New creates a memory-backed Disk of the given size in bytes.
func New(id string, size int64) *Disk {
	numShards := (size + shardSize - 1) / shardSize
	if numShards < 1 {
		numShards = 1
	}
	return &Disk{
		id:                id,
		data:              make([]byte, size),
		size:              size,
		shards:            make([]sync.RWMutex, numShards),
		exec:              disk.NewExecutor(),
		logicalBlockSize:  512,
		physicalBlockSize: 512,
		metrics:           disk.NewMetrics(),
	}
}

var _ disk.Disk = (*Disk)(nil)

func (d *Disk) shardRange(off, length int64) (start, end int) {
	if length <= 0 {
		length = 1
	}
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(d.shards) {
		end = len(d.shards) - 1
	}
	if start < 0 {
		start = 0
	}
	return start, end
}

func (d *Disk) lockRange(off, length int64, write bool) (start, end int) {
	start, end = d.shardRange(off, length)
	for i := start; i <= end; i++ {
		if write {
			d.shards[i].Lock()
		} else {
			d.shards[i].RLock()
		}
	}
	return start, end
}

func (d *Disk) unlockRange(start, end int, write bool) {
	for i := start; i <= end; i++ {
		if write {
			d.shards[i].Unlock()
		} else {
			d.shards[i].RUnlock()
		}
	}
}

func iovecLen(iovecs [][]byte) int64 {
	var n int64
	for _, v := range iovecs {
		n += int64(len(v))
	}
	return n
}

func (d *Disk) readAt(iovecs [][]byte, off int64) (int64, error) {
	if off < 0 {
		return 0, raiderr.New("memdisk.read", raiderr.CodeInvalidArgument, "negative offset")
	}
	if off >= d.size {
		return 0, nil
	}

	total := iovecLen(iovecs)
	available := d.size - off
	if total > available {
		total = available
	}

	start, end := d.lockRange(off, total, false)
	defer d.unlockRange(start, end, false)

	var n int64
	remaining := total
	cur := off
	for _, v := range iovecs {
		if remaining <= 0 {
			break
		}
		chunk := int64(len(v))
		if chunk > remaining {
			chunk = remaining
		}
		copy(v[:chunk], d.data[cur:cur+chunk])
		n += chunk
		cur += chunk
		remaining -= chunk
	}
	return n, nil
}

func (d *Disk) writeAt(iovecs [][]byte, off int64) (int64, error) {
	if off < 0 {
		return 0, raiderr.New("memdisk.write", raiderr.CodeInvalidArgument, "negative offset")
	}
	total := iovecLen(iovecs)
	if off >= d.size && total > 0 {
		return 0, raiderr.New("memdisk.write", raiderr.CodeIOError, "write beyond end of device")
	}

	available := d.size - off
	if total > available {
		total = available
	}

	start, end := d.lockRange(off, total, true)
	defer d.unlockRange(start, end, true)

	var n int64
	remaining := total
	cur := off
	for _, v := range iovecs {
		if remaining <= 0 {
			break
		}
		chunk := int64(len(v))
		if chunk > remaining {
			chunk = remaining
		}
		copy(d.data[cur:cur+chunk], v[:chunk])
		n += chunk
		cur += chunk
		remaining -= chunk
	}
	return n, nil
}

// SyncIOV implements disk.Disk.
func (d *Disk) SyncIOV(op disk.Op, iovecs [][]byte, offset int64) (int64, error) {
	start := time.Now()
	var n int64
	var err error
	switch op {
	case disk.OpRead:
		n, err = d.readAt(iovecs, offset)
	case disk.OpWrite:
		n, err = d.writeAt(iovecs, offset)
	default:
		return 0, raiderr.New("memdisk.SyncIOV", raiderr.CodeInvalidArgument, "unknown opcode")
	}
	latency := uint64(time.Since(start).Nanoseconds())
	if op == disk.OpRead {
		d.metrics.RecordRead(uint64(n), latency, err)
	} else {
		d.metrics.RecordWrite(uint64(n), latency, err)
	}
	return n, err
}

// AsyncIOV implements disk.Disk.
func (d *Disk) AsyncIOV(q disk.Queue, io disk.IOData, sc subcmd.T, op disk.Op, iovecs [][]byte, offset int64) (int, error) {
	return d.exec.Submit(q, io, sc, op, func() (int64, error) {
		return d.SyncIOV(op, iovecs, offset)
	})
}

// HandleFlush implements disk.Disk. Memory has nothing to flush.
func (d *Disk) HandleFlush(q disk.Queue, io disk.IOData, sc subcmd.T) (int, error) {
	return d.exec.Submit(q, io, sc, disk.OpWrite, func() (int64, error) {
		start := time.Now()
		d.metrics.RecordFlush(uint64(time.Since(start).Nanoseconds()), nil)
		return 0, nil
	})
}

// HandleDiscard implements disk.Disk: zeroes the discarded range.
func (d *Disk) HandleDiscard(q disk.Queue, io disk.IOData, sc subcmd.T, length int64, offset int64) (int, error) {
	return d.exec.Submit(q, io, sc, disk.OpWrite, func() (int64, error) {
		start := time.Now()
		if offset >= d.size {
			d.metrics.RecordDiscard(0, uint64(time.Since(start).Nanoseconds()), nil)
			return 0, nil
		}
		end := offset + length
		if end > d.size {
			end = d.size
		}
		n := end - offset
		shardStart, shardStop := d.lockRange(offset, n, true)
		defer d.unlockRange(shardStart, shardStop, true)
		for i := offset; i < end; i++ {
			d.data[i] = 0
		}
		d.metrics.RecordDiscard(uint64(n), uint64(time.Since(start).Nanoseconds()), nil)
		return n, nil
	})
}

// CollectAsync implements disk.Disk.
func (d *Disk) CollectAsync(q disk.Queue, out *[]disk.CompletionResult) (int, error) {
	return d.exec.Collect(q, out)
}

// OpenForPoll implements disk.Disk. Memory has no pollable fds.
func (d *Disk) OpenForPoll(devFD int) ([]int, error) {
	return nil, nil
}

// Probe implements disk.Disk.
func (d *Disk) Probe() disk.Geometry {
	return disk.Geometry{
		ID:                d.id,
		Capacity:          d.size,
		LogicalBlockSize:  d.logicalBlockSize,
		PhysicalBlockSize: d.physicalBlockSize,
		CanDiscard:        true,
	}
}

// CanDiscard implements disk.DiscardCapable.
func (d *Disk) CanDiscard() bool { return true }

// Metrics exposes this backend's per-op counters and latency histogram.
func (d *Disk) Metrics() *disk.Metrics { return d.metrics }

// Close implements disk.Disk.
func (d *Disk) Close() error {
	d.exec.Close()
	d.data = nil
	return nil
}
