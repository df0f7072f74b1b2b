// Package filedisk provides a regular-file-backed Disk capability
// implementation, following the structure of backend/mem.go but issuing real
// pread/pwrite/fdatasync/fallocate syscalls against an *os.File instead of
// copying into a RAM buffer.
package filedisk

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ublkraid/ublkraid/disk"
	"github.com/ublkraid/ublkraid/raiderr"
	"github.com/ublkraid/ublkraid/subcmd"
)

// Disk is a file-backed disk.Disk.
type Disk struct {
	f    *os.File
	path string
	size int64

	exec *disk.Executor

	logicalBlockSize  int
	physicalBlockSize int
	canDiscard        bool

	metrics *disk.Metrics
}

// Open opens (or creates, truncating to size) path as a file-backed Disk.
// size <= 0 means use the existing file's current size.
func Open(path string, size int64) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, raiderr.Wrap("filedisk.Open", raiderr.CodeIOError, err)
	}

	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, raiderr.Wrap("filedisk.Open", raiderr.CodeIOError, err)
		}
	} else {
		info, statErr := f.Stat()
		if statErr != nil {
			f.Close()
			return nil, raiderr.Wrap("filedisk.Open", raiderr.CodeIOError, statErr)
		}
		size = info.Size()
	}

	return &Disk{
		f:                 f,
		path:              path,
		size:              size,
		exec:              disk.NewExecutor(),
		logicalBlockSize:  512,
		physicalBlockSize: 4096,
		canDiscard:        true,
		metrics:           disk.NewMetrics(),
	}, nil
}

var _ disk.Disk = (*Disk)(nil)

func iovecLen(iovecs [][]byte) int64 {
	var n int64
	for _, v := range iovecs {
		n += int64(len(v))
	}
	return n
}

func (d *Disk) readAt(iovecs [][]byte, off int64) (int64, error) {
	if off < 0 {
		return 0, raiderr.New("filedisk.read", raiderr.CodeInvalidArgument, "negative offset")
	}
	var total int64
	cur := off
	for _, v := range iovecs {
		if len(v) == 0 {
			continue
		}
		n, err := d.f.ReadAt(v, cur)
		total += int64(n)
		cur += int64(n)
		if err != nil {
			if n == len(v) {
				continue
			}
			return total, raiderr.Wrap("filedisk.read", raiderr.CodeIOError, err)
		}
	}
	return total, nil
}

func (d *Disk) writeAt(iovecs [][]byte, off int64) (int64, error) {
	if off < 0 {
		return 0, raiderr.New("filedisk.write", raiderr.CodeInvalidArgument, "negative offset")
	}
	if off >= d.size && iovecLen(iovecs) > 0 {
		return 0, raiderr.New("filedisk.write", raiderr.CodeIOError, "write beyond end of device")
	}

	var total int64
	cur := off
	for _, v := range iovecs {
		if len(v) == 0 {
			continue
		}
		n, err := d.f.WriteAt(v, cur)
		total += int64(n)
		cur += int64(n)
		if err != nil {
			return total, raiderr.Wrap("filedisk.write", raiderr.CodeIOError, err)
		}
	}
	return total, nil
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
		return 0, raiderr.New("filedisk.SyncIOV", raiderr.CodeInvalidArgument, "unknown opcode")
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

// HandleFlush implements disk.Disk: fdatasyncs the whole file.
func (d *Disk) HandleFlush(q disk.Queue, io disk.IOData, sc subcmd.T) (int, error) {
	return d.exec.Submit(q, io, sc, disk.OpWrite, func() (int64, error) {
		start := time.Now()
		err := unix.Fdatasync(int(d.f.Fd()))
		d.metrics.RecordFlush(uint64(time.Since(start).Nanoseconds()), err)
		if err != nil {
			return 0, raiderr.Wrap("filedisk.HandleFlush", raiderr.CodeIOError, err)
		}
		return 0, nil
	})
}

// HandleDiscard implements disk.Disk: punches a hole over the given range,
// falling back to zero-fill if the filesystem doesn't support FALLOC_FL_PUNCH_HOLE.
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

		mode := unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE
		var err error
		if ferr := unix.Fallocate(int(d.f.Fd()), uint32(mode), offset, n); ferr != nil {
			if zerr := d.zeroFill(offset, n); zerr != nil {
				err = raiderr.Wrap("filedisk.HandleDiscard", raiderr.CodeIOError, zerr)
			}
		}
		d.metrics.RecordDiscard(uint64(n), uint64(time.Since(start).Nanoseconds()), err)
		if err != nil {
			return 0, err
		}
		return n, nil
	})
}

func (d *Disk) zeroFill(offset, length int64) error {
	const chunkSize = 1 << 20
	zeros := make([]byte, chunkSize)
	remaining := length
	cur := offset
	for remaining > 0 {
		chunk := int64(len(zeros))
		if chunk > remaining {
			chunk = remaining
		}
		if _, err := d.f.WriteAt(zeros[:chunk], cur); err != nil {
			return err
		}
		cur += chunk
		remaining -= chunk
	}
	return nil
}

// CollectAsync implements disk.Disk.
func (d *Disk) CollectAsync(q disk.Queue, out *[]disk.CompletionResult) (int, error) {
	return d.exec.Collect(q, out)
}

// OpenForPoll implements disk.Disk. A plain file has no event-driven fd to
// register; the host runtime polls the ublk char device itself.
func (d *Disk) OpenForPoll(devFD int) ([]int, error) {
	return nil, nil
}

// Probe implements disk.Disk.
func (d *Disk) Probe() disk.Geometry {
	return disk.Geometry{
		ID:                d.path,
		Path:              d.path,
		Capacity:          d.size,
		LogicalBlockSize:  d.logicalBlockSize,
		PhysicalBlockSize: d.physicalBlockSize,
		CanDiscard:        d.canDiscard,
	}
}

// CanDiscard implements disk.DiscardCapable.
func (d *Disk) CanDiscard() bool { return d.canDiscard }

// Metrics exposes this backend's per-op counters and latency histogram.
func (d *Disk) Metrics() *disk.Metrics { return d.metrics }

// Close implements disk.Disk.
func (d *Disk) Close() error {
	d.exec.Close()
	return d.f.Close()
}
