package raid1

import (
	"context"
	"time"

	"github.com/ublkraid/ublkraid/disk"
	"github.com/ublkraid/ublkraid/raiderr"
)

// Resync implements the Degraded(X) -> Healthy recovery flow: it walks the
// dirty bitmap page by page, reads each dirty chunk from the surviving
// child, writes it to the recovering child, and clears the page's bits once
// every chunk it covers has been copied, grounded on RAID1Mirror.Rebuild's
// read-from-good/write-to-bad loop. ctx cancellation stops the walk early,
// leaving the array degraded with whatever bits are still dirty.
func (d *Device) Resync(ctx context.Context) error {
	if d.isBroken() {
		return raiderr.New("raid1.Resync", raiderr.CodeBroken, "array has no surviving child")
	}
	if d.degradedState() == degradedNone {
		return nil
	}

	survivorIdx := d.survivorIdx()
	recoveringIdx := 1 - survivorIdx
	survivor := d.childByIdx(survivorIdx)
	recovering := d.childByIdx(recoveringIdx)

	d.log.WithField("recovering", recoveringIdx).WithField("survivor", survivorIdx).
		Info("raid1: resync starting")
	d.metrics.recordResyncStart()
	start := time.Now()

	var resynced uint64
	buf := make([]byte, ChunkSize)

	for p := uint32(0); p < d.bm.pages; p++ {
		select {
		case <-ctx.Done():
			d.metrics.recordResyncDone(resynced, uint64(time.Since(start).Nanoseconds()))
			d.log.WithField("bytes", resynced).Warn("raid1: resync cancelled")
			return ctx.Err()
		default:
		}

		chunks := d.bm.dirtyChunksInPage(p)
		if len(chunks) == 0 {
			continue
		}

		for _, chunk := range chunks {
			off := int64(chunk) * ChunkSize
			if off >= d.capacity {
				continue
			}
			n := int64(ChunkSize)
			if remaining := d.capacity - off; remaining < n {
				n = remaining
			}
			chunkOff := off + d.reservedSize

			if _, err := survivor.SyncIOV(disk.OpRead, [][]byte{buf[:n]}, chunkOff); err != nil {
				d.metrics.recordResyncDone(resynced, uint64(time.Since(start).Nanoseconds()))
				return raiderr.Wrap("raid1.Resync", raiderr.CodeIOError, err)
			}
			if _, err := recovering.SyncIOV(disk.OpWrite, [][]byte{buf[:n]}, chunkOff); err != nil {
				d.metrics.recordResyncDone(resynced, uint64(time.Since(start).Nanoseconds()))
				return raiderr.Wrap("raid1.Resync", raiderr.CodeIOError, err)
			}
			resynced += uint64(n)
		}

		d.bm.clearPage(p)
		d.metrics.setDirtyPages(d.bm.dirtyPageCount())

		page := d.bm.page(p)
		pageOff := int64(PageSize) + int64(p)*PageSize
		_, _ = survivor.SyncIOV(disk.OpWrite, [][]byte{page}, pageOff)
		_, _ = recovering.SyncIOV(disk.OpWrite, [][]byte{page}, pageOff)
	}

	d.mu.Lock()
	d.degraded = degradedNone
	d.generation++
	gen := d.generation
	d.mu.Unlock()

	sb := d.superBlockFor(degradedNone, gen, false)
	if err := writeSuperBlock(d.a, sb, d.bm); err != nil {
		return raiderr.Wrap("raid1.Resync", raiderr.CodeIOError, err)
	}
	if err := writeSuperBlock(d.b, sb, d.bm); err != nil {
		return raiderr.Wrap("raid1.Resync", raiderr.CodeIOError, err)
	}

	d.metrics.recordResyncDone(resynced, uint64(time.Since(start).Nanoseconds()))
	d.log.WithField("bytes", resynced).Info("raid1: resync complete, array healthy")
	return nil
}
