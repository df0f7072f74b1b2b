package raid1

import (
	"github.com/ublkraid/ublkraid/disk"
	"github.com/ublkraid/ublkraid/raiderr"
)

// superBlockFor builds the SuperBlock this array would currently persist,
// given an explicit degraded value and generation (callers pick these
// explicitly rather than reading d.degraded/d.generation again, since some
// callers are about to change one of them and want the pre-mutation and
// post-mutation values kept distinct).
func (d *Device) superBlockFor(degraded uint8, generation uint64, unmountClean bool) *SuperBlock {
	return &SuperBlock{
		ArrayUUID:     d.arrayUUID,
		BitmapUUID:    d.bitmapUUID,
		BitmapPages:   d.bm.pages,
		ChunkSize:     ChunkSize,
		UnmountClean:  unmountClean,
		Generation:    generation,
		DegradedChild: degraded,
	}
}

// writeSuperBlock encodes sb and bm's pages and writes them synchronously to
// child at offset 0, per the on-disk layout of §4.2: one SuperBlock page
// followed by BitmapPages bitmap pages.
func writeSuperBlock(child disk.Disk, sb *SuperBlock, bm *bitmap) error {
	if _, err := child.SyncIOV(disk.OpWrite, [][]byte{sb.Encode()}, 0); err != nil {
		return raiderr.Wrap("raid1.writeSuperBlock", raiderr.CodeIOError, err)
	}
	for p := uint32(0); p < sb.BitmapPages; p++ {
		off := int64(PageSize) + int64(p)*PageSize
		if _, err := child.SyncIOV(disk.OpWrite, [][]byte{bm.page(p)}, off); err != nil {
			return raiderr.Wrap("raid1.writeSuperBlock", raiderr.CodeIOError, err)
		}
	}
	return nil
}

// persistBothSuperBlocks writes the current array state to both children,
// used at fresh-array creation (§4.4.1) where neither child yet has a
// superblock to disagree with.
func (d *Device) persistBothSuperBlocks() error {
	sb := d.superBlockFor(d.degraded, d.generation, false)
	if err := writeSuperBlock(d.a, sb, d.bm); err != nil {
		return err
	}
	return writeSuperBlock(d.b, sb, d.bm)
}

// persistSurvivingSuperBlocks writes the current (possibly degraded) array
// state to whichever child(ren) are not themselves the degraded one, used
// right after reopen (§3's reopen path) to record the bumped generation.
func (d *Device) persistSurvivingSuperBlocks() error {
	sb := d.superBlockFor(d.degraded, d.generation, false)
	var firstErr error
	if d.degraded != degradedA {
		if err := writeSuperBlock(d.a, sb, d.bm); err != nil {
			firstErr = err
		}
	}
	if d.degraded != degradedB {
		if err := writeSuperBlock(d.b, sb, d.bm); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// markBroken flips the array into its terminal state: no surviving child.
func (d *Device) markBroken() {
	d.mu.Lock()
	d.broken = true
	d.mu.Unlock()
}

// degradeAndPersist transitions childIdx into the degraded (failed) role,
// persisting the surviving child's superblock with the new degraded marker
// before returning, per §5's ordering guarantee: the partner's durable
// record of the failure must land before any I/O that triggered it is
// acknowledged. Returns true if the array has no surviving child left
// (both children now degraded, i.e. broken) and marks it broken in that
// case.
func (d *Device) degradeAndPersist(childIdx uint64) bool {
	which := degradedA
	if childIdx == 1 {
		which = degradedB
	}

	d.mu.Lock()
	if d.degraded != degradedNone && d.degraded != which {
		// The other child is already marked degraded: this is the second
		// failure, the array has no surviving child.
		d.broken = true
		d.mu.Unlock()
		d.metrics.recordDegradation()
		d.log.WithField("child", childIdx).Error("raid1: second child failed, array broken")
		return true
	}
	alreadyDegraded := d.degraded == which
	d.degraded = which
	d.generation++
	gen := d.generation
	d.mu.Unlock()

	if alreadyDegraded {
		return false
	}

	d.metrics.recordDegradation()
	d.log.WithField("child", childIdx).WithField("generation", gen).
		Warn("raid1: child failed, array now degraded")

	survivor := d.childByIdx(1 - childIdx)
	sb := d.superBlockFor(which, gen, false)
	if err := writeSuperBlock(survivor, sb, d.bm); err != nil {
		d.log.WithField("child", childIdx).WithError(err).
			Error("raid1: failed to persist survivor superblock after degrading, array broken")
		d.markBroken()
		return true
	}
	return false
}

// dirtyAndPersist marks [offset, offset+length) dirty in the in-memory
// bitmap and, for any touched page that was not already fully dirty,
// persists that page to both children before returning — per §4.4.3
// step 2's "if currently clean" precondition. While the array is degraded
// there is no partner to diverge from, so this is a no-op: bitmap updates
// are skipped entirely per §3.
func (d *Device) dirtyAndPersist(offset, length int64) {
	if d.degradedState() != degradedNone {
		return
	}

	first, last := chunkRange(offset, length)
	newlyDirty := d.bm.dirty(first, last)
	d.metrics.setDirtyPages(d.bm.dirtyPageCount())
	if len(newlyDirty) == 0 {
		return
	}

	for _, p := range newlyDirty {
		data := d.bm.page(p)
		off := int64(PageSize) + int64(p)*PageSize
		_, _ = d.a.SyncIOV(disk.OpWrite, [][]byte{data}, off)
		_, _ = d.b.SyncIOV(disk.OpWrite, [][]byte{data}, off)
	}
}
