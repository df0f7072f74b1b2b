package raid1

import (
	"github.com/ublkraid/ublkraid/disk"
	"github.com/ublkraid/ublkraid/raiderr"
	"github.com/ublkraid/ublkraid/subcmd"
)

// SyncIOV implements the blocking recovery/sync path of §4.4.6.
func (d *Device) SyncIOV(op disk.Op, iovecs [][]byte, offset int64) (int64, error) {
	if d.isBroken() {
		return 0, raiderr.New("raid1.SyncIOV", raiderr.CodeBroken, "array has no surviving child")
	}

	switch op {
	case disk.OpRead:
		return d.syncRead(iovecs, offset)
	case disk.OpWrite:
		return d.syncWrite(iovecs, offset)
	default:
		return 0, raiderr.New("raid1.SyncIOV", raiderr.CodeInvalidArgument, "unknown opcode")
	}
}

func (d *Device) syncRead(iovecs [][]byte, offset int64) (int64, error) {
	childOff := offset + d.reservedSize

	if d.degradedState() != degradedNone {
		n, err := d.childByIdx(d.survivorIdx()).SyncIOV(disk.OpRead, iovecs, childOff)
		if err != nil {
			d.markBroken()
		}
		return n, err
	}

	n, errA := d.a.SyncIOV(disk.OpRead, iovecs, childOff)
	if errA == nil {
		return n, nil
	}
	n, errB := d.b.SyncIOV(disk.OpRead, iovecs, childOff)
	if errB != nil {
		return 0, raiderr.Wrap("raid1.syncRead", raiderr.CodeIOError, errB)
	}
	return n, nil
}

func (d *Device) syncWrite(iovecs [][]byte, offset int64) (int64, error) {
	length := iovecLen(iovecs)
	childOff := offset + d.reservedSize

	if d.degradedState() != degradedNone {
		survivor := d.survivorIdx()
		n, err := d.childByIdx(survivor).SyncIOV(disk.OpWrite, iovecs, childOff)
		if err != nil {
			d.markBroken()
			return 0, raiderr.Wrap("raid1.syncWrite", raiderr.CodeBroken, err)
		}
		return n, nil
	}

	d.dirtyAndPersist(offset, length)

	nA, errA := d.a.SyncIOV(disk.OpWrite, iovecs, childOff)
	nB, errB := d.b.SyncIOV(disk.OpWrite, iovecs, childOff)

	switch {
	case errA == nil && errB == nil:
		return nA, nil
	case errA == nil && errB != nil:
		// B (replica) failed: degrade it. A's write already landed.
		if broken := d.degradeAndPersist(1); broken {
			return 0, raiderr.New("raid1.syncWrite", raiderr.CodeBroken, "both children failed")
		}
		return nA, nil
	case errA != nil && errB == nil:
		if broken := d.degradeAndPersist(0); broken {
			return 0, raiderr.New("raid1.syncWrite", raiderr.CodeBroken, "both children failed")
		}
		return nB, nil
	default:
		d.markBroken()
		return 0, raiderr.New("raid1.syncWrite", raiderr.CodeBroken, "both children failed")
	}
}

func iovecLen(iovecs [][]byte) int64 {
	var n int64
	for _, v := range iovecs {
		n += int64(len(v))
	}
	return n
}

// AsyncIOV implements disk.Disk for RAID-1's read and write paths.
func (d *Device) AsyncIOV(q disk.Queue, io disk.IOData, sc subcmd.T, op disk.Op, iovecs [][]byte, offset int64) (int, error) {
	if d.isBroken() {
		return 0, raiderr.New("raid1.AsyncIOV", raiderr.CodeBroken, "array has no surviving child")
	}
	switch op {
	case disk.OpRead:
		return d.asyncRead(q, io, sc, iovecs, offset)
	case disk.OpWrite:
		return d.asyncWrite(q, io, sc, iovecs, offset)
	default:
		return 0, raiderr.New("raid1.AsyncIOV", raiderr.CodeInvalidArgument, "unknown opcode")
	}
}

func (d *Device) pickReadChild() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.degraded == degradedA {
		return 1
	}
	if d.degraded == degradedB {
		return 0
	}
	idx := uint64(0)
	if d.routeToB {
		idx = 1
	}
	d.routeToB = !d.routeToB
	return idx
}

func (d *Device) asyncRead(q disk.Queue, io disk.IOData, sc subcmd.T, iovecs [][]byte, offset int64) (int, error) {
	childOff := offset + d.reservedSize

	if subcmd.IsRetry(sc) {
		childIdx, err := subcmd.PeekRoute(sc, routeWidth)
		if err != nil {
			return 0, err
		}
		return d.childByIdx(childIdx).AsyncIOV(q, io, sc, disk.OpRead, iovecs, childOff)
	}

	childIdx := d.pickReadChild()
	childSC, err := subcmd.PushRoute(sc, childIdx, routeWidth)
	if err != nil {
		return 0, err
	}

	n, err := d.childByIdx(childIdx).AsyncIOV(q, io, childSC, disk.OpRead, iovecs, childOff)
	if err == nil {
		d.rememberPendingRead(q, io.Tag, iovecs, offset)
		return n, nil
	}

	// Immediate submission error: fail over to the other child if one
	// exists (not already degraded down to this exact child).
	if d.degradedState() != degradedNone {
		return 0, err
	}
	otherIdx := 1 - childIdx
	otherSC, perr := subcmd.PushRoute(subcmd.SetFlags(sc, subcmd.Retried), otherIdx, routeWidth)
	if perr != nil {
		return 0, perr
	}
	n2, err2 := d.childByIdx(otherIdx).AsyncIOV(q, io, otherSC, disk.OpRead, iovecs, childOff)
	if err2 != nil {
		return 0, raiderr.Wrap("raid1.asyncRead", raiderr.CodeIOError, err2)
	}
	return n2, nil
}

func (d *Device) rememberPendingRead(q disk.Queue, tag uint16, iovecs [][]byte, offset int64) {
	d.pendingMu.Lock()
	d.pending[pendingKey{q: q, tag: tag}] = pendingRead{iovecs: iovecs, offset: offset}
	d.pendingMu.Unlock()
}

func (d *Device) takePendingRead(q disk.Queue, tag uint16) (pendingRead, bool) {
	key := pendingKey{q: q, tag: tag}
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	p, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	return p, ok
}

// handleWriteRetry implements §4.4.3's "Retry arriving with RETRIED": a
// write or discard resubmitted by the caller with the Retried flag already
// set names, in its already-pushed route field, the child that failed the
// original attempt. The data itself is never reissued here — the other copy
// (or the surviving child, if this is already a degraded array) already
// carries it — so this is pure bookkeeping: dirty the affected region once
// if the array is not yet degraded, degrade the named child if it is not
// already, and report zero further submissions.
func (d *Device) handleWriteRetry(sc subcmd.T, offset, length int64) (int, error) {
	childIdx, err := subcmd.PeekRoute(sc, routeWidth)
	if err != nil {
		return 0, err
	}
	d.dirtyAndPersist(offset, length)
	if broken := d.degradeAndPersist(childIdx); broken {
		return 0, raiderr.New("raid1.handleWriteRetry", raiderr.CodeBroken, "both children failed")
	}
	return 0, nil
}

func (d *Device) asyncWrite(q disk.Queue, io disk.IOData, sc subcmd.T, iovecs [][]byte, offset int64) (int, error) {
	if subcmd.IsRetry(sc) {
		return d.handleWriteRetry(sc, offset, iovecLen(iovecs))
	}

	length := iovecLen(iovecs)
	childOff := offset + d.reservedSize

	if d.degradedState() != degradedNone {
		survivor := d.survivorIdx()
		childSC, err := subcmd.PushRoute(subcmd.UnsetFlags(sc, subcmd.Replicate), survivor, routeWidth)
		if err != nil {
			return 0, err
		}
		n, err := d.childByIdx(survivor).AsyncIOV(q, io, childSC, disk.OpWrite, iovecs, childOff)
		if err != nil {
			d.markBroken()
			return 0, raiderr.Wrap("raid1.asyncWrite", raiderr.CodeBroken, err)
		}
		return n, nil
	}

	d.dirtyAndPersist(offset, length)

	aSC, errA0 := subcmd.PushRoute(subcmd.UnsetFlags(sc, subcmd.Replicate), 0, routeWidth)
	bSC, errB0 := subcmd.PushRoute(subcmd.SetFlags(sc, subcmd.Replicate), 1, routeWidth)
	if errA0 != nil {
		return 0, errA0
	}
	if errB0 != nil {
		return 0, errB0
	}

	nA, errA := d.a.AsyncIOV(q, io, aSC, disk.OpWrite, iovecs, childOff)
	nB, errB := d.b.AsyncIOV(q, io, bSC, disk.OpWrite, iovecs, childOff)

	if errA != nil && errB != nil {
		d.markBroken()
		return 0, raiderr.New("raid1.asyncWrite", raiderr.CodeBroken, "both children failed immediately")
	}
	submitted := 0
	if errA != nil {
		d.degradeAndPersist(0)
	} else {
		submitted += nA
	}
	if errB != nil {
		d.degradeAndPersist(1)
	} else {
		submitted += nB
	}
	return submitted, nil
}

// HandleDiscard implements disk.Disk, same structure as the write path.
func (d *Device) HandleDiscard(q disk.Queue, io disk.IOData, sc subcmd.T, length int64, offset int64) (int, error) {
	if d.isBroken() {
		return 0, raiderr.New("raid1.HandleDiscard", raiderr.CodeBroken, "array has no surviving child")
	}
	if subcmd.IsRetry(sc) {
		return d.handleWriteRetry(sc, offset, length)
	}
	childOff := offset + d.reservedSize

	if d.degradedState() != degradedNone {
		survivor := d.survivorIdx()
		childSC, err := subcmd.PushRoute(subcmd.UnsetFlags(sc, subcmd.Replicate), survivor, routeWidth)
		if err != nil {
			return 0, err
		}
		n, err := d.childByIdx(survivor).HandleDiscard(q, io, childSC, length, childOff)
		if err != nil {
			d.markBroken()
			return 0, raiderr.Wrap("raid1.HandleDiscard", raiderr.CodeBroken, err)
		}
		return n, nil
	}

	d.dirtyAndPersist(offset, length)

	aSC, _ := subcmd.PushRoute(subcmd.UnsetFlags(sc, subcmd.Replicate), 0, routeWidth)
	bSC, _ := subcmd.PushRoute(subcmd.SetFlags(sc, subcmd.Replicate), 1, routeWidth)

	nA, errA := d.a.HandleDiscard(q, io, aSC, length, childOff)
	nB, errB := d.b.HandleDiscard(q, io, bSC, length, childOff)

	if errA != nil && errB != nil {
		d.markBroken()
		return 0, raiderr.New("raid1.HandleDiscard", raiderr.CodeBroken, "both children failed immediately")
	}
	submitted := 0
	if errA != nil {
		d.degradeAndPersist(0)
	} else {
		submitted += nA
	}
	if errB != nil {
		d.degradeAndPersist(1)
	} else {
		submitted += nB
	}
	return submitted, nil
}

// HandleFlush is a pure no-op: RAID-1 only sits atop backends that already
// bypass the OS cache.
func (d *Device) HandleFlush(q disk.Queue, io disk.IOData, sc subcmd.T) (int, error) {
	return 0, nil
}

// CollectAsync harvests completions from both children, applying the read
// failover and write-degrade bookkeeping of §4.4.3's "completion accounting"
// before delivering anything upward.
func (d *Device) CollectAsync(q disk.Queue, out *[]disk.CompletionResult) (int, error) {
	delivered := 0

	for childIdx, child := range []disk.Disk{d.a, d.b} {
		var raw []disk.CompletionResult
		if _, err := child.CollectAsync(q, &raw); err != nil {
			return delivered, err
		}

		for _, comp := range raw {
			n, err := d.processChildCompletion(q, uint64(childIdx), &comp)
			if err != nil {
				return delivered, err
			}
			delivered += n
			if n > 0 {
				*out = append(*out, comp)
			}
		}
	}
	return delivered, nil
}

// processChildCompletion returns 1 and mutates comp (popping its route) if
// the completion should be delivered upward now, or 0 if it was swallowed
// (retry in flight, or resolved purely via bookkeeping).
func (d *Device) processChildCompletion(q disk.Queue, childIdx uint64, comp *disk.CompletionResult) (int, error) {
	wasRetry := subcmd.IsRetry(comp.SubCmd)
	_, parent, err := subcmd.PopRoute(comp.SubCmd, routeWidth)
	if err != nil {
		return 0, err
	}

	if comp.Err == nil {
		if comp.Op == disk.OpRead {
			d.pendingMu.Lock()
			delete(d.pending, pendingKey{q: q, tag: comp.IOData.Tag})
			d.pendingMu.Unlock()
		}
		comp.SubCmd = parent
		return 1, nil
	}

	if wasRetry {
		comp.SubCmd = parent
		return 1, nil
	}

	if comp.Op == disk.OpRead {
		pending, ok := d.takePendingRead(q, comp.IOData.Tag)
		if !ok {
			return 0, nil
		}
		otherIdx := 1 - childIdx
		otherSC, perr := subcmd.PushRoute(subcmd.SetFlags(parent, subcmd.Retried), otherIdx, routeWidth)
		if perr != nil {
			return 0, perr
		}
		childOff := pending.offset + d.reservedSize
		_, rerr := d.childByIdx(otherIdx).AsyncIOV(q, comp.IOData, otherSC, disk.OpRead, pending.iovecs, childOff)
		if rerr != nil {
			return 0, raiderr.Wrap("raid1.processChildCompletion", raiderr.CodeIOError, rerr)
		}
		return 0, nil
	}

	// Non-retry write/discard failure: the bitmap was already dirtied at
	// submission time, so just degrade the failing child (persisting the
	// partner's superblock first) and resolve without surfacing an error
	// upward — the other copy already carries the durable data.
	d.degradeAndPersist(childIdx)
	return 0, nil
}

// OpenForPoll aggregates the pollable fds of both children.
func (d *Device) OpenForPoll(devFD int) ([]int, error) {
	var fds []int
	fa, err := d.a.OpenForPoll(devFD)
	if err != nil {
		return nil, err
	}
	fds = append(fds, fa...)
	fb, err := d.b.OpenForPoll(devFD)
	if err != nil {
		return nil, err
	}
	return append(fds, fb...), nil
}

// Close performs the orderly-shutdown sequence of §4.4.8: set
// unmount_clean=1 on every still-healthy child, bump generation, persist.
func (d *Device) Close() error {
	d.mu.Lock()
	d.generation++
	gen := d.generation
	degraded := d.degraded
	d.mu.Unlock()

	sb := d.superBlockFor(degraded, gen, true)
	if degraded != degradedA {
		_ = writeSuperBlock(d.a, sb, d.bm)
	}
	if degraded != degradedB {
		_ = writeSuperBlock(d.b, sb, d.bm)
	}

	if err := d.a.Close(); err != nil {
		return err
	}
	return d.b.Close()
}
