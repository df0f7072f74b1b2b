package raid1

import (
	"context"
	"sync"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ublkraid/ublkraid/disk"
	"github.com/ublkraid/ublkraid/raiderr"
)

const routeWidth = 1 // two children: A=0, B=1

// Device is the RAID-1 mirroring engine: two child Disks kept in lockstep
// via a dirty-region bitmap, with read failover, write replication, and a
// degraded-mode state machine, grounded on original_source's Raid1Disk
// (_device_a/_device_b/_route_to_b/__dirty_bitmap/__failover_read/__replicate).
type Device struct {
	a, b disk.Disk

	mu         sync.Mutex
	arrayUUID  uuid.UUID
	bitmapUUID uuid.UUID
	generation uint64
	degraded   uint8 // degradedNone, degradedA, degradedB
	broken     bool
	routeToB   bool

	bm *bitmap

	reservedSize int64
	capacity     int64
	lbs, pbs     int
	canDiscard   bool

	pendingMu sync.Mutex
	pending   map[pendingKey]pendingRead

	metrics *Metrics
	log     *logrus.Logger
}

type pendingKey struct {
	q   disk.Queue
	tag uint16
}

// pendingRead remembers the buffer and offset a read was submitted with, so
// a failed completion can be retried against the other child without the
// caller resubmitting — collect_async's CompletionResult carries no buffer.
type pendingRead struct {
	iovecs [][]byte
	offset int64
}

// New opens or creates a RAID-1 array over children a and b, per §3's
// lifecycle rule: matching identity superblocks reopen, absent/mismatched
// pairs rebuild fresh, and disagreeing identities are a fatal Mismatch.
func New(a, b disk.Disk) (*Device, error) {
	ga, gb := a.Probe(), b.Probe()
	if ga.Capacity < ReservedSize || gb.Capacity < ReservedSize {
		return nil, raiderr.New("raid1.New", raiderr.CodeInvalidArgument, "child capacity smaller than reserved_size")
	}

	userCapacity := ga.Capacity
	if gb.Capacity < userCapacity {
		userCapacity = gb.Capacity
	}
	userCapacity -= ReservedSize

	if userCapacity > maxCapacity {
		return nil, raiderr.New("raid1.New", raiderr.CodeCapacityExceeded, "capacity exceeds maximum addressable by the fixed reserved region")
	}

	pageA, pageB, err := readSuperBlockPages(a, b)
	if err != nil {
		return nil, err
	}

	sbA, errA := DecodeSuperBlock(pageA)
	sbB, errB := DecodeSuperBlock(pageB)

	d := &Device{
		a:            a,
		b:            b,
		reservedSize: ReservedSize,
		capacity:     userCapacity,
		lbs:          maxInt(ga.LogicalBlockSize, gb.LogicalBlockSize),
		pbs:          maxInt(ga.PhysicalBlockSize, gb.PhysicalBlockSize),
		canDiscard:   ga.CanDiscard && gb.CanDiscard,
		pending:      make(map[pendingKey]pendingRead),
		metrics:      NewMetrics(),
		log:          logrus.New(),
	}

	switch {
	case errA == nil && errB == nil:
		if !uuidEqual(sbA.ArrayUUID, sbB.ArrayUUID) || !uuidEqual(sbA.BitmapUUID, sbB.BitmapUUID) {
			d.log.WithField("array_a", sbA.ArrayUUID).WithField("array_b", sbB.ArrayUUID).
				Error("raid1: children disagree on superblock identity, refusing to construct")
			return nil, raiderr.New("raid1.New", raiderr.CodeMismatch, "children disagree on array_uuid or bitmap.uuid")
		}
		if err := d.reopen(sbA, sbB); err != nil {
			return nil, err
		}
	default:
		if err := d.initFresh(userCapacity); err != nil {
			return nil, err
		}
	}

	return d, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func uuidEqual(a, b uuid.UUID) bool {
	return a.String() == b.String()
}

func readSuperBlockPages(a, b disk.Disk) ([]byte, []byte, error) {
	var pageA, pageB []byte
	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		buf := make([]byte, PageSize)
		_, err := a.SyncIOV(disk.OpRead, [][]byte{buf}, 0)
		pageA = buf
		return err
	})
	g.Go(func() error {
		buf := make([]byte, PageSize)
		_, err := b.SyncIOV(disk.OpRead, [][]byte{buf}, 0)
		pageB = buf
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, raiderr.Wrap("raid1.readSuperBlockPages", raiderr.CodeIOError, err)
	}
	return pageA, pageB, nil
}

func (d *Device) initFresh(userCapacity int64) error {
	arrayUUID, err := uuid.NewV4()
	if err != nil {
		return raiderr.Wrap("raid1.initFresh", raiderr.CodeInvalidArgument, err)
	}
	bitmapUUID, err := uuid.NewV4()
	if err != nil {
		return raiderr.Wrap("raid1.initFresh", raiderr.CodeInvalidArgument, err)
	}

	d.arrayUUID = arrayUUID
	d.bitmapUUID = bitmapUUID
	pages := bitmapPagesForCapacity(userCapacity)
	d.bm = newBitmap(pages)
	d.generation = 1

	return d.persistBothSuperBlocks()
}

func (d *Device) reopen(sbA, sbB *SuperBlock) error {
	d.arrayUUID = sbA.ArrayUUID
	d.bitmapUUID = sbA.BitmapUUID
	pages := sbA.BitmapPages
	d.bm = newBitmap(pages)

	if err := d.loadBitmapFrom(d.a, pages); err != nil {
		return err
	}
	if err := d.loadBitmapFrom(d.b, pages); err != nil {
		return err
	}

	d.generation = sbA.Generation
	if sbB.Generation > d.generation {
		d.generation = sbB.Generation
	}
	d.generation++

	if sbA.DegradedChild != degradedNone {
		d.degraded = sbA.DegradedChild
	} else if sbB.DegradedChild != degradedNone {
		d.degraded = sbB.DegradedChild
	}

	return d.persistSurvivingSuperBlocks()
}

func (d *Device) loadBitmapFrom(child disk.Disk, pages uint32) error {
	for p := uint32(0); p < pages; p++ {
		buf := make([]byte, PageSize)
		off := int64(PageSize) + int64(p)*PageSize
		if _, err := child.SyncIOV(disk.OpRead, [][]byte{buf}, off); err != nil {
			return raiderr.Wrap("raid1.loadBitmapFrom", raiderr.CodeIOError, err)
		}
		d.bm.loadPage(p, buf)
	}
	return nil
}

// Probe implements disk.Disk.
func (d *Device) Probe() disk.Geometry {
	return disk.Geometry{
		ID:                "raid1",
		Capacity:           d.capacity,
		LogicalBlockSize:   d.lbs,
		PhysicalBlockSize:  d.pbs,
		CanDiscard:         d.canDiscard,
	}
}

func (d *Device) isBroken() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.broken
}

func (d *Device) degradedState() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

// survivorIdx returns the index of the healthy child while degraded; only
// meaningful when degradedState() != degradedNone.
func (d *Device) survivorIdx() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.degraded == degradedA {
		return 1
	}
	return 0
}

func (d *Device) childByIdx(idx uint64) disk.Disk {
	if idx == 0 {
		return d.a
	}
	return d.b
}

func (d *Device) otherChild(idx uint64) disk.Disk {
	return d.childByIdx(1 - idx)
}

// Metrics exposes the array's metrics for external registration.
func (d *Device) Metrics() *Metrics { return d.metrics }

var _ disk.Disk = (*Device)(nil)
