// Package raid0 implements the stateless striping router: it decomposes a
// user-visible byte range into per-child sub-requests and pushes a route
// index onto the sub-command for each, the way other_examples' RAID0Stripe
// picks a device/local-block pair per request, generalized from single-block
// addressing to arbitrary byte ranges striped at stripe_size.
package raid0

import (
	"github.com/ublkraid/ublkraid/disk"
	"github.com/ublkraid/ublkraid/raiderr"
	"github.com/ublkraid/ublkraid/subcmd"
)

// Router stripes I/O across an ordered list of children. It owns no
// metadata: a child failure always propagates as the request's failure.
type Router struct {
	children   []disk.Disk
	stripeSize int64
	routeWidth uint
}

// New creates a Router over children, striping at stripeSize bytes.
// stripeSize must be a power of two. len(children) must be >= 1.
func New(children []disk.Disk, stripeSize int64) (*Router, error) {
	if len(children) == 0 {
		return nil, raiderr.New("raid0.New", raiderr.CodeInvalidArgument, "at least one child required")
	}
	if stripeSize <= 0 || stripeSize&(stripeSize-1) != 0 {
		return nil, raiderr.New("raid0.New", raiderr.CodeInvalidArgument, "stripe_size must be a power of two")
	}
	return &Router{
		children:   children,
		stripeSize: stripeSize,
		routeWidth: subcmd.RouteWidthForChildren(len(children)),
	}, nil
}

// piece is one (child, contiguous child-local range) decomposition result.
type piece struct {
	childIdx   int
	childLocal int64
	length     int64
	userOffset int64 // offset of this piece within the caller's iovec, in bytes
}

// decompose splits [u, u+length) into contiguous runs that each land inside
// one stripe on one child, per the child-local-offset formula in the router's
// address translation: childLocal = (u/stripeSize/N)*stripeSize + (u mod stripeSize),
// childIdx = (u/stripeSize) mod N.
func (r *Router) decompose(u, length int64) []piece {
	n := int64(len(r.children))
	var pieces []piece
	userOff := int64(0)
	for length > 0 {
		stripeIdx := u / r.stripeSize
		childIdx := int(stripeIdx % n)
		withinStripe := u % r.stripeSize
		runLen := r.stripeSize - withinStripe
		if runLen > length {
			runLen = length
		}
		childLocal := (stripeIdx/n)*r.stripeSize + withinStripe

		pieces = append(pieces, piece{
			childIdx:   childIdx,
			childLocal: childLocal,
			length:     runLen,
			userOffset: userOff,
		})

		u += runLen
		userOff += runLen
		length -= runLen
	}
	return pieces
}

func slice(iovecs [][]byte, off, length int64) [][]byte {
	// iovecs are treated as one logical contiguous buffer; callers pass a
	// single flattened buffer per request (the common case for this router).
	flat := iovecs[0]
	return [][]byte{flat[off : off+length]}
}

func (r *Router) pushRoute(sc subcmd.T, childIdx int) (subcmd.T, error) {
	return subcmd.PushRoute(sc, uint64(childIdx), r.routeWidth)
}

// AsyncIOV decomposes [offset, offset+len(iovecs flattened)) into per-child
// pieces and submits each via the child's AsyncIOV, returning the number of
// sub-requests submitted. This makes Router itself a disk.Disk, so a RAID-0
// router can be nested beneath an enclosing RAID-1 engine (shared-ownership
// children, per §9's composition note).
func (r *Router) AsyncIOV(q disk.Queue, io disk.IOData, sc subcmd.T, op disk.Op, iovecs [][]byte, offset int64) (int, error) {
	total := int64(0)
	for _, v := range iovecs {
		total += int64(len(v))
	}
	pieces := r.decompose(offset, total)

	submitted := 0
	for _, p := range pieces {
		childSC, err := r.pushRoute(sc, p.childIdx)
		if err != nil {
			return submitted, err
		}
		buf := slice(iovecs, p.userOffset, p.length)
		n, err := r.children[p.childIdx].AsyncIOV(q, io, childSC, op, buf, p.childLocal)
		submitted += n
		if err != nil {
			return submitted, err
		}
	}
	return submitted, nil
}

// HandleDiscard decomposes a discard the same way as a write.
func (r *Router) HandleDiscard(q disk.Queue, io disk.IOData, sc subcmd.T, length int64, offset int64) (int, error) {
	pieces := r.decompose(offset, length)
	submitted := 0
	for _, p := range pieces {
		childSC, err := r.pushRoute(sc, p.childIdx)
		if err != nil {
			return submitted, err
		}
		n, err := r.children[p.childIdx].HandleDiscard(q, io, childSC, p.length, p.childLocal)
		submitted += n
		if err != nil {
			return submitted, err
		}
	}
	return submitted, nil
}

// HandleFlush issues a flush to every child, using the broadcast route index.
func (r *Router) HandleFlush(q disk.Queue, io disk.IOData, sc subcmd.T) (int, error) {
	broadcastSC := subcmd.T(0)
	broadcast := subcmd.BroadcastIndex(r.routeWidth)
	broadcastSC, err := subcmd.PushRoute(subcmd.SetFlags(sc, 0), broadcast, r.routeWidth)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, c := range r.children {
		n, err := c.HandleFlush(q, io, broadcastSC)
		submitted += n
		if err != nil {
			return submitted, err
		}
	}
	return submitted, nil
}

// SyncIOV blocks, dispatching each decomposed piece in turn and summing byte
// counts; the first error aborts and is surfaced immediately.
func (r *Router) SyncIOV(op disk.Op, iovecs [][]byte, offset int64) (int64, error) {
	total := int64(0)
	for _, v := range iovecs {
		total += int64(len(v))
	}
	pieces := r.decompose(offset, total)

	var sum int64
	for _, p := range pieces {
		buf := slice(iovecs, p.userOffset, p.length)
		n, err := r.children[p.childIdx].SyncIOV(op, buf, p.childLocal)
		sum += n
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// CollectAsync fans out across all children, appending every completion it
// finds and popping each one's route field back off before returning it, so
// the caller sees the sub-command it originally submitted.
func (r *Router) CollectAsync(q disk.Queue, out *[]disk.CompletionResult) (int, error) {
	total := 0
	for _, c := range r.children {
		var childCompletions []disk.CompletionResult
		n, err := c.CollectAsync(q, &childCompletions)
		if err != nil {
			return total, err
		}
		for _, comp := range childCompletions {
			_, parent, popErr := subcmd.PopRoute(comp.SubCmd, r.routeWidth)
			if popErr != nil {
				return total, popErr
			}
			comp.SubCmd = parent
			*out = append(*out, comp)
		}
		total += n
	}
	return total, nil
}

// Probe reports aggregate geometry: capacity is the sum of per-child capacity
// (after accounting for striping, this equals the raw sum since RAID-0 adds
// no reserved region of its own).
func (r *Router) Probe() disk.Geometry {
	var capacity int64
	canDiscard := true
	for _, c := range r.children {
		g := c.Probe()
		capacity += g.Capacity
		if !g.CanDiscard {
			canDiscard = false
		}
	}
	return disk.Geometry{
		ID:         "raid0",
		Capacity:   capacity,
		CanDiscard: canDiscard,
	}
}

// OpenForPoll collects the pollable fds of every child.
func (r *Router) OpenForPoll(devFD int) ([]int, error) {
	var fds []int
	for _, c := range r.children {
		childFDs, err := c.OpenForPoll(devFD)
		if err != nil {
			return fds, err
		}
		fds = append(fds, childFDs...)
	}
	return fds, nil
}

// Close closes every child in order, returning the first error encountered
// (if any) after attempting to close all of them.
func (r *Router) Close() error {
	var first error
	for _, c := range r.children {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ disk.Disk = (*Router)(nil)
