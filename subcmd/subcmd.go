// Package subcmd implements the sub-command integer carried through nested
// RAID layers: a small stack of per-layer routing indices plus a handful of
// per-I/O flag bits, packed into a single uint64 so no per-I/O heap state is
// needed on the hot path (see internal/uapi's OpFlags bit-packing for the
// same idea applied to the ublk kernel ABI).
package subcmd

import "github.com/ublkraid/ublkraid/raiderr"

// T is the sub-command carrier. Layout, low bits to high:
//
//	bits [0, numFlagBits): flag bits (Retried, Replicate)
//	bits [numFlagBits, 64): a stack of route fields, one per enclosing RAID
//	  layer, lowest field = most recently pushed layer. Pushing a layer
//	  shifts the existing stack left and ORs the new child index into the
//	  freed lowest field; popping does the reverse.
type T uint64

// Flag bits occupy the low numFlagBits bits of T.
const (
	Retried   T = 1 << 0
	Replicate T = 1 << 1

	numFlagBits = 2
	flagMask    = T(1<<numFlagBits) - 1
)

// maxRouteBits is the number of bits available for the route-field stack.
const maxRouteBits = 64 - numFlagBits

// BroadcastIndex returns the "all children" sentinel for a route field of
// the given width: the highest value representable in that field.
func BroadcastIndex(width uint) uint64 {
	if width == 0 {
		return 0
	}
	return (uint64(1) << width) - 1
}

// PushRoute returns a new sub-command with childIdx placed in the lowest
// route slot, a field width bits wide, and whatever routing already exists
// shifted up by width bits. Flags are preserved unchanged.
func PushRoute(sc T, childIdx uint64, width uint) (T, error) {
	if width == 0 || width > maxRouteBits {
		return 0, raiderr.New("subcmd.PushRoute", raiderr.CodeInvalidArgument, "route width out of range")
	}
	if childIdx >= (uint64(1) << width) {
		return 0, raiderr.New("subcmd.PushRoute", raiderr.CodeInvalidArgument, "child index does not fit route width")
	}

	flags := sc & flagMask
	routes := uint64(sc >> numFlagBits)

	// Check the existing route stack still fits once we shift it up.
	shifted := routes << width
	if (shifted >> width) != routes {
		return 0, raiderr.New("subcmd.PushRoute", raiderr.CodeInvalidArgument, "insufficient route bits remaining")
	}
	if shifted > (uint64(1)<<maxRouteBits)-1 {
		return 0, raiderr.New("subcmd.PushRoute", raiderr.CodeInvalidArgument, "insufficient route bits remaining")
	}

	newRoutes := shifted | childIdx
	return flags | T(newRoutes<<numFlagBits), nil
}

// PopRoute reverses PushRoute: it returns the child index occupying the
// lowest route-field slot (width bits wide) and the parent sub-command with
// that slot removed. Flags are preserved unchanged.
func PopRoute(sc T, width uint) (childIdx uint64, parent T, err error) {
	if width == 0 || width > maxRouteBits {
		return 0, 0, raiderr.New("subcmd.PopRoute", raiderr.CodeInvalidArgument, "route width out of range")
	}

	flags := sc & flagMask
	routes := uint64(sc >> numFlagBits)

	mask := (uint64(1) << width) - 1
	childIdx = routes & mask
	parentRoutes := routes >> width

	parent = flags | T(parentRoutes<<numFlagBits)
	return childIdx, parent, nil
}

// PeekRoute is PopRoute without removing the field — used by handlers that
// need to inspect routing without altering it (e.g. retry dispatch, which
// routes by the already-pushed route field).
func PeekRoute(sc T, width uint) (childIdx uint64, err error) {
	childIdx, _, err = PopRoute(sc, width)
	return childIdx, err
}

// SetFlags ORs the given flag bits into sc's flag field. Route bits are
// untouched.
func SetFlags(sc T, flags T) T {
	return sc | (flags & flagMask)
}

// UnsetFlags clears the given flag bits from sc's flag field.
func UnsetFlags(sc T, flags T) T {
	return sc &^ (flags & flagMask)
}

// TestFlags reports whether every bit in flags is set in sc.
func TestFlags(sc T, flags T) bool {
	f := flags & flagMask
	return sc&f == f
}

// IsRetry reports whether the Retried flag is set.
func IsRetry(sc T) bool {
	return TestFlags(sc, Retried)
}

// IsReplicate reports whether the Replicate flag is set.
func IsReplicate(sc T) bool {
	return TestFlags(sc, Replicate)
}

// RouteWidthForChildren returns the minimum route-field width (in bits)
// needed to address n children (n >= 1).
func RouteWidthForChildren(n int) uint {
	if n <= 1 {
		return 1
	}
	width := uint(0)
	for (1 << width) < n {
		width++
	}
	return width
}
