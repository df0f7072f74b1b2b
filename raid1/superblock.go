// Package raid1 implements the mirroring engine: superblock+bitmap
// persistence, degraded-mode state machine, read failover, write
// replication, and the retry protocol. The on-disk layout and manual
// (un)marshal style follow internal/uapi/marshal.go and structs.go's
// size-assertion idiom.
package raid1

import (
	"encoding/binary"

	uuid "github.com/satori/go.uuid"

	"github.com/ublkraid/ublkraid/raiderr"
)

// Fixed geometry constants (spec.md §3/§6).
const (
	PageSize     = 4096
	ChunkSize    = 32 * 1024
	ReservedSize = 512 * 1024

	magic         = uint64(0x31444941524b4c55) // "ULKRAID1" little-endian
	formatVersion = uint32(1)

	degradedNone = uint8(0)
	degradedA    = uint8(1)
	degradedB    = uint8(2)
)

// superBlockHeader is the fixed-size page-0 record, little-endian, manually
// (un)marshaled to keep the wire layout independent of Go struct padding
// (the same reasoning that keeps internal/uapi hand-rolling its structs
// rather than relying on encoding/binary's reflection path).
type superBlockHeader struct {
	Magic         uint64
	FormatVersion uint32
	ArrayUUID     [16]byte
	BitmapUUID    [16]byte
	BitmapPages   uint32
	ChunkSize     uint32
	UnmountClean  uint8
	Generation    uint64
	DegradedChild uint8
}

// headerSize is the encoded size of superBlockHeader on the wire, a fixed
// prefix of the first page. Deliberately smaller than unsafe.Sizeof(header{})
// since the Go struct carries alignment padding the wire format does not.
const headerSize = 8 + 4 + 16 + 16 + 4 + 4 + 1 + 8 + 1

// Compile-time check that headerSize comfortably fits one page with room for
// future fields.
var _ = [PageSize - headerSize]byte{}

func marshalHeader(h *superBlockHeader) []byte {
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], h.FormatVersion)
	copy(buf[12:28], h.ArrayUUID[:])
	copy(buf[28:44], h.BitmapUUID[:])
	binary.LittleEndian.PutUint32(buf[44:48], h.BitmapPages)
	binary.LittleEndian.PutUint32(buf[48:52], h.ChunkSize)
	buf[52] = h.UnmountClean
	binary.LittleEndian.PutUint64(buf[53:61], h.Generation)
	buf[61] = h.DegradedChild
	return buf
}

func unmarshalHeader(data []byte) (*superBlockHeader, error) {
	if len(data) < headerSize {
		return nil, raiderr.New("raid1.unmarshalHeader", raiderr.CodeInvalidArgument, "insufficient data for superblock header")
	}
	h := &superBlockHeader{
		Magic:         binary.LittleEndian.Uint64(data[0:8]),
		FormatVersion: binary.LittleEndian.Uint32(data[8:12]),
		BitmapPages:   binary.LittleEndian.Uint32(data[44:48]),
		ChunkSize:     binary.LittleEndian.Uint32(data[48:52]),
		UnmountClean:  data[52],
		Generation:    binary.LittleEndian.Uint64(data[53:61]),
		DegradedChild: data[61],
	}
	copy(h.ArrayUUID[:], data[12:28])
	copy(h.BitmapUUID[:], data[28:44])
	return h, nil
}

func (h *superBlockHeader) validateMagic() error {
	if h.Magic != magic || h.FormatVersion != formatVersion {
		return raiderr.New("raid1.validateMagic", raiderr.CodeMismatch, "not a raid1 superblock")
	}
	return nil
}

// SuperBlock is the in-memory mirror of one child's on-disk header plus its
// identity UUIDs as parsed uuid.UUID values.
type SuperBlock struct {
	ArrayUUID     uuid.UUID
	BitmapUUID    uuid.UUID
	BitmapPages   uint32
	ChunkSize     uint32
	UnmountClean  bool
	Generation    uint64
	DegradedChild uint8
}

// Encode serializes sb into a full page-sized buffer (header + zero padding
// to PageSize).
func (sb *SuperBlock) Encode() []byte {
	h := &superBlockHeader{
		Magic:         magic,
		FormatVersion: formatVersion,
		BitmapPages:   sb.BitmapPages,
		ChunkSize:     sb.ChunkSize,
		Generation:    sb.Generation,
		DegradedChild: sb.DegradedChild,
	}
	copy(h.ArrayUUID[:], sb.ArrayUUID.Bytes())
	copy(h.BitmapUUID[:], sb.BitmapUUID.Bytes())
	if sb.UnmountClean {
		h.UnmountClean = 1
	}
	return marshalHeader(h)
}

// DecodeSuperBlock parses a page-sized buffer into a SuperBlock, validating
// magic/format_version first per §4.5.
func DecodeSuperBlock(page []byte) (*SuperBlock, error) {
	h, err := unmarshalHeader(page)
	if err != nil {
		return nil, err
	}
	if err := h.validateMagic(); err != nil {
		return nil, err
	}

	arrayUUID, err := uuid.FromBytes(h.ArrayUUID[:])
	if err != nil {
		return nil, raiderr.Wrap("raid1.DecodeSuperBlock", raiderr.CodeMismatch, err)
	}
	bitmapUUID, err := uuid.FromBytes(h.BitmapUUID[:])
	if err != nil {
		return nil, raiderr.Wrap("raid1.DecodeSuperBlock", raiderr.CodeMismatch, err)
	}

	return &SuperBlock{
		ArrayUUID:     arrayUUID,
		BitmapUUID:    bitmapUUID,
		BitmapPages:   h.BitmapPages,
		ChunkSize:     h.ChunkSize,
		UnmountClean:  h.UnmountClean != 0,
		Generation:    h.Generation,
		DegradedChild: h.DegradedChild,
	}, nil
}

// maxBitmapPages is the number of pages available for the bitmap region
// given the fixed ReservedSize.
const maxBitmapPages = (ReservedSize - PageSize) / PageSize

// bitmapPagesForCapacity returns the number of bitmap pages needed to cover
// capacity bytes of user data at ChunkSize granularity, one bit per page's
// worth of bits (PageSize * 8 chunks per page).
func bitmapPagesForCapacity(capacity int64) uint32 {
	chunksNeeded := (capacity + ChunkSize - 1) / ChunkSize
	bitsPerPage := int64(PageSize * 8)
	pages := (chunksNeeded + bitsPerPage - 1) / bitsPerPage
	if pages < 1 {
		pages = 1
	}
	return uint32(pages)
}

// maxCapacity is the largest user-visible capacity representable by a
// bitmap that fits in maxBitmapPages pages, resolving spec.md §9's open
// question about the bitmap capacity field: capacity is bounded by fixed
// geometry rather than a separate wire field.
const maxCapacity = int64(maxBitmapPages) * int64(PageSize) * 8 * ChunkSize
