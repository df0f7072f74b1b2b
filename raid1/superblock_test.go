package raid1

import (
	"testing"

	deep "github.com/go-test/deep"
	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/require"
)

func newTestSuperBlock(t *testing.T) *SuperBlock {
	t.Helper()
	arrayUUID, err := uuid.NewV4()
	require.NoError(t, err)
	bitmapUUID, err := uuid.NewV4()
	require.NoError(t, err)

	return &SuperBlock{
		ArrayUUID:     arrayUUID,
		BitmapUUID:    bitmapUUID,
		BitmapPages:   3,
		ChunkSize:     ChunkSize,
		UnmountClean:  true,
		Generation:    7,
		DegradedChild: degradedB,
	}
}

func TestSuperBlockEncodeDecodeRoundTrip(t *testing.T) {
	sb := newTestSuperBlock(t)
	page := sb.Encode()
	require.Len(t, page, PageSize)

	got, err := DecodeSuperBlock(page)
	require.NoError(t, err)

	if diff := deep.Equal(got, sb); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestDecodeSuperBlockRejectsBadMagic(t *testing.T) {
	page := make([]byte, PageSize)
	_, err := DecodeSuperBlock(page)
	require.Error(t, err)
}

func TestBitmapPagesForCapacityCoversWholeRange(t *testing.T) {
	cases := []struct {
		capacity int64
		wantMin  uint32
	}{
		{capacity: ChunkSize, wantMin: 1},
		{capacity: int64(PageSize) * 8 * ChunkSize, wantMin: 1},
		{capacity: int64(PageSize)*8*ChunkSize + 1, wantMin: 2},
	}
	for _, c := range cases {
		got := bitmapPagesForCapacity(c.capacity)
		require.GreaterOrEqual(t, got, c.wantMin, "capacity=%d", c.capacity)
	}
}
