package readlock

import (
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	gen := uuid.Must(uuid.FromString("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	assert.Equal(t, "lock/idx/segments_1", LockKey("idx", "segments_1"))
	assert.Equal(t, "meta/idx/segments_1", MetadataKey("idx", "segments_1"))
	assert.Equal(t, "chunk/idx/_0.cfs/6ba7b810-9dad-11d1-80b4-00c04fd430c8/3", ChunkKey("idx", "_0.cfs", gen, 3))
}

func TestMetadataChunks(t *testing.T) {
	tests := []struct {
		size   int64
		buffer int
		want   int
	}{
		{size: 0, buffer: 4, want: 0},
		{size: 1, buffer: 4, want: 1},
		{size: 4, buffer: 4, want: 1},
		{size: 5, buffer: 4, want: 2},
		{size: 12, buffer: 4, want: 3},
		{size: 10, buffer: 0, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Metadata{Size: tt.size, BufferSize: tt.buffer}.Chunks(), "size %d buffer %d", tt.size, tt.buffer)
	}
}

func TestMetadataEncoding(t *testing.T) {
	md := Metadata{
		Size:       1 << 33,
		BufferSize: DefaultBufferSize,
		Modified:   time.Date(2024, 3, 1, 12, 0, 0, 42, time.UTC),
		Generation: uuid.Must(uuid.NewV4()),
	}
	data, err := md.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, data, 36)

	var got Metadata
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, md, got)

	assert.Error(t, got.UnmarshalBinary(data[:10]))
}
