package readlock

import (
	"encoding/binary"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/pkg/errors"
)

// Store namespaces of the three kinds of records of an object.
const (
	LockPrefix     = "lock/"
	MetadataPrefix = "meta/"
	ChunkPrefix    = "chunk/"
)

// LockKey is the key of the read-lock counter of name in group.
func LockKey(group, name string) string {
	return LockPrefix + group + "/" + name
}

// MetadataKey is the key of the metadata record of name in group.
func MetadataKey(group, name string) string {
	return MetadataPrefix + group + "/" + name
}

// ChunkKey is the key of chunk index of one generation of name in group.
func ChunkKey(group, name string, generation uuid.UUID, index int) string {
	return ChunkPrefix + group + "/" + name + "/" + generation.String() + "/" + strconv.Itoa(index)
}

// Metadata describes a stored object. Every creation of an object gets a new
// Generation, and chunk keys embed it: chunks left behind by the deletion of an
// earlier object with the same name can never be confused with current ones.
type Metadata struct {
	Size       int64
	BufferSize int
	Modified   time.Time
	Generation uuid.UUID
}

// Chunks returns the number of chunks the object is split into.
func (m Metadata) Chunks() int {
	if m.Size <= 0 || m.BufferSize <= 0 {
		return 0
	}
	return int((m.Size + int64(m.BufferSize) - 1) / int64(m.BufferSize))
}

const metadataLen = 8 + 4 + 8 + uuid.Size

// MarshalBinary encodes m in a fixed 36 byte layout.
func (m Metadata) MarshalBinary() ([]byte, error) {
	buf := make([]byte, metadataLen)
	binary.BigEndian.PutUint64(buf[0:8], uint64(m.Size))
	binary.BigEndian.PutUint32(buf[8:12], uint32(m.BufferSize))
	binary.BigEndian.PutUint64(buf[12:20], uint64(m.Modified.UnixNano()))
	copy(buf[20:], m.Generation.Bytes())
	return buf, nil
}

// UnmarshalBinary decodes data produced by MarshalBinary.
func (m *Metadata) UnmarshalBinary(data []byte) error {
	if len(data) != metadataLen {
		return errors.Errorf("metadata: want %d bytes, got %d", metadataLen, len(data))
	}
	gen, err := uuid.FromBytes(data[20:])
	if err != nil {
		return errors.Wrap(err, "metadata generation")
	}
	m.Size = int64(binary.BigEndian.Uint64(data[0:8]))
	m.BufferSize = int(binary.BigEndian.Uint32(data[8:12]))
	m.Modified = time.Unix(0, int64(binary.BigEndian.Uint64(data[12:20]))).UTC()
	m.Generation = gen
	return nil
}
