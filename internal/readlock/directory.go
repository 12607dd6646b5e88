package readlock

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/gridsync/internal/storage"
)

var (
	// ErrNotFound is returned for objects that do not exist or are being deleted.
	ErrNotFound = errors.New("object not found")
	// ErrExists is returned when creating an object that already exists.
	ErrExists = errors.New("object already exists")
)

// DefaultBufferSize is the chunk size used when none is configured.
const DefaultBufferSize = 16 * 1024

// maxParallelWrites bounds the chunk writes in flight per Create.
const maxParallelWrites = 8

// Directory stores immutable objects as a metadata record plus fixed-size
// chunks, and uses a Locker so that deleting an object never pulls chunks from
// under an open Reader.
//
// Lifecycle of an object:
//
//	Create ──▶ Open/Reader ──▶ Delete ──▶ (last reader closes) ──▶ chunks removed
//
// Thread Safety:
// All methods are safe for concurrent use, also across nodes sharing the stores.
type Directory struct {
	group      string
	chunks     storage.Store
	metadata   storage.Store
	locker     Locker
	bufferSize int
	logger     *zap.Logger
}

// NewDirectory creates a directory for group. locker must guard the same group
// and stores, e.g. a LocalLockMerger over a DistributedLocker.
func NewDirectory(group string, chunks, metadata storage.Store, locker Locker, bufferSize int, logger *zap.Logger) (*Directory, error) {
	if group == "" {
		return nil, errors.New("directory: group cannot be empty")
	}
	if bufferSize <= 0 {
		return nil, errors.Errorf("directory: invalid buffer size %d", bufferSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		group:      group,
		chunks:     chunks,
		metadata:   metadata,
		locker:     locker,
		bufferSize: bufferSize,
		logger:     logger.Named("directory").With(zap.String("group", group)),
	}, nil
}

// Create stores data under name. Chunks are written first and the metadata
// record last, so an object becomes visible only once complete.
func (d *Directory) Create(ctx context.Context, name string, data []byte) (Metadata, error) {
	if name == "" {
		return Metadata{}, errors.New("directory: name cannot be empty")
	}
	if _, err := d.Stat(name); err == nil {
		return Metadata{}, errors.Wrapf(ErrExists, "%s", name)
	} else if !errors.Is(err, ErrNotFound) {
		return Metadata{}, err
	}

	gen, err := uuid.NewV4()
	if err != nil {
		return Metadata{}, errors.Wrap(err, "new generation")
	}
	md := Metadata{
		Size:       int64(len(data)),
		BufferSize: d.bufferSize,
		Modified:   time.Now().UTC(),
		Generation: gen,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelWrites)
	for i := 0; i < md.Chunks(); i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := i * d.bufferSize
			end := min(start+d.bufferSize, len(data))
			key := ChunkKey(d.group, name, gen, i)
			if _, loaded, err := d.chunks.PutIfAbsent(key, data[start:end]); err != nil {
				return errors.Wrapf(err, "write chunk %s", key)
			} else if loaded {
				return errors.Errorf("chunk %s already exists", key)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.discard(name, md)
		return Metadata{}, err
	}

	encoded, err := md.MarshalBinary()
	if err != nil {
		d.discard(name, md)
		return Metadata{}, err
	}
	_, loaded, err := d.metadata.PutIfAbsent(MetadataKey(d.group, name), encoded)
	if err != nil || loaded {
		d.discard(name, md)
		if err != nil {
			return Metadata{}, errors.Wrapf(err, "write metadata of %s", name)
		}
		return Metadata{}, errors.Wrapf(ErrExists, "%s", name)
	}

	d.logger.Info("object created",
		zap.String("name", name),
		zap.Int64("size", md.Size),
		zap.Int("chunks", md.Chunks()),
		zap.Stringer("generation", gen),
	)
	return md, nil
}

// discard removes the chunks of a creation that did not complete.
func (d *Directory) discard(name string, md Metadata) {
	for i := 0; i < md.Chunks(); i++ {
		d.chunks.RemoveAsync(ChunkKey(d.group, name, md.Generation, i))
	}
}

// Stat returns the metadata of name.
func (d *Directory) Stat(name string) (Metadata, error) {
	entry, err := d.metadata.Get(MetadataKey(d.group, name))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return Metadata{}, errors.Wrapf(ErrNotFound, "%s", name)
	}
	if err != nil {
		return Metadata{}, errors.Wrapf(err, "read metadata of %s", name)
	}
	var md Metadata
	if err := md.UnmarshalBinary(entry.Value); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

// List returns the names of the objects in the directory, sorted.
func (d *Directory) List() []string {
	prefix := MetadataPrefix + d.group + "/"
	var names []string
	for _, key := range d.metadata.Keys() {
		if name, ok := strings.CutPrefix(key, prefix); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Open takes a read lock on name and returns a Reader holding it. The object
// cannot be physically deleted until the Reader is closed.
func (d *Directory) Open(ctx context.Context, name string) (*Reader, error) {
	ok, err := d.locker.AcquireReadLock(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", name)
	}

	md, err := d.Stat(name)
	if err != nil {
		if rerr := d.locker.DeleteOrReleaseReadLock(ctx, name); rerr != nil {
			d.logger.Warn("release after failed open", zap.String("name", name), zap.Error(rerr))
		}
		return nil, err
	}
	return &Reader{dir: d, name: name, md: md}, nil
}

// Delete drops the reference held by the object's existence. The object
// disappears from Stat and List at once if no Reader is open, otherwise when
// the last one is closed.
func (d *Directory) Delete(ctx context.Context, name string) error {
	if _, err := d.Stat(name); err != nil {
		return err
	}
	return d.locker.DeleteOrReleaseReadLock(ctx, name)
}

// ReadAll is a shortcut for Open, read everything, Close.
func (d *Directory) ReadAll(ctx context.Context, name string) ([]byte, error) {
	r, err := d.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	return data, err
}

// Reader reads one object while holding a read lock on it.
//
// ReadChunk, Metadata, Size and Close are safe for concurrent use. Read keeps
// a position and must not be called from several goroutines at once.
type Reader struct {
	dir  *Directory
	name string
	md   Metadata

	offset int64
	buf    []byte
	once   sync.Once
	closed atomic.Bool
}

// Metadata returns the metadata of the object.
func (r *Reader) Metadata() Metadata { return r.md }

// Size returns the object size in bytes.
func (r *Reader) Size() int64 { return r.md.Size }

// ReadChunk returns chunk index of the object.
func (r *Reader) ReadChunk(index int) ([]byte, error) {
	if r.closed.Load() {
		return nil, errors.New("reader closed")
	}
	if index < 0 || index >= r.md.Chunks() {
		return nil, errors.Errorf("chunk %d out of range [0, %d)", index, r.md.Chunks())
	}
	key := ChunkKey(r.dir.group, r.name, r.md.Generation, index)
	entry, err := r.dir.chunks.Get(key)
	if err != nil {
		return nil, errors.Wrapf(err, "read chunk %s", key)
	}
	return entry.Value, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.offset >= r.md.Size {
		return 0, io.EOF
	}
	if len(r.buf) == 0 {
		chunk, err := r.ReadChunk(int(r.offset / int64(r.md.BufferSize)))
		if err != nil {
			return 0, err
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.offset += int64(n)
	return n, nil
}

// Close releases the read lock. Only the first call has an effect.
func (r *Reader) Close() error {
	var err error
	r.once.Do(func() {
		r.closed.Store(true)
		err = r.dir.locker.DeleteOrReleaseReadLock(context.Background(), r.name)
	})
	return err
}
