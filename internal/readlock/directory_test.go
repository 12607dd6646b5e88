package readlock

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDirectory(t *testing.T, s stores) *Directory {
	t.Helper()
	d, err := NewDirectory("idx", s.chunks, s.metadata, NewLocalLockMerger(s.locker(t), nil), 4, nil)
	require.NoError(t, err)
	return d
}

func TestNewDirectoryValidation(t *testing.T) {
	s := newStores(t)
	_, err := NewDirectory("idx", s.chunks, s.metadata, s.locker(t), 0, nil)
	assert.Error(t, err)
	_, err = NewDirectory("", s.chunks, s.metadata, s.locker(t), 4, nil)
	assert.Error(t, err)
}

func TestDirectoryCreateAndRead(t *testing.T) {
	s := newStores(t)
	d := newDirectory(t, s)
	ctx := context.Background()
	data := []byte("0123456789")

	md, err := d.Create(ctx, "f", data)
	require.NoError(t, err)
	assert.Equal(t, int64(10), md.Size)
	assert.Equal(t, 3, md.Chunks())
	assert.Len(t, s.chunks.Keys(), 3)

	stat, err := d.Stat("f")
	require.NoError(t, err)
	assert.Equal(t, md.Generation, stat.Generation)
	assert.Equal(t, []string{"f"}, d.List())

	got, err := d.ReadAll(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(1), s.count(t, "f"), "read lock released")

	_, err = d.Create(ctx, "f", []byte("other"))
	assert.ErrorIs(t, err, ErrExists)

	t.Run("chunks", func(t *testing.T) {
		r, err := d.Open(ctx, "f")
		require.NoError(t, err)
		defer r.Close()

		chunk, err := r.ReadChunk(2)
		require.NoError(t, err)
		assert.Equal(t, []byte("89"), chunk)
		_, err = r.ReadChunk(3)
		assert.Error(t, err)
		assert.Equal(t, int64(10), r.Size())
	})

	t.Run("empty object", func(t *testing.T) {
		md, err := d.Create(ctx, "empty", nil)
		require.NoError(t, err)
		assert.Zero(t, md.Chunks())
		got, err := d.ReadAll(ctx, "empty")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

// TestReaderConcurrentChunksAndClose reads chunks from several goroutines
// while another closes the reader
func TestReaderConcurrentChunksAndClose(t *testing.T) {
	s := newStores(t)
	d := newDirectory(t, s)
	ctx := context.Background()
	_, err := d.Create(ctx, "f", []byte("0123456789"))
	require.NoError(t, err)

	r, err := d.Open(ctx, "f")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				chunk, err := r.ReadChunk(j % 3)
				if err != nil {
					assert.EqualError(t, err, "reader closed")
					return
				}
				assert.NotEmpty(t, chunk)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, r.Close())
	}()
	wg.Wait()

	assert.NoError(t, r.Close(), "second close is a no-op")
	_, err = r.ReadChunk(0)
	assert.EqualError(t, err, "reader closed")
	assert.Equal(t, int64(1), s.count(t, "f"))
}

// TestDirectoryDeleteWhileOpen verifies that a deleted object stays readable
// until its last reader closes
func TestDirectoryDeleteWhileOpen(t *testing.T) {
	s := newStores(t)
	d := newDirectory(t, s)
	ctx := context.Background()
	_, err := d.Create(ctx, "f", []byte("hello, world"))
	require.NoError(t, err)

	r, err := d.Open(ctx, "f")
	require.NoError(t, err)
	require.NoError(t, d.Delete(ctx, "f"))

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello, world"), got)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = d.Stat("f")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = d.Open(ctx, "f")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, d.Delete(ctx, "f"), ErrNotFound)
	assert.Eventually(t, func() bool { return len(s.chunks.Keys()) == 0 }, waitFor, tick)
	assert.Empty(t, s.locks.Keys())
}

func TestDirectoryRecreate(t *testing.T) {
	s := newStores(t)
	d := newDirectory(t, s)
	ctx := context.Background()

	first, err := d.Create(ctx, "f", []byte("first"))
	require.NoError(t, err)
	require.NoError(t, d.Delete(ctx, "f"))

	second, err := d.Create(ctx, "f", []byte("second version"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Generation, second.Generation)

	got, err := d.ReadAll(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, []byte("second version"), got)
}
