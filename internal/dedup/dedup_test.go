package dedup

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/aff4/aff4container/internal/archive"
	"github.com/aff4/aff4container/internal/mapstream"
	"github.com/aff4/aff4container/internal/resolver"
	"github.com/aff4/aff4container/internal/urn"
	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T) (*archive.Archive, urn.URN) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.aff4")
	vol := urn.New()
	a, err := archive.Create(path, vol, archive.DialectV11, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, vol
}

func TestChunkFixedSplitsIntoEqualChunksPlusTail(t *testing.T) {
	data := bytes.Repeat([]byte{1}, 10)
	chunks := ChunkFixed(data, 4)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0].Data, 4)
	require.Len(t, chunks[1].Data, 4)
	require.Len(t, chunks[2].Data, 2)
	require.Equal(t, int64(0), chunks[0].Offset)
	require.Equal(t, int64(8), chunks[2].Offset)
}

func TestChunkRabinKarpCoversWholeInputContiguously(t *testing.T) {
	data := make([]byte, 50000)
	for i := range data {
		data[i] = byte(i * 37)
	}
	chunks := ChunkRabinKarp(data)
	require.NotEmpty(t, chunks)

	var reassembled []byte
	for i, c := range chunks {
		require.Equal(t, int64(len(reassembled)), c.Offset)
		require.LessOrEqual(t, len(c.Data), MaxChunkSize)
		reassembled = append(reassembled, c.Data...)
		if i < len(chunks)-1 {
			require.NotEmpty(t, c.Data)
		}
	}
	require.Equal(t, data, reassembled)
}

func TestChunkRabinKarpIsDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 500)
	a := ChunkRabinKarp(data)
	b := ChunkRabinKarp(data)
	require.Equal(t, len(a), len(b))
	for i := range a {
		require.Equal(t, a[i].Offset, b[i].Offset)
		require.Equal(t, a[i].Data, b[i].Data)
	}
}

func TestWriteFileDeduplicatesRepeatedIdenticalChunk(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	store := NewBlockStore(urn.New(), vol, a, r, nil)
	w := NewWriter(store, r, false, nil)

	chunk := bytes.Repeat([]byte{0x7A}, 4096)
	data := append(append([]byte{}, chunk...), chunk...)

	target := mapstream.NewWriter(urn.New(), vol, a, mapstream.DefaultBackingConfig(), r, nil)
	require.NoError(t, w.WriteFile(target, data, ChunkingFixed, 4096))
	require.NoError(t, target.Flush())
	require.NoError(t, store.Flush())

	require.Equal(t, int64(4096), store.img.Size())

	got := make([]byte, len(data))
	n, err := target.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, data, got[:n])
}

func TestWriteFileAppendsDistinctChunks(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	store := NewBlockStore(urn.New(), vol, a, r, nil)
	w := NewWriter(store, r, false, nil)

	data := append(bytes.Repeat([]byte{0x01}, 4096), bytes.Repeat([]byte{0x02}, 4096)...)

	target := mapstream.NewWriter(urn.New(), vol, a, mapstream.DefaultBackingConfig(), r, nil)
	require.NoError(t, w.WriteFile(target, data, ChunkingFixed, 4096))
	require.NoError(t, target.Flush())
	require.NoError(t, store.Flush())

	require.Equal(t, int64(8192), store.img.Size())

	got := make([]byte, len(data))
	n, err := target.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, data, got[:n])
}
