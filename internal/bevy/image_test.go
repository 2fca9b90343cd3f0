package bevy

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/aff4/aff4container/internal/archive"
	"github.com/aff4/aff4container/internal/rdfmodel"
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

func TestImageRoundTripSmallerThanOneChunk(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()

	cfg := Config{ChunkSize: 16, ChunksPerSegment: 4, Compression: MethodStored}
	im := NewWriter(u, vol, a, cfg, r, nil)

	payload := []byte("hello world")
	n, err := im.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, im.Flush())

	got := make([]byte, len(payload))
	n, err = im.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, payload, got[:n])
}

func TestImageRoundTripMultipleBeviesWithCompression(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()

	cfg := Config{ChunkSize: 64, ChunksPerSegment: 2, Compression: MethodZlib}
	im := NewWriter(u, vol, a, cfg, r, nil)

	var want bytes.Buffer
	for i := 0; i < 10; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 64)
		want.Write(chunk)
		_, err := im.Write(chunk)
		require.NoError(t, err)
	}
	require.NoError(t, im.Flush())
	require.Equal(t, int64(want.Len()), im.Size())

	got := make([]byte, want.Len())
	n, err := im.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, want.Bytes(), got[:n])

	// Partial, cross-chunk read.
	partial := make([]byte, 100)
	n, err = im.ReadAt(partial, 50)
	require.NoError(t, err)
	require.Equal(t, want.Bytes()[50:150], partial[:n])
}

func TestImageIncompressibleChunkFallsBackToRaw(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()

	cfg := Config{ChunkSize: 32, ChunksPerSegment: 1, Compression: MethodZlib}
	im := NewWriter(u, vol, a, cfg, r, nil)

	// Random-looking bytes zlib cannot shrink below chunkSize-16.
	chunk := []byte{0x01, 0x9f, 0x3c, 0x77, 0xe2, 0x5a, 0x88, 0x10, 0xcd, 0x4b, 0x66, 0x91, 0xfa, 0x0e, 0x53, 0x2d,
		0x9a, 0x61, 0x7c, 0x18, 0xb4, 0x2f, 0xe8, 0x05, 0x36, 0x9d, 0x4a, 0x7e, 0x11, 0x8c, 0x63, 0xf0}
	require.Len(t, chunk, 32)
	_, err := im.Write(chunk)
	require.NoError(t, err)
	require.NoError(t, im.Flush())

	got := make([]byte, 32)
	n, err := im.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, chunk, got[:n])
}

func TestImageReadAtClampsPastSize(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()

	cfg := Config{ChunkSize: 16, ChunksPerSegment: 4, Compression: MethodStored}
	im := NewWriter(u, vol, a, cfg, r, nil)
	_, err := im.Write([]byte("short"))
	require.NoError(t, err)
	require.NoError(t, im.Flush())

	buf := make([]byte, 100)
	n, err := im.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "short", string(buf[:n]))

	_, err = im.ReadAt(buf, 1000)
	require.ErrorIs(t, err, io.EOF)
}

func TestImageAbortRemovesFlushedBevies(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()

	cfg := Config{ChunkSize: 8, ChunksPerSegment: 2, Compression: MethodStored}
	im := NewWriter(u, vol, a, cfg, r, nil)

	for i := 0; i < 5; i++ {
		_, err := im.Write(bytes.Repeat([]byte{byte(i)}, 8))
		require.NoError(t, err)
	}
	require.NoError(t, im.Flush())
	require.True(t, im.bevyNumber > 0)

	bevy0 := im.bevyMemberName(0)
	require.True(t, a.Contains(bevy0))

	require.NoError(t, im.Abort())
	require.False(t, a.Contains(bevy0))
	require.False(t, im.Dirty())

	require.Empty(t, r.AllQuads(rdfmodel.GraphAny))
}

func TestImageWriteAtRejectsRandomOffset(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()
	cfg := Config{ChunkSize: 16, ChunksPerSegment: 4, Compression: MethodStored}
	im := NewWriter(u, vol, a, cfg, r, nil)

	_, err := im.Write([]byte("0123456789"))
	require.NoError(t, err)
	_, err = im.WriteAt([]byte("x"), 0)
	require.Error(t, err)
}

func TestDecodeIndexPreStandardDialects(t *testing.T) {
	// Evimetry: cumulative end offsets, 1-based in spirit but stored as
	// plain cumulative sums here.
	evi := []uint32{10, 25, 40}
	raw := make([]byte, 0, 12)
	for _, v := range evi {
		var tmp [4]byte
		tmp[0] = byte(v)
		tmp[1] = byte(v >> 8)
		tmp[2] = byte(v >> 16)
		tmp[3] = byte(v >> 24)
		raw = append(raw, tmp[:]...)
	}
	entries, err := decodeIndex(raw, IndexPreStandardEvimetry, 40)
	require.NoError(t, err)
	require.Equal(t, []indexEntry{
		{Offset: 0, Length: 10},
		{Offset: 10, Length: 15},
		{Offset: 25, Length: 15},
	}, entries)

	// Scudette: start offsets, last entry's length inferred from bevySize.
	scu := []uint32{0, 10, 25}
	raw2 := make([]byte, 0, 12)
	for _, v := range scu {
		var tmp [4]byte
		tmp[0] = byte(v)
		tmp[1] = byte(v >> 8)
		tmp[2] = byte(v >> 16)
		tmp[3] = byte(v >> 24)
		raw2 = append(raw2, tmp[:]...)
	}
	entries2, err := decodeIndex(raw2, IndexPreStandardScudette, 40)
	require.NoError(t, err)
	require.Equal(t, []indexEntry{
		{Offset: 0, Length: 10},
		{Offset: 10, Length: 15},
		{Offset: 25, Length: 15},
	}, entries2)
}
