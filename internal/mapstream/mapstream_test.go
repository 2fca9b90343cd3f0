package mapstream

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/aff4/aff4container/internal/archive"
	"github.com/aff4/aff4container/internal/bevy"
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

func TestMapWriteReadRoundTripStoredBacking(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()

	cfg := BackingConfig{Compression: bevy.MethodStored}
	m := NewWriter(u, vol, a, cfg, r, nil)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	n, err := m.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, m.Flush())

	got := make([]byte, len(payload))
	n, err = m.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, payload, got[:n])
}

func TestMapWriteReadRoundTripBevyBacking(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()

	cfg := DefaultBackingConfig()
	m := NewWriter(u, vol, a, cfg, r, nil)

	var want bytes.Buffer
	for i := 0; i < 5; i++ {
		chunk := bytes.Repeat([]byte{byte('A' + i)}, 4096)
		want.Write(chunk)
		_, err := m.Write(chunk)
		require.NoError(t, err)
	}
	require.NoError(t, m.Flush())
	require.Equal(t, int64(want.Len()), m.Size())

	got := make([]byte, want.Len())
	n, err := m.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, want.Bytes(), got[:n])
}

func TestMapReadZeroFillsGapBeforeFirstRange(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()
	target := urn.New()

	m := NewWriter(u, vol, a, DefaultBackingConfig(), r, nil)
	m.AddRange(100, 0, 10, target)

	buf := make([]byte, 110)
	n, err := m.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 110, n)
	require.Equal(t, make([]byte, 100), buf[:100])
}

func TestMapReadZeroFillsWhenTargetMissing(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()
	target := urn.New() // never registered with the resolver

	m := NewWriter(u, vol, a, DefaultBackingConfig(), r, nil)
	m.AddRange(0, 0, 16, target)

	buf := bytes.Repeat([]byte{0xff}, 16)
	n, err := m.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	require.Equal(t, make([]byte, 16), buf)
}

func TestAddRangeMergesContiguousSameTarget(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()
	target := urn.New()

	m := NewWriter(u, vol, a, DefaultBackingConfig(), r, nil)
	m.AddRange(0, 0, 10, target)
	m.AddRange(10, 10, 10, target)

	ranges := m.GetRanges()
	require.Len(t, ranges, 1)
	require.Equal(t, uint64(0), ranges[0].MapOffset)
	require.Equal(t, uint64(20), ranges[0].Length)
	require.Equal(t, uint64(0), ranges[0].TargetOffset)
}

func TestAddRangeDoesNotMergeDifferentTargets(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()
	t1, t2 := urn.New(), urn.New()

	m := NewWriter(u, vol, a, DefaultBackingConfig(), r, nil)
	m.AddRange(0, 0, 10, t1)
	m.AddRange(10, 0, 10, t2)

	require.Len(t, m.GetRanges(), 2)
}

func TestAddRangeClipsLeftNeighborOnOverlap(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()
	t1, t2 := urn.New(), urn.New()

	m := NewWriter(u, vol, a, DefaultBackingConfig(), r, nil)
	m.AddRange(0, 0, 20, t1) // [0,20) -> t1
	m.AddRange(10, 0, 10, t2) // [10,20) -> t2, overlaps tail of the first

	ranges := m.GetRanges()
	require.Len(t, ranges, 2)
	require.Equal(t, uint64(0), ranges[0].MapOffset)
	require.Equal(t, uint64(10), ranges[0].Length) // t1's range clipped to [0,10)
	require.Equal(t, uint64(10), ranges[1].MapOffset)
	require.Equal(t, uint64(10), ranges[1].Length)
}

func TestAddRangeClipsRightNeighborOnOverlap(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()
	t1, t2 := urn.New(), urn.New()

	m := NewWriter(u, vol, a, DefaultBackingConfig(), r, nil)
	m.AddRange(10, 0, 20, t1) // [10,30) -> t1
	m.AddRange(0, 0, 15, t2)  // [0,15) -> t2, overlaps head of the first

	ranges := m.GetRanges()
	require.Len(t, ranges, 2)
	require.Equal(t, uint64(0), ranges[0].MapOffset)
	require.Equal(t, uint64(15), ranges[0].Length)
	require.Equal(t, uint64(15), ranges[1].MapOffset)
	require.Equal(t, uint64(15), ranges[1].Length) // t1's range clipped to [15,30)
}

func TestAddRangeDropsEnvelopedRange(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()
	t1, t2 := urn.New(), urn.New()

	m := NewWriter(u, vol, a, DefaultBackingConfig(), r, nil)
	m.AddRange(5, 0, 5, t1)    // [5,10)
	m.AddRange(0, 0, 20, t2)   // [0,20), envelops the prior range entirely

	ranges := m.GetRanges()
	require.Len(t, ranges, 1)
	require.Equal(t, uint64(0), ranges[0].MapOffset)
	require.Equal(t, uint64(20), ranges[0].Length)
}

func TestAddRangeSplitsEnvelopingRangeIntoTwoSurvivors(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()
	t1, t2 := urn.New(), urn.New()

	m := NewWriter(u, vol, a, DefaultBackingConfig(), r, nil)
	m.AddRange(0, 1000, 100, t1)  // [0,100) -> t1@1000
	m.AddRange(40, 5000, 20, t2) // [40,60) -> t2, strictly inside the prior range

	ranges := m.GetRanges()
	require.Len(t, ranges, 3)

	require.Equal(t, uint64(0), ranges[0].MapOffset)
	require.Equal(t, uint64(40), ranges[0].Length)
	require.Equal(t, uint64(1000), ranges[0].TargetOffset)

	require.Equal(t, uint64(40), ranges[1].MapOffset)
	require.Equal(t, uint64(20), ranges[1].Length)
	require.Equal(t, uint64(5000), ranges[1].TargetOffset)

	require.Equal(t, uint64(60), ranges[2].MapOffset)
	require.Equal(t, uint64(40), ranges[2].Length)
	require.Equal(t, uint64(1060), ranges[2].TargetOffset)
}

func TestMapPersistAndReloadCoalescesStandardDialect(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()

	m := NewWriter(u, vol, a, DefaultBackingConfig(), r, nil)
	var want bytes.Buffer
	for i := 0; i < 3; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 4096)
		want.Write(chunk)
		_, err := m.Write(chunk)
		require.NoError(t, err)
	}
	require.NoError(t, m.Flush())

	reloaded, err := OpenReader(u, vol, a, DialectStandard, r, nil)
	require.NoError(t, err)
	require.Equal(t, int64(want.Len()), reloaded.Size())
	// contiguous writes to the same bevy-backed target coalesce into one range
	require.Len(t, reloaded.GetRanges(), 1)

	got := make([]byte, want.Len())
	n, err := reloaded.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, want.Bytes(), got[:n])
}

func TestDecodeRangeScudetteSwapsFields(t *testing.T) {
	standard := Range{MapOffset: 1, Length: 2, TargetOffset: 3, TargetID: 4}
	wire := standard.Serialize()
	got := decodeRangeScudette(wire)
	require.Equal(t, Range{MapOffset: 1, Length: 3, TargetOffset: 2, TargetID: 4}, got)
}

func TestLoadRangesLegacyDialectDoesNotCoalesce(t *testing.T) {
	r1 := Range{MapOffset: 0, Length: 10, TargetOffset: 0, TargetID: 0}
	r2 := Range{MapOffset: 10, Length: 10, TargetOffset: 10, TargetID: 0}
	var raw bytes.Buffer
	raw.Write(r1.Serialize())
	raw.Write(r2.Serialize())

	legacy, err := loadRanges(raw.Bytes(), DialectLegacy)
	require.NoError(t, err)
	require.Len(t, legacy, 2)

	standard, err := loadRanges(raw.Bytes(), DialectStandard)
	require.NoError(t, err)
	require.Len(t, standard, 1)
}

func TestMapWriteAtRejectsRandomOffset(t *testing.T) {
	a, vol := newTestArchive(t)
	r := resolver.New(nil)
	u := urn.New()

	m := NewWriter(u, vol, a, BackingConfig{Compression: bevy.MethodStored}, r, nil)
	_, err := m.Write([]byte("0123456789"))
	require.NoError(t, err)
	_, err = m.WriteAt([]byte("x"), 0)
	require.Error(t, err)
}
