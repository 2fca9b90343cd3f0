// Package mapstream implements the map stream (spec.md §4.4): a
// logical-offset-to-backing-stream mapping held as an ordered set of
// non-overlapping ranges, each naming a target stream and the offset
// within it.
package mapstream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aff4/aff4container/internal/aff4err"
	"github.com/aff4/aff4container/internal/archive"
	"github.com/aff4/aff4container/internal/bevy"
	"github.com/aff4/aff4container/internal/rdfmodel"
	"github.com/aff4/aff4container/internal/resolver"
	"github.com/aff4/aff4container/internal/streamio"
	"github.com/aff4/aff4container/internal/urn"
	"github.com/sirupsen/logrus"
)

// Range is one mapping interval: [MapOffset, MapOffset+Length) of the map's
// logical address space corresponds to [TargetOffset, TargetOffset+Length)
// of Targets[TargetID].
type Range struct {
	MapOffset    uint64
	Length       uint64
	TargetOffset uint64
	TargetID     uint32
}

// wireSize is sizeof the "<QQQI" struct pyaff4 serializes a Range as.
const wireSize = 8 + 8 + 8 + 4

func (r Range) MapEnd() uint64 { return r.MapOffset + r.Length }

// TargetOffsetAtMapOffset returns the target-stream offset a given
// map-space offset lands on within this range.
func (r Range) TargetOffsetAtMapOffset(offset uint64) uint64 {
	return r.TargetOffset + offset - r.MapOffset
}

// Merge combines r and other into one range if they share a target and
// their target offsets are collinear (contiguous), ok=false otherwise.
func (r Range) Merge(other Range) (Range, bool) {
	if other.TargetID != r.TargetID {
		return Range{}, false
	}
	if r.TargetOffsetAtMapOffset(r.MapOffset) != other.TargetOffsetAtMapOffset(r.MapOffset) {
		return Range{}, false
	}
	start := r.MapOffset
	if other.MapOffset < start {
		start = other.MapOffset
	}
	end := r.MapEnd()
	if other.MapEnd() > end {
		end = other.MapEnd()
	}
	return Range{
		MapOffset:    start,
		Length:       end - start,
		TargetOffset: r.TargetOffsetAtMapOffset(start),
		TargetID:     r.TargetID,
	}, true
}

// LeftClip trims this range so it starts at offset, which must fall
// within [MapOffset, MapEnd()].
func (r Range) LeftClip(offset uint64) Range {
	adjustment := offset - r.MapOffset
	return Range{
		MapOffset:    r.MapOffset + adjustment,
		Length:       r.Length - adjustment,
		TargetOffset: r.TargetOffset + adjustment,
		TargetID:     r.TargetID,
	}
}

// RightClip trims this range so it ends at offset, which must fall within
// [MapOffset, MapEnd()].
func (r Range) RightClip(offset uint64) Range {
	adjustment := r.MapEnd() - offset
	return Range{
		MapOffset:    r.MapOffset,
		Length:       r.Length - adjustment,
		TargetOffset: r.TargetOffset,
		TargetID:     r.TargetID,
	}
}

// Serialize writes the standard little-endian wire form.
func (r Range) Serialize() []byte {
	buf := make([]byte, wireSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.MapOffset)
	binary.LittleEndian.PutUint64(buf[8:16], r.Length)
	binary.LittleEndian.PutUint64(buf[16:24], r.TargetOffset)
	binary.LittleEndian.PutUint32(buf[24:28], r.TargetID)
	return buf
}

func decodeRangeStandard(b []byte) Range {
	return Range{
		MapOffset:    binary.LittleEndian.Uint64(b[0:8]),
		Length:       binary.LittleEndian.Uint64(b[8:16]),
		TargetOffset: binary.LittleEndian.Uint64(b[16:24]),
		TargetID:     binary.LittleEndian.Uint32(b[24:28]),
	}
}

// decodeRangeScudette reverses the length/target_offset field swap that
// Rekall/libAFF4 accidentally introduced for Evimetry-produced maps.
func decodeRangeScudette(b []byte) Range {
	r := decodeRangeStandard(b)
	r.Length, r.TargetOffset = r.TargetOffset, r.Length
	return r
}

// Dialect selects the on-disk map layout. Only DialectStandard is ever
// written; the others are decode-only.
type Dialect int

const (
	// DialectStandard also coalesces contiguous same-target entries on
	// load, matching pyaff4's AFF4Map2 (the layout modern writers use).
	DialectStandard Dialect = iota
	// DialectLegacy loads each entry as its own range, uncoalesced,
	// matching plain AFF4Map.
	DialectLegacy
	// DialectScudette reads the swapped length/target_offset layout,
	// uncoalesced, matching ScudetteAFF4Map.
	DialectScudette
)

// BackingConfig controls how Write mints a fresh backing stream the first
// time this map is written to.
type BackingConfig struct {
	Compression      bevy.Method
	ChunkSize        int
	ChunksPerSegment int
}

// DefaultBackingConfig matches bevy.DefaultConfig.
func DefaultBackingConfig() BackingConfig {
	d := bevy.DefaultConfig()
	return BackingConfig{Compression: d.Compression, ChunkSize: d.ChunkSize, ChunksPerSegment: d.ChunksPerSegment}
}

// Map is the map stream implementation (spec.md §4.4). Ranges are held in
// a sorted, non-overlapping slice rather than an interval tree — no
// interval-tree library appears anywhere in the example pack, and the
// merge-on-insert invariant keeps the range count proportional to the
// stream's actual fragmentation rather than its length, so a sorted slice
// with binary search is the right amount of data structure here.
type Map struct {
	u         urn.URN
	volumeURN urn.URN
	r         *resolver.Resolver
	arc       *archive.Archive
	log       *logrus.Logger

	backingCfg BackingConfig

	targets   []urn.URN
	targetIdx map[urn.URN]int
	ranges    []Range // sorted ascending by MapOffset, non-overlapping

	lastTarget urn.URN
	backing    streamio.Stream

	writePtr uint64
	size     uint64
	dirty    bool
	writable bool
}

// NewWriter constructs a brand-new, empty, writable map stream.
func NewWriter(u, volumeURN urn.URN, arc *archive.Archive, cfg BackingConfig, r *resolver.Resolver, log *logrus.Logger) *Map {
	if log == nil {
		log = logrus.New()
	}
	return &Map{
		u:          u,
		volumeURN:  volumeURN,
		arc:        arc,
		r:          r,
		log:        log,
		backingCfg: cfg,
		targetIdx:  make(map[urn.URN]int),
		writable:   true,
	}
}

// OpenReader reconstructs a read-only map from its persisted <urn>/map and
// <urn>/idx members.
func OpenReader(u, volumeURN urn.URN, arc *archive.Archive, dialect Dialect, r *resolver.Resolver, log *logrus.Logger) (*Map, error) {
	if log == nil {
		log = logrus.New()
	}
	m := &Map{
		u:         u,
		volumeURN: volumeURN,
		arc:       arc,
		r:         r,
		log:       log,
		targetIdx: make(map[urn.URN]int),
		writable:  false,
	}

	idxName := archive.MemberNameForURN(u.Append("idx"), volumeURN, arc.Dialect())
	if arc.Contains(idxName) {
		raw, err := arc.ReadMemberBytes(idxName)
		if err != nil {
			return nil, fmt.Errorf("mapstream: reading %s idx: %w", u, err)
		}
		for _, line := range strings.Split(string(raw), "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			m.targetIdx[urn.URN(line)] = len(m.targets)
			m.targets = append(m.targets, urn.URN(line))
		}
	}

	mapName := archive.MemberNameForURN(u.Append("map"), volumeURN, arc.Dialect())
	if arc.Contains(mapName) {
		raw, err := arc.ReadMemberBytes(mapName)
		if err != nil {
			return nil, fmt.Errorf("mapstream: reading %s map: %w", u, err)
		}
		ranges, err := loadRanges(raw, dialect)
		if err != nil {
			return nil, err
		}
		for _, rg := range ranges {
			if rg.Length == 0 {
				continue
			}
			m.insertRaw(rg)
		}
	}

	for _, rg := range m.ranges {
		if rg.MapEnd() > m.size {
			m.size = rg.MapEnd()
		}
	}
	return m, nil
}

// loadRanges decodes a <urn>/map member per dialect. DialectStandard
// coalesces contiguous same-target entries before returning them (spec.md
// §4.4: "shipping maps can be highly fragmented").
func loadRanges(raw []byte, dialect Dialect) ([]Range, error) {
	if len(raw)%wireSize != 0 {
		return nil, fmt.Errorf("mapstream: %w: map member length %d not a multiple of %d", aff4err.ErrDecode, len(raw), wireSize)
	}
	n := len(raw) / wireSize
	decode := decodeRangeStandard
	if dialect == DialectScudette {
		decode = decodeRangeScudette
	}

	raws := make([]Range, n)
	for i := 0; i < n; i++ {
		raws[i] = decode(raw[i*wireSize : (i+1)*wireSize])
	}

	if dialect != DialectStandard {
		return raws, nil
	}

	var out []Range
	for _, rg := range raws {
		if len(out) > 0 {
			last := out[len(out)-1]
			if last.MapEnd() == rg.MapOffset && last.TargetOffset+last.Length == rg.TargetOffset && last.TargetID == rg.TargetID {
				out[len(out)-1].Length += rg.Length
				continue
			}
		}
		out = append(out, rg)
	}
	return out, nil
}

func (m *Map) URN() urn.URN   { return m.u }
func (m *Map) Size() int64    { return int64(m.size) }
func (m *Map) Writable() bool { return m.writable }
func (m *Map) Dirty() bool    { return m.dirty }

func (m *Map) internTarget(target urn.URN) uint32 {
	if id, ok := m.targetIdx[target]; ok {
		return uint32(id)
	}
	id := len(m.targets)
	m.targetIdx[target] = id
	m.targets = append(m.targets, target)
	return uint32(id)
}

// findContaining binary-searches for the range covering point, if any.
func (m *Map) findContaining(point uint64) (int, bool) {
	lo, hi := 0, len(m.ranges)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.ranges[mid].MapEnd() <= point {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(m.ranges) && m.ranges[lo].MapOffset <= point && point < m.ranges[lo].MapEnd() {
		return lo, true
	}
	return lo, false
}

func (m *Map) removeAt(idx int) {
	m.ranges = append(m.ranges[:idx], m.ranges[idx+1:]...)
}

// insertRaw inserts rg with no merge/clip logic, used only while loading an
// on-disk layout (coalesced or not), which it takes to be non-overlapping.
func (m *Map) insertRaw(rg Range) {
	for int(rg.TargetID) >= len(m.targets) {
		m.targets = append(m.targets, "")
	}
	at := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].MapOffset >= rg.MapOffset })
	m.ranges = append(m.ranges, Range{})
	copy(m.ranges[at+1:], m.ranges[at:])
	m.ranges[at] = rg
}

// AddRange inserts a new mapping, merging with adjoining same-target
// ranges, clipping overlapping neighbours, and dropping any range fully
// enveloped by the new one (spec.md §4.4).
func (m *Map) AddRange(mapOffset, targetOffset, length uint64, target urn.URN) {
	if length == 0 {
		return
	}
	m.lastTarget = target
	targetID := m.internTarget(target)
	newRange := Range{MapOffset: mapOffset, Length: length, TargetOffset: targetOffset, TargetID: targetID}

	if mapOffset > 0 {
		if idx, ok := m.findContaining(mapOffset - 1); ok {
			left := m.ranges[idx]
			if merged, ok2 := newRange.Merge(left); ok2 {
				newRange = merged
				m.removeAt(idx)
			} else if left.MapEnd() > newRange.MapEnd() {
				// newRange lands strictly inside left: it splits into a
				// left-surviving piece and a right-surviving piece. The
				// right piece is inserted here, not left for the
				// right-neighbour lookup below to find, since that lookup
				// would otherwise search the slice after left has already
				// been shortened in place and never see left's trailing
				// portion again.
				rightPiece := left.LeftClip(newRange.MapEnd())
				leftPiece := left.RightClip(newRange.MapOffset)
				if leftPiece.Length == 0 {
					m.ranges[idx] = rightPiece
				} else {
					m.ranges[idx] = leftPiece
					m.ranges = append(m.ranges, Range{})
					copy(m.ranges[idx+2:], m.ranges[idx+1:])
					m.ranges[idx+1] = rightPiece
				}
			} else {
				clipped := left.RightClip(newRange.MapOffset)
				switch {
				case clipped.Length == 0:
					m.removeAt(idx)
				case clipped != left:
					m.ranges[idx] = clipped
				}
			}
		}
	}

	mapEnd := newRange.MapEnd()
	if idx, ok := m.findContaining(mapEnd); ok {
		right := m.ranges[idx]
		if merged, ok2 := newRange.Merge(right); ok2 {
			newRange = merged
			m.removeAt(idx)
		} else {
			clipped := right.LeftClip(newRange.MapEnd())
			if clipped.Length == 0 {
				m.removeAt(idx)
			} else {
				m.ranges[idx] = clipped
			}
		}
	}

	// Drop any range fully enveloped by the (possibly now-extended) new range.
	kept := m.ranges[:0:0]
	for _, r := range m.ranges {
		if r.MapOffset >= newRange.MapOffset && r.MapEnd() <= newRange.MapEnd() {
			continue
		}
		kept = append(kept, r)
	}
	m.ranges = kept

	at := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].MapOffset >= newRange.MapOffset })
	m.ranges = append(m.ranges, Range{})
	copy(m.ranges[at+1:], m.ranges[at:])
	m.ranges[at] = newRange

	if newRange.MapEnd() > m.size {
		m.size = newRange.MapEnd()
	}
	m.dirty = true
}

// GetRanges returns a copy of the current ranges, sorted by MapOffset.
func (m *Map) GetRanges() []Range {
	out := make([]Range, len(m.ranges))
	copy(out, m.ranges)
	return out
}

// GetBackingStream lazily mints the stream AddRange's targets point to when
// this map is built by plain Write calls: an uncompressed archive member
// when the configured compression is "stored", otherwise a fresh bevy
// image stream (spec.md §4.4).
func (m *Map) GetBackingStream() (streamio.Stream, error) {
	if m.backing != nil {
		return m.backing, nil
	}
	target := m.u.Append("data")
	if m.backingCfg.Compression == bevy.MethodStored {
		name := archive.MemberNameForURN(target, m.volumeURN, m.arc.Dialect())
		m.backing = newStoredBacking(target, name, m.arc)
		return m.backing, nil
	}

	cfg := bevy.Config{ChunkSize: m.backingCfg.ChunkSize, ChunksPerSegment: m.backingCfg.ChunksPerSegment, Compression: m.backingCfg.Compression}
	im := bevy.NewWriter(target, m.volumeURN, m.arc, cfg, m.r, m.log)
	if m.r != nil {
		m.r.CachePut(im)
	}
	m.backing = im
	return m.backing, nil
}

// storedBacking is an uncompressed backing stream held entirely in memory
// until Flush, the way every AFF4 stream kind in this implementation
// builds its payload before writing a single archive member (archive
// members have a size fixed at creation, so an uncompressed member cannot
// be grown by repeated in-place WriteAt calls the way a bevy's disk
// representation can).
type storedBacking struct {
	u       urn.URN
	name    string
	arc     *archive.Archive
	buf     []byte
	flushed bool
}

func newStoredBacking(u urn.URN, name string, arc *archive.Archive) *storedBacking {
	return &storedBacking{u: u, name: name, arc: arc}
}

func (s *storedBacking) URN() urn.URN { return s.u }
func (s *storedBacking) Size() int64  { return int64(len(s.buf)) }

func (s *storedBacking) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(s.buf)) {
		return 0, io.EOF
	}
	n := copy(p, s.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *storedBacking) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(s.buf)) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[off:end], p)
	s.flushed = false
	return len(p), nil
}

func (s *storedBacking) Writable() bool { return true }
func (s *storedBacking) Dirty() bool    { return !s.flushed }

func (s *storedBacking) Flush() error {
	if s.flushed {
		return nil
	}
	if err := s.arc.WriteMember(s.name, s.buf, true); err != nil {
		return fmt.Errorf("mapstream: flushing backing member %s: %w", s.name, err)
	}
	if err := s.arc.Flush(); err != nil {
		return err
	}
	s.flushed = true
	return nil
}

func (s *storedBacking) Abort() error {
	s.buf = nil
	s.flushed = true
	return nil
}

func (s *storedBacking) Close() error { return nil }

// Write appends data to the backing stream and records a range over it
// (spec.md §4.4).
func (m *Map) Write(data []byte) (int, error) {
	if !m.writable {
		return 0, fmt.Errorf("mapstream: %w: stream is read-only", aff4err.ErrInvalidState)
	}
	backing, err := m.GetBackingStream()
	if err != nil {
		return 0, err
	}
	targetOffset := uint64(backing.Size())
	if _, err := backing.WriteAt(data, int64(targetOffset)); err != nil {
		return 0, fmt.Errorf("mapstream: writing backing stream for %s: %w", m.u, err)
	}
	m.AddRange(m.writePtr, targetOffset, uint64(len(data)), backing.URN())
	m.writePtr += uint64(len(data))
	return len(data), nil
}

func (m *Map) WriteAt(p []byte, off int64) (int, error) {
	if off != int64(m.writePtr) {
		return 0, fmt.Errorf("mapstream: %w: map streams built via Write only support sequential append, got offset %d at write_ptr %d", aff4err.ErrInvalidState, off, m.writePtr)
	}
	return m.Write(p)
}

// ReadAt implements spec.md §4.4's read walk: gaps before a hit range are
// zero-filled, a hit range is read from its target (substituting zeros for
// the whole span on an I/O failure opening the target), and any remaining
// span past the last range is zero-filled too.
func (m *Map) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("mapstream: %w: negative offset", aff4err.ErrInvalidState)
	}
	pos := uint64(off)
	end := pos + uint64(len(p))
	var filled int64

	for _, r := range m.ranges {
		if r.MapEnd() <= pos {
			continue
		}
		if r.MapOffset >= end {
			break
		}
		if r.MapOffset > pos {
			gap := r.MapOffset - pos
			if gap > end-pos {
				gap = end - pos
			}
			zeroFill(p[filled : filled+int64(gap)])
			filled += int64(gap)
			pos += gap
			if pos >= end {
				break
			}
		}

		toRead := r.MapEnd() - pos
		if toRead > end-pos {
			toRead = end - pos
		}
		span := p[filled : filled+int64(toRead)]
		if err := m.readSpan(r, pos, span); err != nil {
			zeroFill(span)
		}
		filled += int64(toRead)
		pos += toRead
	}

	if uint64(filled) < uint64(len(p)) {
		zeroFill(p[filled:])
		filled = int64(len(p))
	}
	return int(filled), nil
}

func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// readSpan reads span from the target r points to, at the map offset pos.
func (m *Map) readSpan(r Range, pos uint64, span []byte) error {
	if m.r == nil {
		return fmt.Errorf("mapstream: %w: no resolver bound, cannot dereference target", aff4err.ErrInvalidState)
	}
	target := m.targets[r.TargetID]
	obj, err := m.r.FactoryOpen(target)
	if err != nil {
		return err
	}
	defer m.r.Return(obj)
	targetOffset := r.TargetOffsetAtMapOffset(pos)
	n, err := obj.ReadAt(span, int64(targetOffset))
	if err != nil {
		return err
	}
	if n < len(span) {
		zeroFill(span[n:])
	}
	return nil
}

// Flush serializes the map's ranges and target list to <urn>/map and
// <urn>/idx and records this stream's metadata triples.
func (m *Map) Flush() error {
	if !m.dirty {
		return nil
	}
	mapName := archive.MemberNameForURN(m.u.Append("map"), m.volumeURN, m.arc.Dialect())
	idxName := archive.MemberNameForURN(m.u.Append("idx"), m.volumeURN, m.arc.Dialect())

	var mapBuf bytes.Buffer
	for _, r := range m.ranges {
		mapBuf.Write(r.Serialize())
	}
	if err := m.arc.WriteMember(mapName, mapBuf.Bytes(), false); err != nil {
		return fmt.Errorf("mapstream: flushing %s map: %w", m.u, err)
	}

	lines := make([]string, len(m.targets))
	for i, t := range m.targets {
		lines[i] = string(t)
	}
	if err := m.arc.WriteMember(idxName, []byte(strings.Join(lines, "\n")), false); err != nil {
		return fmt.Errorf("mapstream: flushing %s idx: %w", m.u, err)
	}

	if m.r != nil {
		if err := m.r.Set(rdfmodel.GraphPersistent, m.u, rdfmodel.PredType, rdfmodel.LitURN(rdfmodel.TypeMap)); err != nil {
			return err
		}
		if err := m.r.Set(rdfmodel.GraphPersistent, m.u, rdfmodel.PredStored, rdfmodel.LitURN(m.volumeURN)); err != nil {
			return err
		}
		if err := m.r.Set(rdfmodel.GraphPersistent, m.u, rdfmodel.PredSize, rdfmodel.LitInt(int64(m.size))); err != nil {
			return err
		}
	}

	if m.backing != nil {
		if err := m.backing.Flush(); err != nil {
			return err
		}
	}

	m.dirty = false
	return nil
}

// Abort discards this map's pending metadata and any backing stream it
// minted, without touching the already-committed archive (the map/idx
// members are only ever written by Flush, so there is nothing to remove if
// Flush never ran).
func (m *Map) Abort() error {
	if m.backing != nil {
		if err := m.backing.Abort(); err != nil {
			return err
		}
	}
	if m.r != nil {
		m.r.DeleteSubject(m.u)
	}
	m.dirty = false
	m.ranges = nil
	m.targets = nil
	m.targetIdx = make(map[urn.URN]int)
	return nil
}

func (m *Map) Close() error {
	if m.backing != nil {
		return m.backing.Close()
	}
	return nil
}
