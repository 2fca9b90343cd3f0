// Package bevy implements the chunked, compressed, random-access image
// stream (spec.md §4.3): bytes are accumulated, chunked, compressed per
// chunk, and grouped into bevies — archive members holding
// chunks_per_segment chunks plus a parallel index member.
package bevy

import (
	"fmt"
	"io"

	"github.com/aff4/aff4container/internal/aff4err"
	"github.com/aff4/aff4container/internal/archive"
	"github.com/aff4/aff4container/internal/rdfmodel"
	"github.com/aff4/aff4container/internal/resolver"
	"github.com/aff4/aff4container/internal/urn"
	"github.com/sirupsen/logrus"
)

// Config holds an image stream's fixed geometry and compression choice.
type Config struct {
	ChunkSize        int
	ChunksPerSegment int
	Compression      Method
}

// DefaultConfig matches spec.md §3's defaults for a plain image stream.
func DefaultConfig() Config {
	return Config{ChunkSize: 32768, ChunksPerSegment: 1024, Compression: MethodZlib}
}

// Image is the chunked bevy-structured stream.
type Image struct {
	u         urn.URN
	volumeURN urn.URN
	arc       *archive.Archive
	r         *resolver.Resolver
	log       *logrus.Logger

	chunkSize        int
	chunksPerSegment int
	compression      Method
	indexDialect     IndexDialect

	buffer     []byte
	chunkIdx   uint64
	bevyNumber uint64
	bevyData   []byte
	bevyIndex  []indexEntry

	size     int64
	writePtr int64
	dirty    bool
	writable bool

	cache       *chunkCache
	parsedIndex map[uint64][]indexEntry
	bevySize    map[uint64]int64
}

// NewWriter constructs a brand-new, empty, writable image stream. The
// caller is responsible for registering it with the resolver's object
// cache (resolver.CachePut) since it has no AFF4_TYPE triple yet for
// factory dispatch to find.
func NewWriter(u, volumeURN urn.URN, arc *archive.Archive, cfg Config, r *resolver.Resolver, log *logrus.Logger) *Image {
	if log == nil {
		log = logrus.New()
	}
	cache, err := newChunkCache(DefaultCacheTTL)
	if err != nil {
		log.WithError(err).Warn("bevy: decoded-chunk cache unavailable, reads will always hit the archive")
		cache = nil
	}
	return &Image{
		u:                u,
		volumeURN:        volumeURN,
		arc:              arc,
		r:                r,
		log:              log,
		chunkSize:        cfg.ChunkSize,
		chunksPerSegment: cfg.ChunksPerSegment,
		compression:      cfg.Compression,
		indexDialect:     IndexStandard,
		writable:         true,
		cache:            cache,
		parsedIndex:      make(map[uint64][]indexEntry),
		bevySize:         make(map[uint64]int64),
	}
}

// OpenReader reconstructs a read-only view over an already-persisted image
// stream from its resolver-recorded geometry.
func OpenReader(u, volumeURN urn.URN, arc *archive.Archive, cfg Config, dialect IndexDialect, size int64, r *resolver.Resolver, log *logrus.Logger) *Image {
	if log == nil {
		log = logrus.New()
	}
	cache, err := newChunkCache(DefaultCacheTTL)
	if err != nil {
		cache = nil
	}
	bevyNumber := uint64(0)
	if cfg.ChunksPerSegment > 0 {
		chunkCount := (size + int64(cfg.ChunkSize) - 1) / int64(cfg.ChunkSize)
		bevyNumber = uint64(chunkCount) / uint64(cfg.ChunksPerSegment)
		if uint64(chunkCount)%uint64(cfg.ChunksPerSegment) != 0 {
			bevyNumber++
		}
	}
	return &Image{
		u:                u,
		volumeURN:        volumeURN,
		arc:              arc,
		r:                r,
		log:              log,
		chunkSize:        cfg.ChunkSize,
		chunksPerSegment: cfg.ChunksPerSegment,
		compression:      cfg.Compression,
		indexDialect:     dialect,
		writable:         false,
		size:             size,
		bevyNumber:       bevyNumber,
		cache:            cache,
		parsedIndex:      make(map[uint64][]indexEntry),
		bevySize:         make(map[uint64]int64),
	}
}

func (im *Image) URN() urn.URN   { return im.u }
func (im *Image) Size() int64    { return im.size }
func (im *Image) Writable() bool { return im.writable }
func (im *Image) Dirty() bool    { return im.dirty }

func (im *Image) bevyMemberName(bevyNum uint64) string {
	bevyURN := im.u.Append(fmt.Sprintf("%08d", bevyNum))
	return archive.MemberNameForURN(bevyURN, im.volumeURN, im.arc.Dialect())
}

// Write appends bytes at the stream's current write pointer. Unlike the
// encrypted stream variant, plain image streams are append-only.
func (im *Image) Write(p []byte) (int, error) {
	if !im.writable {
		return 0, fmt.Errorf("bevy: %w: stream is read-only", aff4err.ErrInvalidState)
	}
	im.buffer = append(im.buffer, p...)
	for len(im.buffer) >= im.chunkSize {
		chunk := make([]byte, im.chunkSize)
		copy(chunk, im.buffer[:im.chunkSize])
		im.buffer = append([]byte(nil), im.buffer[im.chunkSize:]...)
		if err := im.appendChunk(chunk); err != nil {
			return 0, err
		}
	}
	im.writePtr += int64(len(p))
	if im.writePtr > im.size {
		im.size = im.writePtr
	}
	im.dirty = true
	return len(p), nil
}

// WriteAt only accepts a write exactly at the current end of stream —
// image streams do not support random writes (spec.md §4.5 contrasts this
// with the encrypted stream variant, which does).
func (im *Image) WriteAt(p []byte, off int64) (int, error) {
	if off != im.writePtr {
		return 0, fmt.Errorf("bevy: %w: image streams only support sequential append, got offset %d at write_ptr %d", aff4err.ErrInvalidState, off, im.writePtr)
	}
	return im.Write(p)
}

func (im *Image) appendChunk(raw []byte) error {
	encoded, wasRaw, err := encodeChunkPolicy(raw, im.compression, im.chunkSize)
	if err != nil {
		return fmt.Errorf("bevy: compressing chunk %d: %w", im.chunkIdx, err)
	}
	length := uint32(len(encoded))
	if wasRaw {
		length = uint32(im.chunkSize)
	}
	offset := uint64(len(im.bevyData))
	im.bevyData = append(im.bevyData, encoded...)
	im.bevyIndex = append(im.bevyIndex, indexEntry{Offset: offset, Length: length})
	im.chunkIdx++
	if im.chunkIdx%uint64(im.chunksPerSegment) == 0 {
		return im.flushBevy()
	}
	return nil
}

func (im *Image) flushBevy() error {
	dataName := im.bevyMemberName(im.bevyNumber)
	idxName := dataName + ".index"
	if err := im.arc.WriteMember(dataName, im.bevyData, true); err != nil {
		return fmt.Errorf("bevy: flushing bevy %d data: %w", im.bevyNumber, err)
	}
	if err := im.arc.WriteMember(idxName, encodeIndexStandard(im.bevyIndex), true); err != nil {
		return fmt.Errorf("bevy: flushing bevy %d index: %w", im.bevyNumber, err)
	}
	// Commit to the central directory immediately so OpenMember (used by
	// reads falling through to the on-disk path) can see this bevy right
	// away, without waiting for a caller-driven container-level flush.
	if err := im.arc.Flush(); err != nil {
		return fmt.Errorf("bevy: committing bevy %d: %w", im.bevyNumber, err)
	}
	im.log.WithFields(logrus.Fields{"urn": im.u, "bevy": im.bevyNumber, "chunks": len(im.bevyIndex)}).Debug("bevy: flushed bevy")
	im.bevyNumber++
	im.bevyData = nil
	im.bevyIndex = nil
	return nil
}

// Flush pads and finalizes any pending tail chunk and bevy, then records
// this stream's metadata triples. Idempotent: a second call with nothing
// pending is a no-op.
func (im *Image) Flush() error {
	if len(im.buffer) > 0 {
		pad := make([]byte, im.chunkSize)
		copy(pad, im.buffer)
		im.buffer = nil
		if err := im.appendChunk(pad); err != nil {
			return err
		}
	}
	if len(im.bevyData) > 0 {
		if err := im.flushBevy(); err != nil {
			return err
		}
	}
	if im.r != nil {
		if err := im.writeMetadata(); err != nil {
			return err
		}
	}
	im.dirty = false
	return nil
}

func (im *Image) writeMetadata() error {
	if err := im.r.Set(rdfmodel.GraphPersistent, im.u, rdfmodel.PredType, rdfmodel.LitURN(rdfmodel.TypeImage)); err != nil {
		return err
	}
	if err := im.r.Set(rdfmodel.GraphPersistent, im.u, rdfmodel.PredStored, rdfmodel.LitURN(im.volumeURN)); err != nil {
		return err
	}
	if err := im.r.Set(rdfmodel.GraphPersistent, im.u, rdfmodel.PredSize, rdfmodel.LitInt(im.size)); err != nil {
		return err
	}
	if err := im.r.Set(rdfmodel.GraphPersistent, im.u, rdfmodel.PredChunkSize, rdfmodel.LitInt(int64(im.chunkSize))); err != nil {
		return err
	}
	if err := im.r.Set(rdfmodel.GraphPersistent, im.u, rdfmodel.PredChunksInSegment, rdfmodel.LitInt(int64(im.chunksPerSegment))); err != nil {
		return err
	}
	return im.r.Set(rdfmodel.GraphPersistent, im.u, rdfmodel.PredCompressionMethod, rdfmodel.LitURN(urn.URN(im.compression.URI())))
}

// Abort removes every bevy and index member this stream has flushed and
// deletes its resolver triples (spec.md §4.3).
func (im *Image) Abort() error {
	var names []string
	for i := uint64(0); i < im.bevyNumber; i++ {
		dataName := im.bevyMemberName(i)
		names = append(names, dataName, dataName+".index")
	}
	var existing []string
	for _, n := range names {
		if im.arc.Contains(n) {
			existing = append(existing, n)
		}
	}
	if len(existing) > 0 {
		if err := im.arc.RemoveMembers(existing); err != nil {
			return fmt.Errorf("bevy: aborting %s: %w", im.u, err)
		}
	}
	if im.r != nil {
		im.r.DeleteSubject(im.u)
	}
	im.dirty = false
	im.buffer = nil
	im.bevyData = nil
	im.bevyIndex = nil
	return nil
}

func (im *Image) Close() error {
	return im.cache.close()
}

// ReadAt implements the read path of spec.md §4.3: chunk lookup order is
// the decoded-chunk cache, the in-progress write buffer, the unflushed
// current bevy, then the on-disk bevy.
func (im *Image) ReadAt(p []byte, off int64) (int, error) {
	if off >= im.size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if off+n > im.size {
		n = im.size - off
	}
	var filled int64
	for filled < n {
		pos := off + filled
		chunkIdx := uint64(pos / int64(im.chunkSize))
		chunkOff := pos % int64(im.chunkSize)

		chunkBytes, err := im.getChunk(chunkIdx)
		if err != nil {
			return int(filled), err
		}
		avail := int64(len(chunkBytes)) - chunkOff
		if avail <= 0 {
			break
		}
		take := n - filled
		if take > avail {
			take = avail
		}
		copy(p[filled:filled+take], chunkBytes[chunkOff:chunkOff+take])
		filled += take
	}
	return int(filled), nil
}

func (im *Image) getChunk(idx uint64) ([]byte, error) {
	if data, ok := im.cache.get(string(im.u), idx); ok {
		return data, nil
	}

	if idx == im.chunkIdx && len(im.buffer) > 0 {
		return im.buffer, nil
	}

	bevyOfChunk := idx / uint64(im.chunksPerSegment)
	inBevyIdx := idx % uint64(im.chunksPerSegment)

	if bevyOfChunk == im.bevyNumber && int(inBevyIdx) < len(im.bevyIndex) {
		e := im.bevyIndex[inBevyIdx]
		encoded := im.bevyData[e.Offset : e.Offset+uint64(e.Length)]
		decoded, err := decodeChunkPolicy(encoded, im.compression, im.chunkSize)
		if err != nil {
			return nil, fmt.Errorf("bevy: decoding in-memory chunk %d: %w", idx, err)
		}
		im.cache.put(string(im.u), idx, decoded)
		return decoded, nil
	}

	entries, _, err := im.loadBevyIndex(bevyOfChunk)
	if err != nil {
		return nil, err
	}
	if int(inBevyIdx) >= len(entries) {
		return nil, fmt.Errorf("bevy: %w: chunk %d not present in bevy %d", aff4err.ErrDecode, idx, bevyOfChunk)
	}
	e := entries[inBevyIdx]
	dataName := im.bevyMemberName(bevyOfChunk)
	seg, err := im.arc.OpenMember(dataName)
	if err != nil {
		return nil, fmt.Errorf("bevy: opening bevy %d: %w", bevyOfChunk, err)
	}
	buf := make([]byte, e.Length)
	if _, err := seg.ReadAt(buf, int64(e.Offset)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("bevy: reading chunk %d from bevy %d: %w", idx, bevyOfChunk, err)
	}
	decoded, err := decodeChunkPolicy(buf, im.compression, im.chunkSize)
	if err != nil {
		return nil, fmt.Errorf("bevy: decoding chunk %d: %w", idx, err)
	}
	im.cache.put(string(im.u), idx, decoded)
	return decoded, nil
}

func (im *Image) loadBevyIndex(bevyNum uint64) ([]indexEntry, int64, error) {
	if entries, ok := im.parsedIndex[bevyNum]; ok {
		return entries, im.bevySize[bevyNum], nil
	}
	dataName := im.bevyMemberName(bevyNum)
	idxName := dataName + ".index"

	dataSeg, err := im.arc.OpenMember(dataName)
	if err != nil {
		return nil, 0, fmt.Errorf("bevy: opening bevy %d data: %w", bevyNum, err)
	}
	idxSeg, err := im.arc.OpenMember(idxName)
	if err != nil {
		return nil, 0, fmt.Errorf("bevy: opening bevy %d index: %w", bevyNum, err)
	}
	raw := make([]byte, idxSeg.Size())
	if len(raw) > 0 {
		if _, err := idxSeg.ReadAt(raw, 0); err != nil && err != io.EOF {
			return nil, 0, fmt.Errorf("bevy: reading bevy %d index: %w", bevyNum, err)
		}
	}
	entries, err := decodeIndex(raw, im.indexDialect, dataSeg.Size())
	if err != nil {
		return nil, 0, err
	}
	im.parsedIndex[bevyNum] = entries
	im.bevySize[bevyNum] = dataSeg.Size()
	return entries, dataSeg.Size(), nil
}
