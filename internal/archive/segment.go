package archive

import (
	"fmt"
	"io"

	"archive/zip"

	"github.com/aff4/aff4container/internal/aff4err"
	"github.com/aff4/aff4container/internal/urn"
)

// SegmentStream is a byte-stream view of one already-flushed archive
// member (spec.md §4.7's ArchiveSegmentStream). Stored (uncompressed)
// members are read and written directly against the backing file at their
// data offset; deflated members are read via a one-shot decompress into
// memory and never support writes.
type SegmentStream struct {
	archive *Archive
	zf      *zip.File
	name    string
	stored  bool

	dataOffset int64 // valid only when stored

	decoded []byte // populated lazily for deflated members
}

func newSegmentStream(a *Archive, zf *zip.File) (*SegmentStream, error) {
	s := &SegmentStream{archive: a, zf: zf, name: zf.Name, stored: zf.Method == zip.Store}
	if s.stored {
		off, err := zf.DataOffset()
		if err != nil {
			return nil, fmt.Errorf("archive: %w: %v", aff4err.ErrMalformedArchive, err)
		}
		s.dataOffset = off
	}
	return s, nil
}

func (s *SegmentStream) URN() urn.URN { return urn.URN(s.name) }
func (s *SegmentStream) Size() int64  { return int64(s.zf.UncompressedSize64) }

func (s *SegmentStream) ensureDecoded() error {
	if s.decoded != nil || s.stored {
		return nil
	}
	rc, err := s.zf.Open()
	if err != nil {
		return fmt.Errorf("archive: opening member %s: %w", s.name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("archive: reading member %s: %w", s.name, err)
	}
	s.decoded = data
	return nil
}

func (s *SegmentStream) ReadAt(p []byte, off int64) (int, error) {
	size := s.Size()
	if off >= size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if off+n > size {
		n = size - off
	}
	if s.stored {
		read, err := s.archive.f.ReadAt(p[:n], s.dataOffset+off)
		return read, err
	}
	if err := s.ensureDecoded(); err != nil {
		return 0, err
	}
	return copy(p[:n], s.decoded[off:]), nil
}

// WriteAt overwrites bytes of an already-flushed STORED member in place.
// It cannot extend the member past its recorded size (that would require
// shifting every subsequent member) and never recomputes the member's
// CRC-32 — callers that need byte-exact verification after an in-place
// patch should prefer remove-and-recreate instead.
func (s *SegmentStream) WriteAt(p []byte, off int64) (int, error) {
	if !s.stored {
		return 0, fmt.Errorf("archive: %w: deflated member %s is not writable in place", aff4err.ErrInvalidState, s.name)
	}
	if off+int64(len(p)) > s.Size() {
		return 0, fmt.Errorf("archive: %w: write would extend member %s past its flushed size", aff4err.ErrInvalidState, s.name)
	}
	return s.archive.f.WriteAt(p, s.dataOffset+off)
}

func (s *SegmentStream) Writable() bool { return s.stored }
func (s *SegmentStream) Dirty() bool    { return false }
func (s *SegmentStream) Flush() error   { return nil }
func (s *SegmentStream) Abort() error   { return nil }
func (s *SegmentStream) Close() error   { return nil }
