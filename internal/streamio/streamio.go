// Package streamio defines the common capability interface every AFF4
// stream kind implements (file-backed, archive-segment, image, map,
// encrypted, byte-range, symbolic — spec.md §9's tagged-variant design),
// plus the symbolic streams the factory can construct without touching
// the archive at all.
package streamio

import (
	"io"
	"strconv"

	"github.com/aff4/aff4container/internal/urn"
)

// Stream is the capability interface spec.md §9 asks every stream variant
// to share: size, positioned read/write, and the three lifecycle verbs the
// resolver's object cache drives (Flush, Abort, Close).
type Stream interface {
	URN() urn.URN
	Size() int64
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Writable() bool
	Dirty() bool
	Flush() error
	Abort() error
	Close() error
}

// ReadAllAt reads the full contents of s from offset 0, the round-trip
// check spec.md §8 property 1 exercises.
func ReadAllAt(s Stream) ([]byte, error) {
	size := s.Size()
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	n, err := s.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// symbolicKind distinguishes the recognized symbolic-stream URN schemes.
type symbolicKind int

const (
	symbolicZero symbolicKind = iota
	symbolicConstant
	symbolicUnknown
)

// SymbolicStream is a read-only, infinitely-sized stream synthesized from
// its own URN rather than backed by archive storage: "aff4:zero" (all
// zero bytes), "aff4:symbolic/<hex-byte>" (one repeated byte), or
// "aff4:symbolic/unknown" (unresolvable regions, filled with 'U' 0x55 the
// way pyaff4's Unknown stream does). The factory recognizes these schemes
// ahead of any AFF4_TYPE lookup (spec.md §4.2 step 1).
type SymbolicStream struct {
	name string
	fill byte
}

// ZeroStreamURN and UnknownStreamURN are the well-known symbolic URNs.
const (
	ZeroStreamURN    urn.URN = "aff4:zero"
	UnknownStreamURN urn.URN = "aff4:symbolic/unknown"
)

// NewSymbolicStream constructs the symbolic stream for u, or returns
// ok=false if u does not name a recognized symbolic scheme.
func NewSymbolicStream(u urn.URN) (*SymbolicStream, bool) {
	switch {
	case u == ZeroStreamURN:
		return &SymbolicStream{name: string(u), fill: 0}, true
	case u == UnknownStreamURN:
		return &SymbolicStream{name: string(u), fill: 0x55}, true
	case len(u) == len("aff4:symbolic/")+2 && u[:len("aff4:symbolic/")] == "aff4:symbolic/":
		v, err := strconv.ParseUint(string(u[len("aff4:symbolic/"):]), 16, 8)
		if err != nil {
			return nil, false
		}
		return &SymbolicStream{name: string(u), fill: byte(v)}, true
	default:
		return nil, false
	}
}

type ioErr string

func (e ioErr) Error() string { return string(e) }

func (s *SymbolicStream) URN() urn.URN { return urn.URN(s.name) }

// Size reports a symbolic stream as unbounded; callers always read a
// caller-chosen span rather than the whole stream.
func (s *SymbolicStream) Size() int64 { return 1<<62 - 1 }

func (s *SymbolicStream) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = s.fill
	}
	return len(p), nil
}

func (s *SymbolicStream) WriteAt(p []byte, off int64) (int, error) {
	return 0, ErrReadOnly
}

func (s *SymbolicStream) Writable() bool { return false }
func (s *SymbolicStream) Dirty() bool    { return false }
func (s *SymbolicStream) Flush() error   { return nil }
func (s *SymbolicStream) Abort() error   { return nil }
func (s *SymbolicStream) Close() error   { return nil }

// ErrReadOnly is returned by WriteAt on a stream that never accepts writes.
var ErrReadOnly = ioErr("streamio: stream is read-only")
