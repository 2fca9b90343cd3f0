package bevy

import (
	"encoding/binary"
	"fmt"

	"github.com/aff4/aff4container/internal/aff4err"
)

// IndexDialect selects the wire format of a bevy's `.index` member. A
// stream's dialect is fixed by its registered AFF4_TYPE at construction
// time, never sniffed from the index bytes themselves (spec.md §9's
// dialect-per-container-type design) — this implementation only ever
// writes IndexStandard; the other two are decode-only, grounded on
// pyaff4/aff4_image.py's AFF4Image/AFF4PreSImage/AFF4SImage split.
type IndexDialect int

const (
	// IndexStandard: (uint64 offset, uint32 length) little-endian pairs.
	IndexStandard IndexDialect = iota
	// IndexPreStandardEvimetry: 1-based uint32 offsets.
	IndexPreStandardEvimetry
	// IndexPreStandardScudette: 0-based uint32 offsets.
	IndexPreStandardScudette
)

// indexEntry is one (offset, length) pair into a bevy's raw data member.
type indexEntry struct {
	Offset uint64
	Length uint32
}

// encodeIndexStandard serializes entries in the standard dialect, the only
// one this package writes.
func encodeIndexStandard(entries []indexEntry) []byte {
	out := make([]byte, 0, len(entries)*12)
	var tmp [12]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint64(tmp[0:8], e.Offset)
		binary.LittleEndian.PutUint32(tmp[8:12], e.Length)
		out = append(out, tmp[:]...)
	}
	return out
}

// decodeIndex parses a `.index` member according to dialect. bevySize is
// the total size of the matching data member, needed to infer the final
// chunk's length in the pre-standard dialects (they record offsets only).
func decodeIndex(raw []byte, dialect IndexDialect, bevySize int64) ([]indexEntry, error) {
	switch dialect {
	case IndexStandard:
		return decodeIndexStandard(raw)
	case IndexPreStandardEvimetry, IndexPreStandardScudette:
		return decodeIndexPreStandard(raw, dialect, bevySize)
	default:
		return nil, fmt.Errorf("bevy: %w: unknown index dialect %d", aff4err.ErrUnsupportedDialect, dialect)
	}
}

func decodeIndexStandard(raw []byte) ([]indexEntry, error) {
	if len(raw)%12 != 0 {
		return nil, fmt.Errorf("bevy: %w: standard index length %d not a multiple of 12", aff4err.ErrDecode, len(raw))
	}
	n := len(raw) / 12
	out := make([]indexEntry, n)
	for i := 0; i < n; i++ {
		base := i * 12
		out[i] = indexEntry{
			Offset: binary.LittleEndian.Uint64(raw[base : base+8]),
			Length: binary.LittleEndian.Uint32(raw[base+8 : base+12]),
		}
	}
	return out, nil
}

// decodeIndexPreStandard parses the legacy uint32-offset-array index.
// Evimetry's offsets are 1-based cumulative END offsets of each chunk;
// Scudette's are 0-based START offsets of each chunk (last chunk's length
// inferred from bevySize).
func decodeIndexPreStandard(raw []byte, dialect IndexDialect, bevySize int64) ([]indexEntry, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("bevy: %w: pre-standard index length %d not a multiple of 4", aff4err.ErrDecode, len(raw))
	}
	n := len(raw) / 4
	vals := make([]uint64, n)
	for i := 0; i < n; i++ {
		vals[i] = uint64(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
	}

	out := make([]indexEntry, n)
	switch dialect {
	case IndexPreStandardEvimetry:
		start := uint64(0)
		for i := 0; i < n; i++ {
			end := vals[i]
			if end < start {
				return nil, fmt.Errorf("bevy: %w: evimetry index entry %d end %d before start %d", aff4err.ErrDecode, i, end, start)
			}
			out[i] = indexEntry{Offset: start, Length: uint32(end - start)}
			start = end
		}
	case IndexPreStandardScudette:
		for i := 0; i < n; i++ {
			start := vals[i]
			var end uint64
			if i+1 < n {
				end = vals[i+1]
			} else {
				end = uint64(bevySize)
			}
			if end < start {
				return nil, fmt.Errorf("bevy: %w: scudette index entry %d end %d before start %d", aff4err.ErrDecode, i, end, start)
			}
			out[i] = indexEntry{Offset: start, Length: uint32(end - start)}
		}
	}
	return out, nil
}
