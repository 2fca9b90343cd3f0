package bevy

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/aff4/aff4container/internal/aff4err"
	"github.com/aff4/aff4container/internal/rdfmodel"
	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// Method is the per-image compression algorithm, one of the four spec.md
// §3 recognizes for an image stream.
type Method int

const (
	MethodStored Method = iota
	MethodZlib
	MethodSnappy
	MethodLZ4
)

// URI returns the compression method's AFF4 predicate value.
func (m Method) URI() string {
	switch m {
	case MethodZlib:
		return rdfmodel.CompressionZlib
	case MethodSnappy:
		return rdfmodel.CompressionSnappy
	case MethodLZ4:
		return rdfmodel.CompressionLZ4
	default:
		return rdfmodel.CompressionStored
	}
}

// MethodFromURI parses a compressionMethod predicate value.
func MethodFromURI(uri string) (Method, error) {
	switch uri {
	case rdfmodel.CompressionZlib:
		return MethodZlib, nil
	case rdfmodel.CompressionSnappy:
		return MethodSnappy, nil
	case rdfmodel.CompressionLZ4:
		return MethodLZ4, nil
	case rdfmodel.CompressionStored, "":
		return MethodStored, nil
	default:
		return 0, fmt.Errorf("bevy: %w: unknown compression method %s", aff4err.ErrUnsupportedDialect, uri)
	}
}

func compressChunk(raw []byte, m Method) ([]byte, error) {
	switch m {
	case MethodStored:
		return raw, nil
	case MethodZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case MethodSnappy:
		return snappy.Encode(nil, raw), nil
	case MethodLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("bevy: unsupported compression method %d", m)
	}
}

func decompressChunk(encoded []byte, m Method) ([]byte, error) {
	switch m {
	case MethodStored:
		return encoded, nil
	case MethodZlib:
		r, err := zlib.NewReader(bytes.NewReader(encoded))
		if err != nil {
			return nil, fmt.Errorf("bevy: %w: %v", aff4err.ErrDecode, err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("bevy: %w: %v", aff4err.ErrDecode, err)
		}
		return out, nil
	case MethodSnappy:
		out, err := snappy.Decode(nil, encoded)
		if err != nil {
			return nil, fmt.Errorf("bevy: %w: %v", aff4err.ErrDecode, err)
		}
		return out, nil
	case MethodLZ4:
		r := lz4.NewReader(bytes.NewReader(encoded))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("bevy: %w: %v", aff4err.ErrDecode, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("bevy: unsupported compression method %d", m)
	}
}

// encodeChunkPolicy applies spec.md §4.3's compression policy: store the
// compressed form if it is strictly smaller than chunkSize-16 (leaving an
// unambiguous length gap from the raw/padded form), otherwise store the
// chunk raw (already chunkSize bytes, the caller is responsible for
// zero-padding a short final chunk before calling this).
func encodeChunkPolicy(raw []byte, m Method, chunkSize int) (encoded []byte, wasRaw bool, err error) {
	if m == MethodStored {
		return raw, true, nil
	}
	compressed, err := compressChunk(raw, m)
	if err != nil {
		return nil, false, err
	}
	if len(compressed) < chunkSize-16 {
		return compressed, false, nil
	}
	return raw, true, nil
}

// decodeChunkPolicy reverses encodeChunkPolicy: a chunk whose encoded
// length equals chunkSize is the unambiguous "stored raw" signal and skips
// decompression regardless of the stream's configured method (spec.md §9
// ambiguity note (b): the decoder must tolerate the raw encoding even when
// a compressed form happens to collide with the same length).
func decodeChunkPolicy(encoded []byte, m Method, chunkSize int) ([]byte, error) {
	if len(encoded) == chunkSize {
		return encoded, nil
	}
	return decompressChunk(encoded, m)
}
