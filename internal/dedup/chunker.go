package dedup

import "github.com/cespare/xxhash/v2"

// Geometry constants for Rabin-Karp content-defined chunking (spec.md
// §4.6): a 48-byte sliding window, an average target chunk size of 4096
// bytes, and a 32 KiB cap so a run of bytes that never produces a boundary
// still gets cut.
const (
	WindowSize     = 48
	TargetSize     = 4096
	MaxChunkSize   = 32768
	targetSizeMask = TargetSize - 1
)

// Chunk is one content slice of a logical file, at a known file offset.
type Chunk struct {
	Offset int64
	Data   []byte
}

// ChunkFixed splits data into chunkSize-byte chunks (the default the
// image stream itself uses when content-defined chunking is not
// requested).
func ChunkFixed(data []byte, chunkSize int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = TargetSize
	}
	var chunks []Chunk
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, Chunk{Offset: int64(off), Data: data[off:end]})
	}
	return chunks
}

// ChunkRabinKarp splits data into content-defined chunks: a boundary falls
// after byte i when the xxhash of the trailing WindowSize-byte window
// ending at i has its low bits (log2(TargetSize)) all zero, giving an
// average chunk size of TargetSize bytes. No boundary candidate ever
// yields a chunk larger than MaxChunkSize.
func ChunkRabinKarp(data []byte) []Chunk {
	if len(data) == 0 {
		return nil
	}
	var chunks []Chunk
	start := 0
	for i := 0; i < len(data); i++ {
		chunkLen := i - start + 1
		atWindowEnd := i+1 >= WindowSize
		boundary := false
		if atWindowEnd {
			window := data[i+1-WindowSize : i+1]
			h := xxhash.Sum64(window)
			if h&targetSizeMask == 0 {
				boundary = true
			}
		}
		if chunkLen >= MaxChunkSize {
			boundary = true
		}
		if boundary && chunkLen > 0 {
			chunks = append(chunks, Chunk{Offset: int64(start), Data: data[start : i+1]})
			start = i + 1
		}
	}
	if start < len(data) {
		chunks = append(chunks, Chunk{Offset: int64(start), Data: data[start:]})
	}
	return chunks
}
