// Package rdfmodel defines the resolver's data model: quads, typed literals,
// and the distinguished graph names. It has no persistence or parsing logic
// of its own — internal/turtle reads and writes this model, internal/resolver
// stores it.
package rdfmodel

import (
	"fmt"
	"time"

	"github.com/aff4/aff4container/internal/urn"
)

// Graph names a quad's partition. Most facts live in GraphPersistent;
// GraphTransient holds process-local facts (open mode, storage binding)
// that dump_turtle must never serialize.
type Graph string

const (
	// GraphPersistent holds facts that round-trip through information.turtle.
	GraphPersistent Graph = "aff4://graph/persistent"
	// GraphTransient holds facts scoped to the current process only.
	GraphTransient Graph = "aff4://graph/transient"
	// GraphAny is not a real partition: passing it to a query unions
	// GraphTransient and GraphPersistent.
	GraphAny Graph = "aff4://graph/any"
)

// LiteralKind tags the concrete type held in a Literal.
type LiteralKind int

const (
	KindURN LiteralKind = iota
	KindInt
	KindString
	KindDateTime
	KindBytes
	KindHash
)

// Literal is a typed RDF object value: one of a URN reference, an integer,
// a string, a timestamp, raw bytes, or a hash digest. Exactly one of the
// fields matching Kind is meaningful; the rest are zero.
type Literal struct {
	Kind     LiteralKind
	URN      urn.URN
	Int      int64
	Str      string
	Time     time.Time
	Bytes    []byte
	HashAlgo string // e.g. "SHA512", only set when Kind == KindHash
}

// LitURN wraps a URN as an object value.
func LitURN(u urn.URN) Literal { return Literal{Kind: KindURN, URN: u} }

// LitInt wraps an integer as an object value.
func LitInt(v int64) Literal { return Literal{Kind: KindInt, Int: v} }

// LitString wraps a string as an object value.
func LitString(v string) Literal { return Literal{Kind: KindString, Str: v} }

// LitDateTime wraps a timestamp as an object value.
func LitDateTime(t time.Time) Literal { return Literal{Kind: KindDateTime, Time: t} }

// LitBytes wraps raw bytes as an object value.
func LitBytes(b []byte) Literal { return Literal{Kind: KindBytes, Bytes: b} }

// LitHash wraps a digest plus its algorithm name as an object value.
func LitHash(algo string, digest []byte) Literal {
	return Literal{Kind: KindHash, HashAlgo: algo, Bytes: digest}
}

// Equal reports value equality, the comparison the resolver uses to
// suppress duplicate Add calls.
func (l Literal) Equal(other Literal) bool {
	if l.Kind != other.Kind {
		return false
	}
	switch l.Kind {
	case KindURN:
		return l.URN == other.URN
	case KindInt:
		return l.Int == other.Int
	case KindString:
		return l.Str == other.Str
	case KindDateTime:
		return l.Time.Equal(other.Time)
	case KindBytes:
		return string(l.Bytes) == string(other.Bytes)
	case KindHash:
		return l.HashAlgo == other.HashAlgo && string(l.Bytes) == string(other.Bytes)
	default:
		return false
	}
}

// String renders a Literal for logging and Turtle serialization.
func (l Literal) String() string {
	switch l.Kind {
	case KindURN:
		return string(l.URN)
	case KindInt:
		return fmt.Sprintf("%d", l.Int)
	case KindString:
		return l.Str
	case KindDateTime:
		return l.Time.Format(time.RFC3339Nano)
	case KindBytes:
		return fmt.Sprintf("%x", l.Bytes)
	case KindHash:
		return fmt.Sprintf("%s:%x", l.HashAlgo, l.Bytes)
	default:
		return ""
	}
}

// Quad is one (graph, subject, predicate, object) fact.
type Quad struct {
	Graph     Graph
	Subject   urn.URN
	Predicate string
	Object    Literal
}

// AFF4 base namespace and the predicates spec.md §6 names.
const (
	NS = "http://aff4.org/Schema#"

	PredType              = "rdf:type"
	PredStored            = NS + "stored"
	PredContains          = NS + "contains"
	PredDataStream        = NS + "dataStream"
	PredCollidingDataSt   = NS + "collidingDataStream"
	PredChunkSize         = NS + "chunkSize"
	PredChunksInSegment   = NS + "chunksInSegment"
	PredSize              = NS + "size"
	PredCompressionMethod = NS + "compressionMethod"
	PredHash              = NS + "hash"
	PredBlockMapHash      = NS + "blockMapHash"
	PredBlockHashesHash   = NS + "blockHashesHash"
	PredOriginalFileName  = NS + "originalFileName"
	PredLastWritten       = NS + "lastWritten"
	PredLastAccessed      = NS + "lastAccessed"
	PredRecordChanged     = NS + "recordChanged"
	PredBirthTime         = NS + "birthTime"
	PredKeyBag            = NS + "keyBag"
	PredWrappedKey        = NS + "wrappedKey"
	PredSalt              = NS + "salt"
	PredIterations        = NS + "iterations"
	PredKeySizeInBytes    = NS + "keySizeInBytes"
	PredX509SubjectName   = NS + "x509SubjectName"
	PredSerialNumber      = NS + "serialNumber"
	PredKMIPKeyID         = NS + "kmipKeyID"
	PredKMIPKeyVersion    = NS + "kmipKeyVersion"
	PredKMIPProvider      = NS + "kmipProvider"
)

// AFF4_TYPE object values (registered handler types, §4.2).
const (
	TypeZipVolume       = NS + "ZipVolume"
	TypeZipSegment      = NS + "ZipSegment"
	TypeImage           = NS + "Image"
	TypeMap             = NS + "Map"
	TypeEncryptedStream = NS + "EncryptedStream"
	TypeDirectory       = NS + "DirectoryVolume"
	TypeFile            = NS + "FileImage"
	TypeKeyBagPassword  = NS + "PasswordWrappedKeyBag"
	TypeKeyBagCertEnc   = NS + "CertEncryptedKeyBag"
	TypeKeyBagKMIP      = NS + "KMIPWrappedKeyBag"
)

// Compression method URIs (spec.md §6).
const (
	CompressionStored = NS + "compression/stored"
	CompressionZlib   = "https://www.ietf.org/rfc/rfc1950.txt"
	CompressionSnappy = "https://code.google.com/p/snappy/"
	CompressionLZ4    = "https://code.google.com/p/lz4/"
)
