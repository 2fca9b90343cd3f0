// Package urn implements the AFF4 URN value type: a stable, byte-exact
// identifier for every resolver subject and stream. Comparison is always
// on the serialized string form, never on a parsed/normalized one.
package urn

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// URN is an opaque AFF4 identifier, e.g. "aff4://<uuid>" or "file://...".
// It is a plain string type so that byte-exact equality is just "==".
type URN string

// New mints a fresh "aff4://<uuid>" URN, the way pyaff4's aff4.newARN()
// does for every object the resolver doesn't otherwise have a stable name
// for (bevies borrow their parent's URN instead of minting their own).
func New() URN {
	return URN("aff4://" + uuid.New().String())
}

// NewWithRand mints a URN using the supplied random source, used by tests
// that need deterministic container layouts.
func NewWithRand(r func([]byte) (int, error)) URN {
	var buf [16]byte
	if r == nil {
		r = rand.Read
	}
	_, _ = r(buf[:])
	id, err := uuid.FromBytes(buf[:])
	if err != nil {
		return New()
	}
	return URN("aff4://" + id.String())
}

// Append concatenates a path fragment onto this URN with a "/" separator,
// the way pyaff4's URN.Append() builds bevy and segment names
// ("<urn>/<NNNNNNNN>", "<urn>/map", "<urn>/idx") from a stream's base URN.
func (u URN) Append(fragment string) URN {
	base := strings.TrimRight(string(u), "/")
	return URN(base + "/" + strings.TrimLeft(fragment, "/"))
}

// String implements fmt.Stringer.
func (u URN) String() string {
	return string(u)
}

// Scheme returns the URN's scheme ("aff4", "file", ...), or "" if the URN
// has none (a bare relative path fragment).
func (u URN) Scheme() string {
	s := string(u)
	if idx := strings.Index(s, "://"); idx >= 0 {
		return s[:idx]
	}
	if idx := strings.Index(s, ":"); idx >= 0 && !strings.Contains(s[:idx], "/") {
		return s[:idx]
	}
	return ""
}

// ByteRange holds the parsed form of a byte-range-reference URN:
// "<target>[0x<offset>:0x<length>]".
type ByteRange struct {
	Target URN
	Offset int64
	Length int64
}

// IsByteRange reports whether u is a byte-range-reference URN.
func IsByteRange(u URN) bool {
	_, ok := ParseByteRange(u)
	return ok
}

// ParseByteRange decomposes a byte-range-reference URN into its target,
// offset and length. Hex fields are case-insensitive, matching spec.md
// §6's "<urn>[0x<hex-offset>:0x<hex-length>]" syntax.
func ParseByteRange(u URN) (ByteRange, bool) {
	s := string(u)
	if !strings.HasSuffix(s, "]") {
		return ByteRange{}, false
	}
	open := strings.LastIndex(s, "[")
	if open < 0 {
		return ByteRange{}, false
	}
	target := s[:open]
	body := s[open+1 : len(s)-1]
	parts := strings.SplitN(body, ":", 2)
	if len(parts) != 2 {
		return ByteRange{}, false
	}
	offset, err := parseHex(parts[0])
	if err != nil {
		return ByteRange{}, false
	}
	length, err := parseHex(parts[1])
	if err != nil {
		return ByteRange{}, false
	}
	return ByteRange{Target: URN(target), Offset: offset, Length: length}, true
}

func parseHex(s string) (int64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseInt(s, 16, 64)
}

// NewByteRange formats a byte-range-reference URN.
func NewByteRange(target URN, offset, length int64) URN {
	return URN(fmt.Sprintf("%s[0x%x:0x%x]", target, offset, length))
}

// HashURNPrefix identifies a content-addressed hash URN.
const HashURNPrefix = "aff4:sha512:"

// NewHashURN builds a "aff4:sha512:<base64url-digest>" URN from a raw
// SHA-512 digest, the form the block-store dedup writer indexes by.
func NewHashURN(digest []byte) URN {
	return URN(HashURNPrefix + base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(digest))
}

// IsHashURN reports whether u is a sha512 content-hash URN.
func IsHashURN(u URN) bool {
	return strings.HasPrefix(string(u), HashURNPrefix)
}

// Digest recovers the raw SHA-512 digest encoded in a hash URN.
func (u URN) Digest() ([]byte, bool) {
	if !IsHashURN(u) {
		return nil, false
	}
	enc := strings.TrimPrefix(string(u), HashURNPrefix)
	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(enc)
	if err != nil {
		return nil, false
	}
	return data, true
}
