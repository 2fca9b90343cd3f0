package archive

import (
	"fmt"
	"strings"

	"github.com/aff4/aff4container/internal/urn"
)

// Dialect selects the URN<->archive-member-name escaping rules a
// container was (or will be) written with. Grounded on pyaff4/escaping.py
// and spec.md §6.
type Dialect int

const (
	// DialectV10 percent-encodes every character outside a printable
	// ASCII allow-set, and keeps a leading "aff4://" escaped verbatim.
	DialectV10 Dialect = iota
	// DialectV11 uses a Unicode path; spaces are written literally.
	DialectV11
)

// printablesExcluded are the characters pyaff4 removes from its allow-set:
// `!$\:*%?"<>|]`
const printablesExcluded = "!$\\:*%?\"<>|]"

func isPrintableAllowed(r rune) bool {
	if r < 0x20 || r > 0x7e {
		return false
	}
	return !strings.ContainsRune(printablesExcluded, r)
}

// MemberNameForURN converts a stream URN into the archive member name it
// is (or will be) stored under, relative to volumeURN.
func MemberNameForURN(memberURN, volumeURN urn.URN, dialect Dialect) string {
	name := relativePath(memberURN, volumeURN)

	switch dialect {
	case DialectV10:
		if strings.HasPrefix(name, "aff4://") {
			return strings.Replace(name, "aff4://", "aff4%3A%2F%2F", 1)
		}
		var b strings.Builder
		for _, r := range name {
			if isPrintableAllowed(r) {
				b.WriteRune(r)
			} else {
				fmt.Fprintf(&b, "%%%02x", r)
			}
		}
		return b.String()
	case DialectV11:
		return strings.ReplaceAll(name, "%20", " ")
	default:
		return name
	}
}

// relativePath strips a shared volume-URN prefix (and any leading slash),
// falling back to the member's own serialization when unrelated.
func relativePath(member, base urn.URN) string {
	m, b := string(member), string(base)
	if strings.HasPrefix(m, b) {
		rest := strings.TrimPrefix(m, b)
		rest = strings.TrimPrefix(rest, "/")
		if rest != "" {
			return rest
		}
	}
	return strings.TrimPrefix(m, "/")
}

// URNFromMemberName recovers the URN a member name denotes, the inverse of
// MemberNameForURN.
func URNFromMemberName(member string, volumeURN urn.URN, dialect Dialect) urn.URN {
	switch dialect {
	case DialectV10:
		member = unescapePercent(member)
	case DialectV11:
		member = strings.ReplaceAll(member, " ", "%20")
	}

	if strings.HasPrefix(member, "aff4://") || strings.HasPrefix(member, "aff4%3A%2F%2F") {
		member = strings.Replace(member, "aff4%3A%2F%2F", "aff4://", 1)
		return urn.URN(member)
	}
	return volumeURN.Append(member)
}

func unescapePercent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			var v int
			if _, err := fmt.Sscanf(s[i+1:i+3], "%02x", &v); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// forbiddenPathChars mirrors escaping.py's FORBIDDEN set: <>\^`{|}
const forbiddenPathChars = "<>\\^`{|}"

// ARNPathFragmentFromPath escapes a filesystem path into a URN path
// fragment, following pyaff4/escaping.py's arnPathFragment_from_path:
// backslashes become "/", spaces become "%20", control bytes and the
// forbidden set are percent-encoded, "\\host\share" becomes "host/share",
// a leading "\\." is preserved as "./", and rooted paths keep their
// leading "/".
func ARNPathFragmentFromPath(path string) string {
	if path == "" {
		return path
	}
	trimmed := path
	if trimmed[0] == '.' {
		if len(trimmed) > 1 && trimmed[1] == '.' {
			trimmed = trimmed[2:]
		} else {
			trimmed = trimmed[1:]
		}
	}

	prefix := ""
	if strings.HasPrefix(trimmed, `\\.`) {
		prefix = "."
		trimmed = trimmed[3:]
	}

	var b strings.Builder
	b.WriteString(prefix)
	for _, c := range trimmed {
		switch {
		case c >= 0 && c <= 0x1f:
			fmt.Fprintf(&b, "%%%02x", c)
		case c == '\\':
			b.WriteByte('/')
		case c == ' ':
			b.WriteString("%20")
		case c == '%':
			b.WriteString("%25")
		case strings.ContainsRune(forbiddenPathChars, c):
			fmt.Fprintf(&b, "%%%02x", c)
		default:
			b.WriteRune(c)
		}
	}

	out := b.String()
	if out == "" {
		return out
	}
	if out[0] == '/' {
		if len(out) > 1 && out[1] == '/' {
			// UNC path: drop the leading "//".
			return out[2:]
		}
		return out
	}
	if out[0] == '.' {
		return out
	}
	return "/" + out
}
