package container

import (
	"strconv"
	"strings"

	"github.com/aff4/aff4container/internal/aff4err"
	"github.com/aff4/aff4container/internal/archive"
)

// DetectDialect inspects a.'s version.txt to pick the escaping dialect
// (`major=<n>\nminor=<n>\n...`, minor=0 is V10, minor=1 is V11). When
// version.txt is absent — a pre-standard container — it falls back to
// sniffing member names for percent-escaped scheme separators
// ("aff4%3A%2F%2F"), the signature of V10 escaping; absent any signal it
// defaults to V11, the dialect this implementation itself writes.
func DetectDialect(a *archive.Archive) (archive.Dialect, error) {
	if a.Contains(archive.MemberVersion) {
		raw, err := a.ReadMemberBytes(archive.MemberVersion)
		if err != nil {
			return 0, err
		}
		minor, ok := parseVersionMinor(string(raw))
		if !ok {
			return 0, aff4err.ErrUnsupportedDialect
		}
		if minor == 0 {
			return archive.DialectV10, nil
		}
		return archive.DialectV11, nil
	}

	for _, name := range a.MemberNames() {
		if strings.Contains(name, "%3A%2F%2F") || strings.Contains(name, "%3a%2f%2f") {
			return archive.DialectV10, nil
		}
	}
	return archive.DialectV11, nil
}

func parseVersionMinor(text string) (int, bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "minor=") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(line, "minor="))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
