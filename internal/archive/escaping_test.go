package archive

import (
	"testing"

	"github.com/aff4/aff4container/internal/urn"
	"github.com/stretchr/testify/require"
)

func TestMemberNameForURNV10StripsVolumePrefix(t *testing.T) {
	vol := urn.URN("aff4://volume-1")
	member := urn.URN("aff4://volume-1/a.txt")
	name := MemberNameForURN(member, vol, DialectV10)
	require.Equal(t, "a.txt", name)
}

func TestMemberNameForURNV10AbsoluteURN(t *testing.T) {
	vol := urn.URN("aff4://volume-1")
	other := urn.URN("aff4://some-other-object")
	name := MemberNameForURN(other, vol, DialectV10)
	require.Contains(t, name, "aff4%3A%2F%2F")
}

func TestMemberNameForURNV11KeepsSpaces(t *testing.T) {
	vol := urn.URN("aff4://volume-1")
	member := urn.URN("aff4://volume-1/a%20b.txt")
	name := MemberNameForURN(member, vol, DialectV11)
	require.Equal(t, "a b.txt", name)
}

func TestURNFromMemberNameRoundTrip(t *testing.T) {
	vol := urn.URN("aff4://volume-1")
	member := urn.URN("aff4://volume-1/a.txt")
	name := MemberNameForURN(member, vol, DialectV10)
	back := URNFromMemberName(name, vol, DialectV10)
	require.Equal(t, member, back)
}

func TestARNPathFragmentFromPath(t *testing.T) {
	require.Equal(t, "host/share", ARNPathFragmentFromPath(`\\host\share`))
	require.Equal(t, "/a/b%20c", ARNPathFragmentFromPath(`/a/b c`))
}
