package archive

import (
	"path/filepath"
	"testing"

	"github.com/aff4/aff4container/internal/urn"
	"github.com/stretchr/testify/require"
)

func TestCreateWriteFlushReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.aff4")
	vol := urn.New()

	a, err := Create(path, vol, DialectV11, nil)
	require.NoError(t, err)
	require.NoError(t, a.WriteMember("a.txt", []byte("hello"), true))
	require.NoError(t, a.Flush())

	seg, err := a.OpenMember("a.txt")
	require.NoError(t, err)
	require.Equal(t, int64(5), seg.Size())
	buf := make([]byte, 5)
	n, err := seg.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.NoError(t, a.Close())
}

func TestAppendToExistingPreservesPriorMembers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.aff4")
	vol := urn.New()

	a, err := Create(path, vol, DialectV11, nil)
	require.NoError(t, err)
	require.NoError(t, a.WriteMember("a.txt", []byte("hello"), true))
	require.NoError(t, a.Close())

	a2, err := Open(path, nil)
	require.NoError(t, err)
	require.Equal(t, vol, a2.VolumeURN())
	require.True(t, a2.Contains("a.txt"))
	require.NoError(t, a2.WriteMember("b.txt", []byte("hello2"), true))
	require.NoError(t, a2.Close())

	a3, err := Open(path, nil)
	require.NoError(t, err)
	for name, want := range map[string]string{"a.txt": "hello", "b.txt": "hello2"} {
		seg, err := a3.OpenMember(name)
		require.NoError(t, err)
		buf := make([]byte, seg.Size())
		_, err = seg.ReadAt(buf, 0)
		require.NoError(t, err)
		require.Equal(t, want, string(buf))
	}
	require.NoError(t, a3.Close())
}

func TestRemoveMembersCleansUpArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.aff4")
	vol := urn.New()

	a, err := Create(path, vol, DialectV11, nil)
	require.NoError(t, err)
	require.NoError(t, a.WriteMember("urn-00000000", []byte("xxx"), true))
	require.NoError(t, a.WriteMember("urn-00000000.index", []byte("idx"), true))
	require.NoError(t, a.Flush())
	require.True(t, a.Contains("urn-00000000"))

	require.NoError(t, a.RemoveMembers([]string{"urn-00000000", "urn-00000000.index"}))
	require.False(t, a.Contains("urn-00000000"))
	require.False(t, a.Contains("urn-00000000.index"))
	require.True(t, a.Contains(MemberDescription))
	require.NoError(t, a.Close())

	a2, err := Open(path, nil)
	require.NoError(t, err)
	require.False(t, a2.Contains("urn-00000000"))
	require.NoError(t, a2.Close())
}

func TestWriteAtOverwritesStoredMemberInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.aff4")
	vol := urn.New()

	a, err := Create(path, vol, DialectV11, nil)
	require.NoError(t, err)
	require.NoError(t, a.WriteMember("a.txt", []byte("aaaaa"), true))
	require.NoError(t, a.Flush())

	seg, err := a.OpenMember("a.txt")
	require.NoError(t, err)
	n, err := seg.WriteAt([]byte("b"), 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	buf := make([]byte, 5)
	_, err = seg.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "baaaa", string(buf))
	require.NoError(t, a.Close())
}
