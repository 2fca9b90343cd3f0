package streamio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSymbolicStreamZero(t *testing.T) {
	s, ok := NewSymbolicStream(ZeroStreamURN)
	require.True(t, ok)
	buf := make([]byte, 16)
	n, err := s.ReadAt(buf, 100)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
	require.False(t, s.Writable())
	_, err = s.WriteAt(buf, 0)
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestSymbolicStreamConstant(t *testing.T) {
	s, ok := NewSymbolicStream("aff4:symbolic/ff")
	require.True(t, ok)
	buf := make([]byte, 4)
	_, _ = s.ReadAt(buf, 0)
	for _, b := range buf {
		require.Equal(t, byte(0xff), b)
	}
}

func TestSymbolicStreamUnrecognized(t *testing.T) {
	_, ok := NewSymbolicStream("aff4://some-regular-object")
	require.False(t, ok)
}
