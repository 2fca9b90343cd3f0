package rdfmodel

import (
	"testing"
	"time"

	"github.com/aff4/aff4container/internal/urn"
	"github.com/stretchr/testify/require"
)

func TestLiteralEqual(t *testing.T) {
	a := LitInt(5)
	b := LitInt(5)
	c := LitInt(6)
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))

	u := urn.URN("aff4://fixed")
	require.True(t, LitURN(u).Equal(LitURN(u)))
	require.False(t, LitURN(u).Equal(LitString(string(u))))
}

func TestLiteralEqualDateTime(t *testing.T) {
	now := time.Now()
	require.True(t, LitDateTime(now).Equal(LitDateTime(now)))
}

func TestLiteralString(t *testing.T) {
	require.Equal(t, "5", LitInt(5).String())
	require.Equal(t, "hello", LitString("hello").String())
	require.Equal(t, "SHA512:aabb", LitHash("SHA512", []byte{0xaa, 0xbb}).String())
}
