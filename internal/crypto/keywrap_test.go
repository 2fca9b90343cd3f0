package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyWrapUnwrapRoundTrip(t *testing.T) {
	kek := make([]byte, 32)
	for i := range kek {
		kek[i] = byte(i)
	}
	plaintext := testVEK()

	wrapped, err := keyWrap(kek, plaintext)
	require.NoError(t, err)
	require.Len(t, wrapped, len(plaintext)+8)

	unwrapped, err := keyUnwrap(kek, wrapped)
	require.NoError(t, err)
	require.Equal(t, plaintext, unwrapped)
}

func TestKeyWrapOutputStartsWithIVAfterUnwrapIntegrityCheck(t *testing.T) {
	kek := make([]byte, 32)
	for i := range kek {
		kek[i] = byte(i * 3)
	}
	plaintext := testVEK()

	wrapped, err := keyWrap(kek, plaintext)
	require.NoError(t, err)

	tampered := append([]byte(nil), wrapped...)
	tampered[len(tampered)-1] ^= 0xFF
	_, err = keyUnwrap(kek, tampered)
	require.Error(t, err)
}

func TestKeyUnwrapDetectsWrongKEK(t *testing.T) {
	kek := make([]byte, 32)
	wrongKek := make([]byte, 32)
	wrongKek[0] = 1
	plaintext := testVEK()

	wrapped, err := keyWrap(kek, plaintext)
	require.NoError(t, err)

	_, err = keyUnwrap(wrongKek, wrapped)
	require.Error(t, err)
}

func TestKeyWrapRejectsShortPlaintext(t *testing.T) {
	kek := make([]byte, 32)
	_, err := keyWrap(kek, make([]byte, 8))
	require.Error(t, err)
}
