package crypto

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/aff4/aff4container/internal/config"
	"github.com/stretchr/testify/require"
)

func testVEK() []byte {
	vek := make([]byte, VEKSize)
	for i := range vek {
		vek[i] = byte(i)
	}
	return vek
}

func testHardwareConfig() config.HardwareConfig {
	return config.HardwareConfig{EnableAESNI: true, EnableARMv8AES: true}
}

func TestXTSEngineEncryptDecryptRoundTrip(t *testing.T) {
	e, err := NewXTSEngine(testVEK(), testHardwareConfig(), nil)
	require.NoError(t, err)

	plain := bytes.Repeat([]byte{0x5A}, 512)
	ct := e.EncryptChunk(7, plain)
	require.NotEqual(t, plain, ct)

	pt := e.DecryptChunk(7, ct)
	require.Equal(t, plain, pt)
}

func TestXTSEngineDifferentChunkIndexesProduceDifferentCiphertext(t *testing.T) {
	e, err := NewXTSEngine(testVEK(), testHardwareConfig(), nil)
	require.NoError(t, err)

	plain := bytes.Repeat([]byte{0x5A}, 512)
	a := e.EncryptChunk(0, plain)
	b := e.EncryptChunk(1, plain)
	require.NotEqual(t, a, b)
}

func TestNewXTSEngineRejectsWrongKeySize(t *testing.T) {
	_, err := NewXTSEngine(make([]byte, 16), testHardwareConfig(), nil)
	require.Error(t, err)
}

func TestNewXTSEngineRecordsHardwareAccelerationStatus(t *testing.T) {
	e, err := NewXTSEngine(testVEK(), testHardwareConfig(), nil)
	require.NoError(t, err)
	require.Equal(t, HasAESHardwareSupport(), e.HardwareAccelerated())

	disabled, err := NewXTSEngine(testVEK(), config.HardwareConfig{}, nil)
	require.NoError(t, err)
	if HasAESHardwareSupport() && (runtime.GOARCH == "amd64" || runtime.GOARCH == "386" || runtime.GOARCH == "arm64") {
		require.False(t, disabled.HardwareAccelerated())
	}
}
