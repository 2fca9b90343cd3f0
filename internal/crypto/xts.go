package crypto

import (
	"crypto/aes"
	"fmt"

	"github.com/aead/xts"
	"github.com/sirupsen/logrus"

	"github.com/aff4/aff4container/internal/aff4err"
	"github.com/aff4/aff4container/internal/config"
)

// VEKSize is the size in bytes of a volume encryption key: two 16-byte AES
// halves, as AES-XTS requires (spec.md §4.5).
const VEKSize = 32

// XTSEngine encrypts and decrypts encrypted-stream chunks under AES-XTS,
// tweaked by the chunk's absolute logical index. One engine is bound to one
// VEK and is safe for concurrent use (the underlying xts.Cipher is
// stateless per call).
type XTSEngine struct {
	cipher              *xts.Cipher
	hardwareAccelerated bool
}

// NewXTSEngine builds an engine from a 32-byte VEK. Go's crypto/aes already
// dispatches to a hardware-accelerated code path transparently when the CPU
// supports it, so hw never changes which cipher gets built; it only decides
// whether this engine reports itself as accelerated, for callers that want
// to record or log the status (see HardwareAccelerated).
func NewXTSEngine(vek []byte, hw config.HardwareConfig, log *logrus.Logger) (*XTSEngine, error) {
	if len(vek) != VEKSize {
		return nil, fmt.Errorf("crypto: %w: VEK must be %d bytes, got %d", aff4err.ErrInvalidState, VEKSize, len(vek))
	}
	c, err := xts.NewCipher(aes.NewCipher, vek)
	if err != nil {
		return nil, fmt.Errorf("crypto: constructing xts cipher: %w", err)
	}
	accelerated := IsHardwareAccelerationEnabled(hw)
	if log != nil {
		log.WithField("hardware_accelerated", accelerated).Debug("crypto: constructed AES-XTS engine")
	}
	return &XTSEngine{cipher: c, hardwareAccelerated: accelerated}, nil
}

// HardwareAccelerated reports whether this engine's construction found AES
// hardware acceleration both CPU-supported and enabled in config.
func (e *XTSEngine) HardwareAccelerated() bool { return e.hardwareAccelerated }

// EncryptChunk encrypts plaintext under the tweak for chunkIndex — the
// chunk's absolute logical address, which xts.Cipher consumes directly as
// its sector number (spec.md §4.5: "the tweak is the chunk's absolute
// logical index as a little-endian 64-bit integer"). plaintext must be a
// multiple of the AES block size; callers pad the final sub-chunk up to
// chunk_size before calling this.
func (e *XTSEngine) EncryptChunk(chunkIndex uint64, plaintext []byte) []byte {
	out := make([]byte, len(plaintext))
	e.cipher.Encrypt(out, plaintext, chunkIndex)
	return out
}

// DecryptChunk is EncryptChunk's inverse.
func (e *XTSEngine) DecryptChunk(chunkIndex uint64, ciphertext []byte) []byte {
	out := make([]byte, len(ciphertext))
	e.cipher.Decrypt(out, ciphertext, chunkIndex)
	return out
}

