package crypto

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"

	"github.com/aff4/aff4container/internal/aff4err"
)

// keyWrapIV is the RFC 3394 default initial value.
var keyWrapIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// keyWrap implements RFC 3394 AES key wrap. No ecosystem library in the
// example pack offers this (see DESIGN.md); it is a small, fully specified
// algorithm over stdlib crypto/aes, not a reimplemented primitive.
func keyWrap(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext)%8 != 0 || len(plaintext) < 16 {
		return nil, fmt.Errorf("crypto: %w: key wrap input must be a multiple of 8 bytes, at least 16", aff4err.ErrInvalidState)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("crypto: key wrap cipher: %w", err)
	}

	n := len(plaintext) / 8
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], plaintext[i*8:(i+1)*8])
	}
	a := keyWrapIV

	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[0:8], a[:])
			copy(buf[8:16], r[i-1][:])
			block.Encrypt(buf, buf)

			var a2 [8]byte
			copy(a2[:], buf[0:8])
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			for k := range a2 {
				a2[k] ^= tb[k]
			}
			a = a2
			copy(r[i-1][:], buf[8:16])
		}
	}

	out := make([]byte, 8+len(plaintext))
	copy(out[0:8], a[:])
	for i, blk := range r {
		copy(out[8+i*8:8+(i+1)*8], blk[:])
	}
	return out, nil
}

// keyUnwrap is keyWrap's inverse.
func keyUnwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, fmt.Errorf("crypto: %w: wrapped key must be a multiple of 8 bytes, at least 24", aff4err.ErrInvalidState)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("crypto: key unwrap cipher: %w", err)
	}

	n := len(wrapped)/8 - 1
	var a [8]byte
	copy(a[:], wrapped[0:8])
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], wrapped[8+i*8:8+(i+1)*8])
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			var axor [8]byte
			for k := range a {
				axor[k] = a[k] ^ tb[k]
			}
			copy(buf[0:8], axor[:])
			copy(buf[8:16], r[i-1][:])
			block.Decrypt(buf, buf)
			copy(a[:], buf[0:8])
			copy(r[i-1][:], buf[8:16])
		}
	}

	if a != keyWrapIV {
		return nil, fmt.Errorf("%w: key unwrap integrity check failed", aff4err.ErrCrypto)
	}
	out := make([]byte, n*8)
	for i, blk := range r {
		copy(out[i*8:(i+1)*8], blk[:])
	}
	return out, nil
}
