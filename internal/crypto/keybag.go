package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/aff4/aff4container/internal/aff4err"
	"golang.org/x/crypto/pbkdf2"
)

// KeyBagKind distinguishes the two wrapped-VEK variants a stream's key bags
// may hold (spec.md §4.5).
type KeyBagKind int

const (
	KeyBagPassword KeyBagKind = iota
	KeyBagCertificate
)

// DefaultPBKDF2Iterations matches the teacher's KMS key-derivation default
// order of magnitude, scaled up to a modern PBKDF2-HMAC-SHA256 work factor.
const DefaultPBKDF2Iterations = 310000

// PasswordKeyBag wraps a VEK under AES-KeyWrap(KEK = PBKDF2-HMAC-SHA256(pwd,
// salt, iterations, 32)).
type PasswordKeyBag struct {
	Salt       []byte
	Iterations int
	KeySize    int
	Wrapped    []byte
}

// NewPasswordKeyBag wraps vek under a KEK derived from password.
func NewPasswordKeyBag(password string, vek []byte) (*PasswordKeyBag, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	return WrapPasswordKeyBag(password, salt, DefaultPBKDF2Iterations, vek)
}

// WrapPasswordKeyBag wraps vek with an explicit salt/iteration count, used
// both by NewPasswordKeyBag and by tests that need deterministic output.
func WrapPasswordKeyBag(password string, salt []byte, iterations int, vek []byte) (*PasswordKeyBag, error) {
	kek := pbkdf2.Key([]byte(password), salt, iterations, VEKSize, sha256.New)
	wrapped, err := keyWrap(kek, vek)
	if err != nil {
		return nil, fmt.Errorf("crypto: wrapping VEK: %w", err)
	}
	return &PasswordKeyBag{Salt: salt, Iterations: iterations, KeySize: len(vek), Wrapped: wrapped}, nil
}

// Unwrap recovers the VEK given the password, or ErrCrypto (wrapped) on a
// wrong password / corrupt key bag.
func (b *PasswordKeyBag) Unwrap(password string) ([]byte, error) {
	kek := pbkdf2.Key([]byte(password), b.Salt, b.Iterations, VEKSize, sha256.New)
	vek, err := keyUnwrap(kek, b.Wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: password key bag: %w", aff4err.ErrCrypto, err)
	}
	return vek, nil
}

// CertificateKeyBag wraps a VEK under RSA-OAEP using an X.509 certificate's
// public key. SHA-256 serves as both the OAEP digest and the MGF1 hash, on
// wrap and on unwrap; bags padded with MGF1-SHA-1 are not produced and do
// not unwrap.
type CertificateKeyBag struct {
	SubjectName  string
	SerialNumber string
	KeySize      int
	Wrapped      []byte
}

// NewCertificateKeyBag wraps vek under the public key in a PEM-encoded X.509
// certificate.
func NewCertificateKeyBag(certPEM []byte, vek []byte) (*CertificateKeyBag, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("crypto: %w: no PEM block found in certificate", aff4err.ErrDecode)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parsing certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("crypto: %w: certificate key bags require an RSA public key", aff4err.ErrInvalidState)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, vek, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: RSA-OAEP wrapping VEK: %w", err)
	}
	return &CertificateKeyBag{
		SubjectName:  cert.Subject.String(),
		SerialNumber: cert.SerialNumber.String(),
		KeySize:      len(vek),
		Wrapped:      wrapped,
	}, nil
}

// Unwrap recovers the VEK given the matching RSA private key.
func (b *CertificateKeyBag) Unwrap(priv *rsa.PrivateKey) ([]byte, error) {
	vek, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, b.Wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: certificate key bag: %w", aff4err.ErrCrypto, err)
	}
	return vek, nil
}
