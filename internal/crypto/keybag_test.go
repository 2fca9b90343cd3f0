package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPasswordKeyBagWrapUnwrapRoundTrip(t *testing.T) {
	vek := testVEK()
	bag, err := NewPasswordKeyBag("correct horse battery staple", vek)
	require.NoError(t, err)
	require.Len(t, bag.Salt, 16)
	require.Equal(t, DefaultPBKDF2Iterations, bag.Iterations)

	got, err := bag.Unwrap("correct horse battery staple")
	require.NoError(t, err)
	require.Equal(t, vek, got)
}

func TestPasswordKeyBagWrongPasswordFails(t *testing.T) {
	vek := testVEK()
	bag, err := NewPasswordKeyBag("correct horse battery staple", vek)
	require.NoError(t, err)

	_, err = bag.Unwrap("wrong password")
	require.Error(t, err)
}

func TestWrapPasswordKeyBagIsDeterministicGivenSalt(t *testing.T) {
	vek := testVEK()
	salt := make([]byte, 16)
	bagA, err := WrapPasswordKeyBag("hunter2", salt, 1000, vek)
	require.NoError(t, err)
	bagB, err := WrapPasswordKeyBag("hunter2", salt, 1000, vek)
	require.NoError(t, err)
	require.Equal(t, bagA.Wrapped, bagB.Wrapped)
}

func generateTestCertPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "aff4-test"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).AddDate(10, 0, 0),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return certPEM, priv
}

func TestCertificateKeyBagWrapUnwrapRoundTrip(t *testing.T) {
	certPEM, priv := generateTestCertPEM(t)
	vek := testVEK()

	bag, err := NewCertificateKeyBag(certPEM, vek)
	require.NoError(t, err)
	require.Equal(t, "42", bag.SerialNumber)
	require.Contains(t, bag.SubjectName, "aff4-test")

	got, err := bag.Unwrap(priv)
	require.NoError(t, err)
	require.Equal(t, vek, got)
}

func TestCertificateKeyBagWrongKeyFails(t *testing.T) {
	certPEM, _ := generateTestCertPEM(t)
	vek := testVEK()

	bag, err := NewCertificateKeyBag(certPEM, vek)
	require.NoError(t, err)

	otherPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = bag.Unwrap(otherPriv)
	require.Error(t, err)
}

func TestNewCertificateKeyBagRejectsInvalidPEM(t *testing.T) {
	_, err := NewCertificateKeyBag([]byte("not a cert"), testVEK())
	require.Error(t, err)
}
