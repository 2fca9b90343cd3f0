// Package container implements the container façade spec.md §5 describes:
// a single entry point that opens or creates an AFF4 archive, detects its
// dialect, loads and persists its resolver metadata, and mints or
// resolves the logical streams (image, map, encrypted) layered on top of
// the archive and resolver packages.
package container

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aff4/aff4container/internal/aff4err"
	"github.com/aff4/aff4container/internal/archive"
	"github.com/aff4/aff4container/internal/bevy"
	"github.com/aff4/aff4container/internal/crypto"
	"github.com/aff4/aff4container/internal/encrypted"
	"github.com/aff4/aff4container/internal/mapstream"
	"github.com/aff4/aff4container/internal/rdfmodel"
	"github.com/aff4/aff4container/internal/resolver"
	"github.com/aff4/aff4container/internal/streamio"
	"github.com/aff4/aff4container/internal/turtle"
	"github.com/aff4/aff4container/internal/urn"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// Container is an open AFF4 archive plus its resolver state.
type Container struct {
	Arc       *archive.Archive
	R         *resolver.Resolver
	log       *logrus.Logger
	volumeURN urn.URN
	writable  bool
}

// Create initializes a brand-new container at path.
func Create(path string, log *logrus.Logger) (*Container, error) {
	if log == nil {
		log = logrus.New()
	}
	volumeURN := urn.New()
	arc, err := archive.Create(path, volumeURN, archive.DialectV11, log)
	if err != nil {
		return nil, err
	}
	r := resolver.New(log)
	c := &Container{Arc: arc, R: r, log: log, volumeURN: volumeURN, writable: true}
	c.registerConstructors()
	return c, nil
}

// Open loads an existing container, detecting its escaping dialect and
// loading any persisted resolver metadata (spec.md §6's
// information.turtle, including its append-mode
// directives+numbered-segment fragmentation).
func Open(path string, log *logrus.Logger) (*Container, error) {
	if log == nil {
		log = logrus.New()
	}
	arc, err := archive.Open(path, log)
	if err != nil {
		return nil, err
	}
	dialect, err := DetectDialect(arc)
	if err != nil {
		arc.Close()
		return nil, err
	}
	arc.SetDialect(dialect)

	r := resolver.New(log)
	c := &Container{Arc: arc, R: r, log: log, volumeURN: arc.VolumeURN(), writable: true}
	c.registerConstructors()

	if err := c.loadMetadata(); err != nil {
		arc.Close()
		return nil, err
	}
	return c, nil
}

// loadMetadata reads information.turtle (or its append-mode fragments)
// into the persistent graph.
func (c *Container) loadMetadata() error {
	text, ok, err := c.readTurtleMember()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	quads, err := turtle.DecodeQuads([]byte(text), rdfmodel.GraphPersistent)
	if err != nil {
		return fmt.Errorf("container: decoding information.turtle: %w", err)
	}
	for _, q := range quads {
		if err := c.R.Add(q.Graph, q.Subject, q.Predicate, q.Object); err != nil {
			return err
		}
	}
	return nil
}

// readTurtleMember assembles information.turtle's text, preferring the
// consolidated member and falling back to the directives+numbered-segment
// fragmentation an append-mode session leaves behind when it never
// consolidated on close (spec.md §6).
func (c *Container) readTurtleMember() (string, bool, error) {
	if c.Arc.Contains(archive.MemberTurtle) {
		raw, err := c.Arc.ReadMemberBytes(archive.MemberTurtle)
		if err != nil {
			return "", false, err
		}
		return string(raw), true, nil
	}

	directivesName := archive.MemberTurtle + "/directives"
	if !c.Arc.Contains(directivesName) {
		return "", false, nil
	}
	directives, err := c.Arc.ReadMemberBytes(directivesName)
	if err != nil {
		return "", false, err
	}

	var segNames []string
	prefix := archive.MemberTurtle + "/"
	for _, name := range c.Arc.MemberNames() {
		if strings.HasPrefix(name, prefix) && name != directivesName {
			segNames = append(segNames, name)
		}
	}
	sort.Strings(segNames)

	var b strings.Builder
	b.Write(directives)
	for _, name := range segNames {
		seg, err := c.Arc.ReadMemberBytes(name)
		if err != nil {
			return "", false, err
		}
		b.Write(seg)
	}
	return b.String(), true, nil
}

// registerConstructors wires the resolver's AFF4_TYPE dispatch table to
// this container's image and map stream readers (spec.md §4.2). Encrypted
// streams are deliberately not registered here: opening one requires a
// credential (password or private key) the Constructor signature has no
// room for, so OpenEncryptedStream is a dedicated method instead.
func (c *Container) registerConstructors() {
	c.R.RegisterType(rdfmodel.TypeImage, func(r *resolver.Resolver, u urn.URN) (streamio.Stream, error) {
		return c.openImageStream(u)
	})
	c.R.RegisterType(rdfmodel.TypeMap, func(r *resolver.Resolver, u urn.URN) (streamio.Stream, error) {
		return mapstream.OpenReader(u, c.volumeURN, c.Arc, mapstream.DialectStandard, c.R, c.log)
	})
}

func (c *Container) openImageStream(u urn.URN) (*bevy.Image, error) {
	chunkSize := 32768
	if lit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, u, rdfmodel.PredChunkSize); ok {
		chunkSize = int(lit.Int)
	}
	chunksPerSegment := 1024
	if lit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, u, rdfmodel.PredChunksInSegment); ok {
		chunksPerSegment = int(lit.Int)
	}
	method := bevy.MethodZlib
	if lit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, u, rdfmodel.PredCompressionMethod); ok {
		m, err := bevy.MethodFromURI(string(lit.URN))
		if err != nil {
			return nil, err
		}
		method = m
	}
	var size int64
	if lit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, u, rdfmodel.PredSize); ok {
		size = lit.Int
	}
	cfg := bevy.Config{ChunkSize: chunkSize, ChunksPerSegment: chunksPerSegment, Compression: method}
	return bevy.OpenReader(u, c.volumeURN, c.Arc, cfg, bevy.IndexStandard, size, c.R, c.log), nil
}

// NewImageStream mints and registers a brand-new writable image stream.
func (c *Container) NewImageStream(cfg bevy.Config) *bevy.Image {
	u := urn.New()
	img := bevy.NewWriter(u, c.volumeURN, c.Arc, cfg, c.R, c.log)
	c.R.CachePut(img)
	return img
}

// NewMapStream mints and registers a brand-new writable map stream.
func (c *Container) NewMapStream(cfg mapstream.BackingConfig) *mapstream.Map {
	u := urn.New()
	m := mapstream.NewWriter(u, c.volumeURN, c.Arc, cfg, c.R, c.log)
	c.R.CachePut(m)
	return m
}

// Open resolves an already-persisted stream of any kind via the resolver's
// factory dispatch (spec.md §4.2).
func (c *Container) Open(u urn.URN) (streamio.Stream, error) {
	return c.R.FactoryOpen(u)
}

// NewEncryptedStream mints a writable encrypted stream with the default
// chunk geometry, generating a fresh volume encryption key and storing it
// as a password-wrapped key bag. Encrypted streams bypass the resolver's
// generic type-registry dispatch (see registerConstructors) since
// unwrapping the VEK needs the password.
func (c *Container) NewEncryptedStream(password string) (*encrypted.Stream, error) {
	return c.NewEncryptedStreamWithConfig(password, encrypted.DefaultConfig())
}

// NewEncryptedStreamWithConfig is NewEncryptedStream with caller-chosen
// chunk geometry (spec.md §8 S4 exercises a non-default 512x1024 geometry).
func (c *Container) NewEncryptedStreamWithConfig(password string, cfg encrypted.Config) (*encrypted.Stream, error) {
	vek := make([]byte, crypto.VEKSize)
	if _, err := rand.Read(vek); err != nil {
		return nil, fmt.Errorf("container: generating VEK: %w", err)
	}
	u := urn.New()
	s, err := encrypted.NewWriter(u, c.volumeURN, c.Arc, vek, cfg, c.R, c.log)
	if err != nil {
		return nil, err
	}
	if err := c.storeKeyBag(u, password, vek); err != nil {
		return nil, err
	}
	c.R.CachePut(s)
	return s, nil
}

// OpenEncryptedStream resolves a previously persisted encrypted stream,
// recovering its VEK from the password key bag recorded under u and its
// chunk geometry from the stream's own persisted metadata.
func (c *Container) OpenEncryptedStream(u urn.URN, password string) (*encrypted.Stream, error) {
	vek, err := c.unwrapKeyBag(u, password)
	if err != nil {
		return nil, err
	}
	size, cfg := c.encryptedStreamGeometry(u)
	return encrypted.OpenReader(u, c.volumeURN, c.Arc, vek, cfg, size, c.R, c.log)
}

// encryptedStreamGeometry reads an encrypted stream's persisted size and
// chunk geometry back, falling back to encrypted.DefaultConfig for streams
// written before the chunkSize/chunksInSegment triples existed.
func (c *Container) encryptedStreamGeometry(u urn.URN) (int64, encrypted.Config) {
	cfg := encrypted.DefaultConfig()
	if lit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, u, rdfmodel.PredChunkSize); ok {
		cfg.ChunkSize = int(lit.Int)
	}
	if lit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, u, rdfmodel.PredChunksInSegment); ok {
		cfg.ChunksPerSegment = int(lit.Int)
	}
	var size int64
	if lit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, u, rdfmodel.PredSize); ok {
		size = lit.Int
	}
	return size, cfg
}

// storeKeyBag records a password-wrapped key bag as its own subject, linked
// from the encrypted stream via the keyBag predicate (spec.md §4.5).
func (c *Container) storeKeyBag(streamURN urn.URN, password string, vek []byte) error {
	bag, err := crypto.NewPasswordKeyBag(password, vek)
	if err != nil {
		return err
	}
	bagURN := streamURN.Append("keyBag0")
	if err := c.R.Add(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredType, rdfmodel.LitURN(urn.URN(rdfmodel.TypeKeyBagPassword))); err != nil {
		return err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredWrappedKey, rdfmodel.LitBytes(bag.Wrapped)); err != nil {
		return err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredSalt, rdfmodel.LitBytes(bag.Salt)); err != nil {
		return err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredIterations, rdfmodel.LitInt(int64(bag.Iterations))); err != nil {
		return err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredKeySizeInBytes, rdfmodel.LitInt(int64(bag.KeySize))); err != nil {
		return err
	}
	return c.R.Add(rdfmodel.GraphPersistent, streamURN, rdfmodel.PredKeyBag, rdfmodel.LitURN(bagURN))
}

func (c *Container) unwrapKeyBag(streamURN urn.URN, password string) ([]byte, error) {
	bagLit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, streamURN, rdfmodel.PredKeyBag)
	if !ok {
		return nil, fmt.Errorf("container: %w: no key bag recorded for %s", aff4err.ErrInvalidState, streamURN)
	}
	bagURN := bagLit.URN

	wrappedLit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredWrappedKey)
	if !ok {
		return nil, fmt.Errorf("container: %w: key bag %s missing wrappedKey", aff4err.ErrInvalidState, bagURN)
	}
	saltLit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredSalt)
	if !ok {
		return nil, fmt.Errorf("container: %w: key bag %s missing salt", aff4err.ErrInvalidState, bagURN)
	}
	iterLit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredIterations)
	if !ok {
		return nil, fmt.Errorf("container: %w: key bag %s missing iterations", aff4err.ErrInvalidState, bagURN)
	}
	keySizeLit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredKeySizeInBytes)
	if !ok {
		return nil, fmt.Errorf("container: %w: key bag %s missing keySizeInBytes", aff4err.ErrInvalidState, bagURN)
	}

	bag := &crypto.PasswordKeyBag{
		Salt:       saltLit.Bytes,
		Iterations: int(iterLit.Int),
		KeySize:    int(keySizeLit.Int),
		Wrapped:    wrappedLit.Bytes,
	}
	return bag.Unwrap(password)
}

// NewCertificateEncryptedStream mints a writable encrypted stream whose VEK
// is wrapped under the public key in certPEM instead of a password, for
// callers that distribute an X.509 certificate rather than a shared secret.
func (c *Container) NewCertificateEncryptedStream(certPEM []byte) (*encrypted.Stream, error) {
	return c.NewCertificateEncryptedStreamWithConfig(certPEM, encrypted.DefaultConfig())
}

// NewCertificateEncryptedStreamWithConfig is NewCertificateEncryptedStream
// with caller-chosen chunk geometry.
func (c *Container) NewCertificateEncryptedStreamWithConfig(certPEM []byte, cfg encrypted.Config) (*encrypted.Stream, error) {
	vek := make([]byte, crypto.VEKSize)
	if _, err := rand.Read(vek); err != nil {
		return nil, fmt.Errorf("container: generating VEK: %w", err)
	}
	u := urn.New()
	s, err := encrypted.NewWriter(u, c.volumeURN, c.Arc, vek, cfg, c.R, c.log)
	if err != nil {
		return nil, err
	}
	if err := c.storeCertificateKeyBag(u, certPEM, vek); err != nil {
		return nil, err
	}
	c.R.CachePut(s)
	return s, nil
}

// OpenCertificateEncryptedStream resolves a previously persisted encrypted
// stream, recovering its VEK from the certificate key bag recorded under u
// using the matching RSA private key, and its chunk geometry from the
// stream's own persisted metadata.
func (c *Container) OpenCertificateEncryptedStream(u urn.URN, priv *rsa.PrivateKey) (*encrypted.Stream, error) {
	vek, err := c.unwrapCertificateKeyBag(u, priv)
	if err != nil {
		return nil, err
	}
	size, cfg := c.encryptedStreamGeometry(u)
	return encrypted.OpenReader(u, c.volumeURN, c.Arc, vek, cfg, size, c.R, c.log)
}

func (c *Container) storeCertificateKeyBag(streamURN urn.URN, certPEM []byte, vek []byte) error {
	bag, err := crypto.NewCertificateKeyBag(certPEM, vek)
	if err != nil {
		return err
	}
	bagURN := streamURN.Append("keyBag0")
	if err := c.R.Add(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredType, rdfmodel.LitURN(urn.URN(rdfmodel.TypeKeyBagCertEnc))); err != nil {
		return err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredWrappedKey, rdfmodel.LitBytes(bag.Wrapped)); err != nil {
		return err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredX509SubjectName, rdfmodel.LitString(bag.SubjectName)); err != nil {
		return err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredSerialNumber, rdfmodel.LitString(bag.SerialNumber)); err != nil {
		return err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredKeySizeInBytes, rdfmodel.LitInt(int64(bag.KeySize))); err != nil {
		return err
	}
	return c.R.Add(rdfmodel.GraphPersistent, streamURN, rdfmodel.PredKeyBag, rdfmodel.LitURN(bagURN))
}

func (c *Container) unwrapCertificateKeyBag(streamURN urn.URN, priv *rsa.PrivateKey) ([]byte, error) {
	bagLit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, streamURN, rdfmodel.PredKeyBag)
	if !ok {
		return nil, fmt.Errorf("container: %w: no key bag recorded for %s", aff4err.ErrInvalidState, streamURN)
	}
	bagURN := bagLit.URN

	wrappedLit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredWrappedKey)
	if !ok {
		return nil, fmt.Errorf("container: %w: key bag %s missing wrappedKey", aff4err.ErrInvalidState, bagURN)
	}
	keySizeLit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredKeySizeInBytes)
	if !ok {
		return nil, fmt.Errorf("container: %w: key bag %s missing keySizeInBytes", aff4err.ErrInvalidState, bagURN)
	}

	bag := &crypto.CertificateKeyBag{
		KeySize: int(keySizeLit.Int),
		Wrapped: wrappedLit.Bytes,
	}
	return bag.Unwrap(priv)
}

// NewKMIPEncryptedStream mints a writable encrypted stream whose VEK is
// wrapped by an external KMIP key manager rather than derived from a
// password or certificate, for deployments that keep wrapping keys inside a
// KMS and never let them touch this process.
func (c *Container) NewKMIPEncryptedStream(ctx context.Context, km crypto.KeyManager) (*encrypted.Stream, error) {
	return c.NewKMIPEncryptedStreamWithConfig(ctx, km, encrypted.DefaultConfig())
}

// NewKMIPEncryptedStreamWithConfig is NewKMIPEncryptedStream with
// caller-chosen chunk geometry.
func (c *Container) NewKMIPEncryptedStreamWithConfig(ctx context.Context, km crypto.KeyManager, cfg encrypted.Config) (*encrypted.Stream, error) {
	vek := make([]byte, crypto.VEKSize)
	if _, err := rand.Read(vek); err != nil {
		return nil, fmt.Errorf("container: generating VEK: %w", err)
	}
	u := urn.New()
	s, err := encrypted.NewWriter(u, c.volumeURN, c.Arc, vek, cfg, c.R, c.log)
	if err != nil {
		return nil, err
	}
	if err := c.storeKMIPKeyBag(ctx, u, km, vek); err != nil {
		return nil, err
	}
	c.R.CachePut(s)
	return s, nil
}

// OpenKMIPEncryptedStream resolves a previously persisted encrypted stream,
// recovering its VEK by asking km to unwrap the envelope recorded under u,
// and its chunk geometry from the stream's own persisted metadata.
func (c *Container) OpenKMIPEncryptedStream(ctx context.Context, u urn.URN, km crypto.KeyManager) (*encrypted.Stream, error) {
	vek, err := c.unwrapKMIPKeyBag(ctx, u, km)
	if err != nil {
		return nil, err
	}
	size, cfg := c.encryptedStreamGeometry(u)
	return encrypted.OpenReader(u, c.volumeURN, c.Arc, vek, cfg, size, c.R, c.log)
}

func (c *Container) storeKMIPKeyBag(ctx context.Context, streamURN urn.URN, km crypto.KeyManager, vek []byte) error {
	envelope, err := km.WrapKey(ctx, vek, map[string]string{"stream": string(streamURN)})
	if err != nil {
		return fmt.Errorf("container: wrapping VEK via KMIP: %w", err)
	}
	bagURN := streamURN.Append("keyBag0")
	if err := c.R.Add(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredType, rdfmodel.LitURN(urn.URN(rdfmodel.TypeKeyBagKMIP))); err != nil {
		return err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredWrappedKey, rdfmodel.LitBytes(envelope.Ciphertext)); err != nil {
		return err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredKMIPKeyID, rdfmodel.LitString(envelope.KeyID)); err != nil {
		return err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredKMIPKeyVersion, rdfmodel.LitInt(int64(envelope.KeyVersion))); err != nil {
		return err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredKMIPProvider, rdfmodel.LitString(envelope.Provider)); err != nil {
		return err
	}
	return c.R.Add(rdfmodel.GraphPersistent, streamURN, rdfmodel.PredKeyBag, rdfmodel.LitURN(bagURN))
}

func (c *Container) unwrapKMIPKeyBag(ctx context.Context, streamURN urn.URN, km crypto.KeyManager) ([]byte, error) {
	bagLit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, streamURN, rdfmodel.PredKeyBag)
	if !ok {
		return nil, fmt.Errorf("container: %w: no key bag recorded for %s", aff4err.ErrInvalidState, streamURN)
	}
	bagURN := bagLit.URN

	wrappedLit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredWrappedKey)
	if !ok {
		return nil, fmt.Errorf("container: %w: key bag %s missing wrappedKey", aff4err.ErrInvalidState, bagURN)
	}
	keyIDLit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredKMIPKeyID)
	if !ok {
		return nil, fmt.Errorf("container: %w: key bag %s missing kmipKeyID", aff4err.ErrInvalidState, bagURN)
	}
	versionLit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredKMIPKeyVersion)
	if !ok {
		return nil, fmt.Errorf("container: %w: key bag %s missing kmipKeyVersion", aff4err.ErrInvalidState, bagURN)
	}
	providerLit, ok := c.R.GetUnique(rdfmodel.GraphPersistent, bagURN, rdfmodel.PredKMIPProvider)
	if !ok {
		return nil, fmt.Errorf("container: %w: key bag %s missing kmipProvider", aff4err.ErrInvalidState, bagURN)
	}

	envelope := &crypto.KeyEnvelope{
		KeyID:      keyIDLit.Str,
		KeyVersion: int(versionLit.Int),
		Provider:   providerLit.Str,
		Ciphertext: wrappedLit.Bytes,
	}
	return km.UnwrapKey(ctx, envelope, map[string]string{"stream": string(streamURN)})
}

// WriteLogicalFile streams reader into a new image stream, recording the
// original filename and timestamp metadata spec.md's logical-file
// supplement carries (pyaff4's logical.py).
func (c *Container) WriteLogicalFile(originalFileName string, lastWritten, lastAccessed, recordChanged, birthTime time.Time, reader io.Reader) (urn.URN, error) {
	img := c.NewImageStream(bevy.DefaultConfig())
	if _, err := io.Copy(img, reader); err != nil {
		return urn.URN(""), fmt.Errorf("container: writing logical file: %w", err)
	}
	if err := img.Flush(); err != nil {
		return urn.URN(""), err
	}
	u := img.URN()
	if err := c.R.Add(rdfmodel.GraphPersistent, u, rdfmodel.PredOriginalFileName, rdfmodel.LitString(originalFileName)); err != nil {
		return u, err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, u, rdfmodel.PredLastWritten, rdfmodel.LitDateTime(lastWritten)); err != nil {
		return u, err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, u, rdfmodel.PredLastAccessed, rdfmodel.LitDateTime(lastAccessed)); err != nil {
		return u, err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, u, rdfmodel.PredRecordChanged, rdfmodel.LitDateTime(recordChanged)); err != nil {
		return u, err
	}
	if err := c.R.Add(rdfmodel.GraphPersistent, u, rdfmodel.PredBirthTime, rdfmodel.LitDateTime(birthTime)); err != nil {
		return u, err
	}
	return u, nil
}

// VerifyImage reads u sequentially end to end and returns its digest under
// the named algorithm (one of "md5", "sha1", "sha256", "sha512",
// "blake2b-512"), the linear-hash verification pyaff4's linear_hasher.py
// performs when validating a captured image against its recorded hash.
func (c *Container) VerifyImage(u urn.URN, algo string) ([]byte, error) {
	s, err := c.Open(u)
	if err != nil {
		return nil, err
	}
	h, err := newHasher(algo)
	if err != nil {
		return nil, err
	}

	const bufSize = 1 << 20
	buf := make([]byte, bufSize)
	var off int64
	size := s.Size()
	for off < size {
		n, err := s.ReadAt(buf, off)
		if n > 0 {
			h.Write(buf[:n])
			off += int64(n)
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("container: verifying %s: %w", u, err)
		}
		if err == io.EOF {
			break
		}
	}
	return h.Sum(nil), nil
}

func newHasher(algo string) (hash.Hash, error) {
	switch algo {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	case "blake2b-512":
		return blake2b.New512(nil)
	default:
		return nil, fmt.Errorf("container: %w: unsupported hash algorithm %q", aff4err.ErrInvalidState, algo)
	}
}

// Flush persists every dirty stream and rewrites information.turtle.
func (c *Container) Flush() error {
	if err := c.R.FlushAll(); err != nil {
		return err
	}
	turtleBytes := c.R.DumpTurtle(c.volumeURN)
	if err := c.Arc.WriteMember(archive.MemberTurtle, turtleBytes, false); err != nil {
		return err
	}
	return c.Arc.Flush()
}

// Close flushes and releases the underlying archive file.
func (c *Container) Close() error {
	if c.writable {
		if err := c.Flush(); err != nil {
			return err
		}
	}
	return c.Arc.Close()
}

// VolumeURN returns the container's own identity URN.
func (c *Container) VolumeURN() urn.URN { return c.volumeURN }
