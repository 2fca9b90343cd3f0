package crypto

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aff4/aff4container/internal/aff4err"
	"github.com/aff4/aff4container/internal/config"
	"github.com/cenkalti/backoff/v4"
	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/payloads"
)

// KMIPKeyReference names one wrapping key a Cosmian KMIP server holds,
// identified by its KMIP unique identifier and the logical version number
// recorded in a KeyEnvelope.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// CosmianKMIPOptions configures a CosmianKMIPManager.
type CosmianKMIPOptions struct {
	Endpoint  string
	Keys      []KMIPKeyReference
	TLSConfig *tls.Config
	Timeout   time.Duration
	Provider  string
	// DualReadWindow is how many versions below the active one remain
	// eligible to unwrap ciphertext during a key rotation grace period.
	DualReadWindow int
}

// CosmianKMIPManager implements KeyManager against a Cosmian KMIP server,
// encrypting and decrypting DEKs entirely inside the KMS via the KMIP
// Encrypt/Decrypt operations rather than exporting the wrapping key.
type CosmianKMIPManager struct {
	client   *kmip.Client
	provider string
	timeout  time.Duration

	mu          sync.RWMutex
	byID        map[string]KMIPKeyReference
	byVersion   map[int]KMIPKeyReference
	activeKey   KMIPKeyReference
	readWindow  int
}

// NewCosmianKMIPManager dials addr and returns a KeyManager backed by it.
// The last entry in opts.Keys is treated as the active wrapping key; older
// entries remain valid for UnwrapKey within opts.DualReadWindow versions,
// the grace period a key rotation needs to decrypt objects wrapped under
// the previous key.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (*CosmianKMIPManager, error) {
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("crypto: %w: CosmianKMIPOptions.Keys must not be empty", aff4err.ErrInvalidState)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Provider == "" {
		opts.Provider = "cosmian-kmip"
	}

	client, err := kmip.NewClient(opts.Endpoint, kmip.WithTLSConfig(opts.TLSConfig))
	if err != nil {
		return nil, fmt.Errorf("crypto: dialing KMIP server: %w", err)
	}

	m := &CosmianKMIPManager{
		client:     client,
		provider:   opts.Provider,
		timeout:    opts.Timeout,
		byID:       make(map[string]KMIPKeyReference, len(opts.Keys)),
		byVersion:  make(map[int]KMIPKeyReference, len(opts.Keys)),
		readWindow: opts.DualReadWindow,
	}
	for _, k := range opts.Keys {
		m.byID[k.ID] = k
		m.byVersion[k.Version] = k
	}
	m.activeKey = opts.Keys[len(opts.Keys)-1]
	return m, nil
}

// NewCosmianKMIPManagerFromConfig builds a CosmianKMIPManager from a parsed
// KMIPConfig, loading cfg.CAFile into the client TLS config when set.
func NewCosmianKMIPManagerFromConfig(cfg config.KMIPConfig) (*CosmianKMIPManager, error) {
	keys := make([]KMIPKeyReference, len(cfg.Keys))
	for i, k := range cfg.Keys {
		keys[i] = KMIPKeyReference{ID: k.ID, Version: k.Version}
	}

	var tlsConfig *tls.Config
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading KMIP CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("crypto: %w: KMIP CA file contains no usable certificates", aff4err.ErrDecode)
		}
		tlsConfig = &tls.Config{RootCAs: pool}
	}

	return NewCosmianKMIPManager(CosmianKMIPOptions{
		Endpoint:       cfg.Endpoint,
		Keys:           keys,
		TLSConfig:      tlsConfig,
		Timeout:        cfg.Timeout,
		Provider:       cfg.Provider,
		DualReadWindow: cfg.DualReadWindow,
	})
}

func (m *CosmianKMIPManager) Provider() string { return m.provider }

// retryPolicy returns an exponential backoff bounded to three attempts,
// shared by every KMIP round trip so a transient network blip doesn't fail
// a wrap/unwrap/health-check outright.
func (m *CosmianKMIPManager) retryPolicy(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
}

// retryKMIP runs fn under m's retry policy, returning its last result once
// it stops producing a retryable error.
func retryKMIP[T any](ctx context.Context, policy backoff.BackOff, fn func() (T, error)) (T, error) {
	var result T
	op := func() error {
		r, err := fn()
		if err != nil {
			return err
		}
		result = r
		return nil
	}
	err := backoff.Retry(op, policy)
	return result, err
}

// WrapKey encrypts plaintext under the active wrapping key via KMIP Encrypt.
func (m *CosmianKMIPManager) WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.mu.RLock()
	key := m.activeKey
	m.mu.RUnlock()

	resp, err := retryKMIP(ctx, m.retryPolicy(ctx), func() (*payloads.EncryptResponsePayload, error) {
		return kmip.Send[payloads.EncryptRequestPayload, payloads.EncryptResponsePayload](ctx, m.client, kmip.OperationEncrypt, payloads.EncryptRequestPayload{
			UniqueIdentifier: key.ID,
			Data:             plaintext,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: KMIP encrypt: %w", aff4err.ErrCrypto, err)
	}

	return &KeyEnvelope{
		KeyID:      key.ID,
		KeyVersion: key.Version,
		Provider:   m.provider,
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey decrypts envelope.Ciphertext via KMIP Decrypt. If the envelope
// carries no KeyID (an older envelope format, or a caller that only knows
// the version), the wrapping key is looked up by KeyVersion instead.
func (m *CosmianKMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	keyID := envelope.KeyID
	if keyID == "" {
		m.mu.RLock()
		ref, ok := m.byVersion[envelope.KeyVersion]
		active := m.activeKey.Version
		window := m.readWindow
		m.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: no wrapping key known for version %d", aff4err.ErrInvalidState, envelope.KeyVersion)
		}
		if age := active - envelope.KeyVersion; age > window {
			return nil, fmt.Errorf("%w: key version %d is outside the %d-version dual-read window", aff4err.ErrInvalidState, envelope.KeyVersion, window)
		}
		keyID = ref.ID
	}

	resp, err := retryKMIP(ctx, m.retryPolicy(ctx), func() (*payloads.DecryptResponsePayload, error) {
		return kmip.Send[payloads.DecryptRequestPayload, payloads.DecryptResponsePayload](ctx, m.client, kmip.OperationDecrypt, payloads.DecryptRequestPayload{
			UniqueIdentifier: keyID,
			Data:             envelope.Ciphertext,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: KMIP decrypt: %w", aff4err.ErrCrypto, err)
	}
	return resp.Data, nil
}

// ActiveKeyVersion returns the version of the key WrapKey currently uses.
func (m *CosmianKMIPManager) ActiveKeyVersion(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeKey.Version, nil
}

// HealthCheck confirms the active wrapping key object is reachable via
// KMIP Get.
func (m *CosmianKMIPManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.mu.RLock()
	key := m.activeKey
	m.mu.RUnlock()

	_, err := retryKMIP(ctx, m.retryPolicy(ctx), func() (*payloads.GetResponsePayload, error) {
		return kmip.Send[payloads.GetRequestPayload, payloads.GetResponsePayload](ctx, m.client, kmip.OperationGet, payloads.GetRequestPayload{
			UniqueIdentifier: key.ID,
		})
	})
	if err != nil {
		return fmt.Errorf("%w: KMIP health check: %w", aff4err.ErrCrypto, err)
	}
	return nil
}

// Close releases the underlying KMIP connection.
func (m *CosmianKMIPManager) Close(ctx context.Context) error {
	return m.client.Close()
}
