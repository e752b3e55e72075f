// Package keysource wraps and unwraps tbenc data-encryption keys (DEKs)
// through an external KMIP key-management server, so the encoder side
// (cmd/tbpublish) never needs to hold a long-lived master key itself —
// only the short-lived plaintext DEK it generates per asset and the
// KMIP-wrapped envelope it persists alongside the published artifact.
//
// Grounded on a prior S3 gateway's internal/crypto.KeyManager interface
// and keymanager_test.go, whose implementation file was not part of
// this pack: NewCosmianKMIPManager, CosmianKMIPOptions, and
// KMIPKeyReference are authored here from scratch to satisfy exactly
// the shape that test exercises, using the same github.com/ovh/kmip-go
// client/payloads API the test imports.
package keysource

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/ovh/kmip-go/kmipclient"
	"github.com/ovh/kmip-go/payloads"

	"github.com/trustbridge/tbenc/internal/tbenc/errs"
)

// KMIPKeyReference identifies one wrapping key KMIP is expected to
// provision: a unique identifier plus a version tag tbenc records in
// the envelope for audit and rotation purposes.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// KeyEnvelope is what cmd/tbpublish persists alongside a published
// asset: enough information for a future UnwrapKey call to recover the
// plaintext DEK without knowing which key version was active at wrap time.
type KeyEnvelope struct {
	KeyID      string
	KeyVersion int
	Provider   string
	Ciphertext []byte
}

// Metrics receives KMIP wrap/unwrap operation counts; satisfied by
// *internal/metrics.Metrics. Optional — a nil Metrics field on
// CosmianKMIPManager disables recording.
type Metrics interface {
	RecordKMIPOperation(operation string)
	RecordKMIPError(operation string)
}

// KeyManager abstracts the external KMS boundary: implementations must
// never expose plaintext master key material and must perform all
// cryptographic operations within the KMS.
type KeyManager interface {
	Provider() string
	WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error)
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error)
	ActiveKeyVersion(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// CosmianKMIPOptions configures a CosmianKMIPManager.
type CosmianKMIPOptions struct {
	Endpoint       string
	Keys           []KMIPKeyReference
	TLSConfig      *tls.Config
	Timeout        time.Duration
	Provider       string
	DualReadWindow int // stored but not read: UnwrapKey's version fallback matches exact versions among Keys
}

// CosmianKMIPManager is a KeyManager backed by a Cosmian KMIP server.
type CosmianKMIPManager struct {
	client   kmipclient.Client
	opts     CosmianKMIPOptions
	mu       sync.RWMutex
	versions map[string]int // key id -> version, for UnwrapKey's version fallback
	Metrics  Metrics
}

// NewCosmianKMIPManager dials the configured KMIP endpoint and returns a
// ready-to-use manager. At least one key reference must be supplied.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (*CosmianKMIPManager, error) {
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("at least one KMIP key reference is required: %w", errs.ErrInvalidParameter)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Provider == "" {
		opts.Provider = "cosmian-kmip"
	}

	client, err := kmipclient.Dial(opts.Endpoint,
		kmipclient.WithTLSConfig(opts.TLSConfig),
		kmipclient.WithTimeout(opts.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("dial kmip endpoint %s: %w", opts.Endpoint, err)
	}

	versions := make(map[string]int, len(opts.Keys))
	for _, k := range opts.Keys {
		versions[k.ID] = k.Version
	}

	return &CosmianKMIPManager{client: client, opts: opts, versions: versions}, nil
}

// Provider returns the short identifier used in audit and envelope metadata.
func (m *CosmianKMIPManager) Provider() string { return m.opts.Provider }

func (m *CosmianKMIPManager) activeKey() KMIPKeyReference {
	return m.opts.Keys[0]
}

// WrapKey encrypts plaintext (the asset's DEK) under the active wrapping
// key and returns the resulting envelope.
func (m *CosmianKMIPManager) WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error) {
	active := m.activeKey()

	req := &payloads.EncryptRequestPayload{
		UniqueIdentifier: active.ID,
		Data:             plaintext,
	}
	resp, err := kmipclient.Send[*payloads.EncryptRequestPayload, payloads.EncryptResponsePayload](ctx, m.client, req)
	if err != nil {
		if m.Metrics != nil {
			m.Metrics.RecordKMIPError("wrap")
		}
		return nil, fmt.Errorf("kmip encrypt: %w", err)
	}
	if m.Metrics != nil {
		m.Metrics.RecordKMIPOperation("wrap")
	}

	return &KeyEnvelope{
		KeyID:      active.ID,
		KeyVersion: active.Version,
		Provider:   m.opts.Provider,
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey decrypts envelope.Ciphertext back into the plaintext DEK.
// If envelope.KeyID is empty, it falls back to the configured key
// reference whose version equals envelope.KeyVersion; only exact
// version matches are tried, and DualReadWindow plays no part.
func (m *CosmianKMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error) {
	keyID := envelope.KeyID
	if keyID == "" {
		keyID = m.lookupByVersion(envelope.KeyVersion)
		if keyID == "" {
			return nil, fmt.Errorf("no key reference found for version %d: %w", envelope.KeyVersion, errs.ErrInvalidParameter)
		}
	}

	req := &payloads.DecryptRequestPayload{
		UniqueIdentifier: keyID,
		Data:             envelope.Ciphertext,
	}
	resp, err := kmipclient.Send[*payloads.DecryptRequestPayload, payloads.DecryptResponsePayload](ctx, m.client, req)
	if err != nil {
		if m.Metrics != nil {
			m.Metrics.RecordKMIPError("unwrap")
		}
		return nil, fmt.Errorf("kmip decrypt: %w", err)
	}
	if m.Metrics != nil {
		m.Metrics.RecordKMIPOperation("unwrap")
	}
	return resp.Data, nil
}

func (m *CosmianKMIPManager) lookupByVersion(version int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, v := range m.versions {
		if v == version {
			return id
		}
	}
	return ""
}

// ActiveKeyVersion returns the version of the primary wrapping key.
func (m *CosmianKMIPManager) ActiveKeyVersion(ctx context.Context) (int, error) {
	return m.activeKey().Version, nil
}

// HealthCheck performs a lightweight Get call against the active key to
// confirm the KMIP server is reachable and the key exists.
func (m *CosmianKMIPManager) HealthCheck(ctx context.Context) error {
	active := m.activeKey()
	req := &payloads.GetRequestPayload{UniqueIdentifier: active.ID}
	_, err := kmipclient.Send[*payloads.GetRequestPayload, payloads.GetResponsePayload](ctx, m.client, req)
	if err != nil {
		return fmt.Errorf("kmip health check: %w", err)
	}
	return nil
}

// Close releases the underlying KMIP connection.
func (m *CosmianKMIPManager) Close(ctx context.Context) error {
	return m.client.Close()
}

var _ KeyManager = (*CosmianKMIPManager)(nil)
