// Package manifest serializes and validates the tbenc/v1 side-car
// manifest: a small JSON document binding the ciphertext hash, chunk
// size, plaintext length, and asset identity, consumed by the decoder
// before any key material is used.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/trustbridge/tbenc/internal/tbenc/errs"
	"github.com/trustbridge/tbenc/internal/tbenc/wire"
)

const (
	// Format is the required value of the manifest's "format" field.
	Format = "tbenc/v1"
	// Algo is the required value of the manifest's "algo" field.
	Algo = "aes-256-gcm-chunked"

	maxAssetIDLen = 100
)

var assetIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)
var sha256HexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Manifest is the parsed, validated tbenc/v1 side-car document.
type Manifest struct {
	FormatName       string `json:"format"`
	AlgoName         string `json:"algo"`
	ChunkBytes       uint32 `json:"chunk_bytes"`
	PlaintextBytes   int64  `json:"plaintext_bytes"`
	SHA256Ciphertext string `json:"sha256_ciphertext"`
	AssetID          string `json:"asset_id"`
	WeightsFilename  string `json:"weights_filename"`
}

// Result is what the Encryption Engine returns for one encrypt_stream
// call; New combines it with the asset identity fields into a Manifest.
type Result struct {
	ChunkBytes       uint32
	PlaintextBytes   int64
	SHA256Ciphertext string
}

// New builds a Manifest from an encryption Result plus asset identity,
// performing the same validation Read applies to parsed JSON.
func New(r Result, assetID, weightsFilename string) (*Manifest, error) {
	m := &Manifest{
		FormatName:       Format,
		AlgoName:         Algo,
		ChunkBytes:       r.ChunkBytes,
		PlaintextBytes:   r.PlaintextBytes,
		SHA256Ciphertext: r.SHA256Ciphertext,
		AssetID:          assetID,
		WeightsFilename:  weightsFilename,
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Write serializes m as 2-space-indented JSON and writes it atomically:
// to a temp file in the same directory, then renamed into place.
func Write(path string, m *Manifest) error {
	if err := m.validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w: %w", err, errs.ErrIoError)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp manifest: %w: %w", err, errs.ErrIoError)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w: %w", err, errs.ErrIoError)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename manifest into place: %w: %w", err, errs.ErrIoError)
	}
	return nil
}

// Read parses and validates a manifest file. Unknown JSON fields are ignored.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w: %w", err, errs.ErrIoError)
	}
	return Parse(data)
}

// Parse parses and validates manifest JSON already in memory.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest json: %w: %w", err, errs.ErrInvalidManifest)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("parse manifest json: %w: %w", err, errs.ErrInvalidManifest)
	}
	for _, name := range []string{"format", "algo", "chunk_bytes", "plaintext_bytes", "sha256_ciphertext", "asset_id", "weights_filename"} {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("missing required field %q: %w", name, errs.ErrInvalidManifest)
		}
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// validate enforces every value constraint from spec §4.2: format/algo
// constants, chunk_bytes range, plaintext_bytes non-negative, hash
// shape, asset_id shape, non-empty weights_filename. It does not see
// which JSON fields were present; Parse checks that, since a missing
// plaintext_bytes decodes to the valid value 0.
func (m *Manifest) validate() error {
	if m.FormatName != Format {
		return fmt.Errorf("format must be %q, got %q: %w", Format, m.FormatName, errs.ErrInvalidManifest)
	}
	if m.AlgoName != Algo {
		return fmt.Errorf("algo must be %q, got %q: %w", Algo, m.AlgoName, errs.ErrInvalidManifest)
	}
	if m.ChunkBytes < wire.MinChunkBytes || m.ChunkBytes > wire.MaxChunkBytes {
		return fmt.Errorf("chunk_bytes %d out of range: %w", m.ChunkBytes, errs.ErrInvalidManifest)
	}
	if m.PlaintextBytes < 0 {
		return fmt.Errorf("plaintext_bytes must be >= 0, got %d: %w", m.PlaintextBytes, errs.ErrInvalidManifest)
	}
	if !sha256HexPattern.MatchString(m.SHA256Ciphertext) {
		return fmt.Errorf("sha256_ciphertext must be 64 lowercase hex chars: %w", errs.ErrInvalidManifest)
	}
	if !assetIDPattern.MatchString(m.AssetID) || len(m.AssetID) > maxAssetIDLen {
		return fmt.Errorf("asset_id must match [A-Za-z0-9_-]{1,100}: %w", errs.ErrInvalidManifest)
	}
	if m.WeightsFilename == "" {
		return fmt.Errorf("weights_filename is required: %w", errs.ErrInvalidManifest)
	}
	return nil
}
