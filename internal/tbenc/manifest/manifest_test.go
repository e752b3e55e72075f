package manifest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/trustbridge/tbenc/internal/tbenc/errs"
)

func validResult() Result {
	return Result{
		ChunkBytes:       4 * 1024 * 1024,
		PlaintextBytes:   16777216,
		SHA256Ciphertext: strings.Repeat("a", 64),
	}
}

func TestNewAndWriteReadRoundTrip(t *testing.T) {
	m, err := New(validResult(), "llama-3-70b-v1", "model.tbenc")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path := filepath.Join(t.TempDir(), "model.manifest.json")
	if err := Write(path, m); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if *got != *m {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestWriteProducesIndentedJSON(t *testing.T) {
	m, _ := New(validResult(), "asset-1", "model.tbenc")
	path := filepath.Join(t.TempDir(), "m.json")
	if err := Write(path, m); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "\n  \"format\": \"tbenc/v1\"") {
		t.Errorf("manifest file is not 2-space indented:\n%s", data)
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatal(err)
	}
	if generic["format"] != Format {
		t.Errorf("format = %v", generic["format"])
	}
}

func TestReadIgnoresUnknownFields(t *testing.T) {
	raw := `{
  "format": "tbenc/v1",
  "algo": "aes-256-gcm-chunked",
  "chunk_bytes": 4194304,
  "plaintext_bytes": 16777216,
  "sha256_ciphertext": "` + strings.Repeat("b", 64) + `",
  "asset_id": "asset-1",
  "weights_filename": "model.tbenc",
  "some_future_field": 42
}`
	m, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.AssetID != "asset-1" {
		t.Errorf("asset_id = %q", m.AssetID)
	}
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	base := map[string]any{
		"format":            Format,
		"algo":              Algo,
		"chunk_bytes":       4096,
		"plaintext_bytes":   0,
		"sha256_ciphertext": strings.Repeat("c", 64),
		"asset_id":          "asset-1",
		"weights_filename":  "model.tbenc",
	}

	for _, field := range []string{"format", "algo", "chunk_bytes", "plaintext_bytes", "sha256_ciphertext", "asset_id"} {
		t.Run(field, func(t *testing.T) {
			clone := map[string]any{}
			for k, v := range base {
				if k == field {
					continue
				}
				clone[k] = v
			}
			data, _ := json.Marshal(clone)
			if _, err := Parse(data); !errors.Is(err, errs.ErrInvalidManifest) {
				t.Errorf("missing %s: expected ErrInvalidManifest, got %v", field, err)
			}
		})
	}
}

func TestValidateRejectsBadAssetID(t *testing.T) {
	r := validResult()
	if _, err := New(r, "not an id!", "model.tbenc"); !errors.Is(err, errs.ErrInvalidManifest) {
		t.Errorf("expected ErrInvalidManifest for bad asset_id, got %v", err)
	}
}

func TestValidateRejectsBadHashLength(t *testing.T) {
	r := validResult()
	r.SHA256Ciphertext = "short"
	if _, err := New(r, "asset-1", "model.tbenc"); !errors.Is(err, errs.ErrInvalidManifest) {
		t.Errorf("expected ErrInvalidManifest for bad hash, got %v", err)
	}
}

func TestValidateRejectsChunkBytesMismatchRange(t *testing.T) {
	r := validResult()
	r.ChunkBytes = 10
	if _, err := New(r, "asset-1", "model.tbenc"); !errors.Is(err, errs.ErrInvalidManifest) {
		t.Errorf("expected ErrInvalidManifest for tiny chunk_bytes, got %v", err)
	}
}
