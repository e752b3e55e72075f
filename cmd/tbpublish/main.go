// Command tbpublish is the tbenc/v1 encoder: it chunked-encrypts a
// plaintext model-weights file, writes its side-car manifest, optionally
// wraps the data-encryption key through a KMIP key manager, and uploads
// both the ciphertext and manifest to the configured S3-compatible
// backend.
//
// Grounded on the teacher's cmd/*/main.go wiring pattern (viper-backed
// config.Load, logrus text formatter selected by config.LogLevel,
// audit.NewLoggerFromConfig) adapted from an S3-proxy server's startup
// sequence to this one-shot publishing pipeline.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trustbridge/tbenc/internal/audit"
	"github.com/trustbridge/tbenc/internal/config"
	"github.com/trustbridge/tbenc/internal/hardware"
	"github.com/trustbridge/tbenc/internal/keysource"
	"github.com/trustbridge/tbenc/internal/metrics"
	"github.com/trustbridge/tbenc/internal/s3"
	"github.com/trustbridge/tbenc/internal/tbenc/encrypt"
	"github.com/trustbridge/tbenc/internal/tbenc/manifest"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	inputPath := flag.String("in", "", "path to plaintext weights file")
	assetID := flag.String("asset-id", "", "asset identifier recorded in the manifest")
	weightsFilename := flag.String("weights-filename", "", "original filename recorded in the manifest")
	outDir := flag.String("out", ".", "directory to write <asset-id>.tbenc and <asset-id>.manifest.json")
	flag.Parse()

	if err := run(*configPath, *inputPath, *assetID, *weightsFilename, *outDir); err != nil {
		fmt.Fprintln(os.Stderr, "tbpublish:", err)
		os.Exit(1)
	}
}

func run(configPath, inputPath, assetID, weightsFilename, outDir string) error {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if inputPath == "" || assetID == "" || weightsFilename == "" {
		return fmt.Errorf("-in, -asset-id, and -weights-filename are all required")
	}

	logger := logrus.New()
	if cfg.LogLevel != "" {
		if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			logger.SetLevel(lvl)
		}
	}

	auditLogger, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		return fmt.Errorf("init audit logger: %w", err)
	}
	defer auditLogger.Close()

	hw := hardware.Detect(cfg.Hardware)
	logger.WithFields(logrus.Fields{
		"aes_hardware_support": hw.AESSupport,
		"trusted":              hw.ReportedTrust,
	}).Info("hardware acceleration diagnostics")

	metricsReg := metrics.NewMetrics()
	metricsReg.SetHardwareAccelerationStatus("aes", hw.ReportedTrust)

	ctx := context.Background()
	start := time.Now()

	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		auditLogger.LogEncrypt(assetID, manifest.Algo, 0, false, err, time.Since(start), nil)
		return fmt.Errorf("generate data encryption key: %w", err)
	}

	chunkBytes := cfg.ChunkBytes
	if chunkBytes == 0 {
		chunkBytes = 4 * 1024 * 1024
	}

	ciphertextPath := filepath.Join(outDir, assetID+".tbenc")
	manifestPath := filepath.Join(outDir, assetID+".manifest.json")

	result, err := encrypt.EncryptFileWithRecorder(ctx, inputPath, ciphertextPath, key, chunkBytes, metricsReg)
	if err != nil {
		auditLogger.LogEncrypt(assetID, manifest.Algo, 0, false, err, time.Since(start), nil)
		return fmt.Errorf("encrypt %s: %w", inputPath, err)
	}

	m, err := manifest.New(*result, assetID, weightsFilename)
	if err != nil {
		auditLogger.LogEncrypt(assetID, manifest.Algo, 0, false, err, time.Since(start), nil)
		return fmt.Errorf("build manifest: %w", err)
	}
	if err := manifest.Write(manifestPath, m); err != nil {
		auditLogger.LogEncrypt(assetID, manifest.Algo, 0, false, err, time.Since(start), nil)
		return fmt.Errorf("write manifest: %w", err)
	}

	keyVersion := 0
	if cfg.KMIP.Enabled {
		keyVersion, err = wrapAndPersistKey(ctx, cfg, key, assetID, outDir, metricsReg)
		if err != nil {
			auditLogger.LogEncrypt(assetID, manifest.Algo, 0, false, err, time.Since(start), nil)
			return fmt.Errorf("wrap data encryption key: %w", err)
		}
	} else {
		logger.Warn("kmip disabled: writing raw key hex alongside manifest (development mode only)")
		if err := os.WriteFile(filepath.Join(outDir, assetID+".key.hex"), []byte(hex.EncodeToString(key[:])), 0600); err != nil {
			auditLogger.LogEncrypt(assetID, manifest.Algo, 0, false, err, time.Since(start), nil)
			return fmt.Errorf("write raw key material: %w", err)
		}
	}

	if cfg.Backend.Bucket != "" {
		if err := uploadArtifacts(ctx, cfg, ciphertextPath, manifestPath, assetID); err != nil {
			auditLogger.LogEncrypt(assetID, manifest.Algo, keyVersion, false, err, time.Since(start), nil)
			return fmt.Errorf("upload artifacts: %w", err)
		}
	}

	auditLogger.LogEncrypt(assetID, manifest.Algo, keyVersion, true, nil, time.Since(start), map[string]interface{}{
		"chunk_bytes":       m.ChunkBytes,
		"plaintext_bytes":   m.PlaintextBytes,
		"sha256_ciphertext": m.SHA256Ciphertext,
	})
	logger.WithFields(logrus.Fields{
		"asset_id":    assetID,
		"chunk_bytes": m.ChunkBytes,
		"bytes":       m.PlaintextBytes,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("published asset")
	return nil
}

// wrapAndPersistKey wraps the plaintext DEK through the configured KMIP
// key manager and writes the resulting envelope next to the manifest.
func wrapAndPersistKey(ctx context.Context, cfg config.Config, key [32]byte, assetID, outDir string, metricsReg *metrics.Metrics) (int, error) {
	keys := make([]keysource.KMIPKeyReference, len(cfg.KMIP.Keys))
	for i, k := range cfg.KMIP.Keys {
		keys[i] = keysource.KMIPKeyReference{ID: k.ID, Version: k.Version}
	}

	mgr, err := keysource.NewCosmianKMIPManager(keysource.CosmianKMIPOptions{
		Endpoint:       cfg.KMIP.Endpoint,
		Keys:           keys,
		Timeout:        time.Duration(cfg.KMIP.TimeoutSeconds) * time.Second,
		Provider:       cfg.KMIP.Provider,
		DualReadWindow: cfg.KMIP.DualReadWindow,
	})
	if err != nil {
		return 0, err
	}
	mgr.Metrics = metricsReg
	defer mgr.Close(ctx)

	env, err := mgr.WrapKey(ctx, key[:], map[string]string{"asset_id": assetID})
	if err != nil {
		return 0, err
	}

	envPath := filepath.Join(outDir, assetID+".key.envelope")
	if err := os.WriteFile(envPath, env.Ciphertext, 0600); err != nil {
		return 0, fmt.Errorf("write key envelope: %w", err)
	}
	return env.KeyVersion, nil
}

// uploadArtifacts pushes the ciphertext and manifest files to the
// configured S3-compatible backend under assetID-derived keys.
func uploadArtifacts(ctx context.Context, cfg config.Config, ciphertextPath, manifestPath, assetID string) error {
	client, err := s3.NewClient(&cfg.Backend)
	if err != nil {
		return fmt.Errorf("init backend client: %w", err)
	}

	ciphertext, err := os.Open(ciphertextPath)
	if err != nil {
		return err
	}
	defer ciphertext.Close()
	if err := client.PutObject(ctx, cfg.Backend.Bucket, assetID+".tbenc", ciphertext, nil); err != nil {
		return err
	}

	manifestFile, err := os.Open(manifestPath)
	if err != nil {
		return err
	}
	defer manifestFile.Close()
	return client.PutObject(ctx, cfg.Backend.Bucket, assetID+".manifest.json", manifestFile, map[string]string{
		"Content-Type": "application/json",
	})
}
