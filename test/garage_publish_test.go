//go:build integration
// +build integration

package test

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/trustbridge/tbenc/internal/blobsource"
	"github.com/trustbridge/tbenc/internal/s3"
	"github.com/trustbridge/tbenc/internal/tbenc/decrypt"
	"github.com/trustbridge/tbenc/internal/tbenc/encrypt"
	"github.com/trustbridge/tbenc/internal/tbenc/manifest"
)

// TestPublishAndFetchRoundTrip_Garage exercises the real tbpublish/sentinel
// pipeline end to end against a local Garage object store: encrypt a
// plaintext file, upload the ciphertext through internal/s3 (the same
// client cmd/tbpublish uses), then fetch it back through
// internal/blobsource.S3Range (the same source cmd/sentinel uses) and
// decrypt it, verifying the recovered plaintext matches the original.
func TestPublishAndFetchRoundTrip_Garage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	garage := StartGarageServer(t)
	if garage == nil {
		t.Skip("garage server not available")
	}
	defer garage.Stop()

	backendCfg := garage.BackendConfig()
	client, err := s3.NewClient(&backendCfg)
	if err != nil {
		t.Fatalf("init s3 client: %v", err)
	}

	ctx := context.Background()
	dir := t.TempDir()

	plaintext := bytes.Repeat([]byte("tbenc garage round trip "), 4096)
	inPath := filepath.Join(dir, "weights.bin")
	if err := os.WriteFile(inPath, plaintext, 0644); err != nil {
		t.Fatalf("write plaintext fixture: %v", err)
	}

	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	ciphertextPath := filepath.Join(dir, "weights.tbenc")
	result, err := encrypt.EncryptFile(ctx, inPath, ciphertextPath, key, 64*1024)
	if err != nil {
		t.Fatalf("encrypt file: %v", err)
	}

	m, err := manifest.New(*result, "garage-roundtrip-asset", "weights.bin")
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}

	ciphertextFile, err := os.Open(ciphertextPath)
	if err != nil {
		t.Fatalf("open ciphertext: %v", err)
	}
	defer ciphertextFile.Close()
	if err := client.PutObject(ctx, garage.Bucket, "weights.tbenc", ciphertextFile, nil); err != nil {
		t.Fatalf("upload ciphertext: %v", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(backendCfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			backendCfg.AccessKey, backendCfg.SecretKey, "")),
	)
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}
	rawClient := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		o.BaseEndpoint = aws.String(backendCfg.Endpoint)
		o.UsePathStyle = true
	})
	src := blobsource.NewS3Range(rawClient, garage.Bucket, "weights.tbenc")

	sinkPath := filepath.Join(dir, "recovered.bin")
	sink, err := os.Create(sinkPath)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}

	engine := decrypt.NewEngine()
	readySignaled := false
	n, err := engine.DecryptIntoSink(ctx, m, src, key, sink, func() { readySignaled = true })
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !readySignaled {
		t.Error("expected ready callback to fire before decryption completed")
	}
	if n != int64(len(plaintext)) {
		t.Errorf("expected %d bytes decrypted, got %d", len(plaintext), n)
	}

	recovered, err := os.ReadFile(sinkPath)
	if err != nil {
		t.Fatalf("read recovered plaintext: %v", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Error("recovered plaintext does not match original")
	}
}
