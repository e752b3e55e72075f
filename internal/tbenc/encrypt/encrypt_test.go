package encrypt

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/trustbridge/tbenc/internal/tbenc/errs"
	"github.com/trustbridge/tbenc/internal/tbenc/wire"
)

func testKey() [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestEncryptStreamProducesParseableHeader(t *testing.T) {
	var out bytes.Buffer
	shaHex, n, err := EncryptStream(context.Background(), strings.NewReader("hello world"), &out, testKey(), 1024)
	if err != nil {
		t.Fatalf("EncryptStream: %v", err)
	}
	if n != int64(out.Len()) {
		t.Errorf("reported n=%d, actual bytes=%d", n, out.Len())
	}

	sum := sha256.Sum256(out.Bytes())
	if hex.EncodeToString(sum[:]) != shaHex {
		t.Error("returned hash does not match hash of written ciphertext")
	}

	hdr, err := wire.ParseHeader(out.Bytes()[:wire.HeaderSize])
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.ChunkBytes != 1024 {
		t.Errorf("chunk_bytes = %d", hdr.ChunkBytes)
	}
}

func TestEncryptStreamEmptyPlaintextIsHeaderOnly(t *testing.T) {
	var out bytes.Buffer
	_, n, err := EncryptStream(context.Background(), strings.NewReader(""), &out, testKey(), 4096)
	if err != nil {
		t.Fatalf("EncryptStream: %v", err)
	}
	if n != wire.HeaderSize {
		t.Errorf("n = %d, want exactly header size %d for empty plaintext", n, wire.HeaderSize)
	}
}

func TestEncryptStreamExactMultipleOfChunkBytes(t *testing.T) {
	chunkBytes := 1024
	plaintext := bytes.Repeat([]byte{0x42}, chunkBytes*3)

	var out bytes.Buffer
	_, _, err := EncryptStream(context.Background(), bytes.NewReader(plaintext), &out, testKey(), uint32(chunkBytes))
	if err != nil {
		t.Fatalf("EncryptStream: %v", err)
	}

	recordSize := wire.RecordHeaderSize + chunkBytes + wire.TagSize
	wantLen := wire.HeaderSize + recordSize*3
	if out.Len() != wantLen {
		t.Errorf("ciphertext len = %d, want %d (3 full chunks, no trailing empty record)", out.Len(), wantLen)
	}
}

func TestEncryptStreamRejectsChunkBytesOutOfRange(t *testing.T) {
	var out bytes.Buffer
	if _, _, err := EncryptStream(context.Background(), strings.NewReader("x"), &out, testKey(), wire.MinChunkBytes-1); !errors.Is(err, errs.ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestEncryptStreamHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	_, _, err := EncryptStream(ctx, strings.NewReader(strings.Repeat("x", 1<<20)), &out, testKey(), 1024)
	if !errors.Is(err, errs.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

type shortReader struct {
	chunks []string
	i      int
}

func (s *shortReader) Read(p []byte) (int, error) {
	if s.i >= len(s.chunks) {
		return 0, io.EOF
	}
	n := copy(p, s.chunks[s.i])
	s.i++
	return n, nil
}

func TestEncryptStreamAccumulatesShortReads(t *testing.T) {
	src := &shortReader{chunks: []string{strings.Repeat("a", 512), strings.Repeat("b", 256), strings.Repeat("c", 256)}}
	var out bytes.Buffer
	_, _, err := EncryptStream(context.Background(), src, &out, testKey(), 1024)
	if err != nil {
		t.Fatalf("EncryptStream: %v", err)
	}
	// 512+256+256 bytes is exactly one 1024-byte chunk despite arriving as three short reads.
	wantLen := wire.HeaderSize + wire.RecordHeaderSize + 1024 + wire.TagSize
	if out.Len() != wantLen {
		t.Errorf("ciphertext len = %d, want %d", out.Len(), wantLen)
	}
}

func TestEncryptFileWritesAtomicallyAndReturnsResult(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "plain.bin")
	outPath := filepath.Join(dir, "cipher.tbenc")

	plaintext := bytes.Repeat([]byte("weights"), 1000)
	if err := os.WriteFile(inPath, plaintext, 0o600); err != nil {
		t.Fatal(err)
	}

	res, err := EncryptFile(context.Background(), inPath, outPath, testKey(), 4096)
	if err != nil {
		t.Fatalf("EncryptFile: %v", err)
	}
	if res.PlaintextBytes != int64(len(plaintext)) {
		t.Errorf("PlaintextBytes = %d, want %d", res.PlaintextBytes, len(plaintext))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read ciphertext: %v", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != res.SHA256Ciphertext {
		t.Error("manifest hash does not match on-disk ciphertext")
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tbenc-") {
			t.Errorf("temp file %q was not cleaned up", e.Name())
		}
	}
}
