// Package encrypt implements the tbenc/v1 Encryption Engine: a
// single-threaded, sequential AES-256-GCM chunked writer. Every chunk is
// authenticated independently with a per-chunk nonce and AAD derived
// from internal/tbenc/wire, and the running SHA-256 of the emitted
// ciphertext is accumulated in the same order bytes are written so the
// final digest matches exactly what a decoder will re-verify.
//
// Adapted from a prior S3 gateway's chunkedEncryptReader: the
// size-classed buffer pool and chunk-loop shape are kept, but the
// worker-pool/pipeline concurrency is removed — the ordering invariant
// this format relies on (nonce = prefix || chunk_index) forbids
// encrypting chunks out of order.
package encrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/trustbridge/tbenc/internal/buffer"
	"github.com/trustbridge/tbenc/internal/tbenc/errs"
	"github.com/trustbridge/tbenc/internal/tbenc/manifest"
	"github.com/trustbridge/tbenc/internal/tbenc/wire"
)

// EncryptStream reads all of src, encrypts it as a tbenc/v1 stream
// (header followed by sequential chunk records) into dst, and returns
// the lowercase-hex SHA-256 of exactly the bytes written to dst plus
// the total byte count. key must be a 32-byte AES-256 key.
func EncryptStream(ctx context.Context, src io.Reader, dst io.Writer, key [32]byte, chunkBytes uint32) (shaHex string, n int64, err error) {
	return EncryptStreamWithRecorder(ctx, src, dst, key, chunkBytes, nil)
}

// EncryptStreamWithRecorder is EncryptStream with its chunk buffer pool
// wired to recorder (e.g. the process's Prometheus buffer-pool
// hit/miss counters). A nil recorder behaves exactly like EncryptStream.
func EncryptStreamWithRecorder(ctx context.Context, src io.Reader, dst io.Writer, key [32]byte, chunkBytes uint32, recorder buffer.HitMissRecorder) (shaHex string, n int64, err error) {
	if chunkBytes < wire.MinChunkBytes || chunkBytes > wire.MaxChunkBytes {
		return "", 0, fmt.Errorf("chunk_bytes %d out of range: %w", chunkBytes, errs.ErrInvalidParameter)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", 0, fmt.Errorf("init aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", 0, fmt.Errorf("init gcm: %w", err)
	}

	var noncePrefix [wire.NoncePrefixSize]byte
	if _, err := rand.Read(noncePrefix[:]); err != nil {
		return "", 0, fmt.Errorf("generate nonce prefix: %w: %w", err, errs.ErrIoError)
	}

	hdrBytes, err := wire.BuildHeader(chunkBytes, noncePrefix[:])
	if err != nil {
		return "", 0, err
	}

	hash := sha256.New()
	cw := io.MultiWriter(dst, hash)
	if _, err := cw.Write(hdrBytes); err != nil {
		return "", 0, fmt.Errorf("write header: %w: %w", err, errs.ErrIoError)
	}
	n += int64(len(hdrBytes))

	pool := buffer.NewPoolWithRecorder(recorder)
	plainBuf := pool.Get(int(chunkBytes))
	defer pool.Put(plainBuf)

	var chunkIndex uint64
	for {
		select {
		case <-ctx.Done():
			return "", 0, fmt.Errorf("encrypt cancelled: %w: %w", ctx.Err(), errs.ErrCancelled)
		default:
		}

		nRead, readErr := readFullOrEOF(src, plainBuf)
		if nRead > 0 {
			plaintext := plainBuf[:nRead]
			nonce := wire.DeriveNonce(noncePrefix, chunkIndex)
			aad := wire.BuildAAD(chunkBytes, noncePrefix, chunkIndex, uint32(nRead))

			sealed := aead.Seal(nil, nonce[:], plaintext, aad)

			recHdr := wire.PackRecordHeader(uint32(nRead))
			if _, err := cw.Write(recHdr); err != nil {
				return "", 0, fmt.Errorf("write record header: %w: %w", err, errs.ErrIoError)
			}
			if _, err := cw.Write(sealed); err != nil {
				return "", 0, fmt.Errorf("write record body: %w: %w", err, errs.ErrIoError)
			}
			n += int64(len(recHdr) + len(sealed))
			chunkIndex++
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", 0, fmt.Errorf("read plaintext: %w: %w", readErr, errs.ErrIoError)
		}
	}

	return hex.EncodeToString(hash.Sum(nil)), n, nil
}

// readFullOrEOF accumulates up to len(buf) bytes from r, looping across
// short and zero-length reads (io.Reader permits both without signaling
// EOF), and returns io.EOF only once the source is actually exhausted —
// matching spec.md §4.3's explicit tie-break over the reference Python
// encoder's single-read-per-chunk loop. A reader that returns (0, nil)
// maxEmptyReads times in a row yields io.ErrNoProgress.
func readFullOrEOF(r io.Reader, buf []byte) (int, error) {
	const maxEmptyReads = 100
	total, empty := 0, 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if err == io.EOF {
				if total > 0 {
					return total, nil
				}
				return 0, io.EOF
			}
			return total, err
		}
		if n == 0 {
			// A reader returning (0, nil) on every call would spin
			// forever; give up after maxEmptyReads consecutive empty reads.
			empty++
			if empty >= maxEmptyReads {
				return total, io.ErrNoProgress
			}
		} else {
			empty = 0
		}
	}
	return total, nil
}

// EncryptFile encrypts the file at inPath into outPath (written
// atomically: a temp file in the same directory, then renamed into
// place) and returns the manifest.Result the caller passes to
// manifest.New for the side-car document.
func EncryptFile(ctx context.Context, inPath, outPath string, key [32]byte, chunkBytes uint32) (*manifest.Result, error) {
	return EncryptFileWithRecorder(ctx, inPath, outPath, key, chunkBytes, nil)
}

// EncryptFileWithRecorder is EncryptFile with its chunk buffer pool
// wired to recorder. A nil recorder behaves exactly like EncryptFile.
func EncryptFileWithRecorder(ctx context.Context, inPath, outPath string, key [32]byte, chunkBytes uint32, recorder buffer.HitMissRecorder) (*manifest.Result, error) {
	in, err := os.Open(inPath)
	if err != nil {
		return nil, fmt.Errorf("open input: %w: %w", err, errs.ErrIoError)
	}
	defer in.Close()

	dir := filepath.Dir(outPath)
	tmp, err := os.CreateTemp(dir, ".tbenc-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp ciphertext: %w: %w", err, errs.ErrIoError)
	}
	tmpPath := tmp.Name()
	succeeded := false
	defer func() {
		tmp.Close()
		if !succeeded {
			os.Remove(tmpPath)
		}
	}()

	shaHex, _, err := EncryptStreamWithRecorder(ctx, in, tmp, key, chunkBytes, recorder)
	if err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("sync ciphertext: %w: %w", err, errs.ErrIoError)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close ciphertext: %w: %w", err, errs.ErrIoError)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return nil, fmt.Errorf("rename ciphertext into place: %w: %w", err, errs.ErrIoError)
	}
	succeeded = true

	plaintextBytes, err := in.Seek(0, io.SeekCurrent)
	if err != nil {
		plaintextBytes = 0
	}

	return &manifest.Result{
		ChunkBytes:       chunkBytes,
		PlaintextBytes:   plaintextBytes,
		SHA256Ciphertext: shaHex,
	}, nil
}
