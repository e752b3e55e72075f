package blobsource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/trustbridge/tbenc/internal/tbenc/decrypt"
	"github.com/trustbridge/tbenc/internal/tbenc/errs"
)

// FetchAndHash downloads src in full and returns its bytes plus the
// lowercase-hex SHA-256 of exactly the bytes in source order. Up to
// concurrency range reads are issued in flight at once, but the hash is
// always folded in ascending offset order regardless of which range
// completes first — this is the range-parallel download spec §5
// permits ("the reader may also parallelize range reads, provided the
// hash is computed in order"). concurrency <= 1 degrades to strictly
// sequential fetch.
func FetchAndHash(ctx context.Context, src decrypt.RangeSource, partSize int64, concurrency int) ([]byte, string, error) {
	if partSize <= 0 {
		partSize = 8 * 1024 * 1024
	}
	if concurrency < 1 {
		concurrency = 1
	}

	size, err := src.Size(ctx)
	if err != nil {
		return nil, "", err
	}
	if size == 0 {
		return nil, hex.EncodeToString(sha256.New().Sum(nil)), nil
	}

	numParts := int((size + partSize - 1) / partSize)
	parts := make([][]byte, numParts)

	type job struct {
		index  int
		offset int64
		length int64
	}
	jobs := make(chan job, numParts)
	for i := 0; i < numParts; i++ {
		offset := int64(i) * partSize
		length := partSize
		if offset+length > size {
			length = size - offset
		}
		jobs <- job{index: i, offset: offset, length: length}
	}
	close(jobs)

	var (
		mu      sync.Mutex
		firstErr error
	)
	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				mu.Lock()
				failed := firstErr != nil
				mu.Unlock()
				if failed {
					return
				}

				rc, err := src.ReadRange(ctx, j.offset, j.length)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				data, err := io.ReadAll(rc)
				closeErr := rc.Close()
				if err == nil {
					err = closeErr
				}
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("read part %d: %w: %w", j.index, err, errs.ErrIoError)
					}
					mu.Unlock()
					return
				}
				parts[j.index] = data
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, "", firstErr
	}

	hash := sha256.New()
	buf := make([]byte, 0, size)
	for _, p := range parts {
		hash.Write(p)
		buf = append(buf, p...)
	}

	return buf, hex.EncodeToString(hash.Sum(nil)), nil
}
