// Command loadtest measures encrypt/decrypt throughput of the tbenc/v1
// chunked engines directly, in process, for one object size and chunk
// size per run, and checks the result against a saved JSON baseline
// to catch throughput regressions.
//
// Adapted from the teacher's loadtest runner: same CLI flag shape
// (workers/duration/qps-style knobs collapsed to what a sequential
// chunked engine can actually use), the same baseline-JSON-file
// regression-check idea, and the same logrus-based run summary. Unlike
// the teacher's HTTP load generator driving a long-running gateway
// process, this tool has no server to drive — tbenc/v1's encoder and
// decoder are one-shot pipelines — so it benchmarks the library calls
// cmd/tbpublish and cmd/sentinel make, concurrently across independent
// assets to report aggregate throughput.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/perf/benchstat"

	"github.com/trustbridge/tbenc/internal/tbenc/decrypt"
	"github.com/trustbridge/tbenc/internal/tbenc/encrypt"
	"github.com/trustbridge/tbenc/internal/tbenc/manifest"
)

// baseline is the saved throughput reference loaded from / written to
// -baseline-file, keyed by object size, chunk size and concurrency
// ("size_chunk_concurrency") so the same file can track
// multiple benchmark configurations.
type baseline struct {
	Results map[string]throughputResult `json:"results"`
}

type throughputResult struct {
	ObjectSizeBytes    int64   `json:"object_size_bytes"`
	ChunkSizeBytes     uint32  `json:"chunk_size_bytes"`
	Concurrency        int     `json:"concurrency"`
	EncryptMBPerSecond float64 `json:"encrypt_mb_per_second"`
	DecryptMBPerSecond float64 `json:"decrypt_mb_per_second"`
}

func main() {
	objectSize := flag.Int64("object-size", 50*1024*1024, "plaintext object size in bytes")
	chunkSize := flag.Int64("chunk-size", 4*1024*1024, "tbenc chunk_bytes")
	concurrency := flag.Int("concurrency", 4, "number of independent assets encrypted/decrypted concurrently")
	baselineFile := flag.String("baseline-file", "testdata/baselines/loadtest_baseline.json", "path to the throughput baseline JSON file")
	updateBaseline := flag.Bool("update-baseline", false, "write this run's results as the new baseline instead of checking regression")
	threshold := flag.Float64("threshold", 10.0, "allowed throughput regression percentage before the run fails")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if err := run(logger, *objectSize, uint32(*chunkSize), *concurrency, *baselineFile, *updateBaseline, *threshold); err != nil {
		logger.WithError(err).Fatal("load test failed")
	}
}

func run(logger *logrus.Logger, objectSize int64, chunkSize uint32, concurrency int, baselineFile string, updateBaselineFlag bool, thresholdPct float64) error {
	fmt.Println("=== tbenc chunked engine throughput benchmark ===")
	fmt.Printf("Object size:  %d bytes\n", objectSize)
	fmt.Printf("Chunk size:   %d bytes\n", chunkSize)
	fmt.Printf("Concurrency:  %d\n", concurrency)
	fmt.Println()

	plaintext := make([]byte, objectSize)
	if _, err := rand.Read(plaintext); err != nil {
		return fmt.Errorf("generate plaintext fixture: %w", err)
	}

	encryptMBps, ciphertexts, manifests, keys, err := benchmarkEncrypt(plaintext, chunkSize, concurrency)
	if err != nil {
		return fmt.Errorf("encrypt benchmark: %w", err)
	}
	logger.WithField("mb_per_second", encryptMBps).Info("encrypt throughput")

	decryptMBps, err := benchmarkDecrypt(ciphertexts, manifests, keys, concurrency)
	if err != nil {
		return fmt.Errorf("decrypt benchmark: %w", err)
	}
	logger.WithField("mb_per_second", decryptMBps).Info("decrypt throughput")

	result := throughputResult{
		ObjectSizeBytes:    objectSize,
		ChunkSizeBytes:     chunkSize,
		Concurrency:        concurrency,
		EncryptMBPerSecond: encryptMBps,
		DecryptMBPerSecond: decryptMBps,
	}
	key := fmt.Sprintf("%d_%d_%d", objectSize, chunkSize, concurrency)

	if updateBaselineFlag {
		return writeBaseline(baselineFile, key, result)
	}
	return checkRegression(baselineFile, key, result, thresholdPct)
}

// benchmarkEncrypt runs concurrency independent EncryptStream calls over
// the same plaintext and returns aggregate MB/s plus the artifacts
// needed to round-trip through benchmarkDecrypt.
func benchmarkEncrypt(plaintext []byte, chunkSize uint32, concurrency int) (float64, [][]byte, []*manifest.Manifest, [][32]byte, error) {
	ciphertexts := make([][]byte, concurrency)
	manifests := make([]*manifest.Manifest, concurrency)
	keys := make([][32]byte, concurrency)

	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	start := time.Now()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var key [32]byte
			if _, err := rand.Read(key[:]); err != nil {
				errs[i] = err
				return
			}

			var buf writeBuffer
			shaHex, n, err := encrypt.EncryptStream(context.Background(), newByteReader(plaintext), &buf, key, chunkSize)
			if err != nil {
				errs[i] = err
				return
			}

			m, err := manifest.New(manifest.Result{ChunkBytes: chunkSize, PlaintextBytes: int64(len(plaintext)), SHA256Ciphertext: shaHex}, fmt.Sprintf("loadtest-asset-%d", i), "loadtest.bin")
			if err != nil {
				errs[i] = err
				return
			}

			ciphertexts[i] = buf.Bytes()
			manifests[i] = m
			keys[i] = key
			_ = n
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for _, err := range errs {
		if err != nil {
			return 0, nil, nil, nil, err
		}
	}

	totalBytes := int64(len(plaintext)) * int64(concurrency)
	mbps := (float64(totalBytes) / (1024 * 1024)) / elapsed.Seconds()
	return mbps, ciphertexts, manifests, keys, nil
}

// benchmarkDecrypt runs concurrency independent DecryptIntoSink calls
// and returns aggregate MB/s.
func benchmarkDecrypt(ciphertexts [][]byte, manifests []*manifest.Manifest, keys [][32]byte, concurrency int) (float64, error) {
	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	totalBytes := make([]int64, concurrency)
	start := time.Now()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			engine := decrypt.NewEngine()
			src := &inMemoryRangeSource{data: ciphertexts[i]}
			sink := &discardWriteCloser{}
			n, err := engine.DecryptIntoSink(context.Background(), manifests[i], src, keys[i], sink, func() {})
			if err != nil {
				errs[i] = err
				return
			}
			totalBytes[i] = n
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	var sum int64
	for i, err := range errs {
		if err != nil {
			return 0, err
		}
		sum += totalBytes[i]
	}
	mbps := (float64(sum) / (1024 * 1024)) / elapsed.Seconds()
	return mbps, nil
}

func writeBaseline(path, key string, result throughputResult) error {
	b := loadBaselineFile(path)
	if b.Results == nil {
		b.Results = make(map[string]throughputResult)
	}
	b.Results[key] = result

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dirOf(path), 0755); err != nil {
		return err
	}
	fmt.Printf("Updated baseline %s for configuration %s\n", path, key)
	return os.WriteFile(path, data, 0644)
}

func checkRegression(path, key string, result throughputResult, thresholdPct float64) error {
	b := loadBaselineFile(path)
	prior, ok := b.Results[key]
	if !ok {
		fmt.Printf("No baseline recorded for configuration %s; run with -update-baseline to create one\n", key)
		return nil
	}

	if err := printBenchstatComparison(prior, result); err != nil {
		fmt.Printf("benchstat comparison unavailable: %v\n", err)
	}

	encryptDrop := percentDrop(prior.EncryptMBPerSecond, result.EncryptMBPerSecond)
	decryptDrop := percentDrop(prior.DecryptMBPerSecond, result.DecryptMBPerSecond)

	if encryptDrop > thresholdPct {
		return fmt.Errorf("encrypt throughput regressed %.1f%%, exceeding threshold %.1f%%", encryptDrop, thresholdPct)
	}
	if decryptDrop > thresholdPct {
		return fmt.Errorf("decrypt throughput regressed %.1f%%, exceeding threshold %.1f%%", decryptDrop, thresholdPct)
	}
	return nil
}

// printBenchstatComparison renders a benchstat-style table comparing the
// baseline run against the current one, the same statistics summary the
// teacher's regression checks relied on, applied here to throughput
// instead of ns/op.
func printBenchstatComparison(prior, current throughputResult) error {
	var c benchstat.Collection
	c.Alpha = 0.05
	if err := c.AddConfig("baseline", formatBenchLines(prior)); err != nil {
		return fmt.Errorf("parse baseline benchmark data: %w", err)
	}
	if err := c.AddConfig("current", formatBenchLines(current)); err != nil {
		return fmt.Errorf("parse current benchmark data: %w", err)
	}
	var buf bytes.Buffer
	benchstat.FormatText(&buf, c.Tables())
	fmt.Print(buf.String())
	return nil
}

// formatBenchLines renders a throughputResult as Go benchmark output lines
// so benchstat can parse and compare it like any other `go test -bench`
// result.
func formatBenchLines(result throughputResult) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "BenchmarkEncrypt 1 %.2f MB/s\n", result.EncryptMBPerSecond)
	fmt.Fprintf(&buf, "BenchmarkDecrypt 1 %.2f MB/s\n", result.DecryptMBPerSecond)
	return buf.Bytes()
}

func percentDrop(baseline, current float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return ((baseline - current) / baseline) * 100
}

func loadBaselineFile(path string) baseline {
	data, err := os.ReadFile(path)
	if err != nil {
		return baseline{Results: make(map[string]throughputResult)}
	}
	var b baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return baseline{Results: make(map[string]throughputResult)}
	}
	if b.Results == nil {
		b.Results = make(map[string]throughputResult)
	}
	return b
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// writeBuffer is an in-memory io.Writer the encrypt benchmark writes
// ciphertext into, avoiding disk I/O from the throughput measurement.
type writeBuffer struct {
	data []byte
}

func (b *writeBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *writeBuffer) Bytes() []byte { return b.data }

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// inMemoryRangeSource satisfies decrypt.RangeSource over an in-memory
// ciphertext buffer, avoiding network/disk I/O from the throughput
// measurement.
type inMemoryRangeSource struct{ data []byte }

func (s *inMemoryRangeSource) Size(ctx context.Context) (int64, error) {
	return int64(len(s.data)), nil
}

func (s *inMemoryRangeSource) ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	end := offset + length
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	return io.NopCloser(newByteReaderFrom(s.data[offset:end])), nil
}

func newByteReaderFrom(b []byte) io.Reader { return &byteReader{data: b} }

type discardWriteCloser struct{}

func (discardWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriteCloser) Close() error                { return nil }
