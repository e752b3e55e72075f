// Package blobsource implements the tbenc/v1 ciphertext transport: two
// concrete RangeSource backends (plain HTTP Range requests and S3
// ranged GetObject), plus FetchAndHash, the range-parallel download
// helper spec §5 explicitly allows ("the reader may also parallelize
// range reads, provided the hash is computed in order").
//
// Grounded on a prior S3 gateway's internal/s3/client.go (aws-sdk-go-v2
// wiring) and internal/crypto/range_optimization.go (HTTP Range header
// parsing), generalized from a transparent encrypting proxy's
// whole-object GetObject/PutObject calls down to the two ranged
// operations tbenc's decoder actually needs.
package blobsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/trustbridge/tbenc/internal/tbenc/decrypt"
	"github.com/trustbridge/tbenc/internal/tbenc/errs"
)

// Metrics receives ciphertext range-fetch counts and latencies;
// satisfied by *internal/metrics.Metrics. Optional — a nil Metrics
// field on HTTPRange/S3Range disables recording.
type Metrics interface {
	RecordBlobFetch(source string, duration time.Duration)
	RecordBlobFetchError(source, errorType string)
}

// HTTPRange is a decrypt.RangeSource backed by an HTTP server that
// honors Range requests (spec §6 / original_source/e2e/blob-server).
type HTTPRange struct {
	Client  *http.Client
	URL     string
	Metrics Metrics
}

// NewHTTPRange constructs an HTTPRange using http.DefaultClient if client is nil.
func NewHTTPRange(client *http.Client, url string) *HTTPRange {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRange{Client: client, URL: url}
}

// Size issues a Range: bytes=0-0 request and reads the total size back
// from the Content-Range response header, matching the contract of
// original_source/e2e/blob-server/server.py's parse_range_header.
func (h *HTTPRange) Size(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build size probe request: %w: %w", err, errs.ErrIoError)
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe ciphertext size: %w: %w", err, errs.ErrIoError)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return parseContentRangeTotal(resp.Header.Get("Content-Range"))
	case http.StatusOK:
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			return strconv.ParseInt(cl, 10, 64)
		}
		return 0, fmt.Errorf("server did not report size: %w", errs.ErrIoError)
	default:
		return 0, fmt.Errorf("size probe returned status %d: %w", resp.StatusCode, errs.ErrIoError)
	}
}

func parseContentRangeTotal(header string) (int64, error) {
	// Format: "bytes start-end/total"
	idx := strings.LastIndexByte(header, '/')
	if idx < 0 || idx == len(header)-1 {
		return 0, fmt.Errorf("malformed Content-Range %q: %w", header, errs.ErrIoError)
	}
	return strconv.ParseInt(header[idx+1:], 10, 64)
}

// ReadRange performs a single Range: bytes=offset-(offset+length-1) request.
func (h *HTTPRange) ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("invalid range [%d,+%d): %w", offset, length, errs.ErrInvalidParameter)
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		h.recordError("malformed_request")
		return nil, fmt.Errorf("build range request: %w: %w", err, errs.ErrIoError)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := h.Client.Do(req)
	if err != nil {
		h.recordError("transport")
		return nil, fmt.Errorf("fetch range: %w: %w", err, errs.ErrIoError)
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		resp.Body.Close()
		h.recordError("range_not_satisfiable")
		return nil, fmt.Errorf("range [%d,+%d) not satisfiable: %w", offset, length, errs.ErrInvalidParameter)
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		h.recordError("bad_status")
		return nil, fmt.Errorf("range request returned status %d: %w", resp.StatusCode, errs.ErrIoError)
	}
	if h.Metrics != nil {
		h.Metrics.RecordBlobFetch("http", time.Since(start))
	}
	return resp.Body, nil
}

func (h *HTTPRange) recordError(errorType string) {
	if h.Metrics != nil {
		h.Metrics.RecordBlobFetchError("http", errorType)
	}
}

// S3API is the subset of the AWS SDK v2 S3 client this package depends
// on, so tests can supply a fake without constructing a real client.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Range is a decrypt.RangeSource backed by ranged S3 GetObject calls.
type S3Range struct {
	API     S3API
	Bucket  string
	Key     string
	Metrics Metrics
}

// NewS3Range constructs an S3Range over an existing S3 client.
func NewS3Range(api S3API, bucket, key string) *S3Range {
	return &S3Range{API: api, Bucket: bucket, Key: key}
}

// Size issues a HeadObject call and returns ContentLength.
func (s *S3Range) Size(ctx context.Context) (int64, error) {
	out, err := s.API.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return 0, fmt.Errorf("head object %s/%s: %w: %w", s.Bucket, s.Key, err, errs.ErrIoError)
	}
	if out.ContentLength == nil {
		return 0, fmt.Errorf("head object %s/%s: missing content length: %w", s.Bucket, s.Key, errs.ErrIoError)
	}
	return *out.ContentLength, nil
}

// ReadRange issues a ranged GetObject call.
func (s *S3Range) ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("invalid range [%d,+%d): %w", offset, length, errs.ErrInvalidParameter)
	}
	start := time.Now()
	rangeSpec := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	out, err := s.API.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
		Range:  aws.String(rangeSpec),
	})
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.RecordBlobFetchError("s3", "get_object")
		}
		return nil, fmt.Errorf("get object %s/%s range %s: %w: %w", s.Bucket, s.Key, rangeSpec, err, errs.ErrIoError)
	}
	if s.Metrics != nil {
		s.Metrics.RecordBlobFetch("s3", time.Since(start))
	}
	return out.Body, nil
}

// Ensure both backends satisfy the engine's RangeSource contract at compile time.
var (
	_ decrypt.RangeSource = (*HTTPRange)(nil)
	_ decrypt.RangeSource = (*S3Range)(nil)
)
