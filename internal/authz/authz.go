// Package authz implements the tbenc authorization collaborator
// protocol: a single POST call that exchanges contract/asset/hardware
// identity for a time-limited grant (ciphertext location, manifest
// location, decryption key).
//
// Grounded on original_source/e2e/controlplane-mock/server.py, the
// reference mock of this endpoint, for the exact JSON request/response
// shapes, and on the teacher's logrus-based request logging style
// (internal/middleware/logging.go) for the client-side log fields.
package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trustbridge/tbenc/internal/tbenc/errs"
)

// Request is the body of a POST to the authorization endpoint.
type Request struct {
	ContractID    string `json:"contract_id"`
	AssetID       string `json:"asset_id"`
	HWID          string `json:"hw_id"`
	Attestation   string `json:"attestation,omitempty"`
	ClientVersion string `json:"client_version"`
}

// Grant is the parsed response of a successful ("authorized") call.
type Grant struct {
	Status            string    `json:"status"`
	SASURL            string    `json:"sas_url"`
	ManifestURL       string    `json:"manifest_url"`
	DecryptionKeyHex  string    `json:"decryption_key_hex"`
	ExpiresAt         time.Time `json:"expires_at"`
}

type denialResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Metrics receives authorization round-trip counts and latencies;
// satisfied by *internal/metrics.Metrics. Optional — a nil Metrics
// field on Client disables recording.
type Metrics interface {
	RecordAuthorization(status string, duration time.Duration)
}

// Client calls the authorization endpoint over HTTP.
type Client struct {
	HTTPClient *http.Client
	Endpoint   string
	Logger     *logrus.Logger
	Metrics    Metrics
}

// NewClient constructs a Client. If httpClient is nil, http.DefaultClient
// is used; if logger is nil, logrus.StandardLogger() is used.
func NewClient(endpoint string, httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{HTTPClient: httpClient, Endpoint: endpoint, Logger: logger}
}

// Authorize performs one authorization request. A "denied" response is
// reported as ErrAuthorizationDenied, not as a transport error — per
// spec §6, the decoder must not proceed past Init on denial.
func (c *Client) Authorize(ctx context.Context, req Request) (*Grant, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode authorization request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build authorization request: %w: %w", err, errs.ErrIoError)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		c.Logger.WithFields(logrus.Fields{
			"contract_id": req.ContractID,
			"asset_id":    req.AssetID,
			"error":       err.Error(),
		}).Warn("authorization request failed")
		return nil, fmt.Errorf("authorization request: %w: %w", err, errs.ErrIoError)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read authorization response: %w: %w", err, errs.ErrIoError)
	}

	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse authorization response: %w: %w", err, errs.ErrIoError)
	}

	logFields := logrus.Fields{
		"contract_id": req.ContractID,
		"asset_id":    req.AssetID,
		"status":      probe.Status,
		"duration_ms": time.Since(start).Milliseconds(),
		"http_status": resp.StatusCode,
	}

	if probe.Status != "authorized" {
		var denial denialResponse
		_ = json.Unmarshal(data, &denial)
		logFields["reason"] = denial.Reason
		c.Logger.WithFields(logFields).Warn("authorization denied")
		if c.Metrics != nil {
			c.Metrics.RecordAuthorization("denied", time.Since(start))
		}
		return nil, fmt.Errorf("authorization denied (%s): %w", denial.Reason, errs.ErrAuthorizationDenied)
	}

	var grant Grant
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, fmt.Errorf("parse authorization grant: %w: %w", err, errs.ErrIoError)
	}
	c.Logger.WithFields(logFields).Info("authorization granted")
	if c.Metrics != nil {
		c.Metrics.RecordAuthorization("authorized", time.Since(start))
	}
	return &grant, nil
}
