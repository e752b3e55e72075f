package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/trustbridge/tbenc/internal/tbenc/errs"
)

func TestAuthorizeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ContractID != "contract-allow" {
			t.Errorf("contract_id = %q", req.ContractID)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":             "authorized",
			"sas_url":            "http://blob/model.tbenc",
			"manifest_url":       "http://blob/model.manifest.json",
			"decryption_key_hex": "ab",
			"expires_at":         "2026-01-08T12:00:00Z",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	grant, err := c.Authorize(context.Background(), Request{
		ContractID:    "contract-allow",
		AssetID:       "asset-1",
		HWID:          "hw-1",
		ClientVersion: "sentinel/test",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if grant.SASURL != "http://blob/model.tbenc" {
		t.Errorf("sas_url = %q", grant.SASURL)
	}
	if grant.ManifestURL != "http://blob/model.manifest.json" {
		t.Errorf("manifest_url = %q", grant.ManifestURL)
	}
}

func TestAuthorizeDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "denied",
			"reason": "contract_invalid",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	_, err := c.Authorize(context.Background(), Request{ContractID: "bad"})
	if !errors.Is(err, errs.ErrAuthorizationDenied) {
		t.Errorf("expected ErrAuthorizationDenied, got %v", err)
	}
}

func TestAuthorizeTransportError(t *testing.T) {
	c := NewClient("http://127.0.0.1:0/nope", nil, nil)
	_, err := c.Authorize(context.Background(), Request{ContractID: "x"})
	if !errors.Is(err, errs.ErrIoError) {
		t.Errorf("expected ErrIoError, got %v", err)
	}
}
