package metrics

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trustbridge/tbenc/internal/tbenc/decrypt"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.encryptionOperations == nil {
		t.Error("encryptionOperations is nil")
	}
	if m.authzOperationsTotal == nil {
		t.Error("authzOperationsTotal is nil")
	}
	if m.decoderState == nil {
		t.Error("decoderState is nil")
	}
}

func TestMetricsRecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg)

	m.RecordOperation(context.Background(), "encrypt", 100*time.Millisecond, 4096)
	m.RecordOperationError("decrypt", "authentication_failed")
}

func TestMetricsRecordAuthorization(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg)

	m.RecordAuthorization("authorized", 50*time.Millisecond)
	m.RecordAuthorizationCacheHit()
	m.RecordAuthorizationCacheMiss()
}

func TestMetricsRecordBlobFetch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg)

	m.RecordBlobFetch("s3", 30*time.Millisecond)
	m.RecordBlobFetchError("http", "io_error")
}

func TestMetricsSetDecoderState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg)

	m.SetDecoderState(decrypt.StateDecrypting)
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg)

	m.RecordOperation(context.Background(), "encrypt", 100*time.Millisecond, 1024)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	if handler == nil {
		t.Fatal("Handler returned nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	if !contains(body, "tbenc_operations_total") {
		t.Error("expected metrics output to contain tbenc_operations_total")
	}
}

func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return len(substr) == 0
}
