package authzcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trustbridge/tbenc/internal/authz"
)

func newTestCache(t *testing.T, handler http.HandlerFunc) (*Cache, *int64) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	inner := authz.NewClient(srv.URL, nil, nil)
	cache := New(client, inner, 5*time.Second, time.Minute, nil)
	return cache, &calls
}

func authorizedHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{
		"status": "authorized",
		"sas_url": "http://blob/model.tbenc",
		"manifest_url": "http://blob/model.manifest.json",
		"decryption_key_hex": "ab",
		"expires_at": "2099-01-01T00:00:00Z"
	}`))
}

func TestAuthorizeCachesResult(t *testing.T) {
	cache, calls := newTestCache(t, authorizedHandler)

	req := authz.Request{ContractID: "c1", AssetID: "asset-1", HWID: "hw1"}
	if _, err := cache.Authorize(context.Background(), req); err != nil {
		t.Fatalf("first Authorize: %v", err)
	}
	if _, err := cache.Authorize(context.Background(), req); err != nil {
		t.Fatalf("second Authorize: %v", err)
	}
	if got := atomic.LoadInt64(calls); got != 1 {
		t.Errorf("collaborator called %d times, want 1", got)
	}
}

func TestAuthorizeDeduplicatesConcurrentCallers(t *testing.T) {
	cache, calls := newTestCache(t, authorizedHandler)

	const n = 10
	var wg sync.WaitGroup
	errsCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Authorize(context.Background(), authz.Request{ContractID: "c1", AssetID: "asset-shared", HWID: "hw1"})
			errsCh <- err
		}()
	}
	wg.Wait()
	close(errsCh)
	for err := range errsCh {
		if err != nil {
			t.Errorf("Authorize returned error: %v", err)
		}
	}
	if got := atomic.LoadInt64(calls); got != 1 {
		t.Errorf("collaborator called %d times for %d concurrent callers, want 1", got, n)
	}
}

func TestAuthorizeDoesNotCacheDenial(t *testing.T) {
	cache, calls := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "denied", "reason": "contract_invalid"}`))
	})

	req := authz.Request{ContractID: "bad", AssetID: "asset-2", HWID: "hw1"}
	if _, err := cache.Authorize(context.Background(), req); err == nil {
		t.Fatal("expected denial error")
	}
	if _, err := cache.Authorize(context.Background(), req); err == nil {
		t.Fatal("expected denial error on second call too")
	}
	if got := atomic.LoadInt64(calls); got != 2 {
		t.Errorf("collaborator called %d times, want 2 (denials must not be cached)", got)
	}
}
