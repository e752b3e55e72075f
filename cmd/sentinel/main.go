// Command sentinel is the tbenc/v1 decoder: it authorizes a decryption
// request against the control plane, fetches the manifest and ciphertext
// for the granted asset, runs the chunked decryption state machine into
// a local sink, and serves health/readiness/metrics endpoints for the
// lifetime of the process.
//
// Grounded on the teacher's cmd/*/main.go startup sequence: config.Load,
// a logrus.Logger configured from Config.LogLevel, an http.Server
// wrapping internal/middleware's logging and recovery middleware, and a
// graceful-shutdown signal handler.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/trustbridge/tbenc/internal/audit"
	"github.com/trustbridge/tbenc/internal/authz"
	"github.com/trustbridge/tbenc/internal/authzcache"
	"github.com/trustbridge/tbenc/internal/blobsource"
	"github.com/trustbridge/tbenc/internal/config"
	"github.com/trustbridge/tbenc/internal/debug"
	"github.com/trustbridge/tbenc/internal/hardware"
	"github.com/trustbridge/tbenc/internal/metrics"
	"github.com/trustbridge/tbenc/internal/middleware"
	"github.com/trustbridge/tbenc/internal/ratio"
	"github.com/trustbridge/tbenc/internal/tbenc/decrypt"
	"github.com/trustbridge/tbenc/internal/tbenc/errs"
	"github.com/trustbridge/tbenc/internal/tbenc/manifest"
	"github.com/trustbridge/tbenc/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	listenAddr := flag.String("listen", ":9090", "address to serve /healthz, /readyz, /livez, /metrics")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *listenAddr); err != nil {
		fmt.Fprintln(os.Stderr, "sentinel:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, listenAddr string) error {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	debug.InitFromConfig(cfg.Debug, cfg.LogLevel)

	hw := hardware.Detect(cfg.Hardware)
	logger.WithField("aes_hardware_support", hw.AESSupport).Info("hardware acceleration diagnostics")

	auditLogger, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		return fmt.Errorf("init audit logger: %w", err)
	}
	defer auditLogger.Close()

	tracerProvider, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing provider: %w", err)
	}
	tracerProvider.Register()
	defer tracerProvider.Shutdown(context.Background())

	metricsReg := metrics.NewMetrics()
	metricsReg.SetHardwareAccelerationStatus("aes", hw.ReportedTrust)
	metricsReg.StartSystemMetricsCollector()

	authzClient := authz.NewClient(cfg.AuthorizationEndpoint, nil, logger)
	authzClient.Metrics = metricsReg
	var az authorizer = authzClient
	if cfg.Cache.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Addr,
			Username: cfg.Cache.Username,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		cache := authzcache.New(rdb, authzClient, cfg.Cache.LockTTL, cfg.Cache.LockTTL, logger)
		cache.Metrics = metricsReg
		az = cache
	}

	allowlist := ratio.NewAllowlist(cfg.AssetIDAllowlist)
	if !allowlist.Allows(cfg.AssetID) {
		return fmt.Errorf("asset_id %q is not present in asset_id_allowlist", cfg.AssetID)
	}

	readiness := newReadinessTracker()

	mux := http.NewServeMux()
	mux.Handle("/healthz", metrics.HealthHandler())
	mux.Handle("/readyz", metrics.ReadinessHandler(readiness.check))
	mux.Handle("/livez", metrics.LivenessHandler())
	mux.Handle("/metrics", metricsReg.Handler())

	handler := middleware.RecoveryMiddleware(logger)(middleware.LoggingMiddleware(logger)(mux))
	server := &http.Server{Addr: listenAddr, Handler: handler}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", listenAddr).Info("serving health and metrics endpoints")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	decryptErr := make(chan error, 1)
	go func() {
		decryptErr <- decryptAsset(ctx, cfg, logger, auditLogger, metricsReg, tracerProvider, az, readiness)
	}()

	select {
	case err := <-decryptErr:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		return err
	case err := <-serverErr:
		return fmt.Errorf("health/metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// authorizer is satisfied by both the bare authz.Client and the
// authzcache.Cache wrapper so callers can swap in request
// de-duplication without changing the decryption pipeline.
type authorizer interface {
	Authorize(context.Context, authz.Request) (*authz.Grant, error)
}

// readinessTracker mirrors the decoder's decrypt.State for the /readyz
// handler, which runs on the http.Server's goroutine and must never
// block on or race with the decryptAsset goroutine driving the engine.
// Per spec §4.4, only StateReady/StateDone report healthy, and
// StateFailed must stay unhealthy for the rest of the process lifetime.
type readinessTracker struct {
	state atomic.Int32
}

func newReadinessTracker() *readinessTracker {
	t := &readinessTracker{}
	t.state.Store(int32(decrypt.StateInit))
	return t
}

func (t *readinessTracker) set(s decrypt.State) {
	t.state.Store(int32(s))
}

func (t *readinessTracker) check(context.Context) error {
	switch s := decrypt.State(t.state.Load()); s {
	case decrypt.StateReady, decrypt.StateDone:
		return nil
	default:
		return fmt.Errorf("decoder not ready: state=%s", s)
	}
}

// decryptAsset runs the single authorize-fetch-decrypt pipeline for the
// asset named by Config.AssetID, writing the recovered plaintext to
// Config.SinkPath and touching Config.ReadySignalPath once the decoder
// reaches the Ready state.
func decryptAsset(
	ctx context.Context,
	cfg config.Config,
	logger *logrus.Logger,
	auditLogger audit.Logger,
	metricsReg *metrics.Metrics,
	tracerProvider *tracing.Provider,
	az authorizer,
	readiness *readinessTracker,
) error {
	start := time.Now()

	grant, err := az.Authorize(ctx, authz.Request{
		ContractID:    cfg.ContractID,
		AssetID:       cfg.AssetID,
		HWID:          cfg.HWID,
		ClientVersion: manifest.Format,
	})
	authorized := err == nil
	auditLogger.LogAuthorize(cfg.ContractID, cfg.AssetID, authorized, err, time.Since(start))
	if err != nil {
		readiness.set(decrypt.StateFailed)
		return fmt.Errorf("authorize asset %s: %w", cfg.AssetID, err)
	}

	key, err := hex.DecodeString(grant.DecryptionKeyHex)
	if err != nil || len(key) != 32 {
		readiness.set(decrypt.StateFailed)
		return fmt.Errorf("grant returned malformed decryption key: %w", errs.ErrInvalidParameter)
	}
	var dek [32]byte
	copy(dek[:], key)

	httpSrc := blobsource.NewHTTPRange(nil, grant.SASURL)
	httpSrc.Metrics = metricsReg
	m, err := fetchManifest(ctx, grant.ManifestURL, metricsReg)
	if err != nil {
		readiness.set(decrypt.StateFailed)
		return fmt.Errorf("fetch manifest: %w", err)
	}

	sink, err := os.OpenFile(cfg.SinkPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		readiness.set(decrypt.StateFailed)
		return fmt.Errorf("open sink %s: %w", cfg.SinkPath, err)
	}

	engine := decrypt.NewEngineWithOptions(tracerProvider.Tracer("tbenc/sentinel"), metricsReg)
	ready := func() {
		metricsReg.SetDecoderState(decrypt.StateReady)
		readiness.set(decrypt.StateReady)
		if cfg.ReadySignalPath != "" {
			if f, err := os.Create(cfg.ReadySignalPath); err == nil {
				f.Close()
			}
		}
	}

	decStart := time.Now()
	n, err := engine.DecryptIntoSink(ctx, m, httpSrc, dek, sink, ready)
	metricsReg.SetDecoderState(engine.State())
	readiness.set(engine.State())
	auditLogger.LogDecrypt(cfg.AssetID, m.AlgoName, 0, err == nil, err, time.Since(decStart), map[string]interface{}{
		"bytes_written": n,
	})
	if err != nil {
		metricsReg.RecordOperationError("decrypt", classifyError(err))
		return fmt.Errorf("decrypt asset %s: %w", cfg.AssetID, err)
	}
	metricsReg.RecordOperation(ctx, "decrypt", time.Since(decStart), n)
	logger.WithFields(logrus.Fields{
		"asset_id": cfg.AssetID,
		"bytes":    n,
	}).Info("decryption complete")
	return nil
}

func fetchManifest(ctx context.Context, url string, metricsReg *metrics.Metrics) (*manifest.Manifest, error) {
	src := blobsource.NewHTTPRange(nil, url)
	src.Metrics = metricsReg
	size, err := src.Size(ctx)
	if err != nil {
		return nil, err
	}
	rc, err := src.ReadRange(ctx, 0, size)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := make([]byte, size)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return nil, err
	}
	return manifest.Parse(buf)
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, errs.ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, errs.ErrCiphertextHashMismatch):
		return "ciphertext_hash_mismatch"
	case errors.Is(err, errs.ErrIoError):
		return "io_error"
	default:
		return "other"
	}
}
