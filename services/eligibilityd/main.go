package eligibilityd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"loop/observability/logging"
	telemetry "loop/observability/otel"
)

// PassphraseFunc resolves a keystore passphrase, consulting envVar first.
type PassphraseFunc func(envVar string) (string, error)

// Main runs the eligibility attestation daemon using the provided command
// line flags. passphrase is consulted only when a keystore is configured.
func Main(passphrase PassphraseFunc) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/eligibilityd/config.yaml", "path to eligibilityd config")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("LOOP_ENV"))
	logger := logging.Setup("eligibilityd", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("eligibilityd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	var resolve func() (string, error)
	if passphrase != nil {
		resolve = func() (string, error) { return passphrase(cfg.KeystorePassEnv) }
	}
	key, err := cfg.ResolveSignerKey(resolve)
	if err != nil {
		return fmt.Errorf("load signer key: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	svc, err := Build(ctx, cfg, key, Dependencies{Logger: logger})
	cancel()
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer func() { _ = svc.Close() }()

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(svc.Handler, "eligibilityd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("eligibilityd listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
