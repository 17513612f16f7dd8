// Package main initializes and starts the pseudonymisation HTTPS server,
// setting up configuration, logging, the mapping database, the backup
// vault, handlers, and mutual TLS.
package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"go.uber.org/zap"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/app"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/config"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/logger"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/server/handler/http"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	// Parse command-line, config file and environment configuration.
	options, err := config.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := options.ValidateServer(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	zapLogger := log.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open the mapping database and the vault, and wire the services.
	a, err := app.New(ctx, options, zapLogger)
	if err != nil {
		zapLogger.Fatal("cannot init application", zap.Error(err))
	}
	defer func() { _ = a.Close() }()
	if a.Vault == nil {
		zapLogger.Warn("no vault recipients configured, restore will not be possible")
	}

	// Purge failed rewrite jobs in the background.
	a.StartCleaner(ctx, options, zapLogger)

	// Build the router with middleware and routes.
	slides := &http.SlideHandler{Slides: a.Orchestrator, Mappings: a.Mappings, Log: zapLogger}
	router := http.NewRouter(slides, zapLogger)

	tlsConfig, err := serverTLS(options.TLS)
	if err != nil {
		zapLogger.Fatal("failed to configure TLS", zap.Error(err))
	}

	// Create and start the HTTPS server.
	server := &nethttp.Server{
		Addr:              options.Address,
		Handler:           router,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zapLogger.Error("shutdown failed", zap.Error(err))
		}
	}()

	zapLogger.Info("starting HTTPS server",
		zap.String("addr", options.Address),
		zap.String("database", options.Database.Driver),
		zap.String("output_dir", options.OutputDir),
	)
	if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		zapLogger.Fatal("failed to start HTTPS server", zap.Error(err))
	}
	zapLogger.Info("server stopped")
}

// serverTLS loads the server pair and requires client certificates signed
// by the operator CA.
func serverTLS(files config.TLS) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server TLS cert/key: %w", err)
	}
	caCert, err := os.ReadFile(files.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
		return nil, errors.New("failed to append CA cert to pool")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
