// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs a coapnet client transport: it binds the socket,
// resolves the configured servers, probes them with CoAP pings and logs
// everything it receives.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/coapnet"
	"github.com/absmach/coapnet/examples/simple"
	"github.com/absmach/coapnet/pkg/address"
	"github.com/absmach/coapnet/pkg/breaker"
	"github.com/absmach/coapnet/pkg/health"
	"github.com/absmach/coapnet/pkg/metrics"
	"github.com/absmach/coapnet/pkg/poller"
	"github.com/absmach/coapnet/pkg/ratelimit"
	"github.com/absmach/coapnet/pkg/securechannel"
	"github.com/absmach/coapnet/pkg/socket"
	"github.com/benbjohnson/clock"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "COAPNET_"

func main() {
	// .env file is optional
	_ = godotenv.Load()

	cfg, err := coapnet.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New("coapnet", prometheus.DefaultRegisterer)

	cb := breaker.New(breaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
	})
	cb.OnStateChange(func(from, to breaker.State) {
		m.SetBreakerState(int(to))
		logger.Warn("resolver circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	})

	registry := address.NewRegistry(address.Config{
		CacheSize:      cfg.CacheSize,
		PrefixURIMatch: cfg.PrefixURIMatch,
		ResolveTimeout: cfg.ResolveTimeout,
		Breaker:        cb,
		Logger:         logger,
		Metrics:        m,
	})

	// Passthrough is the only channel built in; it does not encrypt.
	var channel securechannel.Channel = securechannel.NewPassthrough(logger)
	_, cleartext := channel.(*securechannel.Passthrough)
	sock := socket.New(socket.Config{
		Type:       socketType(cfg.TCP),
		Host:       cfg.Host,
		Port:       cfg.Port,
		IPv6:       cfg.IPv6,
		BufferSize: cfg.BufferSize,
		Logger:     logger,
		Metrics:    m,
	}, registry, channel)

	if err := configureCredentials(sock, cfg); err != nil {
		logger.Error("failed to configure credentials", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cleartext && (cfg.PSKKey != "" || cfg.CertFile != "") {
		logger.Warn("credentials loaded into a passthrough channel, coaps traffic is not encrypted")
	}

	if err := sock.StartListening(); err != nil {
		logger.Error("failed to start socket", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer sock.Close()

	checker := health.NewChecker(10*time.Second, nil)
	checker.RegisterCritical("socket_bound", func(ctx context.Context) error {
		if sock.Port() == 0 {
			return errors.New("socket not bound")
		}
		return nil
	})
	checker.Register("socket_errors", health.SocketState(health.ErrorSourceFunc(func() string {
		return sock.LastError().String()
	})))
	checker.Register("address_cache", health.CacheSaturation(registry))

	limiter := ratelimit.NewLimiter(cfg.RateLimitBurst, cfg.RateLimitRefill, 0, nil)
	h := &InstrumentedHandler{
		handler: &RateLimitedHandler{
			handler: simple.New(logger),
			limiter: limiter,
			metrics: m,
			logger:  logger,
		},
		metrics: m,
		logger:  logger,
	}

	p := poller.New(poller.Config{
		Interval:       cfg.PollInterval,
		SessionTimeout: cfg.PeerIdleTimeout,
		Logger:         logger,
	}, sock, h)

	pr := newProber(registry, sock, cfg.PingInterval, cleartext, logger)
	defer pr.Close()
	for _, uri := range cfg.ServerURIs {
		uri = strings.TrimSpace(uri)
		if err := pr.Add(ctx, uri); err != nil {
			logger.Warn("server not added",
				slog.String("uri", uri),
				slog.String("error", err.Error()))
		}
	}

	g.Go(func() error {
		return serveHTTP(ctx, "metrics", cfg.MetricsPort, metricsMux(), logger)
	})

	g.Go(func() error {
		return serveHTTP(ctx, "health", cfg.HealthPort, checker.Mux(), logger)
	})

	g.Go(func() error {
		registry.Cleanup(ctx, cfg.PeerIdleTimeout)
		return nil
	})

	g.Go(func() error {
		return expireLimiter(ctx, clock.New(), limiter, cfg.PeerIdleTimeout)
	})

	g.Go(func() error {
		return p.Run(ctx)
	})

	g.Go(func() error {
		return pr.Run(ctx)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("coapnet service terminated with error: %s", err))
	} else {
		logger.Info("coapnet service stopped")
	}
}

func socketType(tcp bool) socket.Type {
	if tcp {
		return socket.UDP | socket.TCP
	}
	return socket.UDP
}

// configureCredentials loads the PSK and certificate into the secure channel.
// PSK_KEY is taken as hex when it decodes, raw bytes otherwise.
func configureCredentials(sock *socket.Socket, cfg coapnet.Config) error {
	if cfg.PSKIdentity != "" || cfg.PSKKey != "" {
		key, err := hex.DecodeString(cfg.PSKKey)
		if err != nil {
			key = []byte(cfg.PSKKey)
		}
		if err := sock.SetPSK([]byte(cfg.PSKIdentity), key); err != nil {
			return fmt.Errorf("psk: %w", err)
		}
	}

	if cfg.CertFile != "" {
		cert, err := os.ReadFile(cfg.CertFile)
		if err != nil {
			return fmt.Errorf("failed to read certificate %s: %w", cfg.CertFile, err)
		}
		format := securechannel.FormatPEM
		if ext := strings.ToLower(filepath.Ext(cfg.CertFile)); ext == ".der" || ext == ".cer" {
			format = securechannel.FormatDER
		}
		if err := sock.SetCertificate(cert, format); err != nil {
			return fmt.Errorf("certificate %s: %w", cfg.CertFile, err)
		}
	}
	return nil
}

func expireLimiter(ctx context.Context, clk clock.Clock, l *ratelimit.Limiter, idle time.Duration) error {
	if idle <= 0 {
		return nil
	}
	ticker := clk.Ticker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Expire(idle)
		}
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// serveHTTP runs an HTTP server until ctx is cancelled. Port 0 disables it.
func serveHTTP(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	if port == 0 {
		return nil
	}

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting "+name+" server", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
