// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coapnet holds the environment configuration of the coapnet
// client transport.
package coapnet

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

var (
	// ErrInvalidPort is returned when a configured port is out of range.
	ErrInvalidPort = errors.New("port out of range")

	// ErrInvalidCacheSize is returned when the cache has no slots.
	ErrInvalidCacheSize = errors.New("cache size must be positive")
)

// Config is the runtime configuration read from the environment.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Socket
	Host       string `env:"HOST"        envDefault:""`
	Port       int    `env:"PORT"        envDefault:"0"`
	IPv6       bool   `env:"IPV6"        envDefault:"false"`
	TCP        bool   `env:"TCP"         envDefault:"false"`
	BufferSize int    `env:"BUFFER_SIZE" envDefault:"2048"`

	// Address cache
	CacheSize       int           `env:"CACHE_SIZE"        envDefault:"5"`
	PrefixURIMatch  bool          `env:"PREFIX_URI_MATCH"  envDefault:"false"`
	ResolveTimeout  time.Duration `env:"RESOLVE_TIMEOUT"   envDefault:"5s"`
	PeerIdleTimeout time.Duration `env:"PEER_IDLE_TIMEOUT" envDefault:"2m"`

	// Resolver circuit breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// Receive loop
	PollInterval    time.Duration `env:"POLL_INTERVAL"     envDefault:"10ms"`
	RateLimitBurst  int64         `env:"RATE_LIMIT_BURST"  envDefault:"50"`
	RateLimitRefill int64         `env:"RATE_LIMIT_REFILL" envDefault:"10"`
	PingInterval    time.Duration `env:"PING_INTERVAL"     envDefault:"30s"`
	ServerURIs      []string      `env:"SERVER_URIS"       envSeparator:","`

	// Secure channel credentials
	PSKIdentity string `env:"PSK_IDENTITY"`
	PSKKey      string `env:"PSK_KEY"`
	CertFile    string `env:"CERT_FILE"`

	// Observability
	MetricsPort int `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int `env:"HEALTH_PORT"  envDefault:"8080"`
}

// NewConfig parses the environment into a Config and validates it.
// Use opts.Prefix to namespace the variables, e.g. "COAPNET_".
func NewConfig(opts env.Options) (Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that env tags cannot express.
func (c Config) Validate() error {
	for name, port := range map[string]int{"PORT": c.Port, "METRICS_PORT": c.MetricsPort, "HEALTH_PORT": c.HealthPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s=%d: %w", name, port, ErrInvalidPort)
		}
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("CACHE_SIZE=%d: %w", c.CacheSize, ErrInvalidCacheSize)
	}
	return nil
}
