// Package config holds the venue's scalar configuration.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Address string
	Port    int

	// MaxClients bounds the session worker pool, one worker per
	// connected client.
	MaxClients int

	// AcceptWait bounds a single Accept call so the listener can observe
	// a stop request.
	AcceptWait time.Duration

	// PollInterval is how long a session read suspends before re-checking
	// idleness and shutdown.
	PollInterval time.Duration

	// IdleTimeout closes a session that produced no successful dispatch
	// for this long.
	IdleTimeout time.Duration

	// ShutdownGrace is how long outstanding sessions get to finish on
	// stop before being abandoned.
	ShutdownGrace time.Duration

	// DataDir is where the pebble store lives.
	DataDir string
}

func Default() Config {
	return Config{
		Address:       "0.0.0.0",
		Port:          9001,
		MaxClients:    32,
		AcceptWait:    500 * time.Millisecond,
		PollInterval:  200 * time.Millisecond,
		IdleTimeout:   5 * time.Minute,
		ShutdownGrace: 10 * time.Second,
		DataDir:       "kestrel-data",
	}
}

// LoadFromEnv layers configuration: defaults, then an optional .env file,
// then environment variables.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("ADDRESS"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("MAX_CLIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxClients = n
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	cfg.AcceptWait = envDuration("ACCEPT_WAIT_MS", cfg.AcceptWait)
	cfg.PollInterval = envDuration("POLL_INTERVAL_MS", cfg.PollInterval)
	cfg.IdleTimeout = envDuration("IDLE_TIMEOUT_MS", cfg.IdleTimeout)
	cfg.ShutdownGrace = envDuration("SHUTDOWN_GRACE_MS", cfg.ShutdownGrace)

	return cfg
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
