// Package config loads server settings from a TOML file, the same way the
// teacher's own experiment harness parses its TestCase fixtures
// (sim/exp.go).
package config

import (
	"errors"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable of the server shell. Load starts from Default,
// so fields a file leaves unset keep their default values; a field the file
// sets to zero stays zero and fails Validate.
type Config struct {
	// ListenAddr is the TCP address to accept connections on.
	ListenAddr string

	// IdleTimeoutMS closes a connection after this many milliseconds of
	// inactivity (spec.md §4.8).
	IdleTimeoutMS int64

	// MaxExpirationsPerSweep bounds how many TTL expirations are processed
	// per event-loop iteration (spec.md §4.5).
	MaxExpirationsPerSweep int

	// LargeZSetThreshold is the hash-map size above which a deleted ZSET
	// is destroyed on the worker pool instead of inline (spec.md §4.5).
	LargeZSetThreshold int

	// Workers is the number of goroutines in the large-object destruction
	// pool (spec.md §4.6).
	Workers int
}

// Default returns the configuration the original implementation hardcodes
// (port 1234, 5s idle timeout, 2000-expiration sweep budget, a
// 1000-member large-ZSET threshold, 4 workers).
func Default() Config {
	return Config{
		ListenAddr:             "127.0.0.1:1234",
		IdleTimeoutMS:          5000,
		MaxExpirationsPerSweep: 2000,
		LargeZSetThreshold:     1000,
		Workers:                4,
	}
}

// IdleTimeout returns IdleTimeoutMS as a time.Duration.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// Load reads and unmarshals a TOML file at path, starting from Default and
// overriding any field the file sets.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects nonsensical configurations before the server starts.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: listen address must not be empty")
	}
	if c.IdleTimeoutMS <= 0 {
		return errors.New("config: idle timeout must be positive")
	}
	if c.MaxExpirationsPerSweep <= 0 {
		return errors.New("config: max expirations per sweep must be positive")
	}
	if c.LargeZSetThreshold <= 0 {
		return errors.New("config: large zset threshold must be positive")
	}
	if c.Workers <= 0 {
		return errors.New("config: worker count must be positive")
	}
	return nil
}
