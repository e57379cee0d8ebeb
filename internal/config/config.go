// Package config parses the per-stream connection tunables out of an
// endpoint URL's query string, applying the platform defaults this
// repository has chosen.
package config

import (
	"strconv"
	"time"

	"github.com/schwicke/xrootd/pkg/types"
)

// Config holds the per-stream tunables. All fields are immutable after
// FromURL returns.
type Config struct {
	// ConnectionWindow is the budget, per connect attempt, within which
	// all resolved addresses must be exhausted before the attempt is
	// abandoned.
	ConnectionWindow time.Duration

	// ConnectionRetry is the max number of connect attempts, counted
	// since the last successful connect or fatal error, before a failure
	// is escalated to fatal.
	ConnectionRetry int

	// StreamErrorWindow is the silence period after a fatal error
	// during which EnableLink short-circuits to the recorded error.
	StreamErrorWindow time.Duration

	// NetworkStack selects which address families to resolve.
	NetworkStack types.AddressType
}

// Defaults returns the platform default tunables this implementation
// has settled on.
func Defaults() Config {
	return Config{
		ConnectionWindow:  120 * time.Second,
		ConnectionRetry:   10,
		StreamErrorWindow: 60 * time.Second,
		NetworkStack:      types.IPAuto,
	}
}

// FromURL parses ConnectionWindow, ConnectionRetry, StreamErrorWindow
// and NetworkStack from u's query parameters, falling back to Defaults
// for anything missing or malformed. A malformed value is treated as
// absent; it is not logged.
func FromURL(u types.URL) Config {
	cfg := Defaults()

	if v, ok := u.Param("ConnectionWindow"); ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.ConnectionWindow = time.Duration(secs) * time.Second
		}
	}
	if v, ok := u.Param("ConnectionRetry"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ConnectionRetry = n
		}
	}
	if v, ok := u.Param("StreamErrorWindow"); ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.StreamErrorWindow = time.Duration(secs) * time.Second
		}
	}
	if v, ok := u.Param("NetworkStack"); ok {
		cfg.NetworkStack = types.ParseAddressType(v)
	}

	return cfg
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	if c.ConnectionWindow <= 0 {
		return ErrInvalidConfig
	}
	if c.ConnectionRetry <= 0 {
		return ErrInvalidConfig
	}
	if c.StreamErrorWindow < 0 {
		return ErrInvalidConfig
	}
	return nil
}
