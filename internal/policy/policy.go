// Package policy holds the primitives shared by every traffic-control
// component: failure modes, configuration errors and store-failure handling.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/developingchet/trafficguard/internal/metrics"
	"github.com/rs/zerolog"
)

// FailMode decides what a component returns when its backing store fails.
type FailMode string

const (
	// FailOpen allows the request and skips the write.
	FailOpen FailMode = "open"
	// FailClosed denies the request.
	FailClosed FailMode = "closed"
)

// ParseFailMode accepts "open", "closed" or "" (open).
func ParseFailMode(s string) (FailMode, error) {
	switch FailMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", &ConfigError{Field: "fail_mode", Value: s, Reason: "must be open or closed"}
	}
}

// Allows reports whether a store failure under this mode lets the request through.
func (m FailMode) Allows() bool { return m != FailClosed }

// ConfigError reports a malformed window, threshold or limit. It is returned
// at construction or call time and is never a security decision.
type ConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// IsConfigError reports whether err wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// RequirePositiveDuration returns a ConfigError when d <= 0.
func RequirePositiveDuration(field string, d time.Duration) error {
	if d <= 0 {
		return &ConfigError{Field: field, Value: d, Reason: "must be positive"}
	}
	return nil
}

// RequirePositive returns a ConfigError when n <= 0.
func RequirePositive[T ~int | ~int64 | ~float64](field string, n T) error {
	if n <= 0 {
		return &ConfigError{Field: field, Value: n, Reason: "must be positive"}
	}
	return nil
}

// StoreFailure records a store-unavailable incident: it increments the
// diagnostic counter and logs at warning level.
func StoreFailure(log zerolog.Logger, component, op string, err error) {
	metrics.StoreErrors.WithLabelValues(component, op).Inc()
	log.Warn().Err(err).Str("component", component).Str("op", op).Msg("store unavailable; applying fail mode")
}
