package common

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError rejects malformed or inconsistent input before any
// exchange call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ExchangeError means the exchange rejected or failed a call. It carries
// enough context to reconstruct root cause from an aggregated fan-out result.
type ExchangeError struct {
	Exchange  ExchangeKind
	Endpoint  string
	Code      string
	Message   string
	AccountID string
	Symbol    string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s %s: code=%s %s (account=%s symbol=%s)",
		e.Exchange, e.Endpoint, e.Code, e.Message, e.AccountID, e.Symbol)
}

// Auth codes that invalidate a session when seen in an ExchangeError.
var authErrorCodes = map[string]bool{
	"10003": true, // bybit: invalid api key
	"10004": true, // bybit: signature error
	"33004": true, // bybit: api key expired
	"50111": true, // okx: invalid OK-ACCESS-KEY
	"50113": true, // okx: invalid signature
	"40006": true, // bitget: invalid ACCESS-KEY
	"40009": true, // bitget: signature error
	"-2015": true, // binance: invalid api key or permissions
	"-1022": true, // binance: signature mismatch
}

// IsAuthError reports whether err is an ExchangeError caused by rejected
// credentials. The session pool evicts sessions on these.
func IsAuthError(err error) bool {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return authErrorCodes[ee.Code]
	}
	return false
}

// RateLimitError is local or exchange-reported throttling.
type RateLimitError struct {
	Scope      string // e.g. "bybit/acc-1" or "global"
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit: %s, retry after %s", e.Scope, e.RetryAfter)
}

// ConnectionError wraps streaming disconnects and handshake failures.
type ConnectionError struct {
	Exchange ExchangeKind
	URL      string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stream %s %s: %v", e.Exchange, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ConfigError means a credential or limit setting is missing or invalid.
// Fatal at session-build time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// TimeoutError is a monitor or fan-out deadline exceeded.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s after %s", e.Op, e.After)
}
