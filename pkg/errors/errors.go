package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// Verification errors
	ErrVerificationUnreachable = errors.New("verification endpoint unreachable")
	ErrNotViaMullvad           = errors.New("not connected via a Mullvad exit")
	ErrStaleResponse           = errors.New("verification response superseded")

	// Proxy errors
	ErrProxyTransport      = errors.New("proxy transport error")
	ErrUnsupportedPlatform = errors.New("proxy settings not supported on this platform")

	// Controller errors
	ErrControllerStopped = errors.New("controller is not running")
	ErrAlreadyRunning    = errors.New("background process already running")

	// Options errors
	ErrOptionNotFound = errors.New("option not found")
	ErrOptionInvalid  = errors.New("invalid option value")

	// Server errors
	ErrServerNotFound   = errors.New("server not found")
	ErrServerListFailed = errors.New("failed to fetch server list")
	ErrInvalidPort      = errors.New("invalid port")
)

// VerificationError represents a failed connection check for a proxy host
type VerificationError struct {
	Host string
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("verify '%s': %v", e.Host, e.Err)
	}
	return fmt.Sprintf("verify: %v", e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// OptionError represents an option-related error
type OptionError struct {
	Name string
	Err  error
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("option '%s': %v", e.Name, e.Err)
}

func (e *OptionError) Unwrap() error {
	return e.Err
}

// TransportError represents a failure reported by the proxy transport
type TransportError struct {
	Host string
	Port int
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("proxy transport error (%s:%d): %v", e.Host, e.Port, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPError represents a non-success HTTP response
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d %s for %s", e.StatusCode, e.Status, e.URL)
}
