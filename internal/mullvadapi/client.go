package mullvadapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mullproxy/internal/storage/models"
	pkgerrors "mullproxy/pkg/errors"
)

// Default endpoints.
const (
	DefaultCheckURL  = "https://am.i.mullvad.net"
	DefaultRelaysURL = "https://api.mullvad.net/www/relays/wireguard/"
)

// Client wraps the external connection-check and relay-list endpoints.
// It keeps no state between calls.
type Client struct {
	client     *http.Client
	checkURL   string
	relaysURL  string
	userAgent  string
	maxRetries int
	retryDelay time.Duration
}

// ClientConfig represents client configuration
type ClientConfig struct {
	CheckURL   string
	RelaysURL  string
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	// Transport routes requests; verification requests must travel through
	// the registered proxy, so callers usually supply a routing transport.
	Transport http.RoundTripper
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		CheckURL:   DefaultCheckURL,
		RelaysURL:  DefaultRelaysURL,
		UserAgent:  "mullproxy/1.0",
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
	}
}

// NewClient creates a new API client
func NewClient(config ClientConfig) *Client {
	transport := config.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	if config.CheckURL == "" {
		config.CheckURL = DefaultCheckURL
	}
	if config.RelaysURL == "" {
		config.RelaysURL = DefaultRelaysURL
	}

	return &Client{
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		checkURL:   strings.TrimRight(config.CheckURL, "/"),
		relaysURL:  config.RelaysURL,
		userAgent:  config.UserAgent,
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
	}
}

// IPAddress returns the public IP address as seen by the check endpoint.
// It makes a single attempt so that cancelling ctx aborts verification.
func (c *Client) IPAddress(ctx context.Context) (string, error) {
	body, err := c.get(ctx, c.checkURL+"/ip", "text/plain")
	if err != nil {
		return "", &pkgerrors.VerificationError{Err: fmt.Errorf("%w: %w", pkgerrors.ErrVerificationUnreachable, err)}
	}
	ip := strings.TrimSpace(string(body))
	if ip == "" {
		return "", &pkgerrors.VerificationError{Err: fmt.Errorf("%w: empty response", pkgerrors.ErrVerificationUnreachable)}
	}
	return ip, nil
}

// Details returns the connection details JSON.
func (c *Client) Details(ctx context.Context) (*models.ConnectionDetails, error) {
	body, err := c.get(ctx, c.checkURL+"/json", "application/json")
	if err != nil {
		return nil, &pkgerrors.VerificationError{Err: fmt.Errorf("%w: %w", pkgerrors.ErrVerificationUnreachable, err)}
	}

	var details models.ConnectionDetails
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, &pkgerrors.VerificationError{Err: fmt.Errorf("%w: malformed details: %w", pkgerrors.ErrVerificationUnreachable, err)}
	}
	details.Normalize()
	return &details, nil
}

// PortDetails reports whether a port is reachable from the outside.
func (c *Client) PortDetails(ctx context.Context, port int) (*models.PortDetails, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: %d", pkgerrors.ErrInvalidPort, port)
	}

	body, err := c.get(ctx, fmt.Sprintf("%s/port/%d", c.checkURL, port), "application/json")
	if err != nil {
		return nil, fmt.Errorf("failed to get port details: %w", err)
	}

	var details models.PortDetails
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, fmt.Errorf("failed to decode port details: %w", err)
	}
	return &details, nil
}

// Servers fetches the relay list, retrying transient failures.
func (c *Client) Servers(ctx context.Context) ([]models.Server, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		body, err := c.get(ctx, c.relaysURL, "application/json")
		if err == nil {
			var servers []models.Server
			if err := json.Unmarshal(body, &servers); err != nil {
				return nil, fmt.Errorf("%w: decode: %w", pkgerrors.ErrServerListFailed, err)
			}
			return servers, nil
		}

		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			break
		}

		// Don't retry on client errors (4xx)
		if httpErr, ok := err.(*pkgerrors.HTTPError); ok {
			if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
				break
			}
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", pkgerrors.ErrServerListFailed, c.maxRetries+1, lastErr)
}

// get performs a single GET request
func (c *Client) get(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", accept)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &pkgerrors.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        url,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}
