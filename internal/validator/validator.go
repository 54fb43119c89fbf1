// Package validator checks connection input before it reaches the
// store or a provider adapter.
package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/dashwall/calhub/internal/db"
)

var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrHTTPSRequired    = errors.New("HTTPS is required")
	ErrPrivateIP        = errors.New("private IP addresses are not allowed")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidCalDAV    = errors.New("invalid CalDAV endpoint")
	ErrInvalidInput     = errors.New("invalid connection input")
)

const (
	maxRedirects   = 3
	defaultTimeout = 10 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Validator provides URL and connection input validation.
type Validator struct {
	client          *http.Client
	allowPrivateIPs bool
	minInterval     int
	maxInterval     int
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowPrivateIPs allows connections to private IP addresses.
// This is useful for Docker internal networking.
func WithAllowPrivateIPs() Option {
	return func(v *Validator) {
		v.allowPrivateIPs = true
	}
}

// WithIntervalBounds sets the allowed sync interval range in seconds.
func WithIntervalBounds(min, max int) Option {
	return func(v *Validator) {
		v.minInterval = min
		v.maxInterval = max
	}
}

// New creates a new Validator with the given options.
func New(opts ...Option) *Validator {
	v := &Validator{
		minInterval: 60,
		maxInterval: 3600,
	}

	for _, opt := range opts {
		opt(v)
	}

	v.client = v.createHTTPClient()
	return v
}

func (v *Validator) createHTTPClient() *http.Client {
	redirectCount := 0

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return v.dialWithIPCheck(ctx, network, addr)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			redirectCount++
			if redirectCount > maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
}

func (v *Validator) dialWithIPCheck(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed: %w", err)
	}

	for _, ip := range ips {
		if !v.allowPrivateIPs && isPrivateIP(ip) {
			return nil, ErrPrivateIP
		}
	}

	dialer := &net.Dialer{
		Timeout:   defaultTimeout,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, addr)
}

// isPrivateIP checks if an IP address is private or reserved.
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip.IsUnspecified() {
		return true
	}
	return false
}

// ValidateURL validates a URL string.
// If requireHTTPS is true, only HTTPS URLs are accepted.
func (v *Validator) ValidateURL(rawURL string, requireHTTPS bool) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse error: %w", ErrInvalidURL, err)
	}

	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if requireHTTPS && parsed.Scheme != "https" {
		return ErrHTTPSRequired
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}

	return nil
}

// ValidateConnection checks the fields of a connection before it is
// stored: known provider, known direction, interval within bounds, and
// the provider's required settings present.
func (v *Validator) ValidateConnection(conn *db.CalendarConnection) error {
	if conn.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !conn.Provider.IsValid() {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, conn.Provider)
	}
	if !conn.SyncDirection.IsValid() {
		return fmt.Errorf("%w: unknown sync direction %q", ErrInvalidInput, conn.SyncDirection)
	}
	if conn.SyncInterval != 0 && (conn.SyncInterval < v.minInterval || conn.SyncInterval > v.maxInterval) {
		return fmt.Errorf("%w: sync interval must be between %d and %d seconds",
			ErrInvalidInput, v.minInterval, v.maxInterval)
	}

	switch conn.Provider {
	case db.ProviderCalDAV:
		if err := v.ValidateURL(conn.BaseURL, false); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	case db.ProviderNotion:
		if conn.CalendarID == "" {
			return fmt.Errorf("%w: notion connections require a database id", ErrInvalidInput)
		}
	case db.ProviderGoogle:
		if conn.BaseURL != "" {
			if err := v.ValidateURL(conn.BaseURL, false); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidInput, err)
			}
		}
	}

	return nil
}

// ValidateCalDAVEndpoint validates a CalDAV endpoint by checking its
// OPTIONS response.
func (v *Validator) ValidateCalDAVEndpoint(ctx context.Context, endpointURL string) error {
	if err := v.ValidateURL(endpointURL, true); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCalDAV, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, endpointURL, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrInvalidCalDAV, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: OPTIONS returned status %d", ErrInvalidCalDAV, resp.StatusCode)
	}

	if resp.Header.Get("DAV") == "" {
		return fmt.Errorf("%w: missing DAV header", ErrInvalidCalDAV)
	}

	return nil
}

// TestConnection tests if a URL is reachable.
func (v *Validator) TestConnection(ctx context.Context, rawURL string) error {
	if err := v.ValidateURL(rawURL, false); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrConnectionFailed, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	return nil
}
