// Package provider translates between canonical events and the native
// formats and protocols of the supported remote calendar providers.
package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dashwall/calhub/internal/db"
)

var (
	ErrCredentials      = errors.New("missing or invalid credentials")
	ErrTransport        = errors.New("transport failure")
	ErrProviderRejected = errors.New("provider rejected request")
	ErrUnknownProvider  = errors.New("unknown provider")
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Window is the time range a sync run covers.
type Window struct {
	Start time.Time
	End   time.Time
}

// Credentials carries a connection's decrypted secrets. Which fields
// are required depends on the provider.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Username     string
	Password     string
	APIToken     string
}

// Adapter is the capability set every provider variant implements.
// FetchEvents returns events already converted to canonical form, with
// the provider's external id and source tag populated; identity fields
// (user, connection, color) are left for the caller to fill.
type Adapter interface {
	Provider() db.Provider
	FetchEvents(ctx context.Context, window Window) ([]db.CanonicalEvent, error)
	CreateEvent(ctx context.Context, event *db.CanonicalEvent) (string, error)
	UpdateEvent(ctx context.Context, externalID string, event *db.CanonicalEvent) error
	// DeleteEvent treats an already-deleted remote event as success.
	DeleteEvent(ctx context.Context, externalID string) error
}

// New constructs the adapter matching the connection's provider.
// Missing required secrets yield ErrCredentials.
func New(conn *db.CalendarConnection, creds Credentials) (Adapter, error) {
	switch conn.Provider {
	case db.ProviderGoogle:
		return NewGoogleAdapter(conn, creds)
	case db.ProviderCalDAV:
		return NewCalDAVAdapter(conn, creds)
	case db.ProviderNotion:
		return NewNotionAdapter(conn, creds)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, conn.Provider)
}

// newHTTPClient builds the HTTP client shared by the adapters.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: defaultTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: minTLSVersion,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// rejection converts a non-success HTTP response into ErrProviderRejected
// with a bounded body snippet for context.
func rejection(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("%w: status %d: %s", ErrProviderRejected, resp.StatusCode, msg)
}

// isGone reports whether a status code means the resource no longer
// exists remotely.
func isGone(statusCode int) bool {
	return statusCode == http.StatusNotFound || statusCode == http.StatusGone
}
