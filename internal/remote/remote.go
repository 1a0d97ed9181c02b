// Package remote fetches full snapshots from the remote authority.
//
// The authority exposes one read endpoint that returns the whole state as a
// JSON object of record arrays, the same document Store.Export produces.
// Another desk's dashboard serves it at /snapshot.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/essaydesk/deskstore/internal/store"
)

// maxSnapshotBytes bounds how much of a response body is read.
const maxSnapshotBytes = 64 << 20

var (
	// ErrNoURL is returned by New when no snapshot URL is configured.
	ErrNoURL = errors.New("remote snapshot URL is not configured")

	// ErrSnapshotTooLarge is returned when a response exceeds the size limit.
	ErrSnapshotTooLarge = errors.New("snapshot exceeds size limit")
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned %s", e.Status)
}

// Transient reports whether the status is worth retrying: 5xx, 408 and 429.
func (e *StatusError) Transient() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Config holds configuration for the snapshot client.
type Config struct {
	// URL of the snapshot endpoint.
	URL string

	// Token is sent as a bearer token when set.
	Token string

	// Timeout bounds a whole fetch, including reading the body.
	Timeout time.Duration

	// Logger for fetch activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults. URL must still be set.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 15 * time.Second,
		Logger:  log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

// HTTPSource implements store.SnapshotSource over HTTP.
type HTTPSource struct {
	client *http.Client
	config *Config
}

// New creates an HTTPSource. A nil client uses a client with the configured
// timeout.
func New(config *Config, client *http.Client) (*HTTPSource, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.URL == "" {
		return nil, ErrNoURL
	}
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote URL %q: scheme must be http or https", config.URL)
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &HTTPSource{client: client, config: config}, nil
}

// FetchSnapshot retrieves and strictly validates one snapshot.
func (s *HTTPSource) FetchSnapshot(ctx context.Context) (store.State, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(body) > maxSnapshotBytes {
		return nil, ErrSnapshotTooLarge
	}

	state, err := store.DecodeState(body)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}

	s.config.Logger.Printf("Fetched snapshot: %d records in %d collections (%s)",
		state.Len(), len(state), time.Since(start).Round(time.Millisecond))
	return state, nil
}
