// Package connector implements the backend framework: provider clients
// sharing one contract, a write-once registry and per-backend failure
// isolation.
package connector

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/llmrelay/relay/internal/domain/entity"
)

// Identity carries per-call attribution headers. Resolved per call and
// never cached; a nil identity clears the headers.
type Identity struct {
	Referer string
	Title   string
}

// Params is the initialization payload for a connector. Initialize is
// idempotent; token and model fetches may stay lazy.
type Params struct {
	BaseURL string
	APIKey  string
	Models  []string
	// Timeout bounds one upstream call end-to-end.
	Timeout time.Duration
	// Extra carries provider-specific settings (credential paths,
	// project ids).
	Extra map[string]string
}

// Envelope is a completed upstream exchange. Exactly one of Response
// and Stream is set.
type Envelope struct {
	Response   *entity.ChatResponse
	Stream     <-chan []byte
	MediaType  string
	Headers    map[string]string
	StatusCode int
	Usage      *entity.Usage
	// Cancel closes the upstream connection of a streaming envelope.
	Cancel func()
}

// IsStreaming reports whether the envelope carries a live stream.
func (e *Envelope) IsStreaming() bool { return e.Stream != nil }

// Connector is the backend contract. Implementations return domain
// errors only (pkg/errors); transport details never escape.
type Connector interface {
	Name() string
	Initialize(params Params) error

	// AvailableModels returns the cached model list.
	AvailableModels(ctx context.Context) []string
	// RefreshModels re-queries the provider's model discovery endpoint.
	RefreshModels(ctx context.Context) ([]string, error)

	ChatCompletions(ctx context.Context, req *entity.ChatRequest, effectiveModel string, identity *Identity) (*Envelope, error)

	// IsFunctional reports whether the connector can currently serve
	// requests (credentials valid, not tripped).
	IsFunctional() bool
}

// newHTTPClient builds the shared upstream transport. Long header
// timeout: providers may think for minutes before the first byte.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// applyIdentity sets or clears the attribution headers for one call.
func applyIdentity(header http.Header, identity *Identity) {
	if identity == nil {
		header.Del("HTTP-Referer")
		header.Del("X-Title")
		return
	}
	if identity.Referer != "" {
		header.Set("HTTP-Referer", identity.Referer)
	} else {
		header.Del("HTTP-Referer")
	}
	if identity.Title != "" {
		header.Set("X-Title", identity.Title)
	} else {
		header.Del("X-Title")
	}
}
