// Package httpx provides shared HTTP client construction with a tuned
// transport. Per-call deadlines are set by callers via context; the
// client-level timeout is a backstop.
package httpx

import (
	"crypto/tls"
	"net/http"
	"time"
)

// Transport defaults.
const (
	// DefaultTimeout is the client-level backstop timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxIdleConns is the maximum number of idle connections.
	DefaultMaxIdleConns = 10

	// DefaultIdleConnTimeout is how long an idle connection is kept.
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultResponseHeaderTimeout bounds waiting for response headers.
	DefaultResponseHeaderTimeout = 30 * time.Second

	// DefaultTLSHandshakeTimeout bounds the TLS handshake.
	DefaultTLSHandshakeTimeout = 10 * time.Second
)

// ClientConfig configures an HTTP client. The engine talks to exactly one
// backend host, so the connection pool is small by default.
type ClientConfig struct {
	Timeout               time.Duration
	MaxIdleConns          int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	TLSConfig             *tls.Config
}

// NewClient creates an HTTP client with standardized configuration. A nil
// cfg yields all defaults.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = &ClientConfig{}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = DefaultMaxIdleConns
	}
	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = DefaultIdleConnTimeout
	}
	responseHeaderTimeout := cfg.ResponseHeaderTimeout
	if responseHeaderTimeout == 0 {
		responseHeaderTimeout = DefaultResponseHeaderTimeout
	}
	tlsHandshakeTimeout := cfg.TLSHandshakeTimeout
	if tlsHandshakeTimeout == 0 {
		tlsHandshakeTimeout = DefaultTLSHandshakeTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
	}
	if cfg.TLSConfig != nil {
		transport.TLSClientConfig = cfg.TLSConfig
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// NewDefaultClient creates an HTTP client with all default settings.
func NewDefaultClient() *http.Client {
	return NewClient(nil)
}
