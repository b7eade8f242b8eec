// internal/network/client.go
package network

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const (
	DefaultDialTimeout           = 5 * time.Second
	DefaultKeepAliveInterval     = 15 * time.Second
	DefaultTLSHandshakeTimeout   = 5 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultRequestTimeout        = 30 * time.Second
	DefaultMaxIdleConnsPerHost   = 20
	DefaultMaxConnsPerHost       = 50
	DefaultIdleConnTimeout       = 30 * time.Second
	DefaultMaxRedirects          = 10
)

// ClientConfig configures the scanning HTTP client.
type ClientConfig struct {
	// RequestTimeout bounds a whole exchange. Blind probes need it well above
	// the delay they measure.
	RequestTimeout time.Duration
	// IgnoreTLSErrors accepts self-signed certificates on test targets.
	IgnoreTLSErrors bool
	// FollowRedirects lets form submissions land on their result page.
	FollowRedirects bool
	MaxConnsPerHost int
	ForceHTTP2      bool
	Logger          *zap.Logger
}

// NewDefaultClientConfig returns settings suited to form scanning.
func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RequestTimeout:  DefaultRequestTimeout,
		FollowRedirects: true,
		MaxConnsPerHost: DefaultMaxConnsPerHost,
		ForceHTTP2:      true,
		Logger:          zap.NewNop(),
	}
}

// NewHTTPTransport builds the base transport for cfg.
func NewHTTPTransport(cfg *ClientConfig) *http.Transport {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{Timeout: DefaultDialTimeout, KeepAlive: DefaultKeepAliveInterval}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.IgnoreTLSErrors},
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		// Decoding is done by CompressionMiddleware, which also handles br.
		DisableCompression: true,
		ForceAttemptHTTP2:  cfg.ForceHTTP2,
	}
	if cfg.ForceHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		}
	}
	return transport
}

// NewClient returns an http.Client whose responses are always decompressed.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	client := &http.Client{
		Transport: NewCompressionMiddleware(NewHTTPTransport(cfg)),
		Timeout:   cfg.RequestTimeout,
	}
	if cfg.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= DefaultMaxRedirects {
				return errors.New("stopped after too many redirects")
			}
			return nil
		}
	} else {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}
