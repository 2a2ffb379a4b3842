package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// TLSConfig holds TLS options for outbound connections. Self-hosted MCP
// servers frequently sit behind private CAs.
type TLSConfig struct {
	InsecureSkipVerify bool   // Skip TLS certificate verification (dev/test only)
	CACertificate      string // Path to custom CA certificate file
}

// ConfigureTLS creates an http.Transport from the given TLS options.
func ConfigureTLS(config *TLSConfig) (*http.Transport, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{},
	}

	if config != nil && config.CACertificate != "" {
		caCert, err := os.ReadFile(config.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate from %s: %w", config.CACertificate, err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", config.CACertificate)
		}

		transport.TLSClientConfig.RootCAs = caCertPool
	}

	if config != nil && config.InsecureSkipVerify {
		transport.TLSClientConfig.InsecureSkipVerify = true
	}

	return transport, nil
}

// WithTLSConfig applies TLS options to the client's transport. Failures
// fall back to the default transport with a warning.
func WithTLSConfig(config *TLSConfig) Option {
	return func(c *Client) {
		if config == nil {
			return
		}
		transport, err := ConfigureTLS(config)
		if err != nil {
			slog.Warn("Failed to configure TLS, using default transport", "error", err)
			return
		}
		if c.client != nil {
			c.client.Transport = transport
		} else {
			c.client = &http.Client{
				Transport: transport,
				Timeout:   60 * time.Second,
			}
		}
	}
}
