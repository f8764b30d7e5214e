package ngrok

import (
	"context"
	"fmt"
	"os"

	"flickfeed/internal/config"

	"github.com/sirupsen/logrus"
	"golang.ngrok.com/ngrok/v2"
)

// Tunnel exposes the feed server through a public ngrok endpoint, e.g. for
// driving the engine from a phone outside the local network. A nil *Tunnel
// is valid and does nothing, so callers need no enabled checks.
type Tunnel struct {
	cfg       *config.NgrokConfig
	logger    *logrus.Logger
	agent     ngrok.Agent
	forwarder ngrok.EndpointForwarder
}

// NewTunnel builds a tunnel from the resolved configuration. Returns
// (nil, nil) when tunneling is disabled. The authtoken comes from the config
// or from the NGROK_AUTHTOKEN environment variable.
func NewTunnel(cfg *config.NgrokConfig, logger *logrus.Logger) (*Tunnel, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	token := cfg.AuthToken
	if token == "" {
		token = os.Getenv("NGROK_AUTHTOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("ngrok authtoken not set in config or NGROK_AUTHTOKEN")
	}

	agent, err := ngrok.NewAgent(ngrok.WithAuthtoken(token))
	if err != nil {
		return nil, fmt.Errorf("failed to create ngrok agent: %w", err)
	}

	return &Tunnel{cfg: cfg, logger: logger, agent: agent}, nil
}

// Open starts forwarding the public endpoint to the local upstream address.
func (t *Tunnel) Open(ctx context.Context, upstream string) error {
	if t == nil {
		return nil
	}

	var opts []ngrok.EndpointOption
	if t.cfg.Domain != "" {
		opts = append(opts, ngrok.WithURL(t.cfg.Domain))
	}
	if t.cfg.OAuthProvider != "" {
		opts = append(opts, ngrok.WithTrafficPolicy(oauthPolicy(t.cfg.OAuthProvider)))
	}

	forwarder, err := t.agent.Forward(ctx, ngrok.WithUpstream(upstream), opts...)
	if err != nil {
		return fmt.Errorf("failed to open ngrok tunnel: %w", err)
	}
	t.forwarder = forwarder

	fields := logrus.Fields{
		"public_url": forwarder.URL().String(),
		"upstream":   upstream,
	}
	if t.cfg.OAuthProvider != "" {
		fields["oauth"] = t.cfg.OAuthProvider
	}
	t.logger.WithFields(fields).Info("Ngrok tunnel active")

	return nil
}

// PublicURL returns the tunnel's public address, empty while not open.
func (t *Tunnel) PublicURL() string {
	if t == nil || t.forwarder == nil {
		return ""
	}
	return t.forwarder.URL().String()
}

// Close shuts the tunnel down.
func (t *Tunnel) Close() error {
	if t == nil || t.forwarder == nil {
		return nil
	}
	t.logger.Info("Stopping ngrok tunnel")
	return t.forwarder.Close()
}

// Wait blocks until the tunnel terminates.
func (t *Tunnel) Wait() {
	if t == nil || t.forwarder == nil {
		return
	}
	<-t.forwarder.Done()
}

// oauthPolicy renders the traffic policy that requires a login with the
// given provider before any request reaches the upstream.
func oauthPolicy(provider string) string {
	return fmt.Sprintf(`
on_http_request:
  - actions:
      - type: oauth
        config:
          provider: %s
`, provider)
}
