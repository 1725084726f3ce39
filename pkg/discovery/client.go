// Package discovery polls a bootstrap backend for the live service set and
// the current primary, and keeps the registry and event stream in step.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zyuc/mockbroker/pkg/backend"
	"github.com/zyuc/mockbroker/pkg/registry"
)

// DefaultRequestTimeout bounds one discovery request.
const DefaultRequestTimeout = 5 * time.Second

// Result is one discovery response.
type Result struct {
	Primary  registry.Address `json:"primary"`
	Services []Instance       `json:"services"`
}

// Addresses returns the service addresses in response order.
func (r *Result) Addresses() []registry.Address {
	out := make([]registry.Address, 0, len(r.Services))
	for _, in := range r.Services {
		out = append(out, in.Address)
	}
	return out
}

// Instance is one entry of the services list. Backends send either a bare
// address or an object such as {"Address":"10.0.0.1:8080","Protocol":"https"}.
type Instance struct {
	Address  registry.Address `json:"address"`
	Protocol string           `json:"protocol,omitempty"`
}

// UnmarshalJSON accepts both entry shapes. Unknown protocols are dropped so
// the configured scheme applies.
func (in *Instance) UnmarshalJSON(data []byte) error {
	var addr string
	if err := json.Unmarshal(data, &addr); err == nil {
		*in = Instance{Address: registry.Address(strings.TrimSpace(addr))}
		return nil
	}

	type plain Instance
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("service entry must be an address or an object: %w", err)
	}
	p.Address = registry.Address(strings.TrimSpace(p.Address.String()))
	p.Protocol = normalizeProtocol(p.Protocol)
	*in = Instance(p)
	return nil
}

func normalizeProtocol(p string) string {
	switch p = strings.ToLower(strings.TrimSpace(p)); p {
	case backend.SchemeHTTP, backend.SchemeHTTPS:
		return p
	}
	return ""
}

// Discoverer fetches the current service set.
type Discoverer interface {
	Discover(ctx context.Context) (*Result, error)
}

// Client queries the discovery endpoint of one backend.
type Client struct {
	addr       registry.Address
	scheme     string
	httpClient *http.Client
	timeout    time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithScheme sets the URL scheme.
func WithScheme(scheme string) ClientOption {
	return func(cl *Client) {
		cl.scheme = scheme
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cl *Client) {
		if timeout > 0 {
			cl.timeout = timeout
		}
	}
}

// NewClient creates a discovery client for the bootstrap address.
func NewClient(addr registry.Address, opts ...ClientOption) *Client {
	c := &Client{
		addr:       addr,
		scheme:     backend.SchemeHTTP,
		httpClient: backend.NewHTTPClient(backend.ClientOptions{}),
		timeout:    DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the bootstrap address.
func (c *Client) Address() registry.Address {
	return c.addr
}

// Discover performs GET /api/services.
func (c *Client) Discover(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, backend.URL(c.scheme, c.addr, backend.PathServices), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to query services: %w", backend.ParseError(resp))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read services: %w", err)
	}
	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode services: %w", err)
	}
	if result.Services == nil {
		result.Services = []Instance{}
	}
	return &result, nil
}
