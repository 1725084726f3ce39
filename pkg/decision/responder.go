package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/zyuc/mockbroker/pkg/backend"
	"github.com/zyuc/mockbroker/pkg/registry"
)

// Delivery is the body of a respond call.
type Delivery struct {
	RequestID    string           `json:"requestId"`
	ResponseBody string           `json:"responseBody"`
	Source       registry.Address `json:"source"`
}

// Responder delivers a response to the backend holding the request.
type Responder interface {
	Respond(ctx context.Context, d Delivery) error
}

// HTTPResponder posts deliveries to the respond endpoint of d.Source.
type HTTPResponder struct {
	client   *http.Client
	scheme   string
	protocol func(registry.Address) string
}

// ResponderOption configures an HTTPResponder.
type ResponderOption func(*HTTPResponder)

// WithResponderClient sets the HTTP client.
func WithResponderClient(c *http.Client) ResponderOption {
	return func(r *HTTPResponder) {
		r.client = c
	}
}

// WithResponderScheme sets the URL scheme.
func WithResponderScheme(scheme string) ResponderOption {
	return func(r *HTTPResponder) {
		r.scheme = scheme
	}
}

// WithResponderProtocol sets a lookup for the protocol a backend announced.
// A non-empty result overrides the configured scheme for that backend.
func WithResponderProtocol(fn func(registry.Address) string) ResponderOption {
	return func(r *HTTPResponder) {
		r.protocol = fn
	}
}

// NewHTTPResponder creates a responder.
func NewHTTPResponder(opts ...ResponderOption) *HTTPResponder {
	r := &HTTPResponder{
		client: backend.NewHTTPClient(backend.ClientOptions{}),
		scheme: backend.SchemeHTTP,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Respond performs POST /api/respond. Failures are returned as *DeliveryError.
func (r *HTTPResponder) Respond(ctx context.Context, d Delivery) error {
	fail := func(status int, msg string, err error) error {
		return &DeliveryError{
			RequestID:  d.RequestID,
			Source:     d.Source.String(),
			StatusCode: status,
			Message:    msg,
			Err:        err,
		}
	}
	if d.Source.IsZero() {
		return fail(0, "no source backend recorded", nil)
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(d); err != nil {
		return fmt.Errorf("failed to encode delivery: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, backend.URL(r.schemeFor(d.Source), d.Source, backend.PathRespond), &buf)
	if err != nil {
		return fail(0, GenericDeliveryFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fail(0, GenericDeliveryFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		err := backend.ParseError(resp)
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) {
			return fail(resp.StatusCode, apiErr.Error(), err)
		}
		return fail(resp.StatusCode, err.Error(), err)
	}
	return nil
}

func (r *HTTPResponder) schemeFor(addr registry.Address) string {
	if r.protocol != nil {
		if p := r.protocol(addr); p != "" {
			return p
		}
	}
	return r.scheme
}
