// Package backend describes the HTTP surface of a mock-serving backend as
// consumed by the broker: discovery, the event feed and the respond endpoint.
package backend

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zyuc/mockbroker/pkg/registry"
)

// Backend API paths.
const (
	PathServices = "/api/services"
	PathEvents   = "/api/events"
	PathRespond  = "/api/respond"
)

// EventsMode is the event feed mode that carries pending requests.
const EventsMode = "interactive"

// Schemes.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 * 1024

// Scheme returns the URL scheme for the https setting.
func Scheme(https bool) string {
	if https {
		return SchemeHTTPS
	}
	return SchemeHTTP
}

// URL builds the URL of path on addr.
func URL(scheme string, addr registry.Address, path string) string {
	if scheme == "" {
		scheme = SchemeHTTP
	}
	return scheme + "://" + addr.String() + path
}

// ClientOptions configures NewHTTPClient.
type ClientOptions struct {
	// Timeout bounds the whole request. Zero means no timeout, which the
	// event feed needs.
	Timeout time.Duration

	// InsecureSkipVerify accepts self-signed backend certificates.
	InsecureSkipVerify bool
}

// NewHTTPClient creates an HTTP client for talking to backends.
func NewHTTPClient(opts ClientOptions) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed backends
	}
	return &http.Client{Timeout: opts.Timeout, Transport: transport}
}

// ErrorResponse is the error body returned by a backend.
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is a non-2xx response from a backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return e.Message
}

// ParseError builds an APIError from resp, using the backend's error message
// when the body carries one.
func ParseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
		return apiErr
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) < 256 {
		apiErr.Message = text
	}
	return apiErr
}
