package backend

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheme(t *testing.T) {
	assert.Equal(t, "http", Scheme(false))
	assert.Equal(t, "https", Scheme(true))
}

func TestURL(t *testing.T) {
	assert.Equal(t, "http://10.0.0.1:8080/api/respond", URL("", "10.0.0.1:8080", PathRespond))
	assert.Equal(t, "https://b:9/api/services", URL(SchemeHTTPS, "b:9", PathServices))
}

func response(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body))}
}

func TestParseError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"json error", http.StatusNotFound, `{"error":"Request ID not found or already processed"}`, "Request ID not found or already processed"},
		{"plain text", http.StatusBadGateway, "upstream down\n", "upstream down"},
		{"empty body", http.StatusInternalServerError, "", "backend returned status 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ParseError(response(tt.status, tt.body))

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.message, err.Error())
		})
	}
}

func TestNewHTTPClient(t *testing.T) {
	c := NewHTTPClient(ClientOptions{InsecureSkipVerify: true})
	transport, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, transport.TLSClientConfig)
	assert.True(t, transport.TLSClientConfig.InsecureSkipVerify)
	assert.Zero(t, c.Timeout)
}
