package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyuc/mockbroker/pkg/backend"
	"github.com/zyuc/mockbroker/pkg/registry"
)

func serve(t *testing.T, handler http.HandlerFunc) registry.Address {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return registry.Address(strings.TrimPrefix(srv.URL, "http://"))
}

func TestClient_Discover(t *testing.T) {
	addr := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/services", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"primary":"10.0.0.1:8080","services":["10.0.0.1:8080","10.0.0.2:8080"]}`))
	})

	result, err := NewClient(addr).Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, registry.Address("10.0.0.1:8080"), result.Primary)
	assert.Equal(t, []registry.Address{"10.0.0.1:8080", "10.0.0.2:8080"}, result.Addresses())
}

func TestClient_Discover_InstanceObjects(t *testing.T) {
	addr := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"primary":"10.0.0.1:8080","services":[
			{"Address":"10.0.0.1:8080","Protocol":"http","RegisteredAt":"2025-01-02T03:04:05Z","LastSeenAt":"2025-01-02T03:04:15Z"},
			{"Address":"10.0.0.2:8443","Protocol":"HTTPS","RegisteredAt":"2025-01-02T03:04:05Z","LastSeenAt":"2025-01-02T03:04:15Z"},
			{"Address":"10.0.0.3:8080","Protocol":"gopher"}
		]}`))
	})

	result, err := NewClient(addr).Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, registry.Address("10.0.0.1:8080"), result.Primary)
	assert.Equal(t, []Instance{
		{Address: "10.0.0.1:8080", Protocol: "http"},
		{Address: "10.0.0.2:8443", Protocol: "https"},
		{Address: "10.0.0.3:8080"},
	}, result.Services)
}

func TestClient_Discover_InvalidServiceEntry(t *testing.T) {
	addr := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"primary":"a:1","services":[42]}`))
	})

	_, err := NewClient(addr).Discover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode services")
}

func TestClient_Discover_NullServices(t *testing.T) {
	addr := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"primary":"","services":null}`))
	})

	result, err := NewClient(addr).Discover(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Primary.IsZero())
	assert.NotNil(t, result.Services)
	assert.Empty(t, result.Services)
}

func TestClient_Discover_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"Failed to retrieve primary service"}`))
			},
			check: func(t *testing.T, err error) {
				var apiErr *backend.APIError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
				assert.Contains(t, err.Error(), "Failed to retrieve primary service")
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "failed to decode services")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(serve(t, tt.handler)).Discover(context.Background())
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestClient_Discover_Timeout(t *testing.T) {
	release := make(chan struct{})
	addr := serve(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	_, err := NewClient(addr, WithTimeout(50*time.Millisecond)).Discover(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
