package main

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"
)

func TestMain(m *testing.M) {
	testscript.Main(m, map[string]func(){
		"mockbroker": main,
	})
}

// fakeBackend answers discovery and respond calls the way a mock-serving
// backend does.
type fakeBackend struct {
	mu        sync.Mutex
	delivered []string
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/services", func(w http.ResponseWriter, r *http.Request) {
		self := r.Host
		_ = json.NewEncoder(w).Encode(map[string]any{
			"primary":  self,
			"services": []any{
				self,
				map[string]string{"Address": "10.0.0.9:8080", "Protocol": "https", "RegisteredAt": "2024-01-01T00:00:00Z"},
			},
		})
	})
	mux.HandleFunc("POST /api/respond", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RequestID    string `json:"requestId"`
			ResponseBody string `json:"responseBody"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body.RequestID != "r1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Request ID not found or already processed"}`))
			return
		}
		b.mu.Lock()
		b.delivered = append(b.delivered, body.RequestID)
		b.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"Response processed by primary."}`))
	})
	return mux
}

func TestScripts(t *testing.T) {
	srv := httptest.NewServer((&fakeBackend{}).handler())
	defer srv.Close()

	// A listener that is closed at once gives an address nobody answers on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := ln.Addr().String()
	_ = ln.Close()

	testscript.Run(t, testscript.Params{
		Dir: "testdata/script",
		Setup: func(env *testscript.Env) error {
			env.Setenv("BACKEND", strings.TrimPrefix(srv.URL, "http://"))
			env.Setenv("DEAD", deadAddr)
			env.Setenv("XDG_CONFIG_HOME", env.WorkDir+string(os.PathSeparator)+".config")
			return nil
		},
	})
}
