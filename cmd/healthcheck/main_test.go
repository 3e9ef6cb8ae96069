package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTarget(t *testing.T) {
	tests := []struct {
		name, url, addr, want string
	}{
		{"default", "", "", "http://localhost:8080/healthz"},
		{"port only", "", ":9090", "http://localhost:9090/healthz"},
		{"host and port", "", "0.0.0.0:7000", "http://0.0.0.0:7000/healthz"},
		{"explicit url", "http://svc:1/healthz", ":9090", "http://svc:1/healthz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HEALTHCHECK_URL", tt.url)
			t.Setenv("HTTP_ADDR", tt.addr)
			if got := target(); got != tt.want {
				t.Errorf("target() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	if err := check(context.Background(), srv.URL); err != nil {
		t.Fatalf("healthy: %v", err)
	}
	status = http.StatusServiceUnavailable
	if err := check(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 503")
	}
}
