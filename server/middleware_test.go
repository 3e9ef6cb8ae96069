package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/chzzk-vote/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAdminGuard(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.HTTP
		prepare    func(r *http.Request)
		wantStatus int
		wantBasic  bool
	}{
		{name: "nothing configured", wantStatus: http.StatusOK},
		{name: "token header", cfg: config.HTTP{AdminToken: "tok"},
			prepare: func(r *http.Request) { r.Header.Set("X-Admin-Token", "tok") }, wantStatus: http.StatusOK},
		{name: "bearer token", cfg: config.HTTP{AdminToken: "tok"},
			prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") }, wantStatus: http.StatusOK},
		{name: "wrong token", cfg: config.HTTP{AdminToken: "tok"},
			prepare: func(r *http.Request) { r.Header.Set("X-Admin-Token", "nope") }, wantStatus: http.StatusUnauthorized},
		{name: "missing token", cfg: config.HTTP{AdminToken: "tok"}, wantStatus: http.StatusUnauthorized},
		{name: "basic auth", cfg: config.HTTP{AdminUsername: "admin", AdminPassword: "pw"},
			prepare: func(r *http.Request) { r.SetBasicAuth("admin", "pw") }, wantStatus: http.StatusOK},
		{name: "basic auth wrong password", cfg: config.HTTP{AdminUsername: "admin", AdminPassword: "pw"},
			prepare: func(r *http.Request) { r.SetBasicAuth("admin", "x") }, wantStatus: http.StatusUnauthorized, wantBasic: true},
		{name: "token accepted alongside basic", cfg: config.HTTP{AdminToken: "tok", AdminUsername: "admin", AdminPassword: "pw"},
			prepare: func(r *http.Request) { r.Header.Set("X-Admin-Token", "tok") }, wantStatus: http.StatusOK},
		{name: "basic header is not a bearer token", cfg: config.HTTP{AdminToken: "tok"},
			prepare: func(r *http.Request) { r.SetBasicAuth("tok", "tok") }, wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/token", nil)
			if tt.prepare != nil {
				tt.prepare(req)
			}
			rr := httptest.NewRecorder()
			newAdminGuard(tt.cfg).wrap(okHandler()).ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("WWW-Authenticate") != ""; got != tt.wantBasic {
				t.Fatalf("WWW-Authenticate present = %v, want %v", got, tt.wantBasic)
			}
		})
	}
}

func TestRateLimiterWindows(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newRateLimiter(config.HTTP{RateLimitEnabled: true, RateLimitRequests: 2, RateLimitWindow: time.Minute})
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := l.allow("10.0.0.1"); !ok {
			t.Fatalf("request %d denied", i+1)
		}
	}
	now = now.Add(20 * time.Second)
	ok, retry := l.allow("10.0.0.1")
	if ok || retry != 40*time.Second {
		t.Fatalf("third request = %v, retry %s; want denied, 40s", ok, retry)
	}
	if ok, _ := l.allow("10.0.0.2"); !ok {
		t.Fatal("another client has its own budget")
	}

	now = now.Add(41 * time.Second)
	if ok, _ := l.allow("10.0.0.1"); !ok {
		t.Fatal("request in a new window denied")
	}
	if len(l.clients) != 2 {
		t.Fatalf("clients = %d; expired window should have been swept and replaced", len(l.clients))
	}
	now = now.Add(2 * time.Minute)
	l.allow("10.0.0.3")
	if len(l.clients) != 1 {
		t.Fatalf("clients after sweep = %d, want 1", len(l.clients))
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	for _, cfg := range []config.HTTP{
		{RateLimitRequests: 1, RateLimitWindow: time.Minute},
		{RateLimitEnabled: true},
	} {
		l := newRateLimiter(cfg)
		if l != nil {
			t.Fatalf("limiter for %+v should be nil", cfg)
		}
		for i := 0; i < 50; i++ {
			if ok, _ := l.allow("10.0.0.1"); !ok {
				t.Fatal("nil limiter denied a request")
			}
		}
	}
}

func TestRateLimitResponse(t *testing.T) {
	l := newRateLimiter(config.HTTP{RateLimitEnabled: true, RateLimitRequests: 2, RateLimitWindow: time.Minute})
	h := l.wrap(okHandler())
	do := func(port string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/auth/chzzk/callback", nil)
		req.RemoteAddr = "[2001:db8::1]:" + port
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}
	// Source ports from one host share a budget.
	if do("1000").Code != http.StatusOK || do("2000").Code != http.StatusOK {
		t.Fatal("first two requests should pass")
	}
	rr := do("3000")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "60" && got != "59" {
		t.Fatalf("Retry-After = %q", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"ipv4 with port", "192.168.1.1:12345", "", "192.168.1.1"},
		{"ipv6 with port", "[2001:db8::1]:12345", "", "2001:db8::1"},
		{"forwarded chain uses client", "10.0.0.1:12345", "203.0.113.1, 10.0.0.2", "203.0.113.1"},
		{"forwarded ipv6 without port", "127.0.0.1:8080", "2001:db8::42", "2001:db8::42"},
		{"forwarded ipv4 without port", "10.0.0.1:8080", "192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORSPolicy(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"no origins configured", nil, "https://a.example", ""},
		{"any origin", []string{"*"}, "https://a.example", "*"},
		{"exact match", []string{"https://a.example"}, "https://a.example", "https://a.example"},
		{"exact mismatch", []string{"https://a.example"}, "https://evil.example", ""},
		{"wildcard subdomain", []string{"*.example.com"}, "https://overlay.example.com", "https://overlay.example.com"},
		{"wildcard apex", []string{"*.example.com"}, "https://example.com", "https://example.com"},
		{"wildcard lookalike", []string{"*.example.com"}, "https://evilexample.com", ""},
		{"no origin header", []string{"*"}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			newCORSPolicy(tt.origins).wrap(okHandler()).ServeHTTP(rr, req)
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Fatalf("Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newCORSPolicy([]string{"https://a.example"}).wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight reached the handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/admin/token", nil)
	req.Header.Set("Origin", "https://a.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Methods") == "" || rr.Header().Get("Vary") != "Origin" {
		t.Fatalf("headers = %v", rr.Header())
	}
}
