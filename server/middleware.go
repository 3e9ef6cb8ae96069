package server

import (
	"crypto/subtle"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chzzk-vote/config"
	"github.com/onnwee/chzzk-vote/telemetry"
)

// adminGuard admits a request carrying the admin token (X-Admin-Token or a
// bearer Authorization header) or the admin basic credentials. With no
// credentials configured every request passes.
type adminGuard struct {
	token, user, pass string
}

func newAdminGuard(c config.HTTP) adminGuard {
	if !c.AdminAuthEnabled() {
		slog.Warn("admin credentials not configured; /admin and /auth/chzzk/start are open",
			slog.String("component", "http"))
		return adminGuard{}
	}
	return adminGuard{token: c.AdminToken, user: c.AdminUsername, pass: c.AdminPassword}
}

func (g adminGuard) open() bool { return g.token == "" && g.user == "" }

func (g adminGuard) allowed(r *http.Request) bool {
	if g.open() {
		return true
	}
	if g.token != "" {
		tok := r.Header.Get("X-Admin-Token")
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && tok == "" {
			tok = bearer
		}
		if tok != "" && secretEqual(tok, g.token) {
			return true
		}
	}
	if g.user != "" {
		user, pass, ok := r.BasicAuth()
		userOK, passOK := secretEqual(user, g.user), secretEqual(pass, g.pass)
		return ok && userOK && passOK
	}
	return false
}

func (g adminGuard) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.allowed(r) {
			next.ServeHTTP(w, r)
			return
		}
		if g.user != "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="chzzk-vote admin"`)
		}
		telemetry.LoggerWithCorr(r.Context()).Warn("admin auth failed",
			slog.String("path", r.URL.Path), slog.String("ip", clientIP(r)), slog.String("component", "http"))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	})
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// rateLimiter allows limit requests per client IP in fixed windows. A nil
// *rateLimiter allows everything.
type rateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*clientWindow
	sweepAt time.Time
}

type clientWindow struct {
	start time.Time
	count int
}

func newRateLimiter(c config.HTTP) *rateLimiter {
	if !c.RateLimitEnabled || c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return nil
	}
	return &rateLimiter{
		limit:   c.RateLimitRequests,
		window:  c.RateLimitWindow,
		now:     time.Now,
		clients: make(map[string]*clientWindow),
	}
}

// allow records a request from ip. When the budget is spent it returns false
// and the time until the client's window resets.
func (l *rateLimiter) allow(ip string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.sweepAt) {
		for k, cw := range l.clients {
			if now.Sub(cw.start) >= l.window {
				delete(l.clients, k)
			}
		}
		l.sweepAt = now.Add(l.window)
	}

	cw, ok := l.clients[ip]
	if !ok || now.Sub(cw.start) >= l.window {
		l.clients[ip] = &clientWindow{start: now, count: 1}
		return true, 0
	}
	if cw.count >= l.limit {
		return false, cw.start.Add(l.window).Sub(now)
	}
	cw.count++
	return true, 0
}

func (l *rateLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ok, retry := l.allow(ip)
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			telemetry.LoggerWithCorr(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", ip), slog.String("path", r.URL.Path), slog.String("component", "http"))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the caller's address, preferring the first
// X-Forwarded-For entry, without the port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ = strings.Cut(forwarded, ",")
		ip = strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return strings.Trim(ip, "[]")
}

// corsPolicy answers browser origins listed in config.HTTP.CORSOrigins.
type corsPolicy struct {
	any      bool
	exact    map[string]bool
	suffixes []string // ".example.com" for "*.example.com"
}

func newCORSPolicy(origins []string) corsPolicy {
	p := corsPolicy{exact: map[string]bool{}}
	for _, o := range origins {
		switch {
		case o == "*":
			p.any = true
		case strings.HasPrefix(o, "*."):
			p.suffixes = append(p.suffixes, o[1:])
		default:
			p.exact[o] = true
		}
	}
	return p
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when it is not allowed.
func (p corsPolicy) allowOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	if p.any {
		return "*"
	}
	if p.exact[origin] {
		return origin
	}
	host := origin
	if _, rest, ok := strings.Cut(origin, "://"); ok {
		host = rest
	}
	for _, suffix := range p.suffixes {
		if strings.HasSuffix(host, suffix) || host == suffix[1:] {
			return origin
		}
	}
	return ""
}

func (p corsPolicy) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allow := p.allowOrigin(r.Header.Get("Origin")); allow != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			h.Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Admin-Token, X-Correlation-ID")
			if allow != "*" {
				h.Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
