package config

import (
	"errors"
	"os"
	"strings"
	"time"
)

// HTTP configures the status and OAuth server.
type HTTP struct {
	Addr string

	// Admin credentials guard /admin/* and /auth/chzzk/start. A token, a
	// username+password pair, or both may be set; neither leaves them open.
	AdminToken    string
	AdminUsername string
	AdminPassword string

	// Per-client-IP budget for the guarded routes and the OAuth callback.
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// CORSOrigins lists allowed browser origins: exact origins,
	// "*.example.com" wildcards, or "*" for any. Empty sends no CORS headers.
	CORSOrigins []string
}

// AdminAuthEnabled reports whether any admin credential is configured.
func (h HTTP) AdminAuthEnabled() bool {
	return h.AdminToken != "" || (h.AdminUsername != "" && h.AdminPassword != "")
}

func loadHTTP() (HTTP, error) {
	h := HTTP{
		Addr:             envOr("HTTP_ADDR", ":8080"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		AdminUsername:    os.Getenv("ADMIN_USERNAME"),
		AdminPassword:    os.Getenv("ADMIN_PASSWORD"),
		RateLimitEnabled: os.Getenv("RATE_LIMIT_ENABLED") != "0",
		CORSOrigins:      splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}
	var err error
	if h.RateLimitRequests, err = envInt("RATE_LIMIT_REQUESTS", 10); err != nil {
		return HTTP{}, err
	}
	if h.RateLimitWindow, err = envDuration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return HTTP{}, err
	}
	return h, nil
}

func (h HTTP) validate() error {
	if h.RateLimitEnabled && (h.RateLimitRequests <= 0 || h.RateLimitWindow <= 0) {
		return errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0 when rate limiting is enabled")
	}
	if (h.AdminUsername == "") != (h.AdminPassword == "") {
		return errors.New("ADMIN_USERNAME and ADMIN_PASSWORD must be set together")
	}
	return nil
}

// splitList splits a comma separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
