package chzzkapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"canceled wrapped", fmt.Errorf("post: %w", context.Canceled), false},
		{"request timeout error", fmt.Errorf("post: %w", context.DeadlineExceeded), true},
		{"rate limited", &APIError{Status: http.StatusTooManyRequests}, true},
		{"request timeout", &APIError{Status: http.StatusRequestTimeout}, true},
		{"bad gateway", &APIError{Status: http.StatusBadGateway}, true},
		{"unauthorized", &APIError{Status: http.StatusUnauthorized}, false},
		{"forbidden wrapped", fmt.Errorf("notice: %w", &APIError{Status: http.StatusForbidden}), false},
		{"transport", errors.New("connection reset by peer"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClient_SendNoticeStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})
	err := c.SendNotice(context.Background(), "chan", "hello")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Fatalf("err = %v, want 403 APIError", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestClient_SendNoticeBoundedWhenUpstreamHangs(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })
	c.RequestTimeout = 50 * time.Millisecond
	c.NoticeAttempts = 2

	start := time.Now()
	err := c.SendNotice(context.Background(), "chan", "hello")
	if err == nil {
		t.Fatal("expected error from a hung notice endpoint")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("SendNotice took %v", elapsed)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2 (timed out attempts are retried)", calls.Load())
	}
}

func TestClient_SendNoticeStopsWhenContextExpires(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })
	c.NoticeAttempts = 5

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := c.SendNotice(ctx, "chan", "hello"); err == nil {
		t.Fatal("expected error after context deadline")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("SendNotice took %v", elapsed)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestClient_DefaultHTTPClientHasTimeout(t *testing.T) {
	c := &Client{}
	if got := c.http().Timeout; got != DefaultRequestTimeout {
		t.Fatalf("default timeout = %v, want %v", got, DefaultRequestTimeout)
	}
	c = &Client{RequestTimeout: time.Second}
	if got := c.http().Timeout; got != time.Second {
		t.Fatalf("timeout = %v, want 1s", got)
	}
	custom := &http.Client{}
	c = &Client{HTTPClient: custom}
	if c.http() != custom {
		t.Fatal("explicit HTTPClient not used")
	}
}
