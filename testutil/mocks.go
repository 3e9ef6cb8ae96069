package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockChzzkServer creates a test server that mocks CHZZK Open API responses.
// Handlers are keyed by "METHOD /path"; unmatched requests get 404.
type MockChzzkServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []string
}

// NewMockChzzkServer creates a new mock CHZZK API server
func NewMockChzzkServer(t *testing.T) *MockChzzkServer {
	t.Helper()
	m := &MockChzzkServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		m.mu.Lock()
		m.requests = append(m.requests, key)
		h, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers h for method and path.
func (m *MockChzzkServer) Handle(method, path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[method+" "+path] = h
}

// Requests returns the "METHOD /path" keys received so far.
func (m *MockChzzkServer) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// WriteContent writes the {code, message, content} envelope.
func WriteContent(w http.ResponseWriter, content any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
		"code":    200,
		"message": nil,
		"content": content,
	})
}

// MockTokenResponse adds a handler for the token endpoint. It answers both
// the authorization_code and refresh_token grants and records the decoded
// request bodies into bodies when non-nil.
func (m *MockChzzkServer) MockTokenResponse(accessToken, refreshToken string, expiresIn int, bodies chan<- map[string]string) {
	m.Handle(http.MethodPost, "/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if bodies != nil {
			select {
			case bodies <- body:
			default:
			}
		}
		WriteContent(w, map[string]any{
			"accessToken":  accessToken,
			"refreshToken": refreshToken,
			"tokenType":    "Bearer",
			"expiresIn":    expiresIn,
			"scope":        "채팅 메시지 조회",
		})
	})
}

// MockNotices adds a handler for the chat notice endpoint that forwards each
// notice message on the returned channel.
func (m *MockChzzkServer) MockNotices(buffer int) <-chan string {
	ch := make(chan string, buffer)
	m.Handle(http.MethodPost, "/open/v1/chats/notice", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test mock request
		select {
		case ch <- body.Message:
		default:
		}
		WriteContent(w, nil)
	})
	return ch
}
