// Package chattest provides a fake CHZZK chat upstream for tests: the Open
// API session endpoints and a Socket.IO (Engine.IO 3) event server in one.
//
// An Upstream satisfies chat.SessionAPI. Each websocket connection gets a
// fresh session key; SubscribeChat confirms the CHAT subscription on the
// matching connection unless OnSubscribe is replaced.
package chattest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// AuthToken is the auth query value the session URL carries.
const AuthToken = "tok"

// Upstream is a fake session API and event server.
type Upstream struct {
	t   testing.TB
	srv *httptest.Server

	// SessionCalls counts SessionURL calls.
	SessionCalls atomic.Int32
	// FailSessions makes that many SessionURL calls fail before succeeding.
	FailSessions atomic.Int32

	mu          sync.Mutex
	byKey       map[string]*Conn
	subscribed  []string
	onSubscribe func(c *Conn)

	conns chan *Conn
}

// Conn is one accepted websocket connection.
type Conn struct {
	t    testing.TB
	ws   *websocket.Conn
	mu   sync.Mutex
	Key  string
	done chan struct{}
}

// Send writes a raw Engine.IO frame.
func (c *Conn) Send(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.t.Logf("chattest send: %v", err)
	}
}

// Confirm sends the SYSTEM subscribed event for CHAT on channelID.
func (c *Conn) Confirm(channelID string) {
	c.Send(fmt.Sprintf(`42["SYSTEM",{"type":"subscribed","data":{"eventType":"CHAT","channelId":%q}}]`, channelID))
}

// Chat sends a CHAT event from voter.
func (c *Conn) Chat(content, voter string) {
	c.Send(fmt.Sprintf(`42["CHAT",{"content":%q,"userIdHash":%q}]`, content, voter))
}

// Drop closes the connection from the server side.
func (c *Conn) Drop() { _ = c.ws.Close() }

// Closed is closed once the client side has gone away.
func (c *Conn) Closed() <-chan struct{} { return c.done }

// New starts an Upstream; it is closed with the test.
func New(t testing.TB) *Upstream {
	t.Helper()
	u := &Upstream{
		t:     t,
		byKey: map[string]*Conn{},
		conns: make(chan *Conn, 16),
	}
	u.onSubscribe = func(c *Conn) { c.Confirm("ch-1") }
	upgrader := websocket.Upgrader{}
	var n atomic.Int32
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/socket.io/" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("auth") != AuthToken || q.Get("EIO") != "3" || q.Get("transport") != "websocket" {
			t.Errorf("unexpected socket query %q", r.URL.RawQuery)
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &Conn{t: t, ws: ws, Key: fmt.Sprintf("key-%d", n.Add(1)), done: make(chan struct{})}
		u.mu.Lock()
		u.byKey[c.Key] = c
		u.mu.Unlock()
		c.Send(`0{"sid":"sid-1","pingInterval":25000,"pingTimeout":5000}`)
		c.Send(`40`)
		c.Send(fmt.Sprintf(`42["SYSTEM",{"type":"connected","data":{"sessionKey":%q}}]`, c.Key))
		u.conns <- c
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				close(c.done)
				return
			}
			if string(data) == "2" {
				c.Send("3")
			}
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

// OnSubscribe replaces what happens after a successful subscribe call.
func (u *Upstream) OnSubscribe(fn func(c *Conn)) {
	u.mu.Lock()
	u.onSubscribe = fn
	u.mu.Unlock()
}

// SessionURL returns a websocket session URL on the fake event server.
func (u *Upstream) SessionURL(ctx context.Context) (string, error) {
	u.SessionCalls.Add(1)
	if u.FailSessions.Load() > 0 {
		u.FailSessions.Add(-1)
		return "", errors.New("session endpoint unavailable")
	}
	return u.srv.URL + "/?auth=" + AuthToken, nil
}

// SubscribeChat records the key and runs the subscribe hook on its
// connection.
func (u *Upstream) SubscribeChat(ctx context.Context, key string) error {
	u.mu.Lock()
	c := u.byKey[key]
	u.subscribed = append(u.subscribed, key)
	hook := u.onSubscribe
	u.mu.Unlock()
	if c == nil {
		return fmt.Errorf("unknown session key %q", key)
	}
	hook(c)
	return nil
}

// SubscribedKeys lists the keys passed to SubscribeChat, in order.
func (u *Upstream) SubscribedKeys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.subscribed...)
}

// NextConn waits for the next websocket connection.
func (u *Upstream) NextConn(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-u.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}

// WaitSubscribed polls until at least n subscribe calls were made.
func (u *Upstream) WaitSubscribed(t testing.TB, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(u.SubscribedKeys()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d subscriptions, have %d", n, len(u.SubscribedKeys()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
