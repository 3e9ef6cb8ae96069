package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chzzk-vote/telemetry"
)

// SessionState is the lifecycle state of the listener's current session.
type SessionState int

const (
	Disconnected SessionState = iota
	Connecting
	AwaitingSessionKey
	Subscribing
	Subscribed
	Closing
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingSessionKey:
		return "awaiting_session_key"
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// SessionAPI is the part of the Open API the listener needs.
// *chzzkapi.Client satisfies it.
type SessionAPI interface {
	SessionURL(ctx context.Context) (string, error)
	SubscribeChat(ctx context.Context, sessionKey string) error
}

// Handler receives chat messages. It runs on the listener goroutine, so it
// must not block for long.
type Handler func(Message)

var (
	// ErrStopped is returned by WaitSubscribed once the listener is stopped.
	ErrStopped = errors.New("chat listener stopped")
	// ErrAlreadyStarted is returned when Run is called twice.
	ErrAlreadyStarted = errors.New("chat listener already started")
	// ErrUnexpectedFrame marks protocol frames that end the session.
	ErrUnexpectedFrame = errors.New("unexpected frame")
)

const (
	DefaultEIO            = 3
	DefaultRequestTimeout = 10 * time.Second
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// Option configures a Listener.
type Option func(*Listener)

// WithEIO selects the Engine.IO protocol revision (3 or 4).
func WithEIO(v int) Option {
	return func(l *Listener) {
		if v == 3 || v == 4 {
			l.eio = v
		}
	}
}

// WithRequestTimeout bounds each HTTP call and the websocket dial.
func WithRequestTimeout(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.requestTimeout = d
		}
	}
}

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(l *Listener) {
		if initial > 0 {
			l.initialBackoff = initial
		}
		if max >= l.initialBackoff {
			l.maxBackoff = max
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(l *Listener) {
		if d != nil {
			l.dialer = d
		}
	}
}

// WithHeader adds headers to the websocket handshake request.
func WithHeader(h http.Header) Option {
	return func(l *Listener) { l.header = h.Clone() }
}

// Listener maintains a subscribed chat session and feeds chat messages to a
// Handler. Create one per round with NewListener.
type Listener struct {
	api     SessionAPI
	handler Handler

	eio            int
	requestTimeout time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	dialer         *websocket.Dialer
	header         http.Header

	mu        sync.Mutex
	state     SessionState
	channelID string
	conn      *websocket.Conn

	started      atomic.Bool
	stopOnce     sync.Once
	stopCh       chan struct{}
	done         chan struct{}
	subOnce      sync.Once
	subscribedCh chan struct{}
}

// NewListener returns a stopped listener.
func NewListener(api SessionAPI, handler Handler, opts ...Option) *Listener {
	l := &Listener{
		api:            api,
		handler:        handler,
		eio:            DefaultEIO,
		requestTimeout: DefaultRequestTimeout,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		dialer:         websocket.DefaultDialer,
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
		subscribedCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.handler == nil {
		l.handler = func(Message) {}
	}
	return l
}

// Start runs the listener on its own goroutine.
func (l *Listener) Start(ctx context.Context) {
	go func() {
		if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("chat listener exited", slog.Any("err", err))
		}
	}()
}

// Run connects, subscribes and dispatches chat until Stop is called or ctx
// ends. It returns nil after Stop and ctx.Err() on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(l.done)
	defer l.setState(Disconnected)

	// sessCtx also ends on Stop, cutting short an in-flight session
	// request, dial or subscribe.
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-sessCtx.Done():
		}
	}()

	backoff := l.initialBackoff
	for {
		if l.stopped() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		reached, err := l.session(sessCtx)
		l.setState(Disconnected)
		if l.stopped() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if reached {
			backoff = l.initialBackoff
		}
		telemetry.Inc(telemetry.StreamReconnects)
		slog.Warn("chat session ended; reconnecting",
			slog.Any("err", err),
			slog.Duration("backoff", backoff))

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-l.stopCh:
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

// Stop ends the listener and waits up to timeout for Run to return. It
// reports whether the goroutine exited in time. Safe to call more than once.
func (l *Listener) Stop(timeout time.Duration) bool {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.mu.Lock()
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.mu.Unlock()
	if !l.started.Load() {
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l.done:
		return true
	case <-t.C:
		return false
	}
}

// State returns the current session state.
func (l *Listener) State() SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ChannelID returns the channel id from the latest subscription, or "".
func (l *Listener) ChannelID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channelID
}

// WaitSubscribed blocks until the first subscription is confirmed and
// returns its channel id.
func (l *Listener) WaitSubscribed(ctx context.Context) (string, error) {
	select {
	case <-l.subscribedCh:
		return l.ChannelID(), nil
	case <-l.stopCh:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *Listener) stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *Listener) setState(s SessionState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	telemetry.SetGauge(telemetry.SessionStateGauge, int(s))
}

func (l *Listener) markSubscribed(channelID string) {
	l.mu.Lock()
	l.state = Subscribed
	if channelID != "" {
		l.channelID = channelID
	}
	l.mu.Unlock()
	telemetry.SetGauge(telemetry.SessionStateGauge, int(Subscribed))
	l.subOnce.Do(func() { close(l.subscribedCh) })
}

// attach publishes conn so Stop can close it; it refuses once stopped.
func (l *Listener) attach(conn *websocket.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped() {
		return false
	}
	l.conn = conn
	l.state = AwaitingSessionKey
	return true
}

func (l *Listener) detach() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.state = Closing
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// wsSession is the per-connection write side.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// session runs one connect/subscribe/read cycle. reached reports whether the
// session got as far as Subscribed.
func (l *Listener) session(ctx context.Context) (reached bool, err error) {
	start := time.Now()
	l.setState(Connecting)

	reqCtx, cancel := context.WithTimeout(ctx, l.requestTimeout)
	raw, err := l.api.SessionURL(reqCtx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("request session url: %w", err)
	}
	wsURL, err := socketURL(raw, l.eio)
	if err != nil {
		return false, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, l.requestTimeout)
	conn, resp, err := l.dialer.DialContext(dialCtx, wsURL, l.header)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial event server: %w", err)
	}
	if !l.attach(conn) {
		_ = conn.Close()
		return false, ErrStopped
	}
	telemetry.SetGauge(telemetry.SessionStateGauge, int(AwaitingSessionKey))
	defer l.detach()

	ws := &wsSession{conn: conn}
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-quit:
		}
	}()

	readTimeout := l.requestTimeout
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return reached, fmt.Errorf("read: %w", err)
		}
		f, err := parseFrame(data)
		if err != nil {
			slog.Warn("chat: skipping malformed frame", slog.Any("err", err), slog.Int("len", len(data)))
			continue
		}
		switch f.kind {
		case frameOpen:
			readTimeout = f.open.interval() + f.open.timeout()
			slog.Debug("chat: engine.io open", slog.String("sid", f.open.SID), slog.Duration("ping_interval", f.open.interval()))
			if l.eio >= 4 {
				if err := ws.send("40"); err != nil {
					return reached, fmt.Errorf("socket.io connect: %w", err)
				}
			} else {
				go l.pingLoop(ws, f.open.interval(), quit)
			}
		case framePing:
			if err := ws.send(string(eioPong) + f.data); err != nil {
				return reached, fmt.Errorf("pong: %w", err)
			}
		case framePong, frameNoop:
		case frameConnect:
			slog.Debug("chat: socket.io connected")
		case frameClose:
			return reached, fmt.Errorf("%w: engine.io close", ErrUnexpectedFrame)
		case frameDisconnect:
			return reached, fmt.Errorf("%w: socket.io disconnect", ErrUnexpectedFrame)
		case frameError:
			return reached, fmt.Errorf("%w: socket.io error %s", ErrUnexpectedFrame, f.data)
		case frameEvent:
			ok, err := l.dispatch(ctx, f, start)
			if ok {
				reached = true
			}
			if err != nil {
				return reached, err
			}
		}
	}
}

// pingLoop sends Engine.IO v3 client pings until quit closes.
func (l *Listener) pingLoop(ws *wsSession, every time.Duration, quit <-chan struct{}) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-quit:
			return
		case <-t.C:
			if err := ws.send(string(eioPing)); err != nil {
				slog.Debug("chat: ping failed", slog.Any("err", err))
				_ = ws.conn.Close()
				return
			}
		}
	}
}

// dispatch handles one Socket.IO event. subscribed reports a confirmed
// subscription; a non-nil error ends the session.
func (l *Listener) dispatch(ctx context.Context, f frame, start time.Time) (subscribed bool, err error) {
	ev, err := DecodeEvent(f.name, f.payload)
	if err != nil {
		if errors.Is(err, errMissingSessionKey) {
			return false, fmt.Errorf("%w: %v", ErrUnexpectedFrame, err)
		}
		slog.Warn("chat: skipping malformed event", slog.String("event", f.name), slog.Any("err", err))
		return false, nil
	}

	state := l.State()
	switch ev.Kind {
	case EventConnected:
		if state != AwaitingSessionKey {
			return false, fmt.Errorf("%w: session key while %s", ErrUnexpectedFrame, state)
		}
		l.setState(Subscribing)
		subCtx, cancel := context.WithTimeout(ctx, l.requestTimeout)
		err := l.api.SubscribeChat(subCtx, ev.SessionKey)
		cancel()
		if err != nil {
			return false, fmt.Errorf("subscribe chat: %w", err)
		}
		slog.Debug("chat: subscribe requested")
	case EventSubscribed:
		if state != Subscribing && state != Subscribed {
			return false, fmt.Errorf("%w: subscription confirmed while %s", ErrUnexpectedFrame, state)
		}
		l.markSubscribed(ev.ChannelID)
		if state == Subscribing {
			telemetry.Observe(telemetry.HandshakeDuration, time.Since(start))
			slog.Info("chat: subscribed", slog.String("channel_id", ev.ChannelID), slog.Duration("handshake", time.Since(start)))
		}
		return true, nil
	case EventChat:
		if state != Subscribed {
			slog.Debug("chat: dropping message before subscription", slog.String("state", state.String()))
			return false, nil
		}
		telemetry.Inc(telemetry.ChatMessages)
		l.handler(ev.Chat)
	default:
		slog.Debug("chat: ignored event", slog.String("event", ev.Name), slog.String("category", ev.Category))
	}
	return false, nil
}
