package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Engine.IO packet types (first byte of every websocket text frame).
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioUpgrade = '5'
	eioNoop    = '6'
)

// Socket.IO packet types (second byte of an Engine.IO message).
const (
	sioConnect    = '0'
	sioDisconnect = '1'
	sioEvent      = '2'
	sioAck        = '3'
	sioError      = '4'
)

type frameKind int

const (
	frameNoop frameKind = iota
	frameOpen
	frameClose
	framePing
	framePong
	frameConnect
	frameDisconnect
	frameError
	frameEvent
)

// frame is one decoded websocket text message.
type frame struct {
	kind    frameKind
	data    string // ping/pong probe data or error text
	open    openPacket
	name    string          // event name for frameEvent
	payload json.RawMessage // first event argument for frameEvent
}

// openPacket is the handshake sent by the server right after the upgrade.
type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"` // ms
	PingTimeout  int    `json:"pingTimeout"`  // ms
}

func (o openPacket) interval() time.Duration {
	if o.PingInterval <= 0 {
		return 25 * time.Second
	}
	return time.Duration(o.PingInterval) * time.Millisecond
}

func (o openPacket) timeout() time.Duration {
	if o.PingTimeout <= 0 {
		return 20 * time.Second
	}
	return time.Duration(o.PingTimeout) * time.Millisecond
}

var errEmptyFrame = errors.New("empty frame")

// parseFrame decodes an Engine.IO text frame and, for messages, the Socket.IO
// packet it carries.
func parseFrame(b []byte) (frame, error) {
	s := string(b)
	if s == "" {
		return frame{}, errEmptyFrame
	}
	switch s[0] {
	case eioOpen:
		var op openPacket
		if err := json.Unmarshal([]byte(s[1:]), &op); err != nil {
			return frame{}, fmt.Errorf("open packet: %w", err)
		}
		return frame{kind: frameOpen, open: op}, nil
	case eioClose:
		return frame{kind: frameClose}, nil
	case eioPing:
		return frame{kind: framePing, data: s[1:]}, nil
	case eioPong:
		return frame{kind: framePong, data: s[1:]}, nil
	case eioUpgrade, eioNoop:
		return frame{kind: frameNoop}, nil
	case eioMessage:
		return parseSocketPacket(s[1:])
	default:
		return frame{}, fmt.Errorf("unknown engine.io packet type %q", s[0])
	}
}

func parseSocketPacket(s string) (frame, error) {
	if s == "" {
		return frame{}, errEmptyFrame
	}
	kind, rest := s[0], s[1:]
	switch kind {
	case sioConnect:
		return frame{kind: frameConnect}, nil
	case sioDisconnect:
		return frame{kind: frameDisconnect}, nil
	case sioError:
		return frame{kind: frameError, data: rest}, nil
	case sioAck:
		return frame{kind: frameNoop}, nil
	case sioEvent:
	default:
		return frame{}, fmt.Errorf("unknown socket.io packet type %q", kind)
	}

	// Optional namespace ("/chat,") and ack id precede the JSON array.
	if strings.HasPrefix(rest, "/") {
		i := strings.IndexByte(rest, ',')
		if i < 0 {
			return frame{}, errors.New("event: unterminated namespace")
		}
		rest = rest[i+1:]
	}
	rest = strings.TrimLeft(rest, "0123456789")

	var args []json.RawMessage
	if err := json.Unmarshal([]byte(rest), &args); err != nil {
		return frame{}, fmt.Errorf("event: %w", err)
	}
	if len(args) == 0 {
		return frame{}, errors.New("event: empty argument list")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return frame{}, fmt.Errorf("event name: %w", err)
	}
	f := frame{kind: frameEvent, name: name}
	if len(args) > 1 {
		f.payload = args[1]
	}
	return f, nil
}

// socketURL turns the session URL handed out by the API into the websocket
// endpoint of its Socket.IO server.
func socketURL(raw string, eio int) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse session url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported session url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", strconv.Itoa(eio))
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
