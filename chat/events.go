package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventKind tags the events the listener understands.
type EventKind int

const (
	// EventIgnored covers every recognised-but-unused event and unknown names.
	EventIgnored EventKind = iota
	// EventConnected carries the session key (SYSTEM/connected).
	EventConnected
	// EventSubscribed confirms a category subscription (SYSTEM/subscribed).
	EventSubscribed
	// EventChat is a chat message.
	EventChat
)

func (k EventKind) String() string {
	switch k {
	case EventIgnored:
		return "ignored"
	case EventConnected:
		return "connected"
	case EventSubscribed:
		return "subscribed"
	case EventChat:
		return "chat"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// CategoryChat is the subscription category for chat events.
const CategoryChat = "CHAT"

// Message is a parsed chat message. VoterID is empty when the payload
// carried none of the identity fields.
type Message struct {
	Content    string
	VoterID    string
	Nickname   string
	ChannelID  string
	ReceivedAt time.Time
}

// Event is a decoded Socket.IO event. Only the fields for Kind are set.
type Event struct {
	Kind       EventKind
	Name       string
	SessionKey string
	Category   string
	ChannelID  string
	Chat       Message
}

// errMissingSessionKey marks a connected event without a key; the session
// cannot proceed and is restarted.
var errMissingSessionKey = errors.New("connected event without session key")

type decoder func(payload json.RawMessage) (Event, error)

// decoders maps Socket.IO event names to their decoder. Names not listed
// decode to EventIgnored.
var decoders = map[string]decoder{
	"SYSTEM":       decodeSystem,
	"CHAT":         decodeChat,
	"DONATION":     decodeIgnored,
	"SUBSCRIPTION": decodeIgnored,
}

// DecodeEvent decodes the payload of the named Socket.IO event.
func DecodeEvent(name string, payload json.RawMessage) (Event, error) {
	d, ok := decoders[name]
	if !ok {
		d = decodeIgnored
	}
	ev, err := d(payload)
	ev.Name = name
	return ev, err
}

func decodeIgnored(json.RawMessage) (Event, error) { return Event{Kind: EventIgnored}, nil }

func decodeSystem(payload json.RawMessage) (Event, error) {
	obj, err := asObject(payload)
	if err != nil {
		return Event{}, fmt.Errorf("system event: %w", err)
	}
	typ := stringField(obj, "type")
	if typ == "" {
		typ = stringField(obj, "event")
	}
	data, _ := objectField(obj, "data")
	switch typ {
	case "connected":
		key := stringField(data, "sessionKey")
		if key == "" {
			return Event{}, errMissingSessionKey
		}
		return Event{Kind: EventConnected, SessionKey: key}, nil
	case "subscribed":
		cat := stringField(data, "eventType")
		if cat != CategoryChat {
			return Event{Kind: EventIgnored, Category: cat}, nil
		}
		return Event{Kind: EventSubscribed, Category: cat, ChannelID: stringField(data, "channelId")}, nil
	default:
		// unsubscribed, revoked and future system notices
		return Event{Kind: EventIgnored}, nil
	}
}

// VoterIDFields is the order in which identity fields are tried on a chat
// payload. The first non-empty value is the voter id. Changing this order
// lets one viewer appear as two voters, so it must stay fixed.
var VoterIDFields = [][]string{
	{"userIdHash"},
	{"chatUserId"},
	{"messageUserId"},
	{"sender", "userId"},
	{"profile", "userId"},
	{"identity", "userId"},
	{"memberChannelId"},
	{"senderChannelId"},
}

func decodeChat(payload json.RawMessage) (Event, error) {
	obj, err := asObject(payload)
	if err != nil {
		return Event{}, fmt.Errorf("chat event: %w", err)
	}
	msg := Message{
		Content:    stringField(obj, "content"),
		ChannelID:  stringField(obj, "channelId"),
		VoterID:    voterID(obj),
		ReceivedAt: time.Now(),
	}
	if profile, ok := objectField(obj, "profile"); ok {
		msg.Nickname = stringField(profile, "nickname")
	}
	return Event{Kind: EventChat, Chat: msg}, nil
}

func voterID(obj map[string]json.RawMessage) string {
	for _, path := range VoterIDFields {
		cur := obj
		for _, key := range path[:len(path)-1] {
			next, ok := objectField(cur, key)
			if !ok {
				cur = nil
				break
			}
			cur = next
		}
		if cur == nil {
			continue
		}
		if v := stringField(cur, path[len(path)-1]); v != "" {
			return v
		}
	}
	return ""
}

// asObject decodes a JSON object, unwrapping payloads that arrive as a
// JSON-encoded string.
func asObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		raw = json.RawMessage(s)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("payload is null")
	}
	return obj, nil
}

func objectField(obj map[string]json.RawMessage, key string) (map[string]json.RawMessage, bool) {
	raw, ok := obj[key]
	if !ok {
		return nil, false
	}
	sub, err := asObject(raw)
	if err != nil {
		return nil, false
	}
	return sub, true
}

// stringField returns a string or number member as text; other types yield "".
func stringField(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return ""
}
