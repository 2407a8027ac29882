package proto

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/SWAI-Ltd/relaymesh/internal/stats"
)

// Frame types
const (
	TypeWelcome        = "welcome"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeSubscribe      = "subscribe"
	TypeSubscribed     = "subscribed"
	TypeUnsubscribe    = "unsubscribe"
	TypeUnsubscribed   = "unsubscribed"
	TypePublish        = "publish"
	TypeAck            = "ack"
	TypeHealth         = "health"
	TypeHealthResponse = "health_response"
	TypeStats          = "stats"
	TypeStatsResponse  = "stats_response"
)

// Ack statuses
const (
	StatusRelayed   = "relayed"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

// Message is one dissemination unit. It is never modified after it enters
// the message cache.
type Message struct {
	ID        string
	Topic     string
	Payload   json.RawMessage
	Timestamp string
	// Origin is the registry handle of the publishing connection.
	Origin uint64
	// Raw is the frame forwarded to subscribers.
	Raw []byte
}

// Envelope is decoded first to dispatch on type.
type Envelope struct {
	Type string `json:"type"`
}

// PeekType returns the type field of a frame.
func PeekType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", ErrMalformedFrame
	}
	return env.Type, nil
}

type PublishFrame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Topic     string          `json:"topic"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// DecodePublish turns a publish frame into a Message. Fields are not
// checked here; that is the validator's job.
func DecodePublish(data []byte) (*Message, error) {
	var p PublishFrame
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, ErrMalformedFrame
	}
	content := p.Content
	if bytes.Equal(bytes.TrimSpace(content), []byte("null")) {
		content = nil
	}
	return &Message{
		ID:        p.ID,
		Topic:     p.Topic,
		Payload:   content,
		Timestamp: p.Timestamp,
		Raw:       data,
	}, nil
}

// WithID returns a copy of the frame with its id field set. Only used when
// the relay had to assign the id, so downstream relays can deduplicate.
func WithID(data []byte, id string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, ErrMalformedFrame
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["id"] = raw
	return json.Marshal(fields)
}

type SubscribeFrame struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

func DecodeSubscribe(data []byte) (*SubscribeFrame, error) {
	var s SubscribeFrame
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, ErrMalformedFrame
	}
	return &s, nil
}

type Welcome struct {
	Type      string   `json:"type"`
	RelayID   string   `json:"relay_id"`
	Timestamp string   `json:"timestamp"`
	Peers     int      `json:"peers"`
	Topics    []string `json:"topics,omitempty"`
	Version   string   `json:"version,omitempty"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type Subscribed struct {
	Type      string   `json:"type"`
	Topics    []string `json:"topics"`
	Timestamp string   `json:"timestamp"`
}

type Ack struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	RelayID   string `json:"relay_id"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

type HealthResponse struct {
	Type      string  `json:"type"`
	Status    string  `json:"status"`
	Clients   int     `json:"clients"`
	Uptime    float64 `json:"uptime"`
	Version   string  `json:"version,omitempty"`
	Timestamp string  `json:"timestamp"`
}

type RelayInfo struct {
	ID      string `json:"id"`
	Port    int    `json:"port"`
	Version string `json:"version"`
}

type StatsBody struct {
	stats.Snapshot
	ClientsConnected int `json:"clients_connected"`
	MessagesCached   int `json:"messages_cached"`
}

type StatsResponse struct {
	Type      string    `json:"type"`
	Stats     StatsBody `json:"stats"`
	Relay     RelayInfo `json:"relay"`
	Timestamp string    `json:"timestamp"`
}

// Timestamp formats t the way every reply carries it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Encode marshals a reply frame.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
