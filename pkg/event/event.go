package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Bus contracts of the message pipeline (producer -> inbound topic -> im-msg -> persisted topic).
// Treat these as wire contracts; field names match the JSON produced by the chat gateway.

const (
	EventPersisted = "msg_persisted"
	EventDeleted   = "msg_deleted"

	StatusSent = "sent"

	ScopeTTL    = "ttl"
	ScopeServer = "server"
)

var ErrMalformed = errors.New("event: malformed")

type Attachment struct {
	URL  string         `json:"url"`
	Mime string         `json:"mime,omitempty"`
	Size int64          `json:"size,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Inbound is the raw chat message as delivered by the inbound topic.
type Inbound struct {
	MsgID       string         `json:"msgId"`
	ChatID      string         `json:"chatId"`
	SenderID    string         `json:"senderId"`
	MessageType string         `json:"messageType,omitempty"`
	Text        string         `json:"text,omitempty"`
	Content     string         `json:"content,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ReplyTo     string         `json:"replyTo,omitempty"`
	ForwardOf   string         `json:"forwardOf,omitempty"`
	CreatedAt   *Timestamp     `json:"createdAt,omitempty"`
	ExpiresAt   *Timestamp     `json:"expiresAt,omitempty"`
	TTLSeconds  int64          `json:"ttlSeconds,omitempty"`
	Seq         *int64         `json:"seq,omitempty"`
}

// Body returns text, falling back to content (both spellings are in use upstream).
func (in *Inbound) Body() string {
	if in.Text != "" {
		return in.Text
	}
	return in.Content
}

// Expiry resolves expiresAt / ttlSeconds relative to base. Nil means no expiry.
func (in *Inbound) Expiry(base time.Time) *time.Time {
	if in.ExpiresAt != nil && !in.ExpiresAt.Time.IsZero() {
		t := in.ExpiresAt.Time
		return &t
	}
	if in.TTLSeconds > 0 {
		t := base.Add(time.Duration(in.TTLSeconds) * time.Second)
		return &t
	}
	return nil
}

// DecodeInbound parses and checks the identity fields. Any failure wraps ErrMalformed.
func DecodeInbound(b []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	in.MsgID = strings.TrimSpace(in.MsgID)
	in.ChatID = strings.TrimSpace(in.ChatID)
	in.SenderID = strings.TrimSpace(in.SenderID)
	switch {
	case in.MsgID == "":
		return nil, fmt.Errorf("%w: missing msgId", ErrMalformed)
	case in.ChatID == "":
		return nil, fmt.Errorf("%w: missing chatId", ErrMalformed)
	case in.SenderID == "":
		return nil, fmt.Errorf("%w: missing senderId", ErrMalformed)
	}
	if in.Seq != nil && *in.Seq <= 0 {
		return nil, fmt.Errorf("%w: seq must be positive", ErrMalformed)
	}
	return &in, nil
}

// Persisted is published once per successful persistence, keyed by ChatID.
type Persisted struct {
	MsgID     string    `json:"msgId"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
	Status    string    `json:"status"`
}

type Deleted struct {
	MsgID     string    `json:"msgId"`
	ChatID    string    `json:"chatId"`
	Scope     string    `json:"scope"`
	DeletedAt time.Time `json:"deletedAt"`
}

// Timestamp accepts epoch milliseconds or an RFC 3339 string.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		return nil
	}
	if s[0] == '"' {
		v, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		p, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return err
		}
		t.Time = p.UTC()
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	t.Time = time.UnixMilli(int64(f)).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time)
}
