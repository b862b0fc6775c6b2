// Package chatsync synchronizes a per-project chat conversation with a
// remote backend. It keeps an ordered, de-duplicated message set fed by
// one of two interchangeable transports (WebSocket push or HTTP polling),
// drives the connection lifecycle with reconnect/backoff, and echoes
// locally-sent messages optimistically until the server confirms them.
package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageState tracks a message's confirmation status.
type MessageState string

const (
	// StateConfirmed means the server has assigned the message its final id.
	StateConfirmed MessageState = "confirmed"
	// StatePending means the message is a local echo awaiting confirmation.
	StatePending MessageState = "pending"
	// StateFailed means the send retry budget was exhausted. The message
	// stays visible so the user can resend it.
	StateFailed MessageState = "failed"
)

// Message represents one chat message in a project conversation.
type Message struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id"`
	SenderID  string       `json:"sender_id"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
	State     MessageState `json:"state"`

	// ClientKey correlates a pending local echo with its server
	// confirmation when the confirmation arrives over the wire (for
	// example as a WebSocket echo) rather than as a POST response.
	ClientKey string `json:"client_key,omitempty"`
}

// before reports whether m sorts ahead of other. Ordering is by CreatedAt
// ascending with ties broken by lexical id, so any two stores that saw the
// same messages agree on the order.
func (m Message) before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// wireMessage is a Message as the backend serializes it. Field names vary
// between the legacy and current backend revisions (snake_case and
// camelCase), and timestamps arrive either as RFC 3339 strings or as Unix
// milliseconds, so decoding is tolerant of both.
type wireMessage struct {
	ID        string
	ProjectID string
	SenderID  string
	Content   string
	CreatedAt time.Time
	ClientKey string
}

func (w *wireMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID           string          `json:"id"`
		ProjectID    string          `json:"project_id"`
		ProjectIDAlt string          `json:"projectId"`
		SenderID     string          `json:"sender_id"`
		SenderIDAlt  string          `json:"senderId"`
		Content      string          `json:"content"`
		CreatedAt    json.RawMessage `json:"created_at"`
		CreatedAtAlt json.RawMessage `json:"createdAt"`
		ClientKey    string          `json:"client_key"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	w.ID = raw.ID
	w.ProjectID = firstNonEmpty(raw.ProjectID, raw.ProjectIDAlt)
	w.SenderID = firstNonEmpty(raw.SenderID, raw.SenderIDAlt)
	w.Content = raw.Content
	w.ClientKey = raw.ClientKey

	ts := raw.CreatedAt
	if len(ts) == 0 {
		ts = raw.CreatedAtAlt
	}
	if len(ts) > 0 {
		t, err := parseTimestamp(ts)
		if err != nil {
			return fmt.Errorf("message %s: %w", raw.ID, err)
		}
		w.CreatedAt = t
	}
	return nil
}

// parseTimestamp accepts an RFC 3339 string or a Unix-millisecond number.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		return t, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %s", raw)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (w wireMessage) message(projectID string) Message {
	pid := w.ProjectID
	if pid == "" {
		pid = projectID
	}
	return Message{
		ID:        w.ID,
		ProjectID: pid,
		SenderID:  w.SenderID,
		Content:   w.Content,
		CreatedAt: w.CreatedAt,
		State:     StateConfirmed,
		ClientKey: w.ClientKey,
	}
}

// decodeMessageList decodes a message-list response body. The backend has
// shipped three envelope shapes over time: a bare array, {"data": [...]},
// and {"messages": [...]}. All three are accepted.
func decodeMessageList(body []byte, projectID string) ([]Message, error) {
	trimmed := strings.TrimLeftFunc(string(body), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})

	var wires []wireMessage
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &wires); err != nil {
			return nil, fmt.Errorf("decoding message array: %w", err)
		}
	} else {
		var envelope struct {
			Data     []wireMessage `json:"data"`
			Messages []wireMessage `json:"messages"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("decoding message envelope: %w", err)
		}
		switch {
		case envelope.Data != nil:
			wires = envelope.Data
		case envelope.Messages != nil:
			wires = envelope.Messages
		default:
			return nil, fmt.Errorf("unrecognized message envelope")
		}
	}

	msgs := make([]Message, 0, len(wires))
	for _, w := range wires {
		msgs = append(msgs, w.message(projectID))
	}
	return msgs, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
