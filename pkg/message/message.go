package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known message types. The type field is free-form; peers may send others.
const (
	TypeGeneral  = "general"
	TypePresence = "presence"
	TypeResponse = "response"
	TypeManual   = "manual"
)

var (
	// ErrDecode is returned for payloads that are not a valid wire message.
	ErrDecode = errors.New("malformed message")
	// ErrMissingField is returned when device_id or content is absent.
	ErrMissingField = errors.New("message missing required field")
)

// Message is a single bus message. Values are never mutated after construction.
type Message struct {
	ID        string
	DeviceID  string
	Content   string
	Timestamp time.Time
	Type      string
}

type wireMessage struct {
	ID          string  `json:"id"`
	DeviceID    *string `json:"device_id"`
	Content     *string `json:"content"`
	Timestamp   string  `json:"timestamp,omitempty"`
	MessageType string  `json:"message_type,omitempty"`
}

// naive ISO-8601 forms (no zone) emitted by some peers.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// New creates a message originating from deviceID with a fresh id and timestamp.
func New(deviceID, content, msgType string) Message {
	if msgType == "" {
		msgType = TypeGeneral
	}
	return Message{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Type:      msgType,
	}
}

// Marshal encodes the message in its JSON wire form.
func (m Message) Marshal() ([]byte, error) {
	deviceID := m.DeviceID
	content := m.Content
	return json.Marshal(wireMessage{
		ID:          m.ID,
		DeviceID:    &deviceID,
		Content:     &content,
		Timestamp:   m.Timestamp.Format(time.RFC3339Nano),
		MessageType: m.Type,
	})
}

// MarshalJSON makes embedded messages use the wire form.
func (m Message) MarshalJSON() ([]byte, error) {
	return m.Marshal()
}

// Decode parses a wire payload. Messages without a device_id or content are
// rejected with ErrMissingField.
func Decode(payload []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if w.DeviceID == nil || strings.TrimSpace(*w.DeviceID) == "" {
		return Message{}, fmt.Errorf("%w: device_id", ErrMissingField)
	}
	if w.Content == nil || *w.Content == "" {
		return Message{}, fmt.Errorf("%w: content", ErrMissingField)
	}

	m := Message{
		ID:       w.ID,
		DeviceID: *w.DeviceID,
		Content:  *w.Content,
		Type:     w.MessageType,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Type == "" {
		m.Type = TypeGeneral
	}
	if w.Timestamp == "" {
		m.Timestamp = time.Now().UTC()
		return m, nil
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return Message{}, fmt.Errorf("%w: timestamp %q", ErrDecode, w.Timestamp)
	}
	m.Timestamp = ts
	return m, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if layout == time.RFC3339Nano {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts, nil
			}
			continue
		}
		if ts, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.New("unrecognised timestamp")
}

// Preview shortens content for log lines.
func (m Message) Preview(n int) string {
	r := []rune(m.Content)
	if len(r) <= n {
		return m.Content
	}
	return string(r[:n]) + "..."
}
