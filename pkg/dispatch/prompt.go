package dispatch

import (
	"strings"

	"github.com/haasonsaas/bitmesh/pkg/message"
)

// DefaultTemplate is used when no prompt template is configured.
const DefaultTemplate = "You are a helpful AI assistant in an IoT network. " +
	"Device {device_id} said: '{content}'. " +
	"Recent context: {context}. " +
	"Provide a helpful, concise response."

// ContextSize is how many earlier messages are quoted in a prompt.
const ContextSize = 3

// FormatContext renders messages as "device: content" joined by " | ".
func FormatContext(msgs []message.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.DeviceID+": "+m.Content)
	}
	return strings.Join(parts, " | ")
}

// BuildPrompt fills the template placeholders. Unknown placeholders are left
// untouched.
func BuildPrompt(template string, m message.Message, recent []message.Message, selfID string) string {
	if template == "" {
		template = DefaultTemplate
	}
	r := strings.NewReplacer(
		"{device_id}", m.DeviceID,
		"{content}", m.Content,
		"{context}", FormatContext(recent),
		"{own_device_id}", selfID,
	)
	return r.Replace(template)
}
