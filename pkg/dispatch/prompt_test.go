package dispatch

import (
	"testing"

	"github.com/haasonsaas/bitmesh/pkg/message"
)

func TestBuildPrompt(t *testing.T) {
	trigger := message.Message{DeviceID: "peer", Content: "how do I solder?"}
	recent := []message.Message{
		{DeviceID: "a", Content: "hello"},
		{DeviceID: "b", Content: "hi there"},
	}

	tests := []struct {
		name     string
		template string
		recent   []message.Message
		want     string
	}{
		{
			name:     "all placeholders",
			template: "{own_device_id} answers {device_id}: {content} [{context}]",
			recent:   recent,
			want:     "me answers peer: how do I solder? [a: hello | b: hi there]",
		},
		{
			name:     "empty context",
			template: "ctx={context}",
			want:     "ctx=",
		},
		{
			name:     "unknown placeholder kept",
			template: "{content} {mood}",
			want:     "how do I solder? {mood}",
		},
		{
			name:     "default template",
			template: "",
			want: "You are a helpful AI assistant in an IoT network. Device peer said: 'how do I solder?'. " +
				"Recent context: . Provide a helpful, concise response.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildPrompt(tt.template, trigger, tt.recent, "me"); got != tt.want {
				t.Fatalf("BuildPrompt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildPromptDoesNotExpandContent(t *testing.T) {
	trigger := message.Message{DeviceID: "peer", Content: "{context} {own_device_id}"}
	got := BuildPrompt("{content}", trigger, []message.Message{{DeviceID: "x", Content: "y"}}, "me")
	if got != "{context} {own_device_id}" {
		t.Fatalf("content was expanded: %q", got)
	}
}
