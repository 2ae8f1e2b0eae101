package policy

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/haasonsaas/bitmesh/pkg/message"
)

const self = "bitnet-self-000001"

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		msg        message.Message
		criteria   Criteria
		draw       float64
		wantRespond bool
		wantReason Reason
	}{
		{
			name:       "own message",
			msg:        message.Message{DeviceID: self, Content: "help", Type: message.TypeGeneral},
			criteria:   Criteria{DefaultRespond: true, Probability: 1, MessageTypes: []string{"general"}, ContentFilters: []string{"help"}},
			wantRespond: false,
			wantReason: ReasonOwnMessage,
		},
		{
			name:       "type not allowed",
			msg:        message.Message{DeviceID: "peer", Content: "help me", Type: message.TypePresence},
			criteria:   Criteria{DefaultRespond: true, Probability: 1, MessageTypes: []string{"general"}, ContentFilters: []string{"help"}},
			wantRespond: false,
			wantReason: ReasonTypeFiltered,
		},
		{
			name:       "filter match beats probability",
			msg:        message.Message{DeviceID: "peer", Content: "How do I solder?", Type: message.TypeGeneral},
			criteria:   Criteria{DefaultRespond: false, Probability: 0, MessageTypes: []string{"general"}, ContentFilters: []string{"how"}},
			draw:       0.99,
			wantRespond: true,
			wantReason: ReasonFilterMatch,
		},
		{
			name:       "filters configured but no match falls through",
			msg:        message.Message{DeviceID: "peer", Content: "nice weather", Type: message.TypeGeneral},
			criteria:   Criteria{DefaultRespond: true, Probability: 0.5, MessageTypes: []string{"general"}, ContentFilters: []string{"help"}},
			draw:       0.2,
			wantRespond: true,
			wantReason: ReasonDefault,
		},
		{
			name:       "probability gate rejects",
			msg:        message.Message{DeviceID: "peer", Content: "nice weather", Type: message.TypeGeneral},
			criteria:   Criteria{DefaultRespond: true, Probability: 0.5, MessageTypes: []string{"general"}},
			draw:       0.7,
			wantRespond: false,
			wantReason: ReasonProbability,
		},
		{
			name:       "default respond false",
			msg:        message.Message{DeviceID: "peer", Content: "nice weather", Type: message.TypeGeneral},
			criteria:   Criteria{DefaultRespond: false, Probability: 1, MessageTypes: []string{"general"}},
			wantRespond: false,
			wantReason: ReasonDefault,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.msg, self, tt.criteria, tt.draw)
			if d.Respond != tt.wantRespond {
				t.Errorf("Evaluate() respond = %v, want %v", d.Respond, tt.wantRespond)
			}
			if d.Reason != tt.wantReason {
				t.Errorf("Evaluate() reason = %s, want %s", d.Reason, tt.wantReason)
			}
		})
	}
}

// randomMessage produces an arbitrary message for property checks.
func randomMessage(r *rand.Rand, deviceIDs, types, words []string) message.Message {
	content := ""
	for i := 0; i < 1+r.Intn(4); i++ {
		content += words[r.Intn(len(words))] + " "
	}
	return message.Message{
		ID:       fmt.Sprintf("m-%d", r.Int()),
		DeviceID: deviceIDs[r.Intn(len(deviceIDs))],
		Content:  content,
		Type:     types[r.Intn(len(types))],
	}
}

func TestEvaluateProperties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	deviceIDs := []string{self, "peer-a", "peer-b"}
	types := []string{"general", "presence", "response", "manual", "question"}
	words := []string{"HELP", "what", "hello", "lathe", "Explain", "?", "solder"}
	filters := [][]string{nil, {"help"}, {"what", "?"}, {"EXPLAIN"}}

	for i := 0; i < 2000; i++ {
		m := randomMessage(r, deviceIDs, types, words)
		c := Criteria{
			DefaultRespond: r.Intn(2) == 0,
			Probability:    r.Float64(),
			MessageTypes:   []string{"general", "question"},
			ContentFilters: filters[r.Intn(len(filters))],
		}
		draw := r.Float64()
		d := Evaluate(m, self, c, draw)

		if m.DeviceID == self && d.Respond {
			t.Fatalf("responded to own message: %+v", m)
		}
		if m.Type != "general" && m.Type != "question" && d.Respond {
			t.Fatalf("responded to disallowed type %q", m.Type)
		}
		if _, ok := matchFilter(m.Content, c.ContentFilters); ok && m.DeviceID != self && typeAllowed(m.Type, c.MessageTypes) {
			if !d.Respond {
				t.Fatalf("filter match must respond regardless of draw: %+v %+v draw=%v", m, c, draw)
			}
			// Same decision for any draw.
			if !Evaluate(m, self, c, 0.999).Respond || !Evaluate(m, self, c, 0).Respond {
				t.Fatalf("filter match depended on draw")
			}
		}
	}
}

func TestZeroProbabilityAlwaysRejects(t *testing.T) {
	c := Criteria{DefaultRespond: true, Probability: 0, MessageTypes: []string{"general"}}
	m := message.Message{DeviceID: "peer", Content: "anything", Type: message.TypeGeneral}
	for _, draw := range []float64{0, 1e-12, 0.5, 0.999999} {
		if Evaluate(m, self, c, draw).Respond {
			t.Fatalf("probability 0 responded with draw %v", draw)
		}
	}
}

func TestEngineUsesInjectedSource(t *testing.T) {
	draws := []float64{0.1, 0.9}
	i := 0
	e := NewEngine(self, Criteria{DefaultRespond: true, Probability: 0.5, MessageTypes: []string{"general"}},
		WithSource(func() float64 {
			v := draws[i%len(draws)]
			i++
			return v
		}))

	m := message.Message{DeviceID: "peer", Content: "hi", Type: message.TypeGeneral}
	if !e.ShouldRespond(m) {
		t.Fatal("first draw 0.1 should pass the gate")
	}
	if e.ShouldRespond(m) {
		t.Fatal("second draw 0.9 should fail the gate")
	}
}

func TestDecisionString(t *testing.T) {
	if got := (Decision{Respond: true, Reason: ReasonFilterMatch}).String(); got != "respond (content_filter_match)" {
		t.Fatalf("String() = %q", got)
	}
	if got := (Decision{Reason: ReasonOwnMessage}).String(); got != "skip (own_message)" {
		t.Fatalf("String() = %q", got)
	}
}
