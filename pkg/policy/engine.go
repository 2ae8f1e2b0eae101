package policy

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/haasonsaas/bitmesh/pkg/message"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Criteria is the response rule set read from configuration.
type Criteria struct {
	DefaultRespond bool     `yaml:"default_respond"`
	Probability    float64  `yaml:"probability"`
	MessageTypes   []string `yaml:"message_types"`
	ContentFilters []string `yaml:"content_filters"`
}

// DefaultCriteria answers every general message from a peer.
func DefaultCriteria() Criteria {
	return Criteria{
		DefaultRespond: true,
		Probability:    1.0,
		MessageTypes:   []string{message.TypeGeneral},
	}
}

type Reason string

const (
	ReasonOwnMessage   Reason = "own_message"
	ReasonTypeFiltered Reason = "type_not_allowed"
	ReasonFilterMatch  Reason = "content_filter_match"
	ReasonProbability  Reason = "probability_gate"
	ReasonDefault      Reason = "default_respond"
)

type Decision struct {
	Respond bool
	Reason  Reason
	// Filter holds the matching content filter when Reason is ReasonFilterMatch.
	Filter string
}

func (d Decision) String() string {
	if d.Respond {
		return fmt.Sprintf("respond (%s)", d.Reason)
	}
	return fmt.Sprintf("skip (%s)", d.Reason)
}

// Evaluate decides whether selfID should answer m. draw is a uniform value in
// [0,1) and is only consulted by the probability gate, so the result is fully
// determined by its inputs.
func Evaluate(m message.Message, selfID string, c Criteria, draw float64) Decision {
	if m.DeviceID == selfID {
		return Decision{Respond: false, Reason: ReasonOwnMessage}
	}

	if !typeAllowed(m.Type, c.MessageTypes) {
		return Decision{Respond: false, Reason: ReasonTypeFiltered}
	}

	// Filters are a fast accept. No match falls through to the gate below.
	if filter, ok := matchFilter(m.Content, c.ContentFilters); ok {
		return Decision{Respond: true, Reason: ReasonFilterMatch, Filter: filter}
	}

	if c.Probability < 1.0 && draw >= c.Probability {
		return Decision{Respond: false, Reason: ReasonProbability}
	}

	return Decision{Respond: c.DefaultRespond, Reason: ReasonDefault}
}

func typeAllowed(msgType string, allowed []string) bool {
	for _, t := range allowed {
		if t == msgType {
			return true
		}
	}
	return false
}

func matchFilter(content string, filters []string) (string, bool) {
	lower := strings.ToLower(content)
	for _, f := range filters {
		if f == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(f)) {
			return f, true
		}
	}
	return "", false
}

// Engine applies Criteria on behalf of one device.
type Engine struct {
	selfID   string
	criteria Criteria
	logger   zerolog.Logger

	mu   sync.Mutex
	draw func() float64
}

type Option func(*Engine)

// WithSource replaces the random source used by the probability gate.
func WithSource(draw func() float64) Option {
	return func(e *Engine) { e.draw = draw }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func NewEngine(selfID string, c Criteria, opts ...Option) *Engine {
	e := &Engine{
		selfID:   selfID,
		criteria: c,
		logger:   log.With().Str("component", "policy").Logger(),
		draw:     rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) ShouldRespond(m message.Message) bool {
	return e.Decide(m).Respond
}

// Decide evaluates m and logs the outcome at debug level.
func (e *Engine) Decide(m message.Message) Decision {
	e.mu.Lock()
	draw := e.draw()
	e.mu.Unlock()

	d := Evaluate(m, e.selfID, e.criteria, draw)
	e.logger.Debug().
		Str("message_id", m.ID).
		Str("from", m.DeviceID).
		Str("type", m.Type).
		Bool("respond", d.Respond).
		Str("reason", string(d.Reason)).
		Msg("Response policy evaluated")
	return d
}

func (e *Engine) Criteria() Criteria {
	return e.criteria
}
