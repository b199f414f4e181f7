// Package telemetry collects per-request usage events. The collector keeps
// in-memory aggregates keyed by the masked local API key; it is an optional
// sink behind an interface so the request path never depends on it being
// wired.
package telemetry

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"

	"github.com/bridgekit-ai/claude-bridge/internal/misc"
)

// Event is one finished request.
type Event struct {
	Endpoint     string
	Model        string
	APIKey       string
	Status       string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
	OutputText   string // used to estimate tokens when the upstream omitted usage
	Duration     time.Duration
}

// Sink receives finished-request events.
type Sink interface {
	Record(Event)
}

// NopSink discards everything.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(Event) {}

// keyStats aggregates per-caller usage.
type keyStats struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
}

// Collector aggregates events in memory and logs a per-request summary line.
type Collector struct {
	mu    sync.Mutex
	stats map[string]*keyStats
	enc   tokenizer.Codec
}

// NewCollector builds an empty collector.
func NewCollector() *Collector {
	enc, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		log.Warnf("tokenizer unavailable, output token estimates disabled: %v", err)
	}
	return &Collector{stats: make(map[string]*keyStats), enc: enc}
}

// Record implements Sink.
func (c *Collector) Record(ev Event) {
	if ev.OutputTokens == 0 && ev.OutputText != "" && c.enc != nil {
		if ids, _, err := c.enc.Encode(ev.OutputText); err == nil {
			ev.OutputTokens = int64(len(ids))
		}
	}

	key := misc.MaskKey(ev.APIKey)
	c.mu.Lock()
	s, ok := c.stats[key]
	if !ok {
		s = &keyStats{}
		c.stats[key] = s
	}
	s.Requests++
	s.InputTokens += ev.InputTokens
	s.OutputTokens += ev.OutputTokens
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"endpoint":      ev.Endpoint,
		"model":         ev.Model,
		"status":        ev.Status,
		"stop_reason":   ev.StopReason,
		"input_tokens":  ev.InputTokens,
		"output_tokens": ev.OutputTokens,
		"duration":      ev.Duration.Round(time.Millisecond).String(),
	}).Info("request finished")
}

// Snapshot returns a copy of the aggregates keyed by masked API key.
func (c *Collector) Snapshot() map[string]struct{ Requests, InputTokens, OutputTokens int64 } {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{ Requests, InputTokens, OutputTokens int64 }, len(c.stats))
	for key, s := range c.stats {
		out[key] = struct{ Requests, InputTokens, OutputTokens int64 }{s.Requests, s.InputTokens, s.OutputTokens}
	}
	return out
}
