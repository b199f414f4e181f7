package telemetry

import (
	"testing"
	"time"
)

func TestCollectorAggregatesByMaskedKey(t *testing.T) {
	c := NewCollector()
	c.Record(Event{Endpoint: "chat_completions", APIKey: "sk-local-abcdef", InputTokens: 10, OutputTokens: 5, Duration: time.Second})
	c.Record(Event{Endpoint: "chat_completions", APIKey: "sk-local-abcdef", InputTokens: 7, OutputTokens: 3, Duration: time.Second})

	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("keys = %d, want 1", len(snap))
	}
	for key, stats := range snap {
		if key == "sk-local-abcdef" {
			t.Errorf("key stored unmasked: %q", key)
		}
		if stats.Requests != 2 || stats.InputTokens != 17 || stats.OutputTokens != 8 {
			t.Errorf("stats = %+v", stats)
		}
	}
}

func TestCollectorEstimatesMissingOutputTokens(t *testing.T) {
	c := NewCollector()
	if c.enc == nil {
		t.Skip("tokenizer data unavailable")
	}
	c.Record(Event{
		Endpoint:   "responses",
		APIKey:     "sk-local-xyz",
		OutputText: "The quick brown fox jumps over the lazy dog.",
	})

	for _, stats := range c.Snapshot() {
		if stats.OutputTokens == 0 {
			t.Error("output tokens not estimated from text")
		}
	}
}

func TestCollectorKeepsReportedUsage(t *testing.T) {
	c := NewCollector()
	c.Record(Event{APIKey: "k", OutputTokens: 42, OutputText: "ignored when usage was reported"})

	for _, stats := range c.Snapshot() {
		if stats.OutputTokens != 42 {
			t.Errorf("output tokens = %d, want the reported 42", stats.OutputTokens)
		}
	}
}
