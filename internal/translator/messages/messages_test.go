package messages

import "testing"

func TestObserveAccumulatesStreamStats(t *testing.T) {
	lines := []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":10,"cache_creation_input_tokens":2,"cache_read_input_tokens":3}}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello "}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
	}

	var stats StreamStats
	for _, line := range lines {
		stats.Observe([]byte(line))
	}

	if stats.InputTokens != 15 {
		t.Errorf("input tokens = %d, want cache tokens included", stats.InputTokens)
	}
	if stats.OutputTokens != 7 {
		t.Errorf("output tokens = %d", stats.OutputTokens)
	}
	if stats.StopReason != "end_turn" {
		t.Errorf("stop reason = %q", stats.StopReason)
	}
	if stats.Text() != "Hello world" {
		t.Errorf("text = %q", stats.Text())
	}
	if stats.TextChars != len("Hello world") {
		t.Errorf("text chars = %d", stats.TextChars)
	}
}

func TestObserveResponseCollectsText(t *testing.T) {
	body := `{"id":"msg_2","content":[{"type":"text","text":"One "},{"type":"tool_use","id":"t1","name":"f","input":{}},{"type":"text","text":"two"}],"stop_reason":"tool_use","usage":{"input_tokens":4,"output_tokens":6}}`

	var stats StreamStats
	stats.ObserveResponse([]byte(body))

	if stats.Text() != "One two" {
		t.Errorf("text = %q", stats.Text())
	}
	if stats.InputTokens != 4 || stats.OutputTokens != 6 || stats.StopReason != "tool_use" {
		t.Errorf("usage = %d/%d %q", stats.InputTokens, stats.OutputTokens, stats.StopReason)
	}
}
