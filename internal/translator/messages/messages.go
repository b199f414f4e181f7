// Package messages handles the native passthrough endpoint. The body already
// is in the upstream's format, so translation reduces to tool-prefix
// stripping on the way out; this package sniffs the passing events for usage
// and stop-reason telemetry without altering them.
package messages

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

var dataTag = []byte("data:")

// StreamStats accumulates telemetry sniffed from a passing event stream. The
// output text is kept so token usage can be estimated when the upstream
// stream dies before reporting it.
type StreamStats struct {
	InputTokens  int64
	OutputTokens int64
	StopReason   string
	TextChars    int

	text strings.Builder
}

// Text returns the accumulated output text.
func (s *StreamStats) Text() string {
	return s.text.String()
}

// Observe inspects one SSE line without modifying it.
func (s *StreamStats) Observe(line []byte) {
	if !bytes.HasPrefix(line, dataTag) {
		return
	}
	root := gjson.ParseBytes(bytes.TrimSpace(line[len(dataTag):]))
	switch root.Get("type").String() {
	case "message_start":
		usage := root.Get("message.usage")
		s.InputTokens = usage.Get("input_tokens").Int() +
			usage.Get("cache_creation_input_tokens").Int() +
			usage.Get("cache_read_input_tokens").Int()
	case "content_block_delta":
		if text := root.Get("delta.text"); text.Exists() {
			s.TextChars += len(text.String())
			s.text.WriteString(text.String())
		}
	case "message_delta":
		if tokens := root.Get("usage.output_tokens"); tokens.Exists() {
			s.OutputTokens = tokens.Int()
		}
		if reason := root.Get("delta.stop_reason"); reason.Exists() && reason.String() != "" {
			s.StopReason = reason.String()
		}
	}
}

// ObserveResponse fills the stats from a complete non-stream response body.
func (s *StreamStats) ObserveResponse(body []byte) {
	root := gjson.ParseBytes(body)
	usage := root.Get("usage")
	s.InputTokens = usage.Get("input_tokens").Int() +
		usage.Get("cache_creation_input_tokens").Int() +
		usage.Get("cache_read_input_tokens").Int()
	s.OutputTokens = usage.Get("output_tokens").Int()
	s.StopReason = root.Get("stop_reason").String()
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			s.TextChars += len(block.Get("text").String())
			s.text.WriteString(block.Get("text").String())
		}
		return true
	})
}
