package responses

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestConvertRequestStringInput(t *testing.T) {
	rawJSON := []byte(`{"model":"gpt-4o","input":"Hello","instructions":"Be brief.","max_output_tokens":256}`)
	out := ConvertResponsesRequestToClaude("claude-sonnet-4-5", rawJSON, true)

	if got := gjson.GetBytes(out, "model").String(); got != "claude-sonnet-4-5" {
		t.Errorf("model = %q", got)
	}
	if got := gjson.GetBytes(out, "max_tokens").Int(); got != 256 {
		t.Errorf("max_tokens = %d", got)
	}
	if got := gjson.GetBytes(out, "system.0.text").String(); got != "Be brief." {
		t.Errorf("system = %q", got)
	}
	if got := gjson.GetBytes(out, "messages.0.content.0.text").String(); got != "Hello" {
		t.Errorf("message text = %q", got)
	}
	if !gjson.GetBytes(out, "stream").Bool() {
		t.Error("stream should be true")
	}
}

func TestConvertRequestToolLoopWireOrder(t *testing.T) {
	// Calls arrive before the assistant message that follows them; the
	// outputs come last. The normalised turns must pair calls with results
	// immediately, with the planning message after the results.
	rawJSON := []byte(`{"model":"gpt-4o","input":[
		{"type":"message","role":"developer","content":[{"type":"input_text","text":"You are terse."}]},
		{"type":"message","role":"user","content":[{"type":"input_text","text":"compare A and B"}]},
		{"type":"function_call","call_id":"call_A","name":"lookup","arguments":"{\"q\":\"A\"}"},
		{"type":"function_call","call_id":"call_B","name":"lookup","arguments":"{\"q\":\"B\"}"},
		{"type":"message","role":"assistant","content":[{"type":"output_text","text":"planning"}]},
		{"type":"function_call_output","call_id":"call_A","output":"result A"},
		{"type":"function_call_output","call_id":"call_B","output":"result B"}]}`)
	out := ConvertResponsesRequestToClaude("claude-sonnet-4-5", rawJSON, false)

	if got := gjson.GetBytes(out, "system.0.text").String(); got != "You are terse." {
		t.Errorf("system = %q", got)
	}

	messages := gjson.GetBytes(out, "messages").Array()
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d: %s", len(messages), out)
	}

	if got := messages[0].Get("content.0.text").String(); got != "compare A and B" {
		t.Errorf("user turn = %q", got)
	}

	calls := messages[1]
	if got := calls.Get("role").String(); got != "assistant" {
		t.Errorf("calls role = %q", got)
	}
	if got := calls.Get("content.0.id").String(); got != "call_A" {
		t.Errorf("first call id = %q", got)
	}
	if got := calls.Get("content.1.id").String(); got != "call_B" {
		t.Errorf("second call id = %q", got)
	}
	if got := calls.Get("content.0.input.q").String(); got != "A" {
		t.Errorf("call arguments = %q", got)
	}

	results := messages[2]
	if got := results.Get("content.0.tool_use_id").String(); got != "call_A" {
		t.Errorf("first result id = %q", got)
	}
	if got := results.Get("content.1.content").String(); got != "result B" {
		t.Errorf("second result = %q", got)
	}

	// The planning text follows the results, matching the wire order of the
	// outputs relative to the calls.
	if got := messages[3].Get("content.0.text").String(); got != "planning" {
		t.Errorf("final turn = %q", got)
	}
}

func TestConvertRequestBatchingWindow(t *testing.T) {
	// call_C's output is inside the assistant message's window, call_D's is
	// not; D must come out as a separate later turn with its own result.
	rawJSON := []byte(`{"model":"gpt-4o","input":[
		{"type":"message","role":"assistant","content":[{"type":"output_text","text":"working"}]},
		{"type":"function_call","call_id":"call_C","name":"a","arguments":"{}"},
		{"type":"function_call_output","call_id":"call_C","output":"c out"},
		{"type":"function_call","call_id":"call_D","name":"b","arguments":"{}"},
		{"type":"message","role":"user","content":[{"type":"input_text","text":"go on"}]},
		{"type":"function_call_output","call_id":"call_D","output":"d out"}]}`)
	out := ConvertResponsesRequestToClaude("claude-sonnet-4-5", rawJSON, false)

	messages := gjson.GetBytes(out, "messages").Array()
	if len(messages) != 5 {
		t.Fatalf("expected 5 messages, got %d: %s", len(messages), out)
	}

	first := messages[0]
	if got := first.Get("content.0.text").String(); got != "working" {
		t.Errorf("assistant text = %q", got)
	}
	if got := first.Get("content.1.id").String(); got != "call_C" {
		t.Errorf("windowed call = %q", got)
	}
	if got := messages[1].Get("content.0.tool_use_id").String(); got != "call_C" {
		t.Errorf("windowed result = %q", got)
	}
	if got := messages[2].Get("content.0.id").String(); got != "call_D" {
		t.Errorf("deferred call = %q", got)
	}
	if got := messages[3].Get("content.0.tool_use_id").String(); got != "call_D" {
		t.Errorf("deferred result = %q", got)
	}
	if got := messages[4].Get("content.0.text").String(); got != "go on" {
		t.Errorf("trailing user turn = %q", got)
	}
}

func TestConvertRequestMergesConsecutiveUserTurns(t *testing.T) {
	rawJSON := []byte(`{"model":"gpt-4o","input":[
		{"type":"message","role":"user","content":[{"type":"input_text","text":"first"}]},
		{"type":"message","role":"user","content":[{"type":"input_text","text":"second"}]}]}`)
	out := ConvertResponsesRequestToClaude("claude-sonnet-4-5", rawJSON, false)

	messages := gjson.GetBytes(out, "messages").Array()
	if len(messages) != 1 {
		t.Fatalf("expected 1 merged message, got %d", len(messages))
	}
	if got := messages[0].Get("content.1.text").String(); got != "second" {
		t.Errorf("merged content = %s", messages[0].Raw)
	}
}

func TestConvertRequestCallResultPairing(t *testing.T) {
	// Every assistant turn with tool calls must be immediately followed by a
	// results turn carrying the same call ids.
	rawJSON := []byte(`{"model":"gpt-4o","input":[
		{"type":"message","role":"user","content":[{"type":"input_text","text":"q"}]},
		{"type":"function_call","call_id":"c1","name":"t","arguments":"{}"},
		{"type":"message","role":"user","content":[{"type":"input_text","text":"more"}]},
		{"type":"function_call_output","call_id":"c1","output":"out"}]}`)
	out := ConvertResponsesRequestToClaude("claude-sonnet-4-5", rawJSON, false)

	messages := gjson.GetBytes(out, "messages").Array()
	for i, message := range messages {
		var callIDs []string
		message.Get("content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "tool_use" {
				callIDs = append(callIDs, block.Get("id").String())
			}
			return true
		})
		if len(callIDs) == 0 {
			continue
		}
		if i+1 >= len(messages) {
			t.Fatalf("calls %v at tail with no results turn", callIDs)
		}
		next := messages[i+1]
		got := map[string]bool{}
		next.Get("content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "tool_result" {
				got[block.Get("tool_use_id").String()] = true
			}
			return true
		})
		for _, id := range callIDs {
			if !got[id] {
				t.Errorf("call %s has no result in the following turn: %s", id, next.Raw)
			}
		}
	}
}

func TestConvertRequestTools(t *testing.T) {
	rawJSON := []byte(`{"model":"gpt-4o","input":"hi","tools":[{"type":"function","name":"lookup","description":"find things","parameters":{"type":"object","properties":{"q":{"type":"string"}}}}],"tool_choice":{"type":"function","name":"lookup"}}`)
	out := ConvertResponsesRequestToClaude("claude-sonnet-4-5", rawJSON, false)

	if got := gjson.GetBytes(out, "tools.0.name").String(); got != "lookup" {
		t.Errorf("tool name = %q", got)
	}
	if got := gjson.GetBytes(out, "tools.0.input_schema.properties.q.type").String(); got != "string" {
		t.Errorf("input_schema missing: %s", out)
	}
	if got := gjson.GetBytes(out, "tool_choice").Raw; got != `{"type":"tool","name":"lookup"}` {
		t.Errorf("tool_choice = %s", got)
	}
}
