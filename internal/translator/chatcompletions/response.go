package chatcompletions

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var dataTag = []byte("data:")

// toolCallState buffers one tool call's incremental argument JSON until the
// content block closes.
type toolCallState struct {
	ID        string
	Name      string
	Order     int
	Arguments strings.Builder
}

// streamState is the per-response conversion state.
type streamState struct {
	ResponseID  string
	CreatedAt   int64
	ToolCalls   map[int]*toolCallState
	ToolCount   int
	SawToolCall bool
	SawError    bool
}

// ConvertClaudeResponseToChatCompletions converts one upstream SSE event into
// zero or more Chat Completions chunk payloads. Tool-call arguments stream
// incrementally from the upstream; they are buffered and emitted as one chunk
// when the block closes, carrying the call's 0-based order within the message.
func ConvertClaudeResponseToChatCompletions(_ context.Context, modelName string, _, _ []byte, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &streamState{ToolCalls: make(map[int]*toolCallState)}
	}
	st := (*param).(*streamState)

	if !bytes.HasPrefix(rawJSON, dataTag) {
		return []string{}
	}
	rawJSON = bytes.TrimSpace(rawJSON[len(dataTag):])

	root := gjson.ParseBytes(rawJSON)

	template := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	template, _ = sjson.Set(template, "model", modelName)
	template, _ = sjson.Set(template, "id", st.ResponseID)
	template, _ = sjson.Set(template, "created", st.CreatedAt)

	switch root.Get("type").String() {
	case "message_start":
		st.ResponseID = root.Get("message.id").String()
		st.CreatedAt = time.Now().Unix()
		template, _ = sjson.Set(template, "id", st.ResponseID)
		template, _ = sjson.Set(template, "created", st.CreatedAt)
		template, _ = sjson.Set(template, "choices.0.delta.role", "assistant")
		return []string{template}

	case "content_block_start":
		if root.Get("content_block.type").String() == "tool_use" {
			index := int(root.Get("index").Int())
			st.ToolCalls[index] = &toolCallState{
				ID:    root.Get("content_block.id").String(),
				Name:  root.Get("content_block.name").String(),
				Order: st.ToolCount,
			}
			st.ToolCount++
		}
		return []string{}

	case "content_block_delta":
		switch root.Get("delta.type").String() {
		case "text_delta":
			template, _ = sjson.Set(template, "choices.0.delta.content", root.Get("delta.text").String())
			return []string{template}
		case "input_json_delta":
			index := int(root.Get("index").Int())
			if call, ok := st.ToolCalls[index]; ok {
				call.Arguments.WriteString(root.Get("delta.partial_json").String())
			}
		}
		return []string{}

	case "content_block_stop":
		index := int(root.Get("index").Int())
		call, ok := st.ToolCalls[index]
		if !ok {
			return []string{}
		}
		delete(st.ToolCalls, index)
		st.SawToolCall = true

		arguments := call.Arguments.String()
		if arguments == "" {
			arguments = "{}"
		}
		template, _ = sjson.Set(template, "choices.0.delta.tool_calls.0.index", call.Order)
		template, _ = sjson.Set(template, "choices.0.delta.tool_calls.0.id", call.ID)
		template, _ = sjson.Set(template, "choices.0.delta.tool_calls.0.type", "function")
		template, _ = sjson.Set(template, "choices.0.delta.tool_calls.0.function.name", call.Name)
		template, _ = sjson.Set(template, "choices.0.delta.tool_calls.0.function.arguments", arguments)
		return []string{template}

	case "message_delta":
		finish := mapStopReason(root.Get("delta.stop_reason").String())
		if st.SawToolCall {
			finish = "tool_calls"
		}
		if st.SawError {
			finish = "error"
		}
		template, _ = sjson.Set(template, "choices.0.finish_reason", finish)

		if usage := root.Get("usage"); usage.Exists() {
			inputTokens := usage.Get("input_tokens").Int() + usage.Get("cache_creation_input_tokens").Int() + usage.Get("cache_read_input_tokens").Int()
			outputTokens := usage.Get("output_tokens").Int()
			template, _ = sjson.Set(template, "usage.prompt_tokens", inputTokens)
			template, _ = sjson.Set(template, "usage.completion_tokens", outputTokens)
			template, _ = sjson.Set(template, "usage.total_tokens", inputTokens+outputTokens)
		}
		return []string{template}

	case "error":
		st.SawError = true
		template, _ = sjson.Set(template, "choices.0.finish_reason", "error")
		template, _ = sjson.SetRaw(template, "error", root.Get("error").Raw)
		return []string{template}

	case "message_stop", "ping":
		return []string{}
	}
	return []string{}
}

// mapStopReason maps upstream stop reasons to Chat Completions finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// ConvertClaudeResponseToChatCompletionsNonStream converts a complete
// upstream Messages response body into a chat.completion object.
func ConvertClaudeResponseToChatCompletionsNonStream(_ context.Context, modelName string, rawJSON []byte) string {
	root := gjson.ParseBytes(rawJSON)

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	out, _ = sjson.Set(out, "model", modelName)

	var textParts []string
	toolCount := 0
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			textParts = append(textParts, block.Get("text").String())
		case "tool_use":
			base := fmt.Sprintf("choices.0.message.tool_calls.%d", toolCount)
			out, _ = sjson.Set(out, base+".id", block.Get("id").String())
			out, _ = sjson.Set(out, base+".type", "function")
			out, _ = sjson.Set(out, base+".function.name", block.Get("name").String())
			arguments := block.Get("input").Raw
			if arguments == "" {
				arguments = "{}"
			}
			out, _ = sjson.Set(out, base+".function.arguments", arguments)
			toolCount++
		}
		return true
	})
	out, _ = sjson.Set(out, "choices.0.message.content", strings.Join(textParts, ""))

	finish := mapStopReason(root.Get("stop_reason").String())
	if toolCount > 0 {
		finish = "tool_calls"
	}
	out, _ = sjson.Set(out, "choices.0.finish_reason", finish)

	usage := root.Get("usage")
	inputTokens := usage.Get("input_tokens").Int() + usage.Get("cache_creation_input_tokens").Int() + usage.Get("cache_read_input_tokens").Int()
	outputTokens := usage.Get("output_tokens").Int()
	out, _ = sjson.Set(out, "usage.prompt_tokens", inputTokens)
	out, _ = sjson.Set(out, "usage.completion_tokens", outputTokens)
	out, _ = sjson.Set(out, "usage.total_tokens", inputTokens+outputTokens)

	return out
}
