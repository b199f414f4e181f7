// Package chatcompletions translates between the OpenAI Chat Completions wire
// format and the Anthropic Messages format. Requests are rewritten field by
// field on the raw JSON; responses and stream events are rebuilt from the
// upstream's native event vocabulary.
package chatcompletions

import (
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const defaultMaxTokens = 32000

// genToolCallID fabricates a toolu_ id for assistant tool calls that arrived
// without one.
func genToolCallID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ConvertChatCompletionsRequestToClaude rewrites an OpenAI Chat Completions
// request into the Messages format. System messages merge into the top-level
// system field, assistant tool_calls become tool_use blocks, and consecutive
// tool-role messages collapse into a single user turn of tool_result blocks
// so every result immediately follows the assistant turn that emitted the
// calls.
func ConvertChatCompletionsRequestToClaude(modelName string, rawJSON []byte, stream bool) []byte {
	root := gjson.ParseBytes(rawJSON)
	out := `{"model":"","max_tokens":32000,"messages":[]}`
	out, _ = sjson.Set(out, "model", modelName)

	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_tokens", maxTokens.Int())
	} else if maxTokens = root.Get("max_completion_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_tokens", maxTokens.Int())
	}
	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	} else if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "top_p", topP.Float())
	}
	if stop := root.Get("stop"); stop.Exists() {
		if stop.IsArray() {
			var stopSequences []string
			stop.ForEach(func(_, value gjson.Result) bool {
				stopSequences = append(stopSequences, value.String())
				return true
			})
			if len(stopSequences) > 0 {
				out, _ = sjson.Set(out, "stop_sequences", stopSequences)
			}
		} else {
			out, _ = sjson.Set(out, "stop_sequences", []string{stop.String()})
		}
	}
	out, _ = sjson.Set(out, "stream", stream)

	// First pass: collect tool_call_id -> tool name so results can be checked
	// against the calls that produced them.
	callNames := map[string]string{}
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		if message.Get("role").String() != "assistant" {
			return true
		}
		message.Get("tool_calls").ForEach(func(_, toolCall gjson.Result) bool {
			if id := toolCall.Get("id").String(); id != "" {
				callNames[id] = toolCall.Get("function.name").String()
			}
			return true
		})
		return true
	})

	// Second pass: emit turns. Consecutive tool-role messages accumulate into
	// pendingResults and flush as one user message.
	var pendingResults []string
	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		msg := `{"role":"user","content":[]}`
		for _, block := range pendingResults {
			msg, _ = sjson.SetRaw(msg, "content.-1", block)
		}
		out, _ = sjson.SetRaw(out, "messages.-1", msg)
		pendingResults = nil
	}

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		content := message.Get("content")

		if role != "tool" {
			flushResults()
		}

		switch role {
		case "system", "developer":
			appendSystemText(&out, content)

		case "user", "assistant":
			msg := `{"role":"","content":[]}`
			msg, _ = sjson.Set(msg, "role", role)

			if content.Type == gjson.String && content.String() != "" {
				part, _ := sjson.Set(`{"type":"text","text":""}`, "text", content.String())
				msg, _ = sjson.SetRaw(msg, "content.-1", part)
			} else if content.IsArray() {
				content.ForEach(func(_, part gjson.Result) bool {
					if block, ok := convertContentPart(part); ok {
						msg, _ = sjson.SetRaw(msg, "content.-1", block)
					}
					return true
				})
			}

			if role == "assistant" {
				message.Get("tool_calls").ForEach(func(_, toolCall gjson.Result) bool {
					if toolCall.Get("type").String() != "function" {
						return true
					}
					id := toolCall.Get("id").String()
					if id == "" {
						id = genToolCallID()
					}
					toolUse := `{"type":"tool_use","id":"","name":"","input":{}}`
					toolUse, _ = sjson.Set(toolUse, "id", id)
					toolUse, _ = sjson.Set(toolUse, "name", toolCall.Get("function.name").String())
					if args := toolCall.Get("function.arguments").String(); args != "" && gjson.Valid(args) && gjson.Parse(args).IsObject() {
						toolUse, _ = sjson.SetRaw(toolUse, "input", args)
					}
					msg, _ = sjson.SetRaw(msg, "content.-1", toolUse)
					return true
				})
			}

			if gjson.Get(msg, "content.#").Int() > 0 {
				out, _ = sjson.SetRaw(out, "messages.-1", msg)
			}

		case "tool":
			id := message.Get("tool_call_id").String()
			if _, known := callNames[id]; !known {
				log.Warnf("tool result %q has no matching tool call", id)
			}
			block := `{"type":"tool_result","tool_use_id":"","content":""}`
			block, _ = sjson.Set(block, "tool_use_id", id)
			block, _ = sjson.Set(block, "content", toolResultText(content))
			pendingResults = append(pendingResults, block)
		}
		return true
	})
	flushResults()

	out = convertTools(out, root)
	out = convertToolChoice(out, root)
	return []byte(out)
}

// appendSystemText merges system/developer message text into the top-level
// system array.
func appendSystemText(out *string, content gjson.Result) {
	addText := func(text string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		if !gjson.Get(*out, "system").Exists() {
			*out, _ = sjson.SetRaw(*out, "system", "[]")
		}
		block, _ := sjson.Set(`{"type":"text","text":""}`, "text", text)
		*out, _ = sjson.SetRaw(*out, "system.-1", block)
	}
	if content.Type == gjson.String {
		addText(content.String())
	} else if content.IsArray() {
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				addText(part.Get("text").String())
			}
			return true
		})
	}
}

// convertContentPart maps one OpenAI content part to a Messages content block.
func convertContentPart(part gjson.Result) (string, bool) {
	switch part.Get("type").String() {
	case "text":
		text := part.Get("text").String()
		if strings.TrimSpace(text) == "" {
			return "", false
		}
		block, _ := sjson.Set(`{"type":"text","text":""}`, "text", text)
		return block, true

	case "image_url":
		imageURL := part.Get("image_url.url").String()
		if strings.HasPrefix(imageURL, "data:") {
			// data:<media-type>;base64,<payload>
			pieces := strings.SplitN(imageURL, ",", 2)
			if len(pieces) == 2 {
				mediaType := strings.TrimPrefix(strings.Split(pieces[0], ";")[0], "data:")
				block := `{"type":"image","source":{"type":"base64","media_type":"","data":""}}`
				block, _ = sjson.Set(block, "source.media_type", mediaType)
				block, _ = sjson.Set(block, "source.data", pieces[1])
				return block, true
			}
			return "", false
		}
		if imageURL != "" {
			block := `{"type":"image","source":{"type":"url","url":""}}`
			block, _ = sjson.Set(block, "source.url", imageURL)
			return block, true
		}
	}
	return "", false
}

// toolResultText flattens OpenAI tool message content to a plain string.
func toolResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		content.ForEach(func(_, item gjson.Result) bool {
			if item.Type == gjson.String {
				parts = append(parts, item.String())
			} else if text := item.Get("text"); text.Exists() {
				parts = append(parts, text.String())
			} else {
				parts = append(parts, item.Raw)
			}
			return true
		})
		return strings.Join(parts, "\n\n")
	}
	return content.Raw
}

func convertTools(out string, root gjson.Result) string {
	tools := root.Get("tools")
	if !tools.IsArray() {
		return out
	}
	tools.ForEach(func(_, tool gjson.Result) bool {
		if tool.Get("type").String() != "function" {
			return true
		}
		function := tool.Get("function")
		converted := `{"name":"","description":""}`
		converted, _ = sjson.Set(converted, "name", function.Get("name").String())
		converted, _ = sjson.Set(converted, "description", function.Get("description").String())
		if parameters := function.Get("parameters"); parameters.Exists() {
			converted, _ = sjson.SetRaw(converted, "input_schema", parameters.Raw)
		} else {
			converted, _ = sjson.SetRaw(converted, "input_schema", `{"type":"object","properties":{}}`)
		}
		out, _ = sjson.SetRaw(out, "tools.-1", converted)
		return true
	})
	return out
}

// convertToolChoice maps the OpenAI tool_choice and parallel_tool_calls
// fields. A choice naming an unknown tool downgrades to auto; a choice with
// no tools to choose from is dropped.
func convertToolChoice(out string, root gjson.Result) string {
	hasTools := gjson.Get(out, "tools.#").Int() > 0

	if toolChoice := root.Get("tool_choice"); toolChoice.Exists() {
		var translated string
		switch {
		case toolChoice.Type == gjson.String:
			switch toolChoice.String() {
			case "none":
				translated = `{"type":"none"}`
			case "auto":
				translated = `{"type":"auto"}`
			case "required":
				translated = `{"type":"any"}`
			}
		case toolChoice.IsObject():
			name := toolChoice.Get("function.name").String()
			if name == "" {
				translated = `{"type":"any"}`
			} else {
				translated, _ = sjson.Set(`{"type":"tool","name":""}`, "name", name)
			}
		}

		if translated != "" {
			choiceType := gjson.Get(translated, "type").String()
			switch {
			case choiceType == "tool" && !toolExists(out, gjson.Get(translated, "name").String()):
				log.Warnf("tool_choice names unknown tool %q, downgrading to auto", gjson.Get(translated, "name").String())
				out, _ = sjson.SetRaw(out, "tool_choice", `{"type":"auto"}`)
			case !hasTools && choiceType != "none":
				log.Warn("tool_choice supplied without tools, dropping")
			default:
				out, _ = sjson.SetRaw(out, "tool_choice", translated)
			}
		}
	}

	if parallel := root.Get("parallel_tool_calls"); parallel.Exists() && !parallel.Bool() {
		out, _ = sjson.Set(out, "tool_choice.disable_parallel_tool_use", true)
	}
	return out
}

func toolExists(out, name string) bool {
	found := false
	gjson.Get(out, "tools").ForEach(func(_, tool gjson.Result) bool {
		if tool.Get("name").String() == name {
			found = true
			return false
		}
		return true
	})
	return found
}
