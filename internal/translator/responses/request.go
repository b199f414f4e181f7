// Package responses translates between the OpenAI Responses wire format and
// the Anthropic Messages format. The request side has to normalise the
// heterogeneous input item list into strictly paired tool-call and
// tool-result turns; real clients emit function_call and
// function_call_output items in orders the Messages schema will not accept
// as-is.
package responses

import (
	"crypto/rand"
	"math/big"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type toolCall struct {
	ID   string
	Name string
	Args string
}

type toolResult struct {
	ID     string
	Output string
}

const (
	turnUser = iota
	turnAssistant
	turnResults
)

// turn is one normalised conversation step. An assistant turn carries both
// its text blocks and its tool calls; a results turn carries the outputs for
// the immediately preceding assistant turn's calls.
type turn struct {
	Kind    int
	Blocks  []string // rendered content block JSON
	Calls   []toolCall
	Results []toolResult
}

func genToolCallID() string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	var b strings.Builder
	for i := 0; i < 24; i++ {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		b.WriteByte(letters[n.Int64()])
	}
	return "toolu_" + b.String()
}

// ConvertResponsesRequestToClaude rewrites an OpenAI Responses request into
// the Messages format. The input items are walked twice: the first pass
// indexes tool names and outputs by call id, the second emits normalised
// turns so every tool result immediately follows the assistant turn that
// made the calls, regardless of the order the client put the items in.
func ConvertResponsesRequestToClaude(modelName string, rawJSON []byte, stream bool) []byte {
	root := gjson.ParseBytes(rawJSON)

	out := `{"model":"","max_tokens":32000,"messages":[]}`
	out, _ = sjson.Set(out, "model", modelName)
	if mot := root.Get("max_output_tokens"); mot.Exists() {
		out, _ = sjson.Set(out, "max_tokens", mot.Int())
	}
	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	} else if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "top_p", topP.Float())
	}
	out, _ = sjson.Set(out, "stream", stream)

	var systemTexts []string
	if instr := root.Get("instructions"); instr.Type == gjson.String && instr.String() != "" {
		systemTexts = append(systemTexts, instr.String())
	}

	turns := walkInput(root.Get("input"), &systemTexts)
	turns = mergeUserTurns(turns)
	turns = spliceStrayResults(turns)

	for _, text := range systemTexts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		block, _ := sjson.Set(`{"type":"text","text":""}`, "text", text)
		out, _ = sjson.SetRaw(out, "system.-1", block)
	}
	for _, t := range turns {
		out, _ = sjson.SetRaw(out, "messages.-1", renderTurn(t))
	}

	out = convertTools(out, root)
	out = convertToolChoice(out, root)
	return []byte(out)
}

// walkInput runs the second pass over the item list and emits turns.
func walkInput(input gjson.Result, systemTexts *[]string) []turn {
	if input.Type == gjson.String {
		if input.String() == "" {
			return nil
		}
		block, _ := sjson.Set(`{"type":"text","text":""}`, "text", input.String())
		return []turn{{Kind: turnUser, Blocks: []string{block}}}
	}
	if !input.IsArray() {
		return nil
	}

	items := input.Array()
	types := make([]string, len(items))
	for i, item := range items {
		types[i] = itemType(item)
	}

	// First pass: index every call's name and every output by call id.
	callNames := map[string]string{}
	outputs := map[string]string{}
	for i, item := range items {
		switch types[i] {
		case "function_call":
			callNames[item.Get("call_id").String()] = item.Get("name").String()
		case "function_call_output":
			outputs[item.Get("call_id").String()] = item.Get("output").String()
		}
	}

	consumed := make([]bool, len(items))
	var turns []turn

	// itemCall builds the call struct for a function_call item.
	itemCall := func(item gjson.Result) toolCall {
		id := item.Get("call_id").String()
		if id == "" {
			id = genToolCallID()
		}
		return toolCall{ID: id, Name: item.Get("name").String(), Args: item.Get("arguments").String()}
	}

	// emitCalls appends an assistant-calls turn plus the matching results
	// pulled from anywhere in the input.
	emitCalls := func(calls []toolCall) {
		if len(calls) == 0 {
			return
		}
		turns = append(turns, turn{Kind: turnAssistant, Calls: calls})
		var results []toolResult
		for _, call := range calls {
			if output, ok := outputs[call.ID]; ok {
				results = append(results, toolResult{ID: call.ID, Output: output})
				// Consume the output item wherever it sits.
				for j, item := range items {
					if !consumed[j] && types[j] == "function_call_output" && item.Get("call_id").String() == call.ID {
						consumed[j] = true
						break
					}
				}
			}
		}
		if len(results) > 0 {
			turns = append(turns, turn{Kind: turnResults, Results: results})
		}
	}

	// nextMessage returns the index of the next message item at or after i.
	nextMessage := func(i int) int {
		for ; i < len(items); i++ {
			if types[i] == "message" {
				return i
			}
		}
		return len(items)
	}

	for i := 0; i < len(items); i++ {
		if consumed[i] {
			continue
		}
		item := items[i]

		switch types[i] {
		case "message":
			role := item.Get("role").String()
			if role == "system" || role == "developer" {
				consumed[i] = true
				*systemTexts = append(*systemTexts, messageText(item))
				continue
			}
			if role != "assistant" {
				consumed[i] = true
				turns = append(turns, turn{Kind: turnUser, Blocks: messageBlocks(item)})
				continue
			}

			// Orphan calls left behind earlier windows come out as a prior
			// turn, before this assistant message.
			var orphans []toolCall
			for j := 0; j < i; j++ {
				if !consumed[j] && types[j] == "function_call" {
					consumed[j] = true
					orphans = append(orphans, itemCall(items[j]))
				}
			}
			emitCalls(orphans)

			// Batching window: everything up to the next message item. Calls
			// whose output also lies in the window belong to this assistant
			// turn; the rest wait for a later turn.
			windowEnd := nextMessage(i + 1)
			var windowCalls []toolCall
			var windowResults []toolResult
			for j := i + 1; j < windowEnd; j++ {
				if consumed[j] || types[j] != "function_call" {
					continue
				}
				callID := items[j].Get("call_id").String()
				for k := i + 1; k < windowEnd; k++ {
					if !consumed[k] && types[k] == "function_call_output" && items[k].Get("call_id").String() == callID {
						consumed[j] = true
						consumed[k] = true
						windowCalls = append(windowCalls, itemCall(items[j]))
						windowResults = append(windowResults, toolResult{ID: callID, Output: items[k].Get("output").String()})
						break
					}
				}
			}
			consumed[i] = true
			turns = append(turns, turn{Kind: turnAssistant, Blocks: messageBlocks(item), Calls: windowCalls})
			if len(windowResults) > 0 {
				turns = append(turns, turn{Kind: turnResults, Results: windowResults})
			}

		case "function_call":
			// A bare call gathers the run of bare calls behind it into one
			// assistant turn.
			var calls []toolCall
			for j := i; j < len(items); j++ {
				if consumed[j] {
					continue
				}
				if types[j] != "function_call" {
					break
				}
				consumed[j] = true
				calls = append(calls, itemCall(items[j]))
			}
			emitCalls(calls)

		case "function_call_output":
			// An output whose call turn is already emitted (or missing); the
			// post-pass splices it into place.
			consumed[i] = true
			turns = append(turns, turn{Kind: turnResults, Results: []toolResult{{
				ID:     item.Get("call_id").String(),
				Output: item.Get("output").String(),
			}}})
		}
	}

	// Calls never claimed by any window flush at the end.
	var leftovers []toolCall
	for j := 0; j < len(items); j++ {
		if !consumed[j] && types[j] == "function_call" {
			consumed[j] = true
			leftovers = append(leftovers, itemCall(items[j]))
		}
	}
	emitCalls(leftovers)

	return turns
}

func itemType(item gjson.Result) string {
	if typ := item.Get("type").String(); typ != "" {
		return typ
	}
	if item.Get("role").String() != "" {
		return "message"
	}
	return ""
}

// messageBlocks renders a message item's content parts as Messages blocks.
func messageBlocks(item gjson.Result) []string {
	var blocks []string
	content := item.Get("content")
	if content.Type == gjson.String {
		if content.String() != "" {
			block, _ := sjson.Set(`{"type":"text","text":""}`, "text", content.String())
			blocks = append(blocks, block)
		}
		return blocks
	}
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "input_text", "output_text", "text":
			if text := part.Get("text").String(); text != "" {
				block, _ := sjson.Set(`{"type":"text","text":""}`, "text", text)
				blocks = append(blocks, block)
			}
		case "input_image":
			url := part.Get("image_url").String()
			if url == "" {
				url = part.Get("url").String()
			}
			if block, ok := imageBlock(url); ok {
				blocks = append(blocks, block)
			}
		}
		return true
	})
	return blocks
}

func imageBlock(url string) (string, bool) {
	if url == "" {
		return "", false
	}
	if strings.HasPrefix(url, "data:") {
		pieces := strings.SplitN(strings.TrimPrefix(url, "data:"), ";base64,", 2)
		if len(pieces) != 2 || pieces[1] == "" {
			return "", false
		}
		mediaType := pieces[0]
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		block := `{"type":"image","source":{"type":"base64","media_type":"","data":""}}`
		block, _ = sjson.Set(block, "source.media_type", mediaType)
		block, _ = sjson.Set(block, "source.data", pieces[1])
		return block, true
	}
	block, _ := sjson.Set(`{"type":"image","source":{"type":"url","url":""}}`, "source.url", url)
	return block, true
}

func messageText(item gjson.Result) string {
	content := item.Get("content")
	if content.Type == gjson.String {
		return content.String()
	}
	var b strings.Builder
	content.ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text").String(); text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(text)
		}
		return true
	})
	return b.String()
}

// mergeUserTurns collapses consecutive user turns into one.
func mergeUserTurns(turns []turn) []turn {
	var merged []turn
	for _, t := range turns {
		if t.Kind == turnUser && len(merged) > 0 && merged[len(merged)-1].Kind == turnUser {
			last := &merged[len(merged)-1]
			last.Blocks = append(last.Blocks, t.Blocks...)
			continue
		}
		merged = append(merged, t)
	}
	return merged
}

// spliceStrayResults moves results so that every assistant turn with calls is
// immediately followed by a results turn carrying those calls' outputs.
func spliceStrayResults(turns []turn) []turn {
	for i := 0; i < len(turns); i++ {
		if turns[i].Kind != turnAssistant || len(turns[i].Calls) == 0 {
			continue
		}
		want := map[string]bool{}
		for _, call := range turns[i].Calls {
			want[call.ID] = true
		}

		var satisfied []toolResult
		if i+1 < len(turns) && turns[i+1].Kind == turnResults {
			satisfied = turns[i+1].Results
		}
		for _, r := range satisfied {
			delete(want, r.ID)
		}
		if len(want) == 0 {
			continue
		}

		// Lift the missing results out of later turns.
		var lifted []toolResult
		for j := i + 1; j < len(turns); j++ {
			if turns[j].Kind != turnResults {
				continue
			}
			var kept []toolResult
			for _, r := range turns[j].Results {
				if want[r.ID] {
					delete(want, r.ID)
					lifted = append(lifted, r)
				} else {
					kept = append(kept, r)
				}
			}
			turns[j].Results = kept
		}
		if len(lifted) == 0 {
			continue
		}
		if i+1 < len(turns) && turns[i+1].Kind == turnResults {
			turns[i+1].Results = append(turns[i+1].Results, lifted...)
		} else {
			turns = append(turns[:i+1], append([]turn{{Kind: turnResults, Results: lifted}}, turns[i+1:]...)...)
		}
	}

	// Drop results turns emptied by the lifting.
	var cleaned []turn
	for _, t := range turns {
		if t.Kind == turnResults && len(t.Results) == 0 {
			continue
		}
		if t.Kind == turnUser && len(t.Blocks) == 0 {
			continue
		}
		cleaned = append(cleaned, t)
	}
	return cleaned
}

// renderTurn serialises one turn as a Messages message.
func renderTurn(t turn) string {
	switch t.Kind {
	case turnResults:
		msg := `{"role":"user","content":[]}`
		for _, r := range t.Results {
			block := `{"type":"tool_result","tool_use_id":"","content":""}`
			block, _ = sjson.Set(block, "tool_use_id", r.ID)
			block, _ = sjson.Set(block, "content", r.Output)
			msg, _ = sjson.SetRaw(msg, "content.-1", block)
		}
		return msg

	case turnAssistant:
		msg := `{"role":"assistant","content":[]}`
		for _, block := range t.Blocks {
			msg, _ = sjson.SetRaw(msg, "content.-1", block)
		}
		for _, call := range t.Calls {
			block := `{"type":"tool_use","id":"","name":"","input":{}}`
			block, _ = sjson.Set(block, "id", call.ID)
			block, _ = sjson.Set(block, "name", call.Name)
			if call.Args != "" && gjson.Valid(call.Args) && gjson.Parse(call.Args).IsObject() {
				block, _ = sjson.SetRaw(block, "input", gjson.Parse(call.Args).Raw)
			}
			msg, _ = sjson.SetRaw(msg, "content.-1", block)
		}
		return msg

	default:
		msg := `{"role":"user","content":[]}`
		for _, block := range t.Blocks {
			msg, _ = sjson.SetRaw(msg, "content.-1", block)
		}
		return msg
	}
}

// convertTools maps the Responses flat tool entries to Messages tools.
func convertTools(out string, root gjson.Result) string {
	tools := root.Get("tools")
	if !tools.IsArray() {
		return out
	}
	tools.ForEach(func(_, tool gjson.Result) bool {
		if typ := tool.Get("type").String(); typ != "" && typ != "function" {
			return true
		}
		converted := `{"name":"","description":""}`
		converted, _ = sjson.Set(converted, "name", tool.Get("name").String())
		converted, _ = sjson.Set(converted, "description", tool.Get("description").String())
		if params := tool.Get("parameters"); params.Exists() {
			converted, _ = sjson.SetRaw(converted, "input_schema", params.Raw)
		} else {
			converted, _ = sjson.SetRaw(converted, "input_schema", `{"type":"object","properties":{}}`)
		}
		out, _ = sjson.SetRaw(out, "tools.-1", converted)
		return true
	})
	return out
}

// convertToolChoice mirrors the Chat Completions mapping for the Responses
// tool_choice field.
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
			name := toolChoice.Get("name").String()
			if name == "" {
				name = toolChoice.Get("function.name").String()
			}
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
