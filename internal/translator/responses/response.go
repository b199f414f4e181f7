package responses

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var dataTag = []byte("data:")

// responseIDCounter salts synthesized response identifiers.
var responseIDCounter uint64

// claudeToResponsesState is the per-response state machine for converting the
// upstream event stream into the Responses event vocabulary.
type claudeToResponsesState struct {
	Seq        int
	ResponseID string
	CreatedAt  int64
	Started    bool

	// current assistant message item; a new one opens lazily on the first
	// text delta after the previous one closed
	MsgOpened bool
	MsgID     string
	MsgIndex  int
	TextBuf   strings.Builder

	// current tool call block, keyed by the upstream content block index
	FuncIndex   map[int]int // content block index -> output index
	FuncNames   map[int]string
	FuncCallIDs map[int]string
	FuncArgsBuf map[int]*strings.Builder

	NextIndex   int
	MsgCount    int
	OutputItems []string // completed output items in order, for response.completed

	InputTokens  int64
	OutputTokens int64
	Failed       bool
	Completed    bool
}

func emitEvent(event, payload string) string {
	return fmt.Sprintf("event: %s\ndata: %s", event, payload)
}

// ConvertClaudeResponseToResponses converts one upstream SSE event into zero
// or more Responses-vocabulary events. sequence_number starts at 0 and is
// contiguous for the life of the response. The message output item is created
// lazily on the first text delta, so a pure tool-call response never carries
// an empty message item.
func ConvertClaudeResponseToResponses(_ context.Context, modelName string, originalRequestRawJSON, _ []byte, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &claudeToResponsesState{
			FuncIndex:   make(map[int]int),
			FuncNames:   make(map[int]string),
			FuncCallIDs: make(map[int]string),
			FuncArgsBuf: make(map[int]*strings.Builder),
		}
	}
	st := (*param).(*claudeToResponsesState)

	if !bytes.HasPrefix(rawJSON, dataTag) {
		return []string{}
	}
	rawJSON = bytes.TrimSpace(rawJSON[len(dataTag):])
	if len(rawJSON) == 0 {
		return []string{}
	}

	root := gjson.ParseBytes(rawJSON)
	var out []string
	nextSeq := func() int {
		s := st.Seq
		st.Seq++
		return s
	}

	// finalizeMessage closes the open message item, emitting the done events
	// and recording the completed item for response.completed.
	finalizeMessage := func() {
		if !st.MsgOpened {
			return
		}
		fullText := st.TextBuf.String()

		done := `{"type":"response.output_text.done","sequence_number":0,"item_id":"","output_index":0,"content_index":0,"text":""}`
		done, _ = sjson.Set(done, "sequence_number", nextSeq())
		done, _ = sjson.Set(done, "item_id", st.MsgID)
		done, _ = sjson.Set(done, "output_index", st.MsgIndex)
		done, _ = sjson.Set(done, "text", fullText)
		out = append(out, emitEvent("response.output_text.done", done))

		partDone := `{"type":"response.content_part.done","sequence_number":0,"item_id":"","output_index":0,"content_index":0,"part":{"type":"output_text","annotations":[],"text":""}}`
		partDone, _ = sjson.Set(partDone, "sequence_number", nextSeq())
		partDone, _ = sjson.Set(partDone, "item_id", st.MsgID)
		partDone, _ = sjson.Set(partDone, "output_index", st.MsgIndex)
		partDone, _ = sjson.Set(partDone, "part.text", fullText)
		out = append(out, emitEvent("response.content_part.done", partDone))

		item := `{"id":"","type":"message","status":"completed","content":[{"type":"output_text","annotations":[],"text":""}],"role":"assistant"}`
		item, _ = sjson.Set(item, "id", st.MsgID)
		item, _ = sjson.Set(item, "content.0.text", fullText)
		st.OutputItems = append(st.OutputItems, item)

		itemDone := `{"type":"response.output_item.done","sequence_number":0,"output_index":0,"item":{}}`
		itemDone, _ = sjson.Set(itemDone, "sequence_number", nextSeq())
		itemDone, _ = sjson.Set(itemDone, "output_index", st.MsgIndex)
		itemDone, _ = sjson.SetRaw(itemDone, "item", item)
		out = append(out, emitEvent("response.output_item.done", itemDone))

		st.MsgOpened = false
		st.TextBuf.Reset()
	}

	// completedEvent assembles the terminal event with the accumulated
	// output items and usage.
	completedEvent := func(status string) string {
		completed := `{"type":"response.completed","sequence_number":0,"response":{"id":"","object":"response","created_at":0,"status":"completed","error":null,"model":"","output":[]}}`
		completed, _ = sjson.Set(completed, "sequence_number", nextSeq())
		completed, _ = sjson.Set(completed, "response.id", st.ResponseID)
		completed, _ = sjson.Set(completed, "response.created_at", st.CreatedAt)
		completed, _ = sjson.Set(completed, "response.status", status)
		completed, _ = sjson.Set(completed, "response.model", modelName)
		for _, item := range st.OutputItems {
			completed, _ = sjson.SetRaw(completed, "response.output.-1", item)
		}
		if req := gjson.ParseBytes(originalRequestRawJSON); req.Exists() {
			if v := req.Get("instructions"); v.Exists() {
				completed, _ = sjson.Set(completed, "response.instructions", v.String())
			}
			if v := req.Get("tools"); v.Exists() {
				completed, _ = sjson.Set(completed, "response.tools", v.Value())
			}
			if v := req.Get("parallel_tool_calls"); v.Exists() {
				completed, _ = sjson.Set(completed, "response.parallel_tool_calls", v.Bool())
			}
		}
		completed, _ = sjson.Set(completed, "response.usage.input_tokens", st.InputTokens)
		completed, _ = sjson.Set(completed, "response.usage.output_tokens", st.OutputTokens)
		completed, _ = sjson.Set(completed, "response.usage.total_tokens", st.InputTokens+st.OutputTokens)
		return completed
	}

	switch root.Get("type").String() {
	case "message_start":
		message := root.Get("message")
		id := message.Get("id").String()
		if id == "" {
			id = fmt.Sprintf("%x_%d", time.Now().UnixNano(), atomic.AddUint64(&responseIDCounter, 1))
		}
		st.ResponseID = "resp_" + strings.TrimPrefix(id, "msg_")
		st.CreatedAt = time.Now().Unix()
		st.InputTokens = message.Get("usage.input_tokens").Int() +
			message.Get("usage.cache_creation_input_tokens").Int() +
			message.Get("usage.cache_read_input_tokens").Int()
		st.Started = true

		created := `{"type":"response.created","sequence_number":0,"response":{"id":"","object":"response","created_at":0,"status":"in_progress","error":null,"output":[]}}`
		created, _ = sjson.Set(created, "sequence_number", nextSeq())
		created, _ = sjson.Set(created, "response.id", st.ResponseID)
		created, _ = sjson.Set(created, "response.created_at", st.CreatedAt)
		out = append(out, emitEvent("response.created", created))

		inprog := `{"type":"response.in_progress","sequence_number":0,"response":{"id":"","object":"response","created_at":0,"status":"in_progress"}}`
		inprog, _ = sjson.Set(inprog, "sequence_number", nextSeq())
		inprog, _ = sjson.Set(inprog, "response.id", st.ResponseID)
		inprog, _ = sjson.Set(inprog, "response.created_at", st.CreatedAt)
		out = append(out, emitEvent("response.in_progress", inprog))

	case "content_block_start":
		if root.Get("content_block.type").String() != "tool_use" {
			break
		}
		finalizeMessage()

		blockIndex := int(root.Get("index").Int())
		outputIndex := st.NextIndex
		st.NextIndex++
		callID := root.Get("content_block.id").String()
		st.FuncIndex[blockIndex] = outputIndex
		st.FuncCallIDs[blockIndex] = callID
		st.FuncNames[blockIndex] = root.Get("content_block.name").String()
		st.FuncArgsBuf[blockIndex] = &strings.Builder{}

		added := `{"type":"response.output_item.added","sequence_number":0,"output_index":0,"item":{"id":"","type":"function_call","status":"in_progress","arguments":"","call_id":"","name":""}}`
		added, _ = sjson.Set(added, "sequence_number", nextSeq())
		added, _ = sjson.Set(added, "output_index", outputIndex)
		added, _ = sjson.Set(added, "item.id", "fc_"+callID)
		added, _ = sjson.Set(added, "item.call_id", callID)
		added, _ = sjson.Set(added, "item.name", st.FuncNames[blockIndex])
		out = append(out, emitEvent("response.output_item.added", added))

	case "content_block_delta":
		switch root.Get("delta.type").String() {
		case "text_delta":
			text := root.Get("delta.text").String()
			if text == "" {
				break
			}
			if !st.MsgOpened {
				st.MsgOpened = true
				st.MsgIndex = st.NextIndex
				st.NextIndex++
				st.MsgID = fmt.Sprintf("msg_%s_%d", strings.TrimPrefix(st.ResponseID, "resp_"), st.MsgCount)
				st.MsgCount++

				added := `{"type":"response.output_item.added","sequence_number":0,"output_index":0,"item":{"id":"","type":"message","status":"in_progress","content":[],"role":"assistant"}}`
				added, _ = sjson.Set(added, "sequence_number", nextSeq())
				added, _ = sjson.Set(added, "output_index", st.MsgIndex)
				added, _ = sjson.Set(added, "item.id", st.MsgID)
				out = append(out, emitEvent("response.output_item.added", added))

				partAdded := `{"type":"response.content_part.added","sequence_number":0,"item_id":"","output_index":0,"content_index":0,"part":{"type":"output_text","annotations":[],"text":""}}`
				partAdded, _ = sjson.Set(partAdded, "sequence_number", nextSeq())
				partAdded, _ = sjson.Set(partAdded, "item_id", st.MsgID)
				partAdded, _ = sjson.Set(partAdded, "output_index", st.MsgIndex)
				out = append(out, emitEvent("response.content_part.added", partAdded))
			}
			st.TextBuf.WriteString(text)

			delta := `{"type":"response.output_text.delta","sequence_number":0,"item_id":"","output_index":0,"content_index":0,"delta":""}`
			delta, _ = sjson.Set(delta, "sequence_number", nextSeq())
			delta, _ = sjson.Set(delta, "item_id", st.MsgID)
			delta, _ = sjson.Set(delta, "output_index", st.MsgIndex)
			delta, _ = sjson.Set(delta, "delta", text)
			out = append(out, emitEvent("response.output_text.delta", delta))

		case "input_json_delta":
			blockIndex := int(root.Get("index").Int())
			if buf, ok := st.FuncArgsBuf[blockIndex]; ok {
				buf.WriteString(root.Get("delta.partial_json").String())
			}
		}

	case "content_block_stop":
		blockIndex := int(root.Get("index").Int())
		outputIndex, ok := st.FuncIndex[blockIndex]
		if !ok {
			break
		}
		callID := st.FuncCallIDs[blockIndex]
		name := st.FuncNames[blockIndex]
		args := st.FuncArgsBuf[blockIndex].String()
		if args == "" {
			args = "{}"
		}
		delete(st.FuncIndex, blockIndex)
		delete(st.FuncCallIDs, blockIndex)
		delete(st.FuncNames, blockIndex)
		delete(st.FuncArgsBuf, blockIndex)

		argsDone := `{"type":"response.function_call_arguments.done","sequence_number":0,"item_id":"","output_index":0,"arguments":""}`
		argsDone, _ = sjson.Set(argsDone, "sequence_number", nextSeq())
		argsDone, _ = sjson.Set(argsDone, "item_id", "fc_"+callID)
		argsDone, _ = sjson.Set(argsDone, "output_index", outputIndex)
		argsDone, _ = sjson.Set(argsDone, "arguments", args)
		out = append(out, emitEvent("response.function_call_arguments.done", argsDone))

		item := `{"id":"","type":"function_call","status":"completed","arguments":"","call_id":"","name":""}`
		item, _ = sjson.Set(item, "id", "fc_"+callID)
		item, _ = sjson.Set(item, "arguments", args)
		item, _ = sjson.Set(item, "call_id", callID)
		item, _ = sjson.Set(item, "name", name)
		st.OutputItems = append(st.OutputItems, item)

		itemDone := `{"type":"response.output_item.done","sequence_number":0,"output_index":0,"item":{}}`
		itemDone, _ = sjson.Set(itemDone, "sequence_number", nextSeq())
		itemDone, _ = sjson.Set(itemDone, "output_index", outputIndex)
		itemDone, _ = sjson.SetRaw(itemDone, "item", item)
		out = append(out, emitEvent("response.output_item.done", itemDone))

	case "message_delta":
		if tokens := root.Get("usage.output_tokens"); tokens.Exists() {
			st.OutputTokens = tokens.Int()
		}

	case "message_stop":
		if st.Completed {
			break
		}
		finalizeMessage()
		st.Completed = true
		status := "completed"
		if st.Failed {
			status = "failed"
		}
		out = append(out, emitEvent("response.completed", completedEvent(status)))

	case "error":
		finalizeMessage()
		st.Failed = true

		errEvent := `{"type":"response.error","sequence_number":0,"code":"","message":""}`
		errEvent, _ = sjson.Set(errEvent, "sequence_number", nextSeq())
		errEvent, _ = sjson.Set(errEvent, "code", root.Get("error.type").String())
		errEvent, _ = sjson.Set(errEvent, "message", root.Get("error.message").String())
		out = append(out, emitEvent("response.error", errEvent))

		if !st.Completed {
			st.Completed = true
			out = append(out, emitEvent("response.completed", completedEvent("failed")))
		}
	}

	return out
}

// ConvertClaudeResponseToResponsesNonStream converts a complete upstream
// Messages response body into a single Responses object.
func ConvertClaudeResponseToResponsesNonStream(_ context.Context, modelName string, originalRequestRawJSON, rawJSON []byte) string {
	root := gjson.ParseBytes(rawJSON)

	resp := `{"id":"","object":"response","created_at":0,"status":"completed","error":null,"model":"","output":[]}`
	id := root.Get("id").String()
	if id == "" {
		id = fmt.Sprintf("%x_%d", time.Now().UnixNano(), atomic.AddUint64(&responseIDCounter, 1))
	}
	respID := "resp_" + strings.TrimPrefix(id, "msg_")
	resp, _ = sjson.Set(resp, "id", respID)
	resp, _ = sjson.Set(resp, "created_at", time.Now().Unix())
	resp, _ = sjson.Set(resp, "model", modelName)

	msgCount := 0
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			item := `{"id":"","type":"message","status":"completed","content":[{"type":"output_text","annotations":[],"text":""}],"role":"assistant"}`
			item, _ = sjson.Set(item, "id", fmt.Sprintf("msg_%s_%d", strings.TrimPrefix(respID, "resp_"), msgCount))
			item, _ = sjson.Set(item, "content.0.text", block.Get("text").String())
			resp, _ = sjson.SetRaw(resp, "output.-1", item)
			msgCount++
		case "tool_use":
			callID := block.Get("id").String()
			arguments := block.Get("input").Raw
			if arguments == "" {
				arguments = "{}"
			}
			item := `{"id":"","type":"function_call","status":"completed","arguments":"","call_id":"","name":""}`
			item, _ = sjson.Set(item, "id", "fc_"+callID)
			item, _ = sjson.Set(item, "arguments", arguments)
			item, _ = sjson.Set(item, "call_id", callID)
			item, _ = sjson.Set(item, "name", block.Get("name").String())
			resp, _ = sjson.SetRaw(resp, "output.-1", item)
		}
		return true
	})

	if req := gjson.ParseBytes(originalRequestRawJSON); req.Exists() {
		if v := req.Get("instructions"); v.Exists() {
			resp, _ = sjson.Set(resp, "instructions", v.String())
		}
		if v := req.Get("tools"); v.Exists() {
			resp, _ = sjson.Set(resp, "tools", v.Value())
		}
	}

	usage := root.Get("usage")
	inputTokens := usage.Get("input_tokens").Int() + usage.Get("cache_creation_input_tokens").Int() + usage.Get("cache_read_input_tokens").Int()
	outputTokens := usage.Get("output_tokens").Int()
	resp, _ = sjson.Set(resp, "usage.input_tokens", inputTokens)
	resp, _ = sjson.Set(resp, "usage.output_tokens", outputTokens)
	resp, _ = sjson.Set(resp, "usage.total_tokens", inputTokens+outputTokens)

	return resp
}
