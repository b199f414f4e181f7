// Package decorate rewrites a native Messages request body so the upstream
// recognises it as first-party CLI traffic: the system-prompt banner, the
// mcp_ tool-name prefix, forced object schemas, and ephemeral cache markers.
// The rewrite is idempotent; applying it twice yields byte-identical output.
// The inverse direction strips the tool-name prefix from response bodies and
// stream chunks so clients see their original tool names.
package decorate

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/bridgekit-ai/claude-bridge/internal/misc"
)

// ToolPrefix is the tool-name prefix the upstream recognises.
const ToolPrefix = "mcp_"

// PlaceholderToolName is injected when a native-endpoint request carries no
// tools; the upstream expects the CLI to always declare at least one.
const PlaceholderToolName = "mcp_placeholder"

const cacheControlRaw = `{"type":"ephemeral"}`

// Options controls decoration.
type Options struct {
	// NativeEndpoint marks requests that arrived on /v1/messages; only those
	// receive the placeholder tool when the tools list is empty.
	NativeEndpoint bool
	// CacheMessageCount is how many trailing messages get a cache marker on
	// their last content block.
	CacheMessageCount int
}

// Apply rewrites body according to the decoration rules. The input must be a
// valid Messages-format request.
func Apply(body []byte, opts Options) []byte {
	if opts.CacheMessageCount <= 0 {
		opts.CacheMessageCount = 3
	}
	out := string(body)
	out = normalizeContent(out)
	out = injectBanner(out)
	out = decorateTools(out, opts.NativeEndpoint)
	out = prefixToolUses(out)
	out = markMessageCache(out, opts.CacheMessageCount)
	return []byte(out)
}

// normalizeContent lifts string system/message content to block arrays and
// drops whitespace-only text blocks, which the upstream rejects.
func normalizeContent(out string) string {
	root := gjson.Parse(out)

	if system := root.Get("system"); system.Exists() {
		if system.Type == gjson.String {
			if strings.TrimSpace(system.String()) == "" {
				out, _ = sjson.Delete(out, "system")
			} else {
				block, _ := sjson.Set(`{"type":"text","text":""}`, "text", system.String())
				out, _ = sjson.SetRaw(out, "system", "["+block+"]")
			}
		} else if system.IsArray() {
			out, _ = sjson.SetRaw(out, "system", filterBlocks(system))
			if gjson.Get(out, "system.#").Int() == 0 {
				out, _ = sjson.Delete(out, "system")
			}
		}
	}

	messages := gjson.Get(out, "messages")
	if !messages.IsArray() {
		return out
	}
	rebuilt := "[]"
	messages.ForEach(func(_, message gjson.Result) bool {
		content := message.Get("content")
		msg := message.Raw
		if content.Type == gjson.String {
			block, _ := sjson.Set(`{"type":"text","text":""}`, "text", content.String())
			msg, _ = sjson.SetRaw(msg, "content", "["+block+"]")
			content = gjson.Get(msg, "content")
		}
		if content.IsArray() {
			msg, _ = sjson.SetRaw(msg, "content", filterBlocks(content))
		}
		if gjson.Get(msg, "content.#").Int() > 0 {
			rebuilt, _ = sjson.SetRaw(rebuilt, "-1", msg)
		}
		return true
	})
	out, _ = sjson.SetRaw(out, "messages", rebuilt)
	return out
}

// filterBlocks drops text blocks whose text is only whitespace.
func filterBlocks(blocks gjson.Result) string {
	kept := "[]"
	blocks.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" && strings.TrimSpace(block.Get("text").String()) == "" {
			return true
		}
		kept, _ = sjson.SetRaw(kept, "-1", block.Raw)
		return true
	})
	return kept
}

// injectBanner prepends the CLI banner as the first system block unless it is
// already there. Existing system content is preserved after the banner.
func injectBanner(out string) string {
	system := gjson.Get(out, "system")
	if system.IsArray() {
		first := system.Get("0")
		if first.Get("type").String() == "text" && first.Get("text").String() == misc.ClaudeCodeInstructions {
			return out
		}
	}

	banner, _ := sjson.Set(`{"type":"text","text":"","cache_control":`+cacheControlRaw+`}`, "text", misc.ClaudeCodeInstructions)
	rebuilt := "[" + banner
	if system.IsArray() {
		system.ForEach(func(_, block gjson.Result) bool {
			rebuilt += "," + block.Raw
			return true
		})
	}
	rebuilt += "]"
	out, _ = sjson.SetRaw(out, "system", rebuilt)
	return out
}

// decorateTools prefixes tool names, forces object-typed schemas with an
// explicit properties field, injects the placeholder tool on the native
// endpoint, and attaches the cache marker to the last tool.
func decorateTools(out string, nativeEndpoint bool) string {
	tools := gjson.Get(out, "tools")
	if !tools.IsArray() || len(tools.Array()) == 0 {
		if nativeEndpoint {
			placeholder := fmt.Sprintf(`[{"name":"%s","description":"Placeholder tool.","input_schema":{"type":"object","properties":{}},"cache_control":%s}]`, PlaceholderToolName, cacheControlRaw)
			out, _ = sjson.SetRaw(out, "tools", placeholder)
		}
		return out
	}

	entries := tools.Array()
	rebuilt := "[]"
	for i, tool := range entries {
		t := tool.Raw
		if name := tool.Get("name").String(); name != "" && !strings.HasPrefix(name, ToolPrefix) {
			t, _ = sjson.Set(t, "name", ToolPrefix+name)
		}
		t, _ = sjson.Set(t, "input_schema.type", "object")
		if !gjson.Get(t, "input_schema.properties").Exists() {
			t, _ = sjson.SetRaw(t, "input_schema.properties", "{}")
		}
		if i == len(entries)-1 {
			t, _ = sjson.SetRaw(t, "cache_control", cacheControlRaw)
		}
		rebuilt, _ = sjson.SetRaw(rebuilt, "-1", t)
	}
	out, _ = sjson.SetRaw(out, "tools", rebuilt)
	return out
}

// prefixToolUses prefixes the name of every tool_use content block so prior
// assistant turns match the decorated tool list.
func prefixToolUses(out string) string {
	messages := gjson.Get(out, "messages")
	if !messages.IsArray() {
		return out
	}
	messages.ForEach(func(mi, message gjson.Result) bool {
		message.Get("content").ForEach(func(ci, block gjson.Result) bool {
			if block.Get("type").String() != "tool_use" {
				return true
			}
			name := block.Get("name").String()
			if name == "" || strings.HasPrefix(name, ToolPrefix) {
				return true
			}
			path := fmt.Sprintf("messages.%d.content.%d.name", mi.Int(), ci.Int())
			out, _ = sjson.Set(out, path, ToolPrefix+name)
			return true
		})
		return true
	})
	return out
}

// markMessageCache attaches the ephemeral cache marker to the last content
// block of the trailing count messages.
func markMessageCache(out string, count int) string {
	messages := gjson.Get(out, "messages")
	if !messages.IsArray() {
		return out
	}
	total := int(messages.Get("#").Int())
	start := total - count
	if start < 0 {
		start = 0
	}
	for i := start; i < total; i++ {
		blocks := gjson.Get(out, fmt.Sprintf("messages.%d.content", i))
		n := int(blocks.Get("#").Int())
		if n == 0 {
			continue
		}
		path := fmt.Sprintf("messages.%d.content.%d.cache_control", i, n-1)
		out, _ = sjson.SetRaw(out, path, cacheControlRaw)
	}
	return out
}

var (
	prefixedName       = []byte(`"name":"` + ToolPrefix)
	prefixedNameSpaced = []byte(`"name": "` + ToolPrefix)
	bareName           = []byte(`"name":"`)
	bareNameSpaced     = []byte(`"name": "`)
)

// StripToolPrefix removes the mcp_ prefix from every JSON name field by
// textual substitution. It is applied to response bodies and to every stream
// chunk on the way back to the client.
func StripToolPrefix(data []byte) []byte {
	if !bytes.Contains(data, prefixedName) && !bytes.Contains(data, prefixedNameSpaced) {
		return data
	}
	data = bytes.ReplaceAll(data, prefixedName, bareName)
	data = bytes.ReplaceAll(data, prefixedNameSpaced, bareNameSpaced)
	return data
}
