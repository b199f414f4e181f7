package decorate

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/bridgekit-ai/claude-bridge/internal/misc"
)

func TestApplyInjectsBanner(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-5","system":"You are helpful.","messages":[{"role":"user","content":"hi"}]}`)
	out := Apply(body, Options{})

	system := gjson.GetBytes(out, "system")
	if !system.IsArray() {
		t.Fatalf("system should be an array, got: %s", system.Raw)
	}
	first := system.Get("0")
	if got := first.Get("text").String(); got != misc.ClaudeCodeInstructions {
		t.Errorf("first system block = %q, want banner", got)
	}
	if first.Get("cache_control.type").String() != "ephemeral" {
		t.Error("banner block should carry a cache marker")
	}
	if got := system.Get("1.text").String(); got != "You are helpful." {
		t.Errorf("original system content lost, got %q", got)
	}
}

func TestApplyKeepsExistingBanner(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`)
	out := Apply(body, Options{})

	if n := gjson.GetBytes(out, "system.#").Int(); n != 1 {
		t.Fatalf("expected exactly one system block after re-apply, got %d", n)
	}
}

func TestApplyInjectsPlaceholderToolOnNativeEndpoint(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`)

	out := Apply(body, Options{NativeEndpoint: true})
	if got := gjson.GetBytes(out, "tools.0.name").String(); got != PlaceholderToolName {
		t.Errorf("native endpoint should inject placeholder tool, got %q", got)
	}

	out = Apply(body, Options{NativeEndpoint: false})
	if gjson.GetBytes(out, "tools").Exists() {
		t.Error("non-native endpoint should not inject tools")
	}
}

func TestApplyDecoratesTools(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],"tools":[{"name":"get_weather","input_schema":{"type":"string"}},{"name":"search","input_schema":{"type":"object","properties":{"q":{"type":"string"}}}}]}`)
	out := Apply(body, Options{})

	if got := gjson.GetBytes(out, "tools.0.name").String(); got != "mcp_get_weather" {
		t.Errorf("tool name = %q, want mcp_get_weather", got)
	}
	if got := gjson.GetBytes(out, "tools.0.input_schema.type").String(); got != "object" {
		t.Errorf("schema type = %q, want object", got)
	}
	if !gjson.GetBytes(out, "tools.0.input_schema.properties").Exists() {
		t.Error("schema should have an explicit properties object")
	}
	if gjson.GetBytes(out, "tools.0.cache_control").Exists() {
		t.Error("only the last tool should carry a cache marker")
	}
	if gjson.GetBytes(out, "tools.1.cache_control.type").String() != "ephemeral" {
		t.Error("last tool should carry a cache marker")
	}
}

func TestApplyPrefixesToolUseBlocks(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"assistant","content":[{"type":"tool_use","id":"call_1","name":"get_weather","input":{"city":"NYC"}}]},{"role":"user","content":[{"type":"tool_result","tool_use_id":"call_1","content":"sunny"}]}]}`)
	out := Apply(body, Options{})

	if got := gjson.GetBytes(out, "messages.0.content.0.name").String(); got != "mcp_get_weather" {
		t.Errorf("tool_use name = %q, want mcp_get_weather", got)
	}
}

func TestApplyMarksTrailingMessages(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"one"},{"role":"assistant","content":"two"},{"role":"user","content":"three"},{"role":"assistant","content":"four"},{"role":"user","content":"five"}]}`)
	out := Apply(body, Options{CacheMessageCount: 3})

	for i := 0; i < 2; i++ {
		if gjson.GetBytes(out, fmt.Sprintf("messages.%d.content.0.cache_control", i)).Exists() {
			t.Errorf("message %d should not carry a cache marker", i)
		}
	}
	for i := 2; i < 5; i++ {
		if gjson.GetBytes(out, fmt.Sprintf("messages.%d.content.0.cache_control.type", i)).String() != "ephemeral" {
			t.Errorf("message %d should carry a cache marker", i)
		}
	}
}

func TestApplyDropsWhitespaceTextBlocks(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":[{"type":"text","text":"   "},{"type":"text","text":"real"}]},{"role":"user","content":"  \n "}]}`)
	out := Apply(body, Options{})

	if n := gjson.GetBytes(out, "messages.#").Int(); n != 1 {
		t.Fatalf("whitespace-only message should be dropped, got %d messages", n)
	}
	if n := gjson.GetBytes(out, "messages.0.content.#").Int(); n != 1 {
		t.Errorf("whitespace block should be dropped, got %d blocks", n)
	}
	if got := gjson.GetBytes(out, "messages.0.content.0.text").String(); got != "real" {
		t.Errorf("surviving block = %q, want real", got)
	}
}

func TestApplyIdempotent(t *testing.T) {
	bodies := [][]byte{
		[]byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"Hello"}]}`),
		[]byte(`{"model":"claude-sonnet-4-5","system":"be brief","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":[{"type":"tool_use","id":"c1","name":"search","input":{}}]},{"role":"user","content":[{"type":"tool_result","tool_use_id":"c1","content":"ok"}]}],"tools":[{"name":"search","input_schema":{"type":"object"}}]}`),
		[]byte(`{"model":"claude-opus-4-1","messages":[{"role":"user","content":[{"type":"text","text":"a"},{"type":"text","text":" "}]}]}`),
	}
	for _, body := range bodies {
		for _, native := range []bool{false, true} {
			once := Apply(body, Options{NativeEndpoint: native})
			twice := Apply(once, Options{NativeEndpoint: native})
			if !bytes.Equal(once, twice) {
				t.Errorf("not idempotent (native=%v):\nonce:  %s\ntwice: %s", native, once, twice)
			}
		}
	}
}

func TestStripToolPrefix(t *testing.T) {
	in := []byte(`{"content":[{"type":"tool_use","id":"c1","name":"mcp_get_weather","input":{"city":"NYC"}}]}`)
	out := StripToolPrefix(in)
	if got := gjson.GetBytes(out, "content.0.name").String(); got != "get_weather" {
		t.Errorf("name = %q, want get_weather", got)
	}

	// Untouched when no prefix is present.
	plain := []byte(`{"name":"get_weather"}`)
	if !bytes.Equal(StripToolPrefix(plain), plain) {
		t.Error("bodies without the prefix should pass through unchanged")
	}
}

func TestStripReversesDecorate(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"assistant","content":[{"type":"tool_use","id":"c1","name":"lookup","input":{}}]},{"role":"user","content":[{"type":"tool_result","tool_use_id":"c1","content":"x"}]}],"tools":[{"name":"lookup","input_schema":{"type":"object","properties":{}}}]}`)
	stripped := StripToolPrefix(Apply(body, Options{}))

	if got := gjson.GetBytes(stripped, "tools.0.name").String(); got != "lookup" {
		t.Errorf("tool name after strip = %q, want lookup", got)
	}
	if got := gjson.GetBytes(stripped, "messages.0.content.0.name").String(); got != "lookup" {
		t.Errorf("tool_use name after strip = %q, want lookup", got)
	}
}
