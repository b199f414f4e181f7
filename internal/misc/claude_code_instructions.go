// Package misc holds small shared helpers and embedded resources that do not
// belong to a more specific domain package.
package misc

import (
	_ "embed"
	"strings"
)

// ClaudeCodeInstructions is the system-prompt banner the upstream expects as
// the first system block of first-party CLI traffic. The content is embedded
// at compile time so the on-wire bytes never drift from the shipped binary.
//
//go:embed claude_code_instructions.txt
var ClaudeCodeInstructions string

func init() {
	// Editors love trailing newlines; the upstream matches the banner exactly.
	ClaudeCodeInstructions = strings.TrimRight(ClaudeCodeInstructions, "\r\n")
}
