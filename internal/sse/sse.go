// Package sse reads server-sent-event streams line by line. Splitting on
// newlines keeps UTF-8 intact across read boundaries: a multi-byte sequence
// never spans a line break, so each yielded line is always valid UTF-8.
package sse

import (
	"bufio"
	"bytes"
	"io"
)

const maxLineSize = 10 * 1024 * 1024

var dataPrefix = []byte("data:")

// NewScanner wraps an SSE body in a line scanner with a buffer large enough
// for single-event tool arguments.
func NewScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), maxLineSize)
	return scanner
}

// DataPayload returns the JSON payload of a `data:` line, or nil for event
// names, comments, and blank separator lines.
func DataPayload(line []byte) []byte {
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil
	}
	return bytes.TrimSpace(line[len(dataPrefix):])
}
