package multiplexer

import "strings"

// isUsefulToken reports whether delta is substantial enough to elect its
// provider as the stream's winner: either it meets the minimum length, or
// it contains a newline, or it contains a code fence — any of which signal
// real generated content rather than a stray whitespace-only fragment.
func isUsefulToken(delta string, minUsefulTokens int) bool {
	trimmed := strings.TrimSpace(delta)
	if trimmed == "" {
		return false
	}
	if len(trimmed) >= minUsefulTokens {
		return true
	}
	return strings.Contains(delta, "\n") || strings.Contains(delta, "```")
}

// shouldUpgrade reports whether delta contains a signal worth paying the
// cost of a mid-stream provider swap for: a code fence, or a tool/function
// call marker.
func shouldUpgrade(delta string) bool {
	return strings.Contains(delta, "```") ||
		strings.Contains(delta, "function_call") ||
		strings.Contains(delta, "tool_call")
}
