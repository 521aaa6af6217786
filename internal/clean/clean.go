// Package clean provides the two regex primitives that strip marker spans
// from model output: the Prefix/Tag Cleaner.
package clean

import "regexp"

// toolCallSpan matches <tool_call>...</tool_call> non-greedy, dotall.
var toolCallSpan = regexp.MustCompile(`(?s)<tool_call>.*?</tool_call>`)

// thinkSpan matches <think>...</think> non-greedy, dotall.
var thinkSpan = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripToolCallSpans removes every <tool_call>...</tool_call> span from s,
// leaving surrounding text untouched.
func StripToolCallSpans(s string) string {
	return toolCallSpan.ReplaceAllString(s, "")
}

// StripThinkSpans removes every <think>...</think> span from s.
func StripThinkSpans(s string) string {
	return thinkSpan.ReplaceAllString(s, "")
}
