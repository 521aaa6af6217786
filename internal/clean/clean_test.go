package clean

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripToolCallSpans_S4(t *testing.T) {
	in := "result: <tool_call>{...}</tool_call> done"
	out := StripToolCallSpans(in)
	assert.Equal(t, "result:  done", out)
}

func TestStripToolCallSpans_NoSpan(t *testing.T) {
	assert.Equal(t, "plain text", StripToolCallSpans("plain text"))
}

func TestStripToolCallSpans_Multiline(t *testing.T) {
	in := "a<tool_call>\nline1\nline2\n</tool_call>b"
	assert.Equal(t, "ab", StripToolCallSpans(in))
}

func TestStripThinkSpans(t *testing.T) {
	in := "before<think>reasoning here</think>after"
	assert.Equal(t, "beforeafter", StripThinkSpans(in))
}
