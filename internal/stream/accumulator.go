package stream

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/praxisllmlab/relaygate/internal/model"
)

// toolCallAcc accumulates one tool_calls[i] entry across chunks, merged by
// index: name takes the first non-empty value, arguments concatenate in
// arrival order.
type toolCallAcc struct {
	index     int
	id        string
	callType  string
	name      string
	arguments strings.Builder
}

// Accumulator assembles a complete audit record from a one-shot SSE stream.
// It is exclusively owned by the background accumulator task; the forward
// path never touches it.
type Accumulator struct {
	Role             string
	Content          strings.Builder
	ReasoningContent strings.Builder
	Usage            *model.Usage
	FinishReason     string
	toolCalls        map[int]*toolCallAcc
	toolOrder        []int
	prefixPrepended  bool
	sawRealUsage     bool
	lastTimingsUsage *model.Usage
}

// NewAccumulator returns an empty accumulator with the OpenAI default role.
func NewAccumulator() *Accumulator {
	return &Accumulator{Role: "assistant", toolCalls: make(map[int]*toolCallAcc)}
}

// PrependPrefix prepends s to the accumulated content exactly once,
// mirroring the synthetic prefix event injected on the forward path.
func (a *Accumulator) PrependPrefix(s string) {
	if a.prefixPrepended || s == "" {
		return
	}
	a.prefixPrepended = true
	existing := a.Content.String()
	a.Content.Reset()
	a.Content.WriteString(s)
	a.Content.WriteString(existing)
}

// Fold parses one SSE data payload and folds it into the accumulator. Parse
// errors are ignored: a malformed chunk must never abort accumulation of
// the rest of the stream.
func (a *Accumulator) Fold(data []byte) {
	if string(data) == "[DONE]" {
		return
	}

	var chunk model.StreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return
	}

	if chunk.Usage != nil {
		a.sawRealUsage = true
		a.Usage = chunk.Usage
	} else if chunk.Timings != nil {
		a.lastTimingsUsage = &model.Usage{
			PromptTokens:     chunk.Timings.PromptN,
			CompletionTokens: chunk.Timings.PredictedN,
			TotalTokens:      chunk.Timings.PromptN + chunk.Timings.PredictedN,
		}
	}

	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != nil {
		a.FinishReason = *choice.FinishReason
	}
	a.foldDelta(choice.Delta)
}

func (a *Accumulator) foldDelta(delta model.Delta) {
	if delta.Role != nil {
		a.Role = *delta.Role
	}
	if delta.Content != nil {
		a.Content.WriteString(*delta.Content)
	}
	if delta.ReasoningContent != nil {
		a.ReasoningContent.WriteString(*delta.ReasoningContent)
	}
	for _, tc := range delta.ToolCalls {
		if tc.Index == nil {
			continue
		}
		idx := *tc.Index
		acc, ok := a.toolCalls[idx]
		if !ok {
			acc = &toolCallAcc{index: idx}
			a.toolCalls[idx] = acc
			a.toolOrder = append(a.toolOrder, idx)
		}
		if tc.ID != "" {
			acc.id = tc.ID
		}
		if tc.Type != "" {
			acc.callType = tc.Type
		}
		if acc.name == "" && tc.Function.Name != "" {
			acc.name = tc.Function.Name
		}
		acc.arguments.WriteString(tc.Function.Arguments)
	}
}

// Finalize synthesizes Usage from the last timings chunk seen, but only if
// no event ever carried a real usage object. Called once, after folding has
// finished for the stream.
func (a *Accumulator) Finalize() {
	if !a.sawRealUsage && a.lastTimingsUsage != nil {
		a.Usage = a.lastTimingsUsage
	}
}

// IsToolCall reports whether any tool_calls entries were accumulated.
func (a *Accumulator) IsToolCall() bool {
	return len(a.toolCalls) > 0
}

// ToolCalls returns the merged tool calls ordered by index.
func (a *Accumulator) ToolCalls() []model.ToolCall {
	if len(a.toolCalls) == 0 {
		return nil
	}
	order := append([]int(nil), a.toolOrder...)
	sort.Ints(order)

	out := make([]model.ToolCall, 0, len(order))
	for _, idx := range order {
		acc := a.toolCalls[idx]
		callType := acc.callType
		if callType == "" {
			callType = "function"
		}
		out = append(out, model.ToolCall{
			ID:   acc.id,
			Type: callType,
			Function: model.ToolCallFunction{
				Name:      acc.name,
				Arguments: acc.arguments.String(),
			},
		})
	}
	return out
}
