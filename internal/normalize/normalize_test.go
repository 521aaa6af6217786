package normalize

import (
	"testing"

	"github.com/praxisllmlab/relaygate/internal/config"
	"github.com/praxisllmlab/relaygate/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKey_BackendLiteralWins(t *testing.T) {
	backend := config.BackendSpec{APIKey: "sk-backend"}
	assert.Equal(t, "sk-backend", APIKey(backend, "Bearer sk-inbound"))
}

func TestAPIKey_FallsBackToBearerHeader(t *testing.T) {
	backend := config.BackendSpec{}
	assert.Equal(t, "sk-inbound", APIKey(backend, "Bearer sk-inbound"))
}

func TestAPIKey_NoCredentialAvailable(t *testing.T) {
	backend := config.BackendSpec{}
	assert.Equal(t, "", APIKey(backend, ""))
}

func TestMergeStop_UnionsPreservingOrderDeduped(t *testing.T) {
	got := MergeStop([]any{"a", "b"}, []string{"b", "c"})
	assert.Equal(t, []string{"b", "c", "a"}, got)
}

func TestMergeStop_StringClientValue(t *testing.T) {
	got := MergeStop("a", []string{"b"})
	assert.Equal(t, []string{"b", "a"}, got)
}

func TestMergeStop_BothEmpty(t *testing.T) {
	assert.Nil(t, MergeStop(nil, nil))
}

func TestClampMaxTokens_ClampsAboveCeiling(t *testing.T) {
	ceiling := 100
	requested := 500
	got := ClampMaxTokens(&requested, &ceiling)
	require.NotNil(t, got)
	assert.Equal(t, 100, *got)
}

func TestClampMaxTokens_MissingClientValueStaysMissing(t *testing.T) {
	ceiling := 100
	assert.Nil(t, ClampMaxTokens(nil, &ceiling))
}

func TestNormalizeMessages_UserCoalescing_S3(t *testing.T) {
	in := []model.Message{
		{Role: "user", Content: "a"},
		{Role: "user", Content: "b"},
		{Role: "assistant", Content: "x"},
		{Role: "user", Content: "c"},
	}

	out := normalizeMessages(in)

	require.Len(t, out, 3)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "b", out[0].Content)
	assert.Equal(t, "assistant", out[1].Role)
	assert.Equal(t, "user", out[2].Role)
	assert.Equal(t, "c", out[2].Content)
}

func TestNormalizeMessages_ToolCallStripping_S4(t *testing.T) {
	in := []model.Message{
		{Role: "assistant", Content: "result: <tool_call>{...}</tool_call> done"},
	}

	out := normalizeMessages(in)

	require.Len(t, out, 1)
	assert.Equal(t, "result:  done", out[0].Content)
}

func TestNormalizeMessages_DropsEmptyTextMessage(t *testing.T) {
	in := []model.Message{
		{Role: "user", Content: "   "},
		{Role: "user", Content: "hi"},
	}

	out := normalizeMessages(in)

	require.Len(t, out, 1)
	assert.Equal(t, "hi", out[0].Content)
}

func TestNormalizeMessages_RetainsToolCallMessageWithNilContent(t *testing.T) {
	in := []model.Message{
		{Role: "assistant", Content: nil, ToolCalls: []model.ToolCall{{ID: "1"}}},
	}

	out := normalizeMessages(in)

	require.Len(t, out, 1)
}

func TestNormalizeMessages_Idempotent(t *testing.T) {
	in := []model.Message{
		{Role: "user", Content: "  a  "},
		{Role: "user", Content: "b"},
		{Role: "assistant", Content: "keep <tool_call>x</tool_call> me"},
	}

	once := normalizeMessages(in)
	twice := normalizeMessages(once)

	assert.Equal(t, once, twice)
}

func TestRequest_Idempotent(t *testing.T) {
	ceiling := 50
	backend := config.BackendSpec{Stop: []string{"STOP"}, MaxTokens: &ceiling}
	requested := 1000
	req := &model.ChatCompletionRequest{
		Stop:      []any{"END"},
		MaxTokens: &requested,
		Messages: []model.Message{
			{Role: "user", Content: "  hello  "},
		},
	}

	first, key1 := Request(req, backend, "")
	second, key2 := Request(first, backend, "")

	assert.Equal(t, key1, key2)
	assert.Equal(t, first.Stop, second.Stop)
	assert.Equal(t, *first.MaxTokens, *second.MaxTokens)
	assert.Equal(t, first.Messages, second.Messages)
}
