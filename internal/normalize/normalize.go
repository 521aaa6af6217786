// Package normalize applies the Request Normalizer's rewriting rules to an
// inbound chat completion body before the first dispatch attempt.
package normalize

import (
	"strings"

	"github.com/praxisllmlab/relaygate/internal/clean"
	"github.com/praxisllmlab/relaygate/internal/config"
	"github.com/praxisllmlab/relaygate/internal/model"
)

// APIKey selects the credential to forward: the backend's literal key takes
// precedence over the inbound Authorization header.
func APIKey(backend config.BackendSpec, authorizationHeader string) string {
	if backend.APIKey != "" {
		return backend.APIKey
	}
	if v, ok := strings.CutPrefix(authorizationHeader, "Bearer "); ok {
		return v
	}
	return ""
}

// MergeStop unions the backend's configured stop list with the client's
// stop value (string, []string, or nil), preserving first-seen order and
// deduplicating by exact string equality. The backend's list leads, as in
// merge_stop_words, so a backend-level stop word can never be pushed past
// the client's own list truncation on the upstream side. Returns nil if
// both sides are empty.
func MergeStop(clientStop any, backendStop []string) []string {
	var merged []string
	seen := make(map[string]bool)

	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		merged = append(merged, s)
	}

	for _, s := range backendStop {
		add(s)
	}
	switch v := clientStop.(type) {
	case string:
		add(v)
	case []string:
		for _, s := range v {
			add(s)
		}
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				add(str)
			}
		}
	}

	return merged
}

// ClampMaxTokens applies the backend's ceiling, if any, to the client's
// requested value. A missing client value is left missing.
func ClampMaxTokens(clientMaxTokens *int, backendCeiling *int) *int {
	if clientMaxTokens == nil {
		return nil
	}
	if backendCeiling != nil && *clientMaxTokens > *backendCeiling {
		v := *backendCeiling
		return &v
	}
	v := *clientMaxTokens
	return &v
}

// Request applies the full §4.4 pipeline to req for an attempt against
// backend, given the inbound Authorization header. It returns a new
// request value; req is not mutated. Normalization is idempotent: applying
// it a second time to the result yields the same messages, stop list, and
// max_tokens.
func Request(req *model.ChatCompletionRequest, backend config.BackendSpec, authorizationHeader string) (*model.ChatCompletionRequest, string) {
	out := *req
	apiKey := APIKey(backend, authorizationHeader)

	if merged := MergeStop(req.Stop, backend.Stop); len(merged) > 0 {
		out.Stop = merged
	} else {
		out.Stop = nil
	}

	out.MaxTokens = ClampMaxTokens(req.MaxTokens, backend.MaxTokens)
	out.Messages = normalizeMessages(req.Messages)

	return &out, apiKey
}

// normalizeMessages strips <tool_call> spans from assistant text, trims text
// content, drops empty text messages, and coalesces consecutive user
// messages (last write wins).
func normalizeMessages(in []model.Message) []model.Message {
	out := make([]model.Message, 0, len(in))

	for _, msg := range in {
		if msg.Role == "assistant" {
			if text, ok := msg.Content.(string); ok {
				msg.Content = clean.StripToolCallSpans(text)
			}
		}

		msg.Content = trimContent(msg.Content)

		if isEmptyContent(msg.Content) && len(msg.ToolCalls) == 0 {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Role == "user" && msg.Role == "user" {
			out[n-1] = msg
			continue
		}
		out = append(out, msg)
	}

	return out
}

func trimContent(content any) any {
	switch v := content.(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		out := make([]any, len(v))
		for i, part := range v {
			out[i] = part
			m, ok := part.(map[string]any)
			if !ok || m["type"] != "text" {
				continue
			}
			if text, ok := m["text"].(string); ok {
				cp := make(map[string]any, len(m))
				for k, val := range m {
					cp[k] = val
				}
				cp["text"] = strings.TrimSpace(text)
				out[i] = cp
			}
		}
		return out
	default:
		return content
	}
}

func isEmptyContent(content any) bool {
	switch v := content.(type) {
	case string:
		return v == ""
	case nil:
		return true
	case []any:
		return len(v) == 0
	default:
		return false
	}
}
