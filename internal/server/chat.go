package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/praxisllmlab/relaygate/internal/audit"
	"github.com/praxisllmlab/relaygate/internal/backend"
	"github.com/praxisllmlab/relaygate/internal/clean"
	"github.com/praxisllmlab/relaygate/internal/config"
	"github.com/praxisllmlab/relaygate/internal/dispatch"
	"github.com/praxisllmlab/relaygate/internal/logging"
	"github.com/praxisllmlab/relaygate/internal/metrics"
	"github.com/praxisllmlab/relaygate/internal/model"
	"github.com/praxisllmlab/relaygate/internal/normalize"
	"github.com/praxisllmlab/relaygate/internal/stream"
)

// ChatCompletion handles POST /v1/chat/completions.
func (h *Handlers) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	start := now()
	reqID := echoRequestID(w, r)

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{
			Error: model.ErrorDetail{Message: "reading request body: " + err.Error(), Type: "invalid_request_error"},
		})
		return
	}

	var req model.ChatCompletionRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{
			Error: model.ErrorDetail{Message: "invalid request body: " + err.Error(), Type: "invalid_request_error"},
		})
		return
	}

	cfg := h.Store.Current()
	authHeader := r.Header.Get("Authorization")
	seed := r.Header.Get("x-route-seed")
	streaming := req.IsStreaming()

	var (
		usedBackend config.BackendSpec
		lastPrefix  string
	)

	attempt := func(b config.BackendSpec, requestedModel string) (*http.Response, error) {
		usedBackend = b
		normReq, apiKey := normalize.Request(&req, b, authHeader)
		normReq.Model = requestedModel
		lastPrefix = b.SpecialPrefix

		body, err := json.Marshal(normReq)
		if err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, b.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+apiKey)
		}

		client := h.Backends.NonStreamingClient(b)
		if streaming {
			client = h.Backends.StreamingClient(b)
		}
		resp, err := client.Do(httpReq)
		metrics.DispatchAttemptsTotal.WithLabelValues(b.Name, outcomeLabel(resp, err)).Inc()
		return resp, err
	}

	rec := audit.CallRecord{
		Timestamp:      start,
		RequestID:      reqID,
		ClientIP:       clientIP(r),
		ModelRequested: req.Model,
		Endpoint:       "/v1/chat/completions",
		PromptDigest:   promptDigest(rawBody),
		IsMultimodal:   requestIsMultimodal(&req),
	}

	var result *dispatch.Result
	if streaming {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{
				Error: model.ErrorDetail{Message: "streaming not supported", Type: "internal_error"},
			})
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		onSuccess := func(resp *http.Response, b config.BackendSpec) bool {
			defer resp.Body.Close()
			usedBackend = b

			sink := &lazyHeaderSink{w: w, f: flusher, setHeaders: func(h http.Header) {
				h.Set("Content-Type", "text/event-stream")
				h.Set("Cache-Control", "no-cache")
				h.Set("Connection", "keep-alive")
				h.Set("X-Accel-Buffering", "no")
			}}

			acc := stream.NewAccumulator()
			outcome := stream.Process(ctx, resp.Body, sink, lastPrefix, backend.StreamIdleTimeout(), acc, func(o stream.Outcome) {
				// Fires once acc has finished folding, after Process itself
				// has already returned. Only write the audit row for the
				// attempt that actually committed to the client — a
				// zero-byte idle timeout is retried by RunStream and must
				// not produce its own row (CallRecord is written exactly
				// once per inbound request).
				if o.IdleTimeout && !o.BytesForwarded {
					return
				}
				rec.ModelServed = b.Name
				rec.CompletionText = acc.Content.String()
				rec.IsToolCall = acc.IsToolCall()
				if acc.Usage != nil {
					rec.PromptTokens = acc.Usage.PromptTokens
					rec.CompletionTokens = acc.Usage.CompletionTokens
					rec.TotalTokens = acc.Usage.TotalTokens
				}
				rec.LatencyMS = time.Since(start).Milliseconds()
				switch {
				case o.Aborted:
					rec.FinalStatus = dispatch.ErrTypeClientAborted
				default:
					rec.FinalStatus = "200"
				}
				h.writeAudit(rec)
			})

			if outcome.IdleTimeout && !outcome.BytesForwarded {
				logging.Debugf("chat: backend %s idle-timed out before any byte reached the client, failing over", b.Name)
				return false
			}
			return true
		}

		result = dispatch.RunStream(cfg, req.Model, seed, attempt, onSuccess)
		rec.RetryPath = result.RetryPath

		switch result.Kind {
		case dispatch.KindTerminalPassthrough:
			defer result.Response.Body.Close()
			body, _ := io.ReadAll(result.Response.Body)
			rec.ModelServed = usedBackend.Name
			rec.FinalStatus = statusString(result.StatusCode)
			rec.LatencyMS = time.Since(start).Milliseconds()
			h.writeAudit(rec)
			writeErrorBody(w, result.StatusCode, body)
			return
		case dispatch.KindSynthesized:
			metrics.DispatchExhaustedTotal.WithLabelValues(result.ErrorType).Inc()
			rec.FinalStatus = result.ErrorType
			rec.LatencyMS = time.Since(start).Milliseconds()
			h.writeAudit(rec)
			writeErrorBody(w, result.StatusCode, result.Body)
			return
		}
		// KindSuccess: onSuccess already forwarded the stream and will write
		// the audit record once the accumulator finishes folding.
		return
	}

	result = dispatch.Run(cfg, req.Model, seed, attempt)
	rec.RetryPath = result.RetryPath

	switch result.Kind {
	case dispatch.KindTerminalPassthrough:
		defer result.Response.Body.Close()
		body, _ := io.ReadAll(result.Response.Body)
		rec.ModelServed = usedBackend.Name
		rec.FinalStatus = statusString(result.StatusCode)
		rec.LatencyMS = time.Since(start).Milliseconds()
		h.writeAudit(rec)
		writeErrorBody(w, result.StatusCode, body)
		return

	case dispatch.KindSynthesized:
		metrics.DispatchExhaustedTotal.WithLabelValues(result.ErrorType).Inc()
		rec.FinalStatus = result.ErrorType
		rec.LatencyMS = time.Since(start).Milliseconds()
		h.writeAudit(rec)
		writeErrorBody(w, result.StatusCode, result.Body)
		return
	}

	// KindSuccess.
	resp := result.Response
	defer resp.Body.Close()
	rec.ModelServed = usedBackend.Name

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, model.ErrorResponse{
			Error: model.ErrorDetail{Message: "reading upstream response: " + err.Error(), Type: "internal_error"},
		})
		return
	}
	if usedBackend.StripThink {
		body = stripThinkFromJSON(body)
	}
	if lastPrefix != "" {
		body = injectPrefixJSON(body, lastPrefix)
	}
	completion, usage, isToolCall := extractNonStreamingSummary(body)
	rec.CompletionText = completion
	rec.IsToolCall = isToolCall
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
	}
	rec.FinalStatus = "200"
	rec.LatencyMS = time.Since(start).Milliseconds()
	h.writeAudit(rec)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func outcomeLabel(resp *http.Response, err error) string {
	if err != nil || resp == nil {
		return "transient"
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return "success"
	}
	if resp.StatusCode == 408 || resp.StatusCode == 429 || resp.StatusCode >= 500 {
		return "transient"
	}
	return "terminal"
}

func statusString(code int) string {
	return http.StatusText(code)
}

func requestIsMultimodal(req *model.ChatCompletionRequest) bool {
	for _, m := range req.Messages {
		if _, ok := m.Content.([]any); ok {
			return true
		}
	}
	return false
}

func stripThinkFromJSON(body []byte) []byte {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	choices, ok := doc["choices"].([]any)
	if !ok {
		return body
	}
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		msg, ok := choice["message"].(map[string]any)
		if !ok {
			continue
		}
		if text, ok := msg["content"].(string); ok {
			msg["content"] = clean.StripThinkSpans(text)
		}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}

func extractNonStreamingSummary(body []byte) (string, *model.Usage, bool) {
	var doc struct {
		Choices []struct {
			Message struct {
				Content   any              `json:"content"`
				ToolCalls []model.ToolCall `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage *model.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || len(doc.Choices) == 0 {
		return "", nil, false
	}
	text, _ := doc.Choices[0].Message.Content.(string)
	return text, doc.Usage, len(doc.Choices[0].Message.ToolCalls) > 0
}

// injectPrefixJSON prepends prefix to each non-empty message content in a
// non-streaming completion body, matching the synthetic first-event
// injection used on the streaming path.
func injectPrefixJSON(body []byte, prefix string) []byte {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	choices, ok := doc["choices"].([]any)
	if !ok {
		return body
	}
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		msg, ok := choice["message"].(map[string]any)
		if !ok {
			continue
		}
		if text, ok := msg["content"].(string); ok && text != "" {
			msg["content"] = prefix + text
		}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}
