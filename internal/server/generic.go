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
	"github.com/praxisllmlab/relaygate/internal/config"
	"github.com/praxisllmlab/relaygate/internal/dispatch"
	"github.com/praxisllmlab/relaygate/internal/metrics"
	"github.com/praxisllmlab/relaygate/internal/model"
	"github.com/praxisllmlab/relaygate/internal/normalize"
)

// genericEndpoint describes a JSON body endpoint that shares the
// route/normalize(1-3)/dispatch pipeline with chat completions but has no
// per-message rewriting (embeddings, rerank, score, classify, legacy
// completions).
type genericEndpoint struct {
	path       string // upstream path suffix, e.g. "/embeddings"
	auditName  string
	streamable bool
}

func (h *Handlers) handleGeneric(ep genericEndpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := now()
		reqID := echoRequestID(w, r)

		rawBody, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, model.ErrorResponse{
				Error: model.ErrorDetail{Message: "reading request body: " + err.Error(), Type: "invalid_request_error"},
			})
			return
		}

		var body map[string]any
		if err := json.Unmarshal(rawBody, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, model.ErrorResponse{
				Error: model.ErrorDetail{Message: "invalid request body: " + err.Error(), Type: "invalid_request_error"},
			})
			return
		}
		requestedModel, _ := body["model"].(string)
		streaming := ep.streamable && isTruthy(body["stream"])

		cfg := h.Store.Current()
		authHeader := r.Header.Get("Authorization")
		seed := r.Header.Get("x-route-seed")

		var usedBackend config.BackendSpec

		attempt := func(b config.BackendSpec, requestedModel string) (*http.Response, error) {
			usedBackend = b
			out := cloneMap(body)
			out["model"] = requestedModel
			apiKey := normalize.APIKey(b, authHeader)
			if merged := normalize.MergeStop(body["stop"], b.Stop); len(merged) > 0 {
				out["stop"] = merged
			} else {
				delete(out, "stop")
			}
			if mt, ok := intFromAny(body["max_tokens"]); ok {
				if clamped := normalize.ClampMaxTokens(&mt, b.MaxTokens); clamped != nil {
					out["max_tokens"] = *clamped
				}
			}

			payload, err := json.Marshal(out)
			if err != nil {
				return nil, err
			}
			httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, b.BaseURL+ep.path, bytes.NewReader(payload))
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
			ModelRequested: requestedModel,
			Endpoint:       ep.auditName,
			PromptDigest:   promptDigest(rawBody),
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

			var auditWritten bool
			onSuccess := func(resp *http.Response, b config.BackendSpec) bool {
				defer resp.Body.Close()
				usedBackend = b

				sink := &lazyHeaderSink{w: w, f: flusher, setHeaders: func(h http.Header) {
					h.Set("Content-Type", "text/event-stream")
					h.Set("Cache-Control", "no-cache")
					h.Set("Connection", "keep-alive")
				}}
				scanner := &rawTee{w: sink, f: sink}
				outcome := teeRaw(ctx, resp.Body, scanner, backend.StreamIdleTimeout())

				if outcome.IdleTimeout && !outcome.BytesForwarded {
					return false
				}

				rec.ModelServed = b.Name
				rec.LatencyMS = time.Since(start).Milliseconds()
				if outcome.Aborted {
					rec.FinalStatus = dispatch.ErrTypeClientAborted
				} else {
					rec.FinalStatus = "200"
				}
				h.writeAudit(rec)
				auditWritten = true
				return true
			}

			result = dispatch.RunStream(cfg, requestedModel, seed, attempt, onSuccess)
			rec.RetryPath = result.RetryPath

			switch result.Kind {
			case dispatch.KindTerminalPassthrough:
				defer result.Response.Body.Close()
				respBody, _ := io.ReadAll(result.Response.Body)
				rec.ModelServed = usedBackend.Name
				rec.FinalStatus = statusString(result.StatusCode)
				rec.LatencyMS = time.Since(start).Milliseconds()
				h.writeAudit(rec)
				writeErrorBody(w, result.StatusCode, respBody)
				return
			case dispatch.KindSynthesized:
				metrics.DispatchExhaustedTotal.WithLabelValues(result.ErrorType).Inc()
				if !auditWritten {
					rec.FinalStatus = result.ErrorType
					rec.LatencyMS = time.Since(start).Milliseconds()
					h.writeAudit(rec)
				}
				writeErrorBody(w, result.StatusCode, result.Body)
				return
			}
			return
		}

		result = dispatch.Run(cfg, requestedModel, seed, attempt)
		rec.RetryPath = result.RetryPath

		switch result.Kind {
		case dispatch.KindTerminalPassthrough:
			defer result.Response.Body.Close()
			respBody, _ := io.ReadAll(result.Response.Body)
			rec.ModelServed = usedBackend.Name
			rec.FinalStatus = statusString(result.StatusCode)
			rec.LatencyMS = time.Since(start).Milliseconds()
			h.writeAudit(rec)
			writeErrorBody(w, result.StatusCode, respBody)
			return
		case dispatch.KindSynthesized:
			metrics.DispatchExhaustedTotal.WithLabelValues(result.ErrorType).Inc()
			rec.FinalStatus = result.ErrorType
			rec.LatencyMS = time.Since(start).Milliseconds()
			h.writeAudit(rec)
			writeErrorBody(w, result.StatusCode, result.Body)
			return
		}

		resp := result.Response
		defer resp.Body.Close()
		rec.ModelServed = usedBackend.Name

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, model.ErrorResponse{
				Error: model.ErrorDetail{Message: "reading upstream response: " + err.Error(), Type: "internal_error"},
			})
			return
		}
		rec.FinalStatus = "200"
		rec.LatencyMS = time.Since(start).Milliseconds()
		h.writeAudit(rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(respBody)
	}
}

func isTruthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func intFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
