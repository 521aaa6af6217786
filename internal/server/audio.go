package server

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/praxisllmlab/relaygate/internal/audit"
	"github.com/praxisllmlab/relaygate/internal/config"
	"github.com/praxisllmlab/relaygate/internal/dispatch"
	"github.com/praxisllmlab/relaygate/internal/metrics"
	"github.com/praxisllmlab/relaygate/internal/model"
	"github.com/praxisllmlab/relaygate/internal/normalize"
)

// AudioTranscription handles POST /v1/audio/transcriptions. The multipart
// body is pre-buffered into memory (capped per spec §4.5) so a transient
// failure can retry against the next candidate with an identical form.
func (h *Handlers) AudioTranscription(w http.ResponseWriter, r *http.Request) {
	start := now()
	reqID := echoRequestID(w, r)

	limited := http.MaxBytesReader(w, r.Body, dispatch.MaxAudioBufferBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, model.ErrorResponse{
			Error: model.ErrorDetail{Message: "audio payload exceeds retry buffer cap", Type: dispatch.ErrTypeRequestTooLarge},
		})
		return
	}
	if len(raw) > dispatch.MaxAudioBufferBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, model.ErrorResponse{
			Error: model.ErrorDetail{Message: "audio payload exceeds retry buffer cap", Type: dispatch.ErrTypeRequestTooLarge},
		})
		return
	}

	contentType := r.Header.Get("Content-Type")
	form, err := parseMultipartModel(raw, contentType)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{
			Error: model.ErrorDetail{Message: "invalid multipart body: " + err.Error(), Type: "invalid_request_error"},
		})
		return
	}

	cfg := h.Store.Current()
	authHeader := r.Header.Get("Authorization")
	seed := r.Header.Get("x-route-seed")

	var usedBackend config.BackendSpec

	attempt := func(b config.BackendSpec, requestedModel string) (*http.Response, error) {
		usedBackend = b
		apiKey := normalize.APIKey(b, authHeader)

		httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, b.BaseURL+"/audio/transcriptions", bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", contentType)
		if apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := h.Backends.NonStreamingClient(b).Do(httpReq)
		metrics.DispatchAttemptsTotal.WithLabelValues(b.Name, outcomeLabel(resp, err)).Inc()
		return resp, err
	}

	result := dispatch.Run(cfg, form.model, seed, attempt)

	rec := audit.CallRecord{
		Timestamp:      start,
		RequestID:      reqID,
		ClientIP:       clientIP(r),
		ModelRequested: form.model,
		Endpoint:       "/v1/audio/transcriptions",
		PromptDigest:   promptDigest(raw),
		RetryPath:      result.RetryPath,
	}

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

	resp := result.Response
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, model.ErrorResponse{
			Error: model.ErrorDetail{Message: "reading upstream response: " + err.Error(), Type: "internal_error"},
		})
		return
	}

	rec.ModelServed = usedBackend.Name
	rec.FinalStatus = "200"
	rec.LatencyMS = time.Since(start).Milliseconds()
	h.writeAudit(rec)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type multipartForm struct {
	model string
}

func parseMultipartModel(raw []byte, contentType string) (multipartForm, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return multipartForm{}, err
	}
	mr := multipart.NewReader(bytes.NewReader(raw), params["boundary"])
	var form multipartForm
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return multipartForm{}, err
		}
		if part.FormName() == "model" {
			val, _ := io.ReadAll(part)
			form.model = string(val)
		}
	}
	return form, nil
}
