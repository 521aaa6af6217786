package server

import (
	"encoding/json"
	"net/http"
)

// ListModels handles GET /v1/models: a union of each configured backend's
// upstream /v1/models response, deduplicated by model id. A best-effort
// external collaborator per spec.md — failures for individual backends are
// skipped rather than failing the whole call.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	h.Store.ProbeReload()
	cfg := h.Store.Current()

	type modelEntry struct {
		ID string `json:"id"`
	}
	seen := make(map[string]bool)
	var union []modelEntry

	for _, b := range cfg.OpenAIClients {
		httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, b.BaseURL+"/models", nil)
		if err != nil {
			continue
		}
		if b.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+b.APIKey)
		}
		resp, err := h.Backends.NonStreamingClient(b).Do(httpReq)
		if err != nil {
			continue
		}
		var page struct {
			Data []modelEntry `json:"data"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()

		for _, m := range page.Data {
			if !seen[m.ID] {
				seen[m.ID] = true
				union = append(union, m)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": union})
}
