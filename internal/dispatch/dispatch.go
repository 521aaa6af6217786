// Package dispatch drives the attempt/failover retry state machine: the
// Dispatcher (spec component C5).
package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/praxisllmlab/relaygate/internal/config"
	"github.com/praxisllmlab/relaygate/internal/logging"
	"github.com/praxisllmlab/relaygate/internal/metrics"
	"github.com/praxisllmlab/relaygate/internal/model"
	"github.com/praxisllmlab/relaygate/internal/router"
)

// MaxAttempts bounds total attempts across all candidates and fallbacks in
// a single inbound request, including accidental fallback cycles.
const MaxAttempts = 6

// MaxAudioBufferBytes is the cap on pre-buffered multipart audio payloads;
// larger uploads are rejected with request_too_large before dispatch.
const MaxAudioBufferBytes = 64 << 20

// Error taxonomy strings (spec §7). These are recorded in CallRecord and
// used as the "type" field of synthesized error bodies.
const (
	ErrTypeModelNotFound        = "model_not_found"
	ErrTypeUpstreamTransient    = "upstream_transient"
	ErrTypeUpstreamRateLimited  = "upstream_rate_limited"
	ErrTypeUpstreamClientError  = "upstream_client_error"
	ErrTypeRequestTooLarge      = "request_too_large"
	ErrTypeRetryBudgetExhausted = "retry_budget_exhausted"
	ErrTypeClientAborted        = "client_aborted"
)

// Kind classifies the shape of a dispatch Result.
type Kind int

const (
	// KindSuccess: Response is a 2xx upstream reply to forward as-is.
	KindSuccess Kind = iota
	// KindTerminalPassthrough: Response is a 4xx (other than 408 and 429) upstream reply,
	// forwarded verbatim with no further retry.
	KindTerminalPassthrough
	// KindSynthesized: no usable upstream response exists; Body holds a
	// rendered {error:...} JSON document to return directly.
	KindSynthesized
)

// Attempt performs one HTTP round trip against backend for model and
// returns the raw response, or a transport-level error if the connection
// never produced a response.
type Attempt func(backend config.BackendSpec, requestedModel string) (*http.Response, error)

// Result is the outcome of a full dispatch loop for one inbound request.
type Result struct {
	Kind       Kind
	Response   *http.Response
	StatusCode int
	Backend    string // model_served: the backend that produced Response
	RetryPath  []string
	ErrorType  string
	Body       []byte
}

// Run drives the Selecting -> Attempting -> Decision state machine for
// initialModel against cfg, invoking attempt for each candidate in turn.
func Run(cfg *config.ProxyConfig, initialModel, seed string, attempt Attempt) *Result {
	return runLoop(cfg, initialModel, seed, attempt, nil)
}

// StreamCommit is invoked once per successful (2xx) attempt on a streaming
// request, in place of Run's immediate KindSuccess return. It owns resp
// (including closing its body) and forwards the stream to the client. It
// returns committed=true once any byte has reached the client — at that
// point the response is irrevocably bound to this backend. committed=false
// (no byte ever forwarded, e.g. an idle timeout before the first event)
// lets RunStream move on to the next candidate, or to the candidate's
// fallback model once the candidate list is used up, per
// spec.md §4.6's "fallback eligible only if no bytes were forwarded yet".
type StreamCommit func(resp *http.Response, backend config.BackendSpec) (committed bool)

// RunStream drives the same state machine as Run, but a successful attempt
// is handed to onSuccess instead of being returned immediately: the
// forwarding decision of whether to commit to this backend or keep
// failing over happens inside onSuccess, since only it knows whether the
// stream ever produced a byte before timing out.
func RunStream(cfg *config.ProxyConfig, initialModel, seed string, attempt Attempt, onSuccess StreamCommit) *Result {
	return runLoop(cfg, initialModel, seed, attempt, onSuccess)
}

func runLoop(cfg *config.ProxyConfig, initialModel, seed string, attempt Attempt, onSuccess StreamCommit) *Result {
	currentModel := initialModel
	var retryPath []string
	attempts := 0

	for {
		candidates, err := router.Route(cfg, currentModel, seed)
		if err != nil {
			return &Result{
				Kind:      KindSynthesized,
				StatusCode: http.StatusNotFound,
				ErrorType: ErrTypeModelNotFound,
				RetryPath: retryPath,
				Body:      RenderError(ErrTypeModelNotFound, "no backend matches model \""+currentModel+"\"", retryPath),
			}
		}

		metrics.RouterCandidatesTotal.WithLabelValues(currentModel).Observe(float64(len(candidates)))

		// A fallback round skips backends this request already attempted
		// while untried candidates remain; once every candidate has been
		// attempted the full list is used again, so only the retry budget
		// ends a fallback cycle.
		if len(retryPath) > 0 {
			untried := make([]router.Candidate, 0, len(candidates))
			for _, c := range candidates {
				if !slices.Contains(retryPath, c.Backend.Name) {
					untried = append(untried, c)
				}
			}
			if len(untried) > 0 {
				candidates = untried
			}
		}

		var nextModel string
		var lastFailedBackend string
		for _, cand := range candidates {
			if attempts >= MaxAttempts {
				return &Result{
					Kind:      KindSynthesized,
					StatusCode: http.StatusGatewayTimeout,
					ErrorType: ErrTypeRetryBudgetExhausted,
					RetryPath: retryPath,
					Body:      RenderError(ErrTypeRetryBudgetExhausted, "retry budget exhausted", retryPath),
				}
			}

			attempts++
			retryPath = append(retryPath, cand.Backend.Name)

			resp, terr := attempt(cand.Backend, currentModel)
			d, classErr := classify(resp, terr)
			switch d {
			case decisionSuccess:
				if onSuccess == nil {
					return &Result{Kind: KindSuccess, Response: resp, StatusCode: resp.StatusCode, Backend: cand.Backend.Name, RetryPath: retryPath}
				}
				if onSuccess(resp, cand.Backend) {
					return &Result{Kind: KindSuccess, StatusCode: resp.StatusCode, Backend: cand.Backend.Name, RetryPath: retryPath}
				}
				logging.Debugf("dispatch: streaming candidate %s produced zero bytes before idle timeout, failing over", cand.Backend.Name)
				nextModel = cand.Backend.Fallback
				lastFailedBackend = cand.Backend.Name
				continue
			case decisionTerminal:
				logging.Warnf("dispatch: %v", &model.UpstreamError{
					StatusCode: resp.StatusCode,
					Message:    "terminal upstream response",
					Type:       classErr.Error(),
					Backend:    cand.Backend.Name,
					Model:      currentModel,
					Err:        classErr,
				})
				return &Result{Kind: KindTerminalPassthrough, Response: resp, StatusCode: resp.StatusCode, Backend: cand.Backend.Name, RetryPath: retryPath}
			case decisionTransient:
				logging.Debugf("dispatch: %v", &model.UpstreamError{
					StatusCode: statusOf(resp),
					Message:    "transient upstream failure",
					Type:       classErr.Error(),
					Backend:    cand.Backend.Name,
					Model:      currentModel,
					Err:        classErr,
				})
				if resp != nil {
					_ = resp.Body.Close()
				}
				nextModel = cand.Backend.Fallback
				lastFailedBackend = cand.Backend.Name
				continue
			}
		}

		if nextModel == "" {
			errType := ErrTypeUpstreamTransient
			msg := "all candidates failed"
			return &Result{
				Kind:      KindSynthesized,
				StatusCode: http.StatusGatewayTimeout,
				ErrorType: errType,
				RetryPath: retryPath,
				Body:      RenderError(errType, msg, retryPath),
			}
		}
		metrics.DispatchFailoversTotal.WithLabelValues(lastFailedBackend).Inc()
		currentModel = nextModel
	}
}

type decision int

const (
	decisionSuccess decision = iota
	decisionTerminal
	decisionTransient
)

// classify implements spec §4.5's success/transient/terminal rule. 408 and
// 429 are transient; any other 4xx is terminal; 5xx and transport errors
// (which include timeouts, DNS failures, TLS errors, and resets before
// headers) are transient. The returned error is the model package's
// classification of resp's status (or model.ErrServiceUnavailable for a
// transport failure), used for dispatch logging, not client-facing
// rendering.
func classify(resp *http.Response, transportErr error) (decision, error) {
	if transportErr != nil || resp == nil {
		return decisionTransient, model.ErrServiceUnavailable
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decisionSuccess, nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return decisionTransient, model.MapHTTPStatusToError(resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return decisionTerminal, model.MapHTTPStatusToError(resp.StatusCode)
	default: // 5xx and anything unclassified
		return decisionTransient, model.ErrServiceUnavailable
	}
}

// statusOf returns resp's status code, or 0 for a transport failure that
// never produced a response.
func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// RenderError produces the single, shared error body: the exact bytes
// returned to the client and stored in the audit record are always
// produced by this function so the two can never diverge.
func RenderError(errType, message string, retryPath []string) []byte {
	body := model.ErrorResponse{
		Error: model.ErrorDetail{
			Message:   message,
			Type:      errType,
			RetryPath: retryPath,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		// json.Marshal on this fixed shape cannot fail; keep a safe fallback
		// rather than panicking on the request path.
		return []byte(`{"error":{"message":"internal render error","type":"internal_error"}}`)
	}
	return b
}

// ErrAborted marks a request whose client disconnected mid-stream; it
// carries no response body to render, only an audit entry.
var ErrAborted = errors.New("client_aborted")
