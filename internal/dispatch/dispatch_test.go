package dispatch

import (
	"net/http"
	"testing"

	"github.com/praxisllmlab/relaygate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cfgWithFallback() *config.ProxyConfig {
	return &config.ProxyConfig{OpenAIClients: []config.BackendSpec{
		{
			Name:       "A",
			Priority:   10,
			Fallback:   "gpt-4-backup",
			ModelMatch: config.ModelMatch{Type: config.MatchKeyword, Value: []string{"gpt-4"}},
		},
		{
			Name:       "B",
			Priority:   1,
			ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"gpt-4-backup"}},
		},
	}}
}

func resp(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: http.NoBody}
}

func TestRun_S1_KeywordRoutingSuccess(t *testing.T) {
	cfg := cfgWithFallback()

	result := Run(cfg, "gpt-4-turbo", "", func(b config.BackendSpec, model string) (*http.Response, error) {
		return resp(200), nil
	})

	assert.Equal(t, KindSuccess, result.Kind)
	assert.Equal(t, "A", result.Backend)
	assert.Equal(t, []string{"A"}, result.RetryPath)
}

func TestRun_S2_FailoverOn503(t *testing.T) {
	cfg := cfgWithFallback()

	result := Run(cfg, "gpt-4-turbo", "", func(b config.BackendSpec, model string) (*http.Response, error) {
		if b.Name == "A" {
			return resp(503), nil
		}
		return resp(200), nil
	})

	assert.Equal(t, KindSuccess, result.Kind)
	assert.Equal(t, "B", result.Backend)
	assert.Equal(t, []string{"A", "B"}, result.RetryPath)
}

func TestRun_TerminalClientErrorStopsImmediately(t *testing.T) {
	cfg := cfgWithFallback()

	result := Run(cfg, "gpt-4-turbo", "", func(b config.BackendSpec, model string) (*http.Response, error) {
		return resp(401), nil
	})

	require.Equal(t, KindTerminalPassthrough, result.Kind)
	assert.Equal(t, 401, result.StatusCode)
	assert.Equal(t, []string{"A"}, result.RetryPath)
}

func TestRun_RateLimitIsTransientAndTriesNextCandidate(t *testing.T) {
	cfg := &config.ProxyConfig{OpenAIClients: []config.BackendSpec{
		{Name: "A", Priority: 10, ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
		{Name: "B", Priority: 1, ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
	}}

	result := Run(cfg, "m", "seed-a-first", func(b config.BackendSpec, model string) (*http.Response, error) {
		if b.Name == "A" {
			return resp(429), nil
		}
		return resp(200), nil
	})

	assert.Equal(t, KindSuccess, result.Kind)
	assert.Equal(t, "B", result.Backend)
}

func TestRun_S6_RetryBudgetExhausted(t *testing.T) {
	cfg := &config.ProxyConfig{OpenAIClients: []config.BackendSpec{
		{Name: "A", Priority: 10, Fallback: "m", ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
		{Name: "B", Priority: 1, Fallback: "m", ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
	}}

	calls := 0
	result := Run(cfg, "m", "", func(b config.BackendSpec, model string) (*http.Response, error) {
		calls++
		return resp(502), nil
	})

	require.Equal(t, KindSynthesized, result.Kind)
	assert.Equal(t, ErrTypeRetryBudgetExhausted, result.ErrorType)
	assert.Equal(t, http.StatusGatewayTimeout, result.StatusCode)
	assert.Len(t, result.RetryPath, MaxAttempts)
	assert.Equal(t, MaxAttempts, calls)
}

func TestRun_ModelNotFound(t *testing.T) {
	cfg := &config.ProxyConfig{}

	result := Run(cfg, "unknown-model", "", func(b config.BackendSpec, model string) (*http.Response, error) {
		t.Fatal("attempt should not be called when no backend matches")
		return nil, nil
	})

	assert.Equal(t, KindSynthesized, result.Kind)
	assert.Equal(t, ErrTypeModelNotFound, result.ErrorType)
	assert.Equal(t, http.StatusNotFound, result.StatusCode)
	assert.Empty(t, result.RetryPath)
}

func TestRun_NoFallbackExhaustsAfterAllCandidatesTransient(t *testing.T) {
	cfg := &config.ProxyConfig{OpenAIClients: []config.BackendSpec{
		{Name: "A", Priority: 1, ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
	}}

	result := Run(cfg, "m", "", func(b config.BackendSpec, model string) (*http.Response, error) {
		return resp(500), nil
	})

	require.Equal(t, KindSynthesized, result.Kind)
	assert.Equal(t, ErrTypeUpstreamTransient, result.ErrorType)
	assert.Equal(t, []string{"A"}, result.RetryPath)
}

func TestRenderError_ByteEqualForSameInputs(t *testing.T) {
	a := RenderError(ErrTypeModelNotFound, "no backend matches", []string{"A", "B"})
	b := RenderError(ErrTypeModelNotFound, "no backend matches", []string{"A", "B"})
	assert.Equal(t, a, b)
}

func TestRun_TransportErrorIsTransient(t *testing.T) {
	cfg := &config.ProxyConfig{OpenAIClients: []config.BackendSpec{
		{Name: "A", Priority: 1, ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
	}}

	result := Run(cfg, "m", "", func(b config.BackendSpec, model string) (*http.Response, error) {
		return nil, assertErr
	})

	require.Equal(t, KindSynthesized, result.Kind)
	assert.Equal(t, ErrTypeUpstreamTransient, result.ErrorType)
}

var assertErr = &netError{}

type netError struct{}

func (*netError) Error() string { return "connection reset" }

func TestRunStream_ZeroByteIdleTimeoutFailsOverToNextCandidate(t *testing.T) {
	cfg := cfgWithFallback()

	var committedTo []string
	result := RunStream(cfg, "gpt-4-turbo", "", func(b config.BackendSpec, model string) (*http.Response, error) {
		return resp(200), nil
	}, func(resp *http.Response, b config.BackendSpec) bool {
		resp.Body.Close()
		if b.Name == "A" {
			// A produced zero bytes before idling out: not committed.
			return false
		}
		committedTo = append(committedTo, b.Name)
		return true
	})

	require.Equal(t, KindSuccess, result.Kind)
	assert.Equal(t, "B", result.Backend)
	assert.Equal(t, []string{"A", "B"}, result.RetryPath)
	assert.Equal(t, []string{"B"}, committedTo)
}

func TestRunStream_CommittedFirstCandidateNeverCallsSecond(t *testing.T) {
	cfg := cfgWithFallback()

	attempts := 0
	result := RunStream(cfg, "gpt-4-turbo", "", func(b config.BackendSpec, model string) (*http.Response, error) {
		attempts++
		return resp(200), nil
	}, func(resp *http.Response, b config.BackendSpec) bool {
		resp.Body.Close()
		return true
	})

	require.Equal(t, KindSuccess, result.Kind)
	assert.Equal(t, "A", result.Backend)
	assert.Equal(t, 1, attempts)
}

func TestRunStream_AllCandidatesIdleTimeoutExhaustsCandidates(t *testing.T) {
	cfg := cfgWithFallback()

	result := RunStream(cfg, "gpt-4-turbo", "", func(b config.BackendSpec, model string) (*http.Response, error) {
		return resp(200), nil
	}, func(resp *http.Response, b config.BackendSpec) bool {
		resp.Body.Close()
		return false
	})

	require.Equal(t, KindSynthesized, result.Kind)
	assert.Equal(t, ErrTypeUpstreamTransient, result.ErrorType)
}

func TestRunStream_NilOnSuccessBehavesLikeRun(t *testing.T) {
	cfg := cfgWithFallback()

	result := RunStream(cfg, "gpt-4-turbo", "", func(b config.BackendSpec, model string) (*http.Response, error) {
		return resp(200), nil
	}, nil)

	require.Equal(t, KindSuccess, result.Kind)
	assert.Equal(t, "A", result.Backend)
	assert.NotNil(t, result.Response)
}
