package router

import (
	"testing"

	"github.com/praxisllmlab/relaygate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backendA() config.BackendSpec {
	return config.BackendSpec{
		Name:     "A",
		Priority: 10,
		ModelMatch: config.ModelMatch{
			Type:  config.MatchKeyword,
			Value: []string{"gpt-4"},
		},
	}
}

func backendB() config.BackendSpec {
	return config.BackendSpec{
		Name:     "B",
		Priority: 1,
		ModelMatch: config.ModelMatch{
			Type:  config.MatchExact,
			Value: []string{"gpt-4-backup"},
		},
	}
}

func TestRoute_KeywordMatch_S1(t *testing.T) {
	cfg := &config.ProxyConfig{OpenAIClients: []config.BackendSpec{backendA(), backendB()}}

	candidates, err := Route(cfg, "gpt-4-turbo", "")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "A", candidates[0].Backend.Name)
}

func TestRoute_NoMatch(t *testing.T) {
	cfg := &config.ProxyConfig{OpenAIClients: []config.BackendSpec{backendA(), backendB()}}

	_, err := Route(cfg, "claude-3", "")
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestRoute_SeededOrderingIsDeterministic(t *testing.T) {
	cfg := &config.ProxyConfig{OpenAIClients: []config.BackendSpec{
		{Name: "A", Priority: 5, ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
		{Name: "B", Priority: 5, ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
		{Name: "C", Priority: 5, ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
	}}

	first, err := Route(cfg, "m", "sticky-seed-1")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Route(cfg, "m", "sticky-seed-1")
		require.NoError(t, err)
		require.Len(t, again, len(first))
		for j := range first {
			assert.Equal(t, first[j].Backend.Name, again[j].Backend.Name)
		}
	}
}

func TestRoute_DifferentSeedsCanProduceDifferentOrder(t *testing.T) {
	cfg := &config.ProxyConfig{OpenAIClients: []config.BackendSpec{
		{Name: "A", Priority: 5, ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
		{Name: "B", Priority: 5, ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
		{Name: "C", Priority: 5, ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
	}}

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		seed := string(rune('a' + i%26))
		candidates, err := Route(cfg, "m", seed)
		require.NoError(t, err)
		key := ""
		for _, c := range candidates {
			key += c.Backend.Name
		}
		seen[key] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestRoute_TiesBrokenLexicographically(t *testing.T) {
	// priority <= 0 always sorts last regardless of draw, so pin every
	// candidate's key to the same "sorts last" bucket and let the name
	// tiebreak decide order deterministically.
	cfg := &config.ProxyConfig{OpenAIClients: []config.BackendSpec{
		{Name: "zeta", Priority: 0, ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
		{Name: "alpha", Priority: 0, ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
		{Name: "mid", Priority: 0, ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
	}}

	candidates, err := Route(cfg, "m", "any-seed")
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, []string{
		candidates[0].Backend.Name, candidates[1].Backend.Name, candidates[2].Backend.Name,
	})
}

func TestRoute_WeightedDistributionApproachesPriorityShare(t *testing.T) {
	cfg := &config.ProxyConfig{OpenAIClients: []config.BackendSpec{
		{Name: "heavy", Priority: 9, ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
		{Name: "light", Priority: 1, ModelMatch: config.ModelMatch{Type: config.MatchExact, Value: []string{"m"}}},
	}}

	const trials = 10000
	firstCount := map[string]int{}
	for i := 0; i < trials; i++ {
		candidates, err := Route(cfg, "m", "")
		require.NoError(t, err)
		firstCount[candidates[0].Backend.Name]++
	}

	heavyShare := float64(firstCount["heavy"]) / trials
	assert.InDelta(t, 0.9, heavyShare, 0.03)
}
