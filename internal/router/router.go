// Package router maps a requested model name to an ordered list of
// candidate backends: match rules narrow the set, then an
// Efraimidis-Spirakis weighted permutation orders it.
package router

import (
	"errors"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/praxisllmlab/relaygate/internal/config"
)

// ErrNoBackend is returned when no configured backend's model_match
// accepts the requested model.
var ErrNoBackend = errors.New("no backend matches requested model")

// Candidate is an ephemeral (backend, weight-key) pair produced for one
// request; it does not outlive the dispatcher loop that consumes it.
type Candidate struct {
	Backend config.BackendSpec
	key     float64
}

// Route returns the ordered attempt sequence for model against the active
// config snapshot. When seed is non-empty, ordering is a deterministic
// function of (seed, backend.name) instead of a fresh random draw, giving
// rendezvous-style routing stickiness across requests carrying the same
// x-route-seed.
func Route(cfg *config.ProxyConfig, model, seed string) ([]Candidate, error) {
	matched := make([]config.BackendSpec, 0, len(cfg.OpenAIClients))
	for _, b := range cfg.OpenAIClients {
		if b.ModelMatch.Accepts(model) {
			matched = append(matched, b)
		}
	}
	if len(matched) == 0 {
		return nil, ErrNoBackend
	}

	candidates := make([]Candidate, len(matched))
	for i, b := range matched {
		u := drawU(b.Name, seed)
		candidates[i] = Candidate{Backend: b, key: weightedKey(u, b.Priority)}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].key != candidates[j].key {
			return candidates[i].key > candidates[j].key
		}
		return candidates[i].Backend.Name < candidates[j].Backend.Name
	})

	return candidates, nil
}

// weightedKey computes the Efraimidis-Spirakis sort key u^(1/priority).
// A non-positive priority sorts last regardless of u.
func weightedKey(u float64, priority int) float64 {
	if priority <= 0 {
		return -1
	}
	return math.Pow(u, 1/float64(priority))
}

// drawU returns the per-candidate uniform draw. With a seed it is a
// deterministic hash of (seed, name) mapped into (0,1); without one it is a
// fresh random draw, giving the routing distribution the priority-weighted
// shape spec.md §8 property 1 requires.
func drawU(name, seed string) float64 {
	if seed == "" {
		return rand.Float64()
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(name))
	sum := h.Sum64()
	// Map to the open interval (0,1): reserve the low/high extremes so
	// weightedKey never sees exactly 0 or 1.
	const maxUint64 = float64(1<<64 - 1)
	u := float64(sum) / maxUint64
	if u <= 0 {
		u = 1e-9
	}
	if u >= 1 {
		u = 1 - 1e-9
	}
	return u
}
