package config

import (
	"fmt"

	"github.com/praxisllmlab/relaygate/internal/logging"
)

// Validate checks a parsed ProxyConfig against the load-time invariants.
// Reject conditions return an error; a cyclic fallback chain is accepted
// but logged at warn level, since the dispatcher's retry budget bounds it.
func Validate(cfg *ProxyConfig) error {
	if hc := cfg.HealthCheck; hc != nil && hc.Enabled {
		if hc.Endpoint == "" {
			return fmt.Errorf("config_invalid: check_config.endpoint must be set when enabled")
		}
		if hc.IntervalSeconds <= 0 {
			return fmt.Errorf("config_invalid: check_config.interval_seconds must be >= 1 when enabled")
		}
	}

	seen := make(map[string]bool, len(cfg.OpenAIClients))
	for _, b := range cfg.OpenAIClients {
		if b.Name == "" {
			return fmt.Errorf("config_invalid: backend with empty name")
		}
		if seen[b.Name] {
			return fmt.Errorf("config_invalid: duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true

		if b.Priority < 1 {
			return fmt.Errorf("config_invalid: backend %q priority %d must be >= 1", b.Name, b.Priority)
		}
		if len(b.ModelMatch.Value) == 0 {
			return fmt.Errorf("config_invalid: backend %q model_match.value must be non-empty", b.Name)
		}
		if b.BaseURL == "" {
			return fmt.Errorf("config_invalid: backend %q base_url must be set", b.Name)
		}
	}

	warnOverflow("config", cfg.Overflow)
	for _, b := range cfg.OpenAIClients {
		warnOverflow(fmt.Sprintf("openai_clients(%s)", b.Name), b.Overflow)
	}
	warnCyclicFallbacks(cfg)

	return nil
}

// warnCyclicFallbacks logs (but does not reject) backends whose fallback
// chain revisits a backend already seen in the chain. Fallback is a model
// name re-routed through model_match (spec.md §3), not a backend name, so
// each hop is resolved with firstMatch rather than an exact-name lookup.
func warnCyclicFallbacks(cfg *ProxyConfig) {
	for _, b := range cfg.OpenAIClients {
		if b.Fallback == "" {
			continue
		}
		visited := map[string]bool{b.Name: true}
		model := b.Fallback
		for i := 0; i < len(cfg.OpenAIClients)+1; i++ {
			next, ok := firstMatch(cfg, model)
			if !ok || next.Fallback == "" {
				break
			}
			if visited[next.Name] {
				logging.Warnf("cyclic fallback chain detected starting at backend %q (revisits %q)", b.Name, next.Name)
				break
			}
			visited[next.Name] = true
			model = next.Fallback
		}
	}
}

// firstMatch returns the first configured backend whose model_match
// accepts model, in config order — the same candidate a route with no
// other candidates ahead of it in priority would resolve to.
func firstMatch(cfg *ProxyConfig, model string) (BackendSpec, bool) {
	for _, b := range cfg.OpenAIClients {
		if b.ModelMatch.Accepts(model) {
			return b, true
		}
	}
	return BackendSpec{}, false
}

func warnOverflow(section string, overflow map[string]any) {
	if len(overflow) == 0 {
		return
	}
	for k := range overflow {
		logging.Warnf("unrecognized config field %s.%s — field will be ignored", section, k)
	}
}
