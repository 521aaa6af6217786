// Package config holds the declarative backend table and its hot-reload
// machinery: the gateway's Config Store.
package config

import (
	"fmt"
	"strings"
)

// MatchType selects how a BackendSpec's ModelMatch tests a requested model
// name.
type MatchType string

const (
	MatchExact   MatchType = "exact"
	MatchKeyword MatchType = "keyword"
)

// ModelMatch is a tagged variant: Exact tests set membership on the
// normalized model string, Keyword tests substring containment.
type ModelMatch struct {
	Type  MatchType `yaml:"type"`
	Value []string  `yaml:"value"`
}

// Accepts reports whether model satisfies this match rule.
func (m ModelMatch) Accepts(model string) bool {
	switch m.Type {
	case MatchKeyword:
		for _, v := range m.Value {
			if v != "" && strings.Contains(model, v) {
				return true
			}
		}
		return false
	default: // MatchExact
		for _, v := range m.Value {
			if v == model {
				return true
			}
		}
		return false
	}
}

// BackendSpec is a declarative record describing one upstream backend.
type BackendSpec struct {
	Name          string     `yaml:"name"`
	APIKey        string     `yaml:"api_key,omitempty"`
	BaseURL       string     `yaml:"base_url"`
	Priority      int        `yaml:"priority"`
	ModelMatch    ModelMatch `yaml:"model_match"`
	Fallback      string     `yaml:"fallback,omitempty"`
	SpecialPrefix string     `yaml:"special_prefix,omitempty"`
	Stop          []string   `yaml:"stop,omitempty"`
	MaxTokens     *int       `yaml:"max_tokens,omitempty"`
	StripThink    bool       `yaml:"strip_think,omitempty"`

	// Overflow captures any backend fields not explicitly modeled, so a
	// config written against a newer gateway version still loads here.
	Overflow map[string]any `yaml:",inline"`
}

// CheckConfig is the passive health-probe schedule descriptor: parsed and
// validated here, but the probe loop itself runs outside the gateway. An
// external prober reads it via Store.Current().HealthCheck.
type CheckConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// ProxyConfig is the top-level parsed configuration file.
type ProxyConfig struct {
	HealthCheck   *CheckConfig  `yaml:"check_config,omitempty"`
	OpenAIClients []BackendSpec `yaml:"openai_clients"`

	// Overflow captures any unknown top-level YAML fields.
	Overflow map[string]any `yaml:",inline"`
}

// ByName returns the backend with the given name, if present.
func (c *ProxyConfig) ByName(name string) (BackendSpec, bool) {
	for _, b := range c.OpenAIClients {
		if b.Name == name {
			return b, true
		}
	}
	return BackendSpec{}, false
}

// String implements fmt.Stringer for log messages.
func (c *ProxyConfig) String() string {
	return fmt.Sprintf("ProxyConfig{backends=%d}", len(c.OpenAIClients))
}
