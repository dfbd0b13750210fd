package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads "90s"-style strings from YAML.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON renders the duration in its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Limits holds the per-tier ceilings and the tool table.
type Limits struct {
	Tiers map[domain.Tier]TierLimits `yaml:"tiers" json:"tiers"`
	Tools map[string]ToolConfig      `yaml:"tools" json:"tools"`
}

// TierLimits are the ceilings consulted for one subscription tier.
type TierLimits struct {
	MaxConnections    int      `yaml:"max_connections" json:"maxConnections"`
	MessagesPerWindow int      `yaml:"messages_per_window" json:"messagesPerWindow"`
	MessageWindow     Duration `yaml:"message_window" json:"messageWindow"`
	BurstSize         int      `yaml:"burst_size" json:"burstSize"`
	BurstWindow       Duration `yaml:"burst_window" json:"burstWindow"`
}

// ToolConfig describes one tool the agent may invoke.
// A tier missing from PerTier is unlimited; an explicit 0 denies the tool for that tier.
type ToolConfig struct {
	Enabled     bool                `yaml:"enabled" json:"enabled"`
	Description string              `yaml:"description" json:"description"`
	Weight      string              `yaml:"weight" json:"weight"`
	Window      Duration            `yaml:"window" json:"window"`
	PerTier     map[domain.Tier]int `yaml:"per_tier" json:"perTier"`
}

// DefaultLimits returns the built-in ceilings.
func DefaultLimits() Limits {
	minute := Duration(time.Minute)
	burst := Duration(10 * time.Second)
	hour := Duration(time.Hour)
	return Limits{
		Tiers: map[domain.Tier]TierLimits{
			domain.TierFree:     {MaxConnections: 1, MessagesPerWindow: 10, MessageWindow: minute, BurstSize: 5, BurstWindow: burst},
			domain.TierStandard: {MaxConnections: 3, MessagesPerWindow: 30, MessageWindow: minute, BurstSize: 10, BurstWindow: burst},
			domain.TierPremium:  {MaxConnections: 5, MessagesPerWindow: 100, MessageWindow: minute, BurstSize: 20, BurstWindow: burst},
		},
		Tools: map[string]ToolConfig{
			"web_browser": {
				Enabled:     true,
				Description: "Headless browsing of public web pages",
				Weight:      "heavy",
				Window:      hour,
				PerTier:     map[domain.Tier]int{domain.TierFree: 5, domain.TierStandard: 20, domain.TierPremium: 60},
			},
			"market_data": {
				Enabled:     true,
				Description: "Historical market data lookups",
				Weight:      "light",
				Window:      hour,
				PerTier:     map[domain.Tier]int{domain.TierFree: 30, domain.TierStandard: 100, domain.TierPremium: 300},
			},
			"calculator": {
				Enabled:     true,
				Description: "Numeric computation",
				Weight:      "light",
				Window:      hour,
				PerTier:     map[domain.Tier]int{domain.TierFree: 100, domain.TierStandard: 500, domain.TierPremium: 1000},
			},
		},
	}
}

// LoadLimits reads a YAML limits file. Tiers or tools omitted from the file keep their defaults.
func LoadLimits(path string) (Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseLimits(data)
}

// ParseLimits decodes YAML limits on top of DefaultLimits.
func ParseLimits(data []byte) (Limits, error) {
	var file Limits
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Limits{}, fmt.Errorf("parse limits: %w", err)
	}

	limits := DefaultLimits()
	for tier, tl := range file.Tiers {
		if !tier.Valid() {
			return Limits{}, fmt.Errorf("unknown tier %q in limits", tier)
		}
		limits.Tiers[tier] = tl
	}
	for name, tc := range file.Tools {
		limits.Tools[name] = tc
	}
	if err := limits.Validate(); err != nil {
		return Limits{}, err
	}
	return limits, nil
}

// Disable marks the named tools as disabled.
func (l *Limits) Disable(names ...string) {
	for _, name := range names {
		if tc, ok := l.Tools[name]; ok {
			tc.Enabled = false
			l.Tools[name] = tc
		}
	}
}

// EnabledTools returns the sorted names of enabled tools.
func (l Limits) EnabledTools() []string {
	var names []string
	for name, tc := range l.Tools {
		if tc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Validate checks every tier is present and every ceiling is usable.
func (l Limits) Validate() error {
	for _, tier := range domain.Tiers {
		tl, ok := l.Tiers[tier]
		if !ok {
			return fmt.Errorf("limits missing tier %q", tier)
		}
		if tl.MaxConnections <= 0 {
			return fmt.Errorf("tier %s: max_connections must be > 0", tier)
		}
		if tl.MessagesPerWindow <= 0 || tl.MessageWindow <= 0 {
			return fmt.Errorf("tier %s: message window must be positive", tier)
		}
		if tl.BurstSize <= 0 || tl.BurstWindow <= 0 {
			return fmt.Errorf("tier %s: burst window must be positive", tier)
		}
	}
	for name, tc := range l.Tools {
		if tc.Window <= 0 {
			return fmt.Errorf("tool %s: window must be positive", name)
		}
		for tier, n := range tc.PerTier {
			if !tier.Valid() {
				return fmt.Errorf("tool %s: unknown tier %q", name, tier)
			}
			if n < 0 {
				return fmt.Errorf("tool %s: negative ceiling for %s", name, tier)
			}
		}
	}
	return nil
}
