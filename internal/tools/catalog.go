// Package tools tracks which agent tools are offered to clients and relays direct
// client interactions with a running tool.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/ashureev/agentgate/internal/config"
	"github.com/ashureev/agentgate/internal/domain"
)

// Tool is the public description of one tool.
type Tool struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Weight      string              `json:"weight"`
	Window      config.Duration     `json:"window"`
	Limits      map[domain.Tier]int `json:"limits"`
}

// Catalog is the set of enabled tools. It is swapped wholesale on limits reload.
type Catalog struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	disabled map[string]struct{}
}

// NewCatalog builds a catalog from configured limits.
func NewCatalog(l config.Limits) *Catalog {
	c := &Catalog{}
	c.Update(l)
	return c
}

// Update replaces the catalog contents.
func (c *Catalog) Update(l config.Limits) {
	tools := make(map[string]Tool, len(l.Tools))
	disabled := make(map[string]struct{})
	for name, tc := range l.Tools {
		if !tc.Enabled {
			disabled[name] = struct{}{}
			continue
		}
		limits := make(map[domain.Tier]int, len(tc.PerTier))
		for tier, n := range tc.PerTier {
			limits[tier] = n
		}
		tools[name] = Tool{
			Name:        name,
			Description: tc.Description,
			Weight:      tc.Weight,
			Window:      tc.Window,
			Limits:      limits,
		}
	}

	c.mu.Lock()
	c.tools = tools
	c.disabled = disabled
	c.mu.Unlock()
}

// Enabled reports whether name is offered.
func (c *Catalog) Enabled(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tools[name]
	return ok
}

// Disabled reports whether name is configured but switched off. Tools the catalog has
// never heard of are not disabled.
func (c *Catalog) Disabled(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.disabled[name]
	return ok
}

// Names returns the sorted names of enabled tools.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns enabled tools sorted by name.
func (c *Catalog) List() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Interaction is a client action aimed at a running tool, such as scrolling a browser.
type Interaction struct {
	SessionID string
	UserID    string
	ToolName  string
	Action    string
	Data      json.RawMessage
}

// Interactor forwards interactions to the tool subsystem. The result is relayed to the
// client verbatim; so is the error text.
type Interactor interface {
	Interact(ctx context.Context, in Interaction) (json.RawMessage, error)
}
