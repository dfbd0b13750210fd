// Package ratelimit is the gateway's sole arbiter of whether an action is permitted.
//
// Four independent dimensions are tracked per user: a live connection gauge, a
// fixed message window, one fixed window per tool, and a sliding burst window.
// Ceilings come from a tier-keyed Policy.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/ashureev/agentgate/internal/config"
	"github.com/ashureev/agentgate/internal/domain"
)

// Dimension names a rate-limit policy.
type Dimension string

const (
	DimensionConnections Dimension = "connections"
	DimensionMessages    Dimension = "messages"
	DimensionTool        Dimension = "tool"
	DimensionBurst       Dimension = "burst"
)

// TierLimits are the ceilings for one tier.
type TierLimits struct {
	MaxConnections    int
	MessagesPerWindow int
	MessageWindow     time.Duration
	BurstSize         int
	BurstWindow       time.Duration
}

// ToolLimits is the usage window for one tool. A tier absent from PerTier is unlimited.
type ToolLimits struct {
	Window  time.Duration
	PerTier map[domain.Tier]int
}

// Policy is the full ceiling table.
type Policy struct {
	Tiers map[domain.Tier]TierLimits
	Tools map[string]ToolLimits
}

// PolicyFromLimits converts configured limits into a Policy.
func PolicyFromLimits(l config.Limits) Policy {
	p := Policy{
		Tiers: make(map[domain.Tier]TierLimits, len(l.Tiers)),
		Tools: make(map[string]ToolLimits, len(l.Tools)),
	}
	for tier, tl := range l.Tiers {
		p.Tiers[tier] = TierLimits{
			MaxConnections:    tl.MaxConnections,
			MessagesPerWindow: tl.MessagesPerWindow,
			MessageWindow:     tl.MessageWindow.Std(),
			BurstSize:         tl.BurstSize,
			BurstWindow:       tl.BurstWindow.Std(),
		}
	}
	for name, tc := range l.Tools {
		perTier := make(map[domain.Tier]int, len(tc.PerTier))
		for tier, n := range tc.PerTier {
			perTier[tier] = n
		}
		p.Tools[name] = ToolLimits{Window: tc.Window.Std(), PerTier: perTier}
	}
	return p
}

// tier returns the limits for t, falling back to the free tier for unknown tiers.
func (p Policy) tier(t domain.Tier) TierLimits {
	if tl, ok := p.Tiers[t]; ok {
		return tl
	}
	return p.Tiers[domain.TierFree]
}

// Rejection is returned when an action exceeds a ceiling.
type Rejection struct {
	Dimension  Dimension
	Tool       string
	Limit      int
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	if r.Tool != "" {
		return fmt.Sprintf("%s limit for %s exceeded (%d), retry in %s", r.Dimension, r.Tool, r.Limit, r.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("%s limit exceeded (%d), retry in %s", r.Dimension, r.Limit, r.RetryAfter.Round(time.Second))
}

// Is lets callers match rejections against the domain taxonomy.
func (r *Rejection) Is(target error) bool {
	if r.Dimension == DimensionConnections {
		return target == domain.ErrConnectionLimitExceeded
	}
	return target == domain.ErrRateLimitExceeded
}

// UserMessage is the text shown to the client for this rejection.
func (r *Rejection) UserMessage() string {
	switch r.Dimension {
	case DimensionBurst:
		return "You're sending messages too quickly. Please slow down."
	case DimensionMessages:
		return fmt.Sprintf("Message limit reached (%d per window). Try again in %s.", r.Limit, r.RetryAfter.Round(time.Second))
	case DimensionTool:
		return fmt.Sprintf("The %s tool has reached its usage limit. Try again in %s.", r.Tool, r.RetryAfter.Round(time.Second))
	default:
		return "Too many open connections for your plan."
	}
}
