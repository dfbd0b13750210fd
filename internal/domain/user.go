// Package domain contains core domain types for the agent gateway.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a subscription level that selects which rate-limit ceilings apply.
type Tier string

const (
	// TierFree is the default tier for unknown or anonymous users.
	TierFree Tier = "free"
	// TierStandard is the paid entry tier.
	TierStandard Tier = "standard"
	// TierPremium has the most generous ceilings.
	TierPremium Tier = "premium"
)

// Tiers lists every known tier in ascending order.
var Tiers = []Tier{TierFree, TierStandard, TierPremium}

// ParseTier normalizes s into a known tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TierFree, TierStandard, TierPremium:
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, err := ParseTier(string(t))
	return err == nil
}

// User is a directory entry resolved by the identity collaborator.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Tier       Tier      `json:"tier"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Principal is an authenticated caller.
type Principal struct {
	UserID string
	Tier   Tier
}
