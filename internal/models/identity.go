package models

import (
	"fmt"
	"strings"
)

// Tier is the trust tier a caller has been resolved to.
type Tier string

const (
	TierGuest    Tier = "guest"
	TierCustomer Tier = "customer"
	TierPremium  Tier = "premium"
	TierAdmin    Tier = "admin"
)

// Tiers lists every recognised tier in ascending trust order.
var Tiers = []Tier{TierGuest, TierCustomer, TierPremium, TierAdmin}

// ParseTier maps a raw tier label onto a Tier.
func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierGuest, "":
		return TierGuest, nil
	case TierCustomer:
		return TierCustomer, nil
	case TierPremium:
		return TierPremium, nil
	case TierAdmin:
		return TierAdmin, nil
	default:
		return "", fmt.Errorf("unknown tier %q", raw)
	}
}

// ServiceKey names the capability being invoked.
type ServiceKey string

const (
	ServiceRecommendations   ServiceKey = "recommendations"
	ServiceChat              ServiceKey = "chat"
	ServiceVisualSearch      ServiceKey = "visual_search"
	ServiceContentGeneration ServiceKey = "content_generation"
	ServiceFraudAnalysis     ServiceKey = "fraud_analysis"
)

// CallerIdentity describes an already-authenticated caller. An empty ID with
// TierGuest is keyed by ClientIP instead.
type CallerIdentity struct {
	ID       string
	Tier     Tier
	ClientIP string
}

// Anonymous reports whether the identity has no stable id.
func (c CallerIdentity) Anonymous() bool {
	return c.ID == ""
}

// EffectiveTier is the tier limits apply to: anonymous callers and callers
// without a tier are guests.
func (c CallerIdentity) EffectiveTier() Tier {
	if c.Anonymous() || c.Tier == "" {
		return TierGuest
	}
	return c.Tier
}

// CallerKey builds the quota key for the identity on a service.
func (c CallerIdentity) CallerKey(service ServiceKey) string {
	if c.Anonymous() {
		return fmt.Sprintf("%s:%s:%s", service, TierGuest, c.ClientIP)
	}
	return fmt.Sprintf("%s:%s:%s", service, c.EffectiveTier(), c.ID)
}
