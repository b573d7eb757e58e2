package ratelimit

import "strings"

// Tier identifies a rate limit tier derived from the caller's role
type Tier string

const (
	TierFree     Tier = "free"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
	TierAdmin    Tier = "admin"
	TierInternal Tier = "internal" // Internal services bypass limits
)

// TierConfig fixes the limits for one tier. Sustained rates are enforced
// by sliding windows, bursts by the token bucket.
type TierConfig struct {
	PerMinute  int
	PerHour    int
	BurstSize  int
	RefillRate float64 // Tokens per second
}

var tierConfigs = map[Tier]TierConfig{
	TierFree:     {PerMinute: 10, PerHour: 100, BurstSize: 5, RefillRate: 0.16},
	TierStandard: {PerMinute: 60, PerHour: 1000, BurstSize: 20, RefillRate: 1.0},
	TierPremium:  {PerMinute: 120, PerHour: 5000, BurstSize: 50, RefillRate: 2.0},
	TierAdmin:    {PerMinute: 300, PerHour: 10000, BurstSize: 100, RefillRate: 5.0},
	TierInternal: {PerMinute: 999999, PerHour: 999999, BurstSize: 999999, RefillRate: 999999},
}

// ConfigForTier returns the limit configuration for a tier
func ConfigForTier(tier Tier) TierConfig {
	if cfg, ok := tierConfigs[tier]; ok {
		return cfg
	}
	return tierConfigs[TierFree]
}

var roleToTier = map[string]Tier{
	"admin":          TierAdmin,
	"coordinator":    TierPremium,
	"faculty":        TierPremium,
	"resident":       TierStandard,
	"clinical_staff": TierStandard,
	"rn":             TierStandard,
	"lpn":            TierStandard,
	"msa":            TierStandard,
	"internal":       TierInternal,
}

// TierForRole maps a user role to its tier. Unknown and empty roles get
// the free tier.
func TierForRole(role string) Tier {
	if tier, ok := roleToTier[strings.ToLower(role)]; ok {
		return tier
	}
	return TierFree
}

// EndpointLimit overrides caps for a specific endpoint. Zero fields keep
// the tier value. A trailing "*" in Endpoint matches by prefix.
type EndpointLimit struct {
	Endpoint  string
	PerMinute int
	PerHour   int
	BurstSize int
}

// Expensive operations get tighter limits than any tier default
var endpointLimits = []EndpointLimit{
	{Endpoint: "/api/schedule/generate", PerMinute: 2, PerHour: 20, BurstSize: 1},
	{Endpoint: "/api/analytics/complex", PerMinute: 5, PerHour: 50, BurstSize: 2},
	{Endpoint: "/api/auth/login", PerMinute: 5, PerHour: 20, BurstSize: 3},
	{Endpoint: "/api/auth/register", PerMinute: 3, PerHour: 10, BurstSize: 2},
}

// EndpointLimitFor returns the endpoint override, exact match first, then
// trailing-star prefix patterns
func EndpointLimitFor(endpoint string) (EndpointLimit, bool) {
	for _, limit := range endpointLimits {
		if limit.Endpoint == endpoint {
			return limit, true
		}
	}
	for _, limit := range endpointLimits {
		if strings.HasSuffix(limit.Endpoint, "*") &&
			strings.HasPrefix(endpoint, strings.TrimSuffix(limit.Endpoint, "*")) {
			return limit, true
		}
	}
	return EndpointLimit{}, false
}

// apply merges an endpoint override into a tier config
func (e EndpointLimit) apply(cfg TierConfig) TierConfig {
	if e.PerMinute > 0 {
		cfg.PerMinute = e.PerMinute
	}
	if e.PerHour > 0 {
		cfg.PerHour = e.PerHour
	}
	if e.BurstSize > 0 {
		cfg.BurstSize = e.BurstSize
	}
	return cfg
}
