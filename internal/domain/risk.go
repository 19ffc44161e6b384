package domain

// RiskLevel buckets a 0-100 risk score for reporting. The ledger
// blocks only at RiskHigh; Medium and Low pass through.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// UserTier determines the per-transaction ceiling used by the amount
// risk factor. Tiers are resolved by the caller; user-profile storage
// lives outside the ledger core.
type UserTier string

const (
	TierStandard UserTier = "STANDARD"
	TierPremium  UserTier = "PREMIUM"
	TierBusiness UserTier = "BUSINESS"
	TierAdmin    UserTier = "ADMIN"
)

// TierCeilings maps each tier to its per-transaction ceiling in the
// base currency.
var TierCeilings = map[UserTier]float64{
	TierStandard: 5_000,
	TierPremium:  20_000,
	TierBusiness: 50_000,
	TierAdmin:    100_000,
}

// Ceiling returns the per-transaction ceiling for a tier, defaulting
// to the STANDARD ceiling for unknown tiers.
func (t UserTier) Ceiling() float64 {
	if c, ok := TierCeilings[t]; ok {
		return c
	}
	return TierCeilings[TierStandard]
}

// RiskAssessment is the result of scoring a single transaction
// attempt. It is computed fresh per attempt and not persisted as its
// own record; the ledger stores only the resulting status transition.
type RiskAssessment struct {
	Score   int       `json:"score"`   // 0-100, additive
	Level   RiskLevel `json:"level"`
	Factors []string  `json:"factors"` // human-readable contributing reasons
}

// RiskRule is a deployment-specific scoring rule expressed as a CEL
// expression over the transaction context. When the expression
// evaluates to true, Score is added to the assessment.
type RiskRule struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Score      int    `json:"score"`
	Enabled    bool   `json:"enabled"`
}
