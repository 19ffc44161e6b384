package domain

import "time"

// PatternType identifies an AML behavioral signature.
type PatternType string

const (
	PatternRapidTransactions      PatternType = "RAPID_TRANSACTIONS"
	PatternInstantTopupWithdrawal PatternType = "INSTANT_TOPUP_WITHDRAWAL"
	PatternMultipleRecipients     PatternType = "MULTIPLE_RECIPIENTS"
	PatternSmallTransactions      PatternType = "SMALL_TRANSACTIONS"
)

// SuspiciousPattern is produced by the AML monitor per evaluation
// call. Patterns are not persisted directly; they feed the alert
// manager, which decides whether an Alert materializes.
type SuspiciousPattern struct {
	Type        PatternType `json:"type"`
	Description string      `json:"description"`
	Severity    RiskLevel   `json:"severity"`
}

// Alert is a persisted compliance alert. Created only when a
// pattern's occurrence count reaches its configured threshold and the
// (user, pattern type) pair is not in cooldown. Alerts persist until
// explicitly cleared by an operator.
type Alert struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Pattern   SuspiciousPattern `json:"pattern"`
	Timestamp time.Time         `json:"timestamp"`
	Details   string            `json:"details,omitempty"`
}

// AlertPolicy configures alert creation for one pattern type.
type AlertPolicy struct {
	Severity            RiskLevel
	OccurrenceThreshold int64
	Cooldown            time.Duration
}

// DefaultAlertPolicies returns the per-pattern alert configuration.
// Thresholds above 1 intentionally trade completeness for
// alert-fatigue avoidance: a burst of repeated detections collapses
// into one alert per cooldown window.
func DefaultAlertPolicies() map[PatternType]AlertPolicy {
	return map[PatternType]AlertPolicy{
		PatternRapidTransactions:      {Severity: RiskMedium, OccurrenceThreshold: 3, Cooldown: 30 * time.Minute},
		PatternInstantTopupWithdrawal: {Severity: RiskHigh, OccurrenceThreshold: 1, Cooldown: time.Hour},
		PatternMultipleRecipients:     {Severity: RiskHigh, OccurrenceThreshold: 2, Cooldown: time.Hour},
		PatternSmallTransactions:      {Severity: RiskMedium, OccurrenceThreshold: 3, Cooldown: 30 * time.Minute},
	}
}
