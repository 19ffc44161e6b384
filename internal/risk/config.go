// Package risk implements real-time fraud risk scoring for the ledger.
//
// Every transaction attempt is scored 0-100 by four additive factors
// (amount, velocity, location, device) plus an optional CEL rule
// overlay. The ledger blocks only HIGH-level results; MEDIUM and LOW
// pass through and exist for reporting.
package risk

import (
	"time"

	"github.com/opensource-finance/kite/internal/domain"
)

// Config holds every scoring threshold in one place so the engine and
// the ledger cannot drift apart. All values are per-deployment
// tunables; the zero value is unusable, start from DefaultConfig.
type Config struct {
	// Amount factor
	AboveAverageMultiplier float64 // amount > multiplier * historical average
	AboveAverageScore      int
	OverCeilingScore       int // amount exceeds the tier ceiling

	// Velocity factor, both counters share one window
	VelocityWindow          time.Duration
	VelocityCountThreshold  int64
	VelocityCountScore      int
	VelocityAmountThreshold float64
	VelocityAmountScore     int

	// Location factor (scored only when location context is supplied)
	NewCountryScore      int
	HighRiskCountryScore int
	HighRiskCountries    map[string]bool

	// Device factor (scored only when device context is supplied)
	NewDeviceScore       int
	SuspiciousAgentScore int

	// ObservationTTL bounds how long known countries/devices are
	// remembered per user.
	ObservationTTL time.Duration

	// Level buckets for reporting. The ledger's preventive gate fires
	// at HighThreshold only.
	MediumThreshold int
	HighThreshold   int
}

// DefaultConfig returns the standard scoring configuration.
func DefaultConfig() Config {
	return Config{
		AboveAverageMultiplier: 3,
		AboveAverageScore:      20,
		OverCeilingScore:       30,

		VelocityWindow:          time.Hour,
		VelocityCountThreshold:  10,
		VelocityCountScore:      25,
		VelocityAmountThreshold: 10_000,
		VelocityAmountScore:     30,

		NewCountryScore:      20,
		HighRiskCountryScore: 25,
		HighRiskCountries:    map[string]bool{},

		NewDeviceScore:       15,
		SuspiciousAgentScore: 20,

		ObservationTTL: 180 * 24 * time.Hour,

		MediumThreshold: 60,
		HighThreshold:   80,
	}
}

// Level buckets a score using the configured thresholds.
func (c Config) Level(score int) domain.RiskLevel {
	switch {
	case score >= c.HighThreshold:
		return domain.RiskHigh
	case score >= c.MediumThreshold:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}
