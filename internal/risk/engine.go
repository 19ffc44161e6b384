package risk

import (
	"context"
	"fmt"
	"regexp"

	"github.com/opensource-finance/kite/internal/domain"
)

// Engine scores transaction attempts. Pure with respect to its inputs
// except for reads and window increments against the counter store.
type Engine struct {
	cfg      Config
	counters domain.CounterStore
	store    domain.LedgerStore

	rules *ruleSet // CEL overlay, may be empty
}

// Context carries everything needed to score one transaction attempt.
// Amount is the absolute transaction amount. Country, DeviceID and
// UserAgent are optional; their factors are skipped when absent.
type Context struct {
	UserID    string
	Type      domain.TransactionType
	Amount    float64
	Currency  string
	Tier      domain.UserTier
	Country   string
	DeviceID  string
	UserAgent string
	Metadata  map[string]any
}

// suspiciousAgent matches automation signatures in user-agent strings.
var suspiciousAgent = regexp.MustCompile(`(?i)(bot|crawler|spider|headless|phantomjs|selenium|puppeteer|curl|wget|python-requests)`)

// NewEngine creates a new risk scoring engine.
func NewEngine(cfg Config, counters domain.CounterStore, store domain.LedgerStore) (*Engine, error) {
	rules, err := newRuleSet()
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		counters: counters,
		store:    store,
		rules:    rules,
	}, nil
}

// Assess computes the risk score for a transaction attempt. The score
// is the sum of independent factor contributions, so adding a
// qualifying factor can only raise it.
//
// Store errors propagate: risk scoring fails closed, the caller must
// not move money on an incomplete assessment.
func (e *Engine) Assess(ctx context.Context, in *Context) (*domain.RiskAssessment, error) {
	assessment := &domain.RiskAssessment{}

	// Velocity counters are bumped exactly once per attempt; the
	// resulting window values feed both the velocity factor and the
	// rule overlay.
	velocityCount, err := e.counters.Increment(ctx, "risk:velocity:count:"+in.UserID, e.cfg.VelocityWindow)
	if err != nil {
		return nil, fmt.Errorf("%w: velocity counter: %v", domain.ErrStoreUnavailable, err)
	}
	velocityTotal, err := e.counters.IncrementBy(ctx, "risk:velocity:amount:"+in.UserID, in.Amount, e.cfg.VelocityWindow)
	if err != nil {
		return nil, fmt.Errorf("%w: velocity total: %v", domain.ErrStoreUnavailable, err)
	}

	if err := e.amountRisk(ctx, in, assessment); err != nil {
		return nil, err
	}
	e.velocityRisk(velocityCount, velocityTotal, assessment)
	if err := e.locationRisk(ctx, in, assessment); err != nil {
		return nil, err
	}
	if err := e.deviceRisk(ctx, in, assessment); err != nil {
		return nil, err
	}

	e.rules.apply(in, velocityCount, assessment)

	if assessment.Score > 100 {
		assessment.Score = 100
	}
	assessment.Level = e.cfg.Level(assessment.Score)

	return assessment, nil
}

// amountRisk scores unusually large amounts: relative to the user's
// own history, and against the tier ceiling.
func (e *Engine) amountRisk(ctx context.Context, in *Context, a *domain.RiskAssessment) error {
	avg, err := e.store.AverageTransactionAmount(ctx, in.UserID)
	if err != nil {
		return fmt.Errorf("%w: average amount: %v", domain.ErrStoreUnavailable, err)
	}

	if avg > 0 && in.Amount > avg*e.cfg.AboveAverageMultiplier {
		a.Score += e.cfg.AboveAverageScore
		a.Factors = append(a.Factors,
			fmt.Sprintf("amount %.2f exceeds %.0fx historical average %.2f",
				in.Amount, e.cfg.AboveAverageMultiplier, avg))
	}

	if ceiling := in.Tier.Ceiling(); in.Amount > ceiling {
		a.Score += e.cfg.OverCeilingScore
		a.Factors = append(a.Factors,
			fmt.Sprintf("amount %.2f exceeds %s tier ceiling %.0f", in.Amount, in.Tier, ceiling))
	}

	return nil
}

// velocityRisk scores transaction frequency and cumulative amount
// within the velocity window.
func (e *Engine) velocityRisk(count int64, total float64, a *domain.RiskAssessment) {
	if count > e.cfg.VelocityCountThreshold {
		a.Score += e.cfg.VelocityCountScore
		a.Factors = append(a.Factors,
			fmt.Sprintf("%d transactions within %s", count, e.cfg.VelocityWindow))
	}

	if total > e.cfg.VelocityAmountThreshold {
		a.Score += e.cfg.VelocityAmountScore
		a.Factors = append(a.Factors,
			fmt.Sprintf("cumulative amount %.2f exceeds %.0f within %s",
				total, e.cfg.VelocityAmountThreshold, e.cfg.VelocityWindow))
	}
}

// locationRisk scores unfamiliar and high-risk countries. Skipped
// entirely when no location context was supplied.
func (e *Engine) locationRisk(ctx context.Context, in *Context, a *domain.RiskAssessment) error {
	if in.Country == "" {
		return nil
	}

	seen, err := e.counters.Observe(ctx, "risk:countries:"+in.UserID, in.Country, e.cfg.ObservationTTL)
	if err != nil {
		return fmt.Errorf("%w: country observation: %v", domain.ErrStoreUnavailable, err)
	}
	if !seen {
		a.Score += e.cfg.NewCountryScore
		a.Factors = append(a.Factors, fmt.Sprintf("first transaction from country %s", in.Country))
	}

	if e.cfg.HighRiskCountries[in.Country] {
		a.Score += e.cfg.HighRiskCountryScore
		a.Factors = append(a.Factors, fmt.Sprintf("country %s is on the high-risk list", in.Country))
	}

	return nil
}

// deviceRisk scores unknown devices and automation user-agents.
// Skipped entirely when no device context was supplied.
func (e *Engine) deviceRisk(ctx context.Context, in *Context, a *domain.RiskAssessment) error {
	if in.DeviceID == "" && in.UserAgent == "" {
		return nil
	}

	if in.DeviceID != "" {
		seen, err := e.counters.Observe(ctx, "risk:devices:"+in.UserID, in.DeviceID, e.cfg.ObservationTTL)
		if err != nil {
			return fmt.Errorf("%w: device observation: %v", domain.ErrStoreUnavailable, err)
		}
		if !seen {
			a.Score += e.cfg.NewDeviceScore
			a.Factors = append(a.Factors, "unrecognized device")
		}
	}

	if in.UserAgent != "" && suspiciousAgent.MatchString(in.UserAgent) {
		a.Score += e.cfg.SuspiciousAgentScore
		a.Factors = append(a.Factors, "suspicious user agent")
	}

	return nil
}

// LoadRules compiles and loads deployment-specific CEL rules.
func (e *Engine) LoadRules(rules []*domain.RiskRule) error {
	return e.rules.load(rules)
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.RiskRule) error {
	return e.rules.validate(rule)
}

// ReloadRules replaces all loaded rules.
func (e *Engine) ReloadRules(rules []*domain.RiskRule) error {
	return e.rules.reload(rules)
}

// RulesCount returns the number of loaded overlay rules.
func (e *Engine) RulesCount() int {
	return e.rules.count()
}
