package risk

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kite/internal/domain"
)

// ruleSet holds the compiled CEL rule overlay. Rules let operators add
// deployment-specific score contributions without a code change, e.g.
// `tx_type == "WITHDRAWAL" && amount > 50000.0`.
type ruleSet struct {
	mu    sync.RWMutex
	env   *cel.Env
	rules map[string]*compiledRule
}

type compiledRule struct {
	rule    *domain.RiskRule
	program cel.Program
}

func newRuleSet() (*ruleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("user_agent", cel.StringType),
		cel.Variable("velocity_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &ruleSet{
		env:   env,
		rules: make(map[string]*compiledRule),
	}, nil
}

// apply evaluates every enabled rule against the attempt and adds the
// score of each rule whose expression is true. Rule evaluation errors
// are logged and skipped; a broken overlay rule must not take the
// built-in factors down with it.
func (rs *ruleSet) apply(in *Context, velocityCount int64, a *domain.RiskAssessment) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if len(rs.rules) == 0 {
		return
	}

	activation := map[string]any{
		"amount":         in.Amount,
		"currency":       in.Currency,
		"tx_type":        string(in.Type),
		"tier":           string(in.Tier),
		"country":        in.Country,
		"device_id":      in.DeviceID,
		"user_agent":     in.UserAgent,
		"velocity_count": velocityCount,
	}

	for _, cr := range rs.rules {
		out, _, err := cr.program.Eval(activation)
		if err != nil {
			slog.Error("risk rule evaluation failed",
				"rule_id", cr.rule.ID,
				"error", err,
			)
			continue
		}
		if matched, ok := out.(types.Bool); ok && bool(matched) {
			a.Score += cr.rule.Score
			a.Factors = append(a.Factors, "rule: "+cr.rule.Name)
		}
	}
}

func (rs *ruleSet) load(rules []*domain.RiskRule) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := rs.compile(rule)
		if err != nil {
			return err
		}
		rs.rules[rule.ID] = compiled
	}
	return nil
}

func (rs *ruleSet) validate(rule *domain.RiskRule) error {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	_, err := rs.compile(rule)
	return err
}

func (rs *ruleSet) reload(rules []*domain.RiskRule) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	next := make(map[string]*compiledRule)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := rs.compile(rule)
		if err != nil {
			return err
		}
		next[rule.ID] = compiled
	}

	rs.rules = next
	return nil
}

func (rs *ruleSet) count() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

func (rs *ruleSet) compile(rule *domain.RiskRule) (*compiledRule, error) {
	if rule == nil {
		return nil, fmt.Errorf("rule is required")
	}

	ast, issues := rs.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := rs.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &compiledRule{rule: rule, program: program}, nil
}
