// Package classify implements the tri-state classification engine. Rules are
// a closed set of tagged comparison operations over named context signals,
// not freeform expressions.
package classify

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/intake-pipeline/internal/model"
)

// Operator identifies a comparison operation in a rule condition.
type Operator string

const (
	OpEq     Operator = "eq"
	OpNeq    Operator = "neq"
	OpGt     Operator = "gt"
	OpGte    Operator = "gte"
	OpLt     Operator = "lt"
	OpLte    Operator = "lte"
	OpIn     Operator = "in"
	OpExists Operator = "exists"
	OpAbsent Operator = "absent"
)

// Condition is a single boolean test against a named signal. An absent
// signal makes the condition false (except for OpAbsent).
type Condition struct {
	Signal string   `yaml:"signal" json:"signal"`
	Op     Operator `yaml:"op" json:"op"`
	Value  any      `yaml:"value,omitempty" json:"value,omitempty"`
	Values []any    `yaml:"values,omitempty" json:"values,omitempty"`
}

// Rule is a named conjunction of conditions. A rule matches when every
// condition holds.
type Rule struct {
	Name string      `yaml:"name" json:"name"`
	When []Condition `yaml:"when" json:"when"`
}

// RuleSets holds the ordered rules for each flag tier.
type RuleSets struct {
	Red    []Rule `yaml:"red" json:"red"`
	Yellow []Rule `yaml:"yellow" json:"yellow"`
	Green  []Rule `yaml:"green" json:"green"`
}

// Result records which rule (if any) decided the flag.
type Result struct {
	Flag        model.ClassificationFlag `json:"flag"`
	MatchedRule string                   `json:"matched_rule,omitempty"`
	// Defaulted is true when no rule in any tier matched.
	Defaulted bool `json:"defaulted"`
}

// Engine evaluates rule sets against a processing context.
type Engine struct{}

// NewEngine creates a classification engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate classifies the context. Red rules are evaluated first and win
// outright; then Yellow, then Green, first match per tier. If nothing
// matches the submission defaults to Yellow so ambiguous data routes to
// manual review. A prior Red verdict is never relaxed.
func (e *Engine) Evaluate(rules RuleSets, pctx *model.ProcessingContext, prior model.ClassificationFlag) Result {
	if prior == model.FlagRed {
		return Result{Flag: model.FlagRed, MatchedRule: "prior_red"}
	}

	tiers := []struct {
		flag  model.ClassificationFlag
		rules []Rule
	}{
		{model.FlagRed, rules.Red},
		{model.FlagYellow, rules.Yellow},
		{model.FlagGreen, rules.Green},
	}

	for _, tier := range tiers {
		for _, rule := range tier.rules {
			if ruleMatches(rule, pctx) {
				// Re-evaluation may only tighten: keep the prior flag if it
				// was stricter than this tier's.
				flag := tier.flag
				if prior != "" && prior.StricterThan(flag) {
					flag = prior
				}
				zap.L().Debug("classify: rule matched",
					zap.String("rule", rule.Name),
					zap.String("flag", string(flag)),
				)
				return Result{Flag: flag, MatchedRule: rule.Name}
			}
		}
	}

	flag := model.FlagYellow
	if prior != "" && prior.StricterThan(flag) {
		flag = prior
	}
	return Result{Flag: flag, Defaulted: true}
}

func ruleMatches(rule Rule, pctx *model.ProcessingContext) bool {
	if len(rule.When) == 0 {
		return false
	}
	for _, cond := range rule.When {
		if !evalCondition(cond, pctx) {
			return false
		}
	}
	return true
}

func evalCondition(cond Condition, pctx *model.ProcessingContext) bool {
	val, ok := pctx.Signal(cond.Signal)

	switch cond.Op {
	case OpExists:
		return ok
	case OpAbsent:
		return !ok
	}

	// Signal absent is condition false for every comparison.
	if !ok {
		return false
	}

	switch cond.Op {
	case OpEq:
		return looseEqual(val, cond.Value)
	case OpNeq:
		return !looseEqual(val, cond.Value)
	case OpIn:
		for _, candidate := range cond.Values {
			if looseEqual(val, candidate) {
				return true
			}
		}
		return false
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat(val)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	default:
		return false
	}
}

// looseEqual compares signal values across the narrow set of types signals
// carry: strings, numbers, and bools. Numbers compare numerically regardless
// of concrete type.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if ab, aok := a.(bool); aok {
		bb, bok := b.(bool)
		return bok && ab == bb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}

// ValidOperator reports whether op is one of the closed operator set.
func ValidOperator(op Operator) bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpExists, OpAbsent:
		return true
	default:
		return false
	}
}
