// Package rules implements the rule evaluation engine for CoachPipe.
//
// The engine resolves placeholders against the variable store, evaluates the
// arithmetic micro-language on both sides of a rule, applies the comparison
// operator, and optionally stores the computed value back to a named
// variable. Failures are isolated per rule: a malformed expression yields a
// non-matching result with an error message, never a panic or an aborted sweep.
package rules

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/BTreeMap/CoachPipe/internal/clock"
	"github.com/BTreeMap/CoachPipe/internal/expr"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// placeholderRegex matches variable placeholders of the form $name.
var placeholderRegex = regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_]*`)

// SweepPolicy configures forest traversal.
type SweepPolicy struct {
	// GateChildren, when true, evaluates a rule's sub-rules only if the rule
	// matched. When false the whole forest is evaluated and only message
	// sending is gated by the match result.
	GateChildren bool
}

// TriggeredGroup records one rule that matched with message sending enabled,
// in evaluation order.
type TriggeredGroup struct {
	RuleID         string
	MessageGroupID string
}

// Engine evaluates rules for participants.
type Engine struct {
	store  store.Store
	clock  clock.Clock
	policy SweepPolicy
}

// NewEngine creates a rule evaluation engine.
func NewEngine(st store.Store, clk clock.Clock, policy SweepPolicy) *Engine {
	return &Engine{store: st, clock: clk, policy: policy}
}

// ResolvePlaceholders replaces every $name token in text with the
// participant's current value of that variable. Unresolved placeholders
// resolve to the empty string.
func (e *Engine) ResolvePlaceholders(participantID, text string) string {
	return placeholderRegex.ReplaceAllStringFunc(text, func(token string) string {
		name := token[1:]
		v, err := e.store.GetVariable(participantID, name)
		if err != nil {
			slog.Error("Engine placeholder lookup failed", "error", err, "participantID", participantID, "name", name)
			return ""
		}
		if v == nil {
			slog.Debug("Engine placeholder unresolved", "participantID", participantID, "name", name)
			return ""
		}
		return v.Value
	})
}

// Evaluate resolves and evaluates one rule for one participant. The result is
// a fresh value; evaluation is pure given the rule and the variable snapshot.
// Errors are reported through the result, never raised to the caller.
func (e *Engine) Evaluate(ctx context.Context, rule models.Rule, participantID string) models.RuleEvaluationResult {
	resolvedRule := e.ResolvePlaceholders(participantID, rule.RuleText)
	resolvedCompare := e.ResolvePlaceholders(participantID, rule.CompareText)

	var res models.RuleEvaluationResult
	switch {
	case models.IsCalculatedOp(rule.CompareOp):
		res.Success = true
		res.TextRuleValue = resolvedRule
		res.TextCompareValue = resolvedCompare
		res.MatchesOperator = rule.CompareOp == models.CompareCalculatedTrue
		// The rule side is still evaluated so its value can be stored.
		if v, err := expr.Evaluate(resolvedRule); err == nil {
			res.RuleValue = v
		}

	case models.IsTextOp(rule.CompareOp):
		res.Success = true
		res.TextRuleValue = resolvedRule
		res.TextCompareValue = resolvedCompare
		if rule.CompareOp == models.CompareTextEqual {
			res.MatchesOperator = resolvedRule == resolvedCompare
		} else {
			res.MatchesOperator = resolvedRule != resolvedCompare
		}

	case models.IsNumericOp(rule.CompareOp):
		ruleValue, err := expr.Evaluate(resolvedRule)
		if err != nil {
			res.ErrorMessage = "rule expression: " + err.Error()
			slog.Debug("Engine Evaluate rule expression failed", "ruleID", rule.ID, "participantID", participantID, "error", err)
			return res
		}
		compareValue, err := expr.Evaluate(resolvedCompare)
		if err != nil {
			res.ErrorMessage = "comparison expression: " + err.Error()
			slog.Debug("Engine Evaluate comparison expression failed", "ruleID", rule.ID, "participantID", participantID, "error", err)
			return res
		}
		res.Success = true
		res.RuleValue = ruleValue
		res.CompareValue = compareValue
		switch rule.CompareOp {
		case models.CompareLess:
			res.MatchesOperator = ruleValue < compareValue
		case models.CompareLessOrEqual:
			res.MatchesOperator = ruleValue <= compareValue
		case models.CompareEqual:
			res.MatchesOperator = ruleValue == compareValue
		case models.CompareGreaterOrEqual:
			res.MatchesOperator = ruleValue >= compareValue
		case models.CompareGreater:
			res.MatchesOperator = ruleValue > compareValue
		}

	default:
		res.ErrorMessage = "unsupported comparison operator: " + string(rule.CompareOp)
		slog.Error("Engine Evaluate unsupported operator", "ruleID", rule.ID, "op", rule.CompareOp)
		return res
	}

	if rule.StoreValueToVariable != "" && res.Success {
		value := res.TextRuleValue
		if models.IsNumericOp(rule.CompareOp) {
			value = expr.Format(res.RuleValue)
		}
		if err := e.store.SetVariable(participantID, rule.StoreValueToVariable, value, e.clock.Now()); err != nil {
			slog.Error("Engine Evaluate store-back failed", "error", err, "ruleID", rule.ID,
				"participantID", participantID, "variable", rule.StoreValueToVariable)
		} else {
			slog.Debug("Engine Evaluate stored result", "ruleID", rule.ID, "participantID", participantID,
				"variable", rule.StoreValueToVariable, "value", value)
		}
	}

	return res
}

// SweepForest evaluates a rule forest for one participant in pre-order,
// siblings by ascending Order, and returns the triggered message groups in
// evaluation order. Per-rule failures are logged and the sweep continues with
// the next sibling.
func (e *Engine) SweepForest(ctx context.Context, forest *Forest, participantID string) []TriggeredGroup {
	var triggered []TriggeredGroup
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, node := range nodes {
			res := e.Evaluate(ctx, node.Rule, participantID)
			if !res.Success {
				slog.Warn("Engine SweepForest rule failed", "ruleID", node.Rule.ID,
					"participantID", participantID, "error", res.ErrorMessage)
			}
			if res.MatchesOperator && node.Rule.SendMessageIfTrue {
				triggered = append(triggered, TriggeredGroup{
					RuleID:         node.Rule.ID,
					MessageGroupID: node.Rule.MessageGroupID,
				})
			}
			if e.policy.GateChildren && !res.MatchesOperator {
				continue
			}
			walk(node.Children)
		}
	}
	walk(forest.Roots)
	slog.Debug("Engine SweepForest completed", "participantID", participantID, "triggered", len(triggered))
	return triggered
}

// LoadForest builds the forest from the stored flat rule records.
func (e *Engine) LoadForest() (*Forest, error) {
	rules, err := e.store.ListRules()
	if err != nil {
		slog.Error("Engine LoadForest failed", "error", err)
		return nil, err
	}
	return BuildForest(rules), nil
}
