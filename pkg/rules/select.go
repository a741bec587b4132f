package rules

import (
	"log/slog"
	"sort"
	"time"

	"github.com/wattrules/wattrules/pkg/types"
)

// Match is the winning rule from a selection pass.
type Match struct {
	Rule       types.Rule
	Conditions []types.ConditionResult
	Incomplete bool
}

// SelectMatch iterates the enabled rules in priority order (lower priority
// value first, ties kept in original order) and returns the first rule whose
// conditions all hold. Rules still inside their cooldown window are skipped
// without evaluation. Rules after the winner are not evaluated but are still
// recorded for diagnostics. A nil match is a normal outcome.
func SelectMatch(ruleSet []types.Rule, snap types.Snapshot, cooldowns map[string]types.CooldownRecord, now time.Time) (*Match, []types.EvaluatedRule) {
	ordered := make([]types.Rule, 0, len(ruleSet))
	for _, r := range ruleSet {
		if r.Enabled {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	var match *Match
	evaluated := make([]types.EvaluatedRule, 0, len(ordered))
	for _, r := range ordered {
		er := types.EvaluatedRule{
			RuleID:   r.ID,
			RuleName: r.Name,
			Priority: r.Priority,
		}

		if match != nil {
			er.Outcome = types.RuleOutcomeNotEvaluated
			evaluated = append(evaluated, er)
			continue
		}

		if cd, ok := cooldowns[r.ID]; ok && !cd.Eligible(now) {
			er.Outcome = types.RuleOutcomeCooldown
			evaluated = append(evaluated, er)
			continue
		}

		ev := Evaluate(r.Conditions, snap)
		er.Conditions = ev.Conditions
		er.Incomplete = ev.Incomplete
		if ev.AllMet {
			er.Outcome = types.RuleOutcomeMatched
			match = &Match{Rule: r, Conditions: ev.Conditions, Incomplete: ev.Incomplete}
		} else {
			er.Outcome = types.RuleOutcomeNotMet
		}
		evaluated = append(evaluated, er)
	}

	return match, evaluated
}

// LogValue lets a match be attached to structured logs directly.
func (m *Match) LogValue() slog.Value {
	if m == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("ruleID", m.Rule.ID),
		slog.String("ruleName", m.Rule.Name),
		slog.Int("priority", m.Rule.Priority),
		slog.Bool("incomplete", m.Incomplete),
	)
}
