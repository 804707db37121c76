// SPDX-License-Identifier: MIT

// Package rules implements the priority-based, hot-reloadable rule engine
// that selects at most one scene action program per telemetry cycle.
package rules

import (
	"fmt"
	"regexp"
	"time"

	"github.com/roclive/roc/internal/actions"
)

// Operator is the closed set of condition operators. Unknown operators are
// rejected at load time so a typo cannot become a silent no-op.
type Operator string

const (
	OpEquals       Operator = "=="
	OpNotEquals    Operator = "!="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpContains     Operator = "contains"
	OpRegex        Operator = "regex"
	OpIn           Operator = "in"
	OpChanged      Operator = "changed"
	OpStableFor    Operator = "stable_for"
)

var validOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true,
	OpGreater: true, OpGreaterEqual: true,
	OpLess: true, OpLessEqual: true,
	OpContains: true, OpRegex: true, OpIn: true,
	OpChanged: true, OpStableFor: true,
}

// Condition compares one snapshot field against a value.
type Condition struct {
	Field    Field
	Operator Operator
	Value    any
	// FromValue is the prior value for the "changed" operator; nil means
	// any change matches.
	FromValue any

	// re is compiled once at load time for the regex operator.
	re *regexp.Regexp
}

// Rule is one named, prioritized condition -> action mapping. Rules are
// immutable once loaded; the whole set is replaced atomically on reload.
type Rule struct {
	Name        string
	Description string
	Priority    int
	Conditions  []Condition
	Actions     []actions.Spec

	// MinDuration gates selection on time since the last scene change;
	// MaxDuration, when positive, force-selects the rule after that long
	// without a change regardless of its conditions.
	MinDuration time.Duration
	MaxDuration time.Duration
	// Cooldown is the minimum time between executions of this rule.
	Cooldown time.Duration

	Enabled bool
}

// Field names a snapshot or derived field a condition can reference.
type Field = string

// Well-known fields of the enhanced snapshot handed to Evaluate.
const (
	FieldTeam1           Field = "team1"
	FieldTeam2           Field = "team2"
	FieldBreakTime       Field = "break_time"
	FieldGameTime        Field = "game_time"
	FieldGameState       Field = "game_state"
	FieldGameJustStarted Field = "game_just_started"
	FieldPaused          Field = "paused"
	FieldCurrentScene    Field = "current_scene"
	FieldTimeInScene     Field = "time_in_current_scene"
)

// GlobalSettings carries document-wide knobs. They are informational for
// the engine except MinSceneDuration, which acts as a floor for rule
// MinDuration values of zero.
type GlobalSettings struct {
	MinSceneDuration time.Duration
}

// Set is an immutable, ordered collection of rules plus its settings.
// Declaration order is the priority tiebreak and must be preserved.
type Set struct {
	Rules    []Rule
	Settings GlobalSettings
	// Version is the document's self-declared version string.
	Version string
}

// validate checks a parsed rule for load-time errors and compiles regex
// conditions.
func (r *Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name must not be empty")
	}
	if r.MinDuration < 0 || r.MaxDuration < 0 || r.Cooldown < 0 {
		return fmt.Errorf("rule %q: durations must not be negative", r.Name)
	}
	for i := range r.Conditions {
		cond := &r.Conditions[i]
		if cond.Field == "" {
			return fmt.Errorf("rule %q condition %d: field must not be empty", r.Name, i)
		}
		if !validOperators[cond.Operator] {
			return fmt.Errorf("rule %q condition %d: unknown operator %q", r.Name, i, cond.Operator)
		}
		if cond.Operator == OpRegex {
			pattern, ok := cond.Value.(string)
			if !ok {
				return fmt.Errorf("rule %q condition %d: regex value must be a string", r.Name, i)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("rule %q condition %d: invalid regex: %w", r.Name, i, err)
			}
			cond.re = re
		}
		if cond.Operator == OpIn {
			if _, ok := cond.Value.([]any); !ok {
				return fmt.Errorf("rule %q condition %d: in value must be a list", r.Name, i)
			}
		}
		if cond.Operator == OpStableFor {
			if _, err := toFloat(cond.Value); err != nil {
				return fmt.Errorf("rule %q condition %d: stable_for value must be seconds", r.Name, i)
			}
		}
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %q: at least one action is required", r.Name)
	}
	for i, spec := range r.Actions {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("rule %q action %d: %w", r.Name, i, err)
		}
	}
	return nil
}
