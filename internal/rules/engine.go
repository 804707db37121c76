// SPDX-License-Identifier: MIT

package rules

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roclive/roc/internal/actions"
	"github.com/roclive/roc/internal/log"
	"github.com/roclive/roc/internal/metrics"
)

// Metrics tracks per-rule execution counters. Entries survive rule-set
// reloads, keyed by rule name.
type Metrics struct {
	RuleName       string        `json:"rule_name"`
	Executions     int64         `json:"executions"`
	Successes      int64         `json:"successes"`
	Failures       int64         `json:"failures"`
	LastExecuted   time.Time     `json:"last_executed"`
	TotalLatency   time.Duration `json:"total_latency"`
	AverageLatency time.Duration `json:"average_latency"`
}

// SceneState exposes the executor-owned scene facts the engine needs for
// min/max duration gating.
type SceneState interface {
	CurrentScene() string
	LastChange() time.Time
}

// Launcher starts an action program, superseding any in-flight one.
type Launcher interface {
	Launch(ctx context.Context, specs []actions.Spec) <-chan error
}

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock substitutes the engine's time source, for tests.
func WithClock(c clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithExecutionHook registers a callback invoked when a rule's action
// program completes (used for audit recording).
func WithExecutionHook(fn func(rule string, err error, elapsed time.Duration)) EngineOption {
	return func(e *Engine) { e.onExecuted = fn }
}

// Engine evaluates the active rule set once per telemetry cycle and fires
// at most one rule. The rule set is replaced atomically as a whole; an
// evaluation in progress never observes a partial update.
type Engine struct {
	scene      SceneState
	launcher   Launcher
	clock      clock
	logger     zerolog.Logger
	onExecuted func(string, error, time.Duration)

	mu      sync.RWMutex
	set     *Set
	metrics map[string]*Metrics
	history *History
}

// NewEngine builds an engine with an empty rule set.
func NewEngine(scene SceneState, launcher Launcher, opts ...EngineOption) *Engine {
	e := &Engine{
		scene:    scene,
		launcher: launcher,
		clock:    realClock{},
		logger:   log.WithComponent("rules"),
		set:      &Set{},
		metrics:  make(map[string]*Metrics),
		history:  NewHistory(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReplaceSet atomically swaps the active rule set. Metrics of rules that
// persist across the swap are retained by name.
func (e *Engine) ReplaceSet(set *Set) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.set = set
	for _, rule := range set.Rules {
		if _, ok := e.metrics[rule.Name]; !ok {
			e.metrics[rule.Name] = &Metrics{RuleName: rule.Name}
		}
	}
	e.logger.Info().
		Str("event", "rules.set_replaced").
		Int("rules", len(set.Rules)).
		Str("version", set.Version).
		Msg("active rule set replaced")
}

// ActiveSet returns the currently active set.
func (e *Engine) ActiveSet() *Set {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.set
}

// RuleMetrics returns a snapshot of all per-rule counters.
func (e *Engine) RuleMetrics() []Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Metrics, 0, len(e.metrics))
	for _, rule := range e.set.Rules {
		if m, ok := e.metrics[rule.Name]; ok {
			out = append(out, *m)
		}
	}
	return out
}

// Evaluate records the snapshot into history and selects at most one rule.
// Selection is deterministic: the enabled candidate with the highest
// priority wins and declaration order breaks ties.
func (e *Engine) Evaluate(data map[string]any) *Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	e.history.Observe(data, now)

	var selected *Rule
	for i := range e.set.Rules {
		rule := &e.set.Rules[i]
		if !e.candidate(rule, data, now) {
			continue
		}
		if selected == nil || rule.Priority > selected.Priority {
			selected = rule
		}
	}
	return selected
}

// candidate applies the selection gates: enabled, cooldown elapsed,
// minDuration respected, then either the maxDuration staleness override
// or all conditions true.
func (e *Engine) candidate(rule *Rule, data map[string]any, now time.Time) bool {
	if !rule.Enabled {
		return false
	}

	if m := e.metrics[rule.Name]; m != nil && !m.LastExecuted.IsZero() {
		if now.Sub(m.LastExecuted) < rule.Cooldown {
			return false
		}
	}

	minDuration := rule.MinDuration
	if minDuration == 0 {
		minDuration = e.set.Settings.MinSceneDuration
	}
	lastChange := e.scene.LastChange()
	if !lastChange.IsZero() {
		sinceChange := now.Sub(lastChange)
		if sinceChange < minDuration {
			return false
		}
		// Staleness override: past maxDuration the rule fires regardless
		// of its conditions.
		if rule.MaxDuration > 0 && sinceChange > rule.MaxDuration {
			return true
		}
	}

	for i := range rule.Conditions {
		if !rule.Conditions[i].evaluate(data, e.history, now) {
			return false
		}
	}
	return true
}

// Execute launches the rule's action program. The program runs off the
// polling loop; its completion updates the rule's metrics. A failure is
// confined to the rule and never stops the next cycle.
func (e *Engine) Execute(ctx context.Context, rule *Rule) {
	started := e.clock.Now()

	e.mu.Lock()
	m := e.metrics[rule.Name]
	if m == nil {
		m = &Metrics{RuleName: rule.Name}
		e.metrics[rule.Name] = m
	}
	m.Executions++
	m.LastExecuted = started
	e.mu.Unlock()

	e.logger.Info().
		Str("event", "rules.rule_selected").
		Str("rule", rule.Name).
		Int("priority", rule.Priority).
		Msg("executing scene rule")

	done := e.launcher.Launch(ctx, rule.Actions)
	name := rule.Name
	go func() {
		err := <-done
		elapsed := e.clock.Now().Sub(started)

		e.mu.Lock()
		if m := e.metrics[name]; m != nil {
			m.TotalLatency += elapsed
			if err != nil {
				m.Failures++
			} else {
				m.Successes++
			}
			if m.Executions > 0 {
				m.AverageLatency = m.TotalLatency / time.Duration(m.Executions)
			}
		}
		e.mu.Unlock()

		result := "ok"
		if err != nil {
			result = "error"
			if errors.Is(err, context.Canceled) {
				result = "superseded"
			}
		}
		metrics.RecordRuleExecution(name, result, elapsed)
		if e.onExecuted != nil {
			e.onExecuted(name, err, elapsed)
		}
	}()
}
