// SPDX-License-Identifier: MIT

package rules

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roclive/roc/internal/actions"
)

// The document layer mirrors the declarative rule schema:
// {meta, global_settings, rules: [...]}. Durations are plain seconds there,
// matching how operators author the file.

type document struct {
	Meta           documentMeta      `yaml:"meta"`
	GlobalSettings globalSettingsDoc `yaml:"global_settings"`
	Rules          []ruleDoc         `yaml:"rules"`
}

type documentMeta struct {
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
}

type globalSettingsDoc struct {
	MinSceneDuration float64 `yaml:"min_scene_duration"`
}

type conditionDoc struct {
	Field     string `yaml:"field"`
	Operator  string `yaml:"operator"`
	Value     any    `yaml:"value"`
	FromValue any    `yaml:"from_value"`
}

type actionDoc struct {
	Type              string      `yaml:"type"`
	Scene             string      `yaml:"scene"`
	Duration          float64     `yaml:"duration"`
	Actions           []actionDoc `yaml:"actions"`
	Cameras           []string    `yaml:"cameras"`
	DurationPerCamera float64     `yaml:"duration_per_camera"`
	ReturnToScene     string      `yaml:"return_to_scene"`
}

type ruleDoc struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Priority    int            `yaml:"priority"`
	Conditions  []conditionDoc `yaml:"conditions"`
	Actions     []actionDoc    `yaml:"actions"`
	MinDuration float64        `yaml:"min_duration"`
	MaxDuration float64        `yaml:"max_duration"`
	Cooldown    float64        `yaml:"cooldown"`
	Enabled     *bool          `yaml:"enabled"`
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Loader parses and validates rule documents from a file.
type Loader struct {
	Path string
}

// Load reads the rule document, validates it fully and returns the
// resulting set. Any error leaves the caller's active set untouched;
// declaration order of rules is preserved for deterministic tiebreaks.
func (l *Loader) Load() (*Set, error) {
	data, err := os.ReadFile(l.Path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

// Parse validates a rule document from raw bytes.
func Parse(data []byte) (*Set, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules document: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("rules document declares no rules")
	}

	set := &Set{
		Rules: make([]Rule, 0, len(doc.Rules)),
		Settings: GlobalSettings{
			MinSceneDuration: seconds(doc.GlobalSettings.MinSceneDuration),
		},
		Version: doc.Meta.Version,
	}

	names := make(map[string]bool, len(doc.Rules))
	for i, rd := range doc.Rules {
		rule, err := convertRule(rd)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if names[rule.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", rule.Name)
		}
		names[rule.Name] = true
		set.Rules = append(set.Rules, rule)
	}
	return set, nil
}

func convertRule(rd ruleDoc) (Rule, error) {
	rule := Rule{
		Name:        rd.Name,
		Description: rd.Description,
		Priority:    rd.Priority,
		MinDuration: seconds(rd.MinDuration),
		MaxDuration: seconds(rd.MaxDuration),
		Cooldown:    seconds(rd.Cooldown),
		Enabled:     rd.Enabled == nil || *rd.Enabled,
	}
	for _, cd := range rd.Conditions {
		rule.Conditions = append(rule.Conditions, Condition{
			Field:     cd.Field,
			Operator:  Operator(cd.Operator),
			Value:     cd.Value,
			FromValue: cd.FromValue,
		})
	}
	for _, ad := range rd.Actions {
		spec, err := convertAction(ad)
		if err != nil {
			return Rule{}, err
		}
		rule.Actions = append(rule.Actions, spec)
	}
	if err := rule.validate(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

func convertAction(ad actionDoc) (actions.Spec, error) {
	spec := actions.Spec{
		Type:              actions.Kind(ad.Type),
		Scene:             ad.Scene,
		Duration:          seconds(ad.Duration),
		Cameras:           ad.Cameras,
		PerCameraDuration: seconds(ad.DurationPerCamera),
		ReturnScene:       ad.ReturnToScene,
	}
	for _, sub := range ad.Actions {
		converted, err := convertAction(sub)
		if err != nil {
			return actions.Spec{}, err
		}
		spec.Actions = append(spec.Actions, converted)
	}
	return spec, nil
}
