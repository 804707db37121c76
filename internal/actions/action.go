// SPDX-License-Identifier: MIT

// Package actions interprets rule action programs against the production
// tool's control channel: scene switches, delays, sequences, parallel
// groups, breakout sequences and camera rotations.
package actions

import (
	"fmt"
	"time"
)

// Kind is the closed set of action variants. Free-form script actions are
// deliberately not part of the vocabulary.
type Kind string

const (
	KindSwitchScene      Kind = "switch_scene"
	KindDelay            Kind = "delay"
	KindSequence         Kind = "sequence"
	KindParallel         Kind = "parallel"
	KindBreakoutSequence Kind = "breakout_sequence"
	KindCameraRotation   Kind = "camera_rotation"
)

// Spec is one declarative action inside a rule. Which fields apply
// depends on Type.
type Spec struct {
	Type Kind `yaml:"type" json:"type"`

	// switch_scene
	Scene string `yaml:"scene,omitempty" json:"scene,omitempty"`

	// delay, breakout_sequence (total duration)
	Duration time.Duration `yaml:"duration,omitempty" json:"duration,omitempty"`

	// sequence, parallel
	Actions []Spec `yaml:"actions,omitempty" json:"actions,omitempty"`

	// breakout_sequence, camera_rotation
	Cameras []string `yaml:"cameras,omitempty" json:"cameras,omitempty"`

	// camera_rotation
	PerCameraDuration time.Duration `yaml:"duration_per_camera,omitempty" json:"duration_per_camera,omitempty"`
	ReturnScene       string        `yaml:"return_to_scene,omitempty" json:"return_to_scene,omitempty"`
}

// Validate rejects malformed specs at load time so a typo in a rule
// document cannot become a silent no-op at runtime.
func (s Spec) Validate() error {
	switch s.Type {
	case KindSwitchScene:
		if s.Scene == "" {
			return fmt.Errorf("switch_scene requires a scene name")
		}
	case KindDelay:
		if s.Duration <= 0 {
			return fmt.Errorf("delay requires a positive duration")
		}
	case KindSequence, KindParallel:
		if len(s.Actions) == 0 {
			return fmt.Errorf("%s requires at least one sub-action", s.Type)
		}
		for i, sub := range s.Actions {
			if err := sub.Validate(); err != nil {
				return fmt.Errorf("%s action %d: %w", s.Type, i, err)
			}
		}
	case KindBreakoutSequence:
		if s.Duration < 0 {
			return fmt.Errorf("breakout_sequence duration must not be negative")
		}
	case KindCameraRotation:
		if len(s.Cameras) == 0 {
			return fmt.Errorf("camera_rotation requires at least one camera")
		}
		if s.PerCameraDuration <= 0 {
			return fmt.Errorf("camera_rotation requires a positive duration_per_camera")
		}
	case "":
		return fmt.Errorf("action type must not be empty")
	default:
		return fmt.Errorf("unknown action type %q", s.Type)
	}
	return nil
}
