// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roclive/roc/internal/actions"
	"github.com/roclive/roc/internal/config"
	"github.com/roclive/roc/internal/rules"
)

// Every logical scene the shipped rules can dispatch must have a scene-map
// entry, or OBS receives the raw logical name as the scene identifier.
func TestShippedConfigTranslatesRuleScenes(t *testing.T) {
	cfg, err := config.Load("../../configs/config.yaml")
	require.NoError(t, err)

	doc, err := os.ReadFile("../../configs/rules.yaml")
	require.NoError(t, err)
	set, err := rules.Parse(doc)
	require.NoError(t, err)

	for _, rule := range set.Rules {
		for _, spec := range rule.Actions {
			assertScenesMapped(t, rule.Name, cfg.OBS.Scenes, spec)
		}
	}
}

func assertScenesMapped(t *testing.T, rule string, scenes map[string]string, spec actions.Spec) {
	t.Helper()
	switch spec.Type {
	case actions.KindSwitchScene:
		assert.Contains(t, scenes, spec.Scene, "rule %q switches to unmapped scene", rule)
	case actions.KindBreakoutSequence:
		assert.Contains(t, scenes, "breakout", "rule %q needs the breakout scene", rule)
		assert.Contains(t, scenes, "game", "rule %q needs the game scene", rule)
		for _, cam := range spec.Cameras {
			assert.Contains(t, scenes, "camera_"+cam, "rule %q cycles unmapped camera %q", rule, cam)
		}
	case actions.KindCameraRotation:
		for _, cam := range spec.Cameras {
			assert.Contains(t, scenes, "camera_"+cam, "rule %q rotates unmapped camera %q", rule, cam)
		}
		if spec.ReturnScene != "" {
			assert.Contains(t, scenes, spec.ReturnScene, "rule %q returns to unmapped scene", rule)
		}
	case actions.KindSequence, actions.KindParallel:
		for _, sub := range spec.Actions {
			assertScenesMapped(t, rule, scenes, sub)
		}
	}
}

// The shipped camera ids and the scene map must agree so every supervised
// camera can appear in a rotation.
func TestShippedCamerasHaveSceneEntries(t *testing.T) {
	cfg, err := config.Load("../../configs/config.yaml")
	require.NoError(t, err)

	for _, cam := range cfg.Cameras {
		assert.Contains(t, cfg.OBS.Scenes, "camera_"+cam.ID, "camera %q has no scene entry", cam.ID)
	}
}
