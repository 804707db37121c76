// SPDX-License-Identifier: MIT

package rules

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLooselyEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"int vs float", 5, 5.0, true},
		{"numeric string", "300", 300, true},
		{"float jitter", 2.0004, 2.0, true},
		{"bool vs number", true, 1, true},
		{"case insensitive", "Game", "game", true},
		{"different numbers", 1, 2, false},
		{"different strings", "break", "game", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, looselyEqual(tc.a, tc.b))
		})
	}
}

func TestConditionComparisons(t *testing.T) {
	data := map[string]any{
		"game_time":  120.0,
		"break_time": 0.0,
		"team1":      "Red Dynasty",
		"game_state": "Game",
	}
	hist := NewHistory()
	now := time.Now()

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"greater match", Condition{Field: "game_time", Operator: OpGreater, Value: 60}, true},
		{"greater miss", Condition{Field: "game_time", Operator: OpGreater, Value: 120}, false},
		{"greater equal boundary", Condition{Field: "game_time", Operator: OpGreaterEqual, Value: 120}, true},
		{"less match", Condition{Field: "break_time", Operator: OpLess, Value: 1}, true},
		{"less equal boundary", Condition{Field: "game_time", Operator: OpLessEqual, Value: 120}, true},
		{"equals numeric", Condition{Field: "break_time", Operator: OpEquals, Value: 0}, true},
		{"equals string", Condition{Field: "game_state", Operator: OpEquals, Value: "game"}, true},
		{"not equals", Condition{Field: "game_state", Operator: OpNotEquals, Value: "Break"}, true},
		{"contains", Condition{Field: "team1", Operator: OpContains, Value: "dynasty"}, true},
		{"contains miss", Condition{Field: "team1", Operator: OpContains, Value: "impact"}, false},
		{"in match", Condition{Field: "game_time", Operator: OpIn, Value: []any{60, 120, 300}}, true},
		{"in miss", Condition{Field: "game_time", Operator: OpIn, Value: []any{60, 300}}, false},
		{"missing field never matches", Condition{Field: "nope", Operator: OpEquals, Value: 0}, false},
		{"non numeric comparison", Condition{Field: "team1", Operator: OpGreater, Value: 5}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cond.evaluate(data, hist, now))
		})
	}
}

func TestConditionRegex(t *testing.T) {
	data := map[string]any{"team1": "San Diego Dynasty"}
	hist := NewHistory()

	cond := Condition{Field: "team1", Operator: OpRegex, Value: "^San", re: regexp.MustCompile("^San")}
	assert.True(t, cond.evaluate(data, hist, time.Now()))

	// A regex condition without a compiled pattern never matches.
	bare := Condition{Field: "team1", Operator: OpRegex, Value: "^San"}
	assert.False(t, bare.evaluate(data, hist, time.Now()))
}

func TestHistoryChanged(t *testing.T) {
	hist := NewHistory()
	now := time.Now()

	cond := Condition{Field: "game_state", Operator: OpChanged}

	// A single observation is not a transition.
	hist.Observe(map[string]any{"game_state": "Break"}, now)
	assert.False(t, cond.evaluate(nil, hist, now))

	hist.Observe(map[string]any{"game_state": "Break"}, now.Add(time.Second))
	assert.False(t, cond.evaluate(nil, hist, now))

	hist.Observe(map[string]any{"game_state": "Game"}, now.Add(2*time.Second))
	assert.True(t, cond.evaluate(nil, hist, now))
}

func TestHistoryChangedFromValue(t *testing.T) {
	hist := NewHistory()
	now := time.Now()
	hist.Observe(map[string]any{"break_time": 10.0}, now)
	hist.Observe(map[string]any{"break_time": 0.0}, now.Add(time.Second))

	fromBreak := Condition{Field: "break_time", Operator: OpChanged, FromValue: 10}
	assert.True(t, fromBreak.evaluate(nil, hist, now))

	fromOther := Condition{Field: "break_time", Operator: OpChanged, FromValue: 5}
	assert.False(t, fromOther.evaluate(nil, hist, now))
}

func TestHistoryStableFor(t *testing.T) {
	hist := NewHistory()
	start := time.Now()
	for i := 0; i < 5; i++ {
		hist.Observe(map[string]any{"current_scene": "game"}, start.Add(time.Duration(i)*time.Second))
	}
	now := start.Add(4 * time.Second)

	cond := Condition{Field: "current_scene", Operator: OpStableFor, Value: 3.0}
	assert.True(t, cond.evaluate(nil, hist, now))

	tooLong := Condition{Field: "current_scene", Operator: OpStableFor, Value: 10.0}
	assert.False(t, tooLong.evaluate(nil, hist, now))
}

func TestHistoryStableForResetsOnChange(t *testing.T) {
	hist := NewHistory()
	start := time.Now()
	hist.Observe(map[string]any{"current_scene": "break"}, start)
	hist.Observe(map[string]any{"current_scene": "game"}, start.Add(10*time.Second))
	hist.Observe(map[string]any{"current_scene": "game"}, start.Add(12*time.Second))
	now := start.Add(12 * time.Second)

	cond := Condition{Field: "current_scene", Operator: OpStableFor, Value: 5.0}
	assert.False(t, cond.evaluate(nil, hist, now))

	short := Condition{Field: "current_scene", Operator: OpStableFor, Value: 2.0}
	assert.True(t, short.evaluate(nil, hist, now))
}

func TestHistoryIsBounded(t *testing.T) {
	hist := NewHistory()
	now := time.Now()
	for i := 0; i < historyCapacity*2; i++ {
		hist.Observe(map[string]any{"game_time": float64(i)}, now.Add(time.Duration(i)*time.Second))
	}
	assert.Len(t, hist.fields["game_time"], historyCapacity)
}
