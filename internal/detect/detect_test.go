// SPDX-License-Identifier: MIT

package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roclive/roc/internal/telemetry"
)

func snap(breakSec, gameSec int) telemetry.Snapshot {
	return telemetry.Snapshot{
		Team1:        "ironmen",
		Team2:        "dynasty",
		BreakSeconds: breakSec,
		GameSeconds:  gameSec,
		CapturedAt:   time.Now(),
	}
}

func TestIntermissionThenGameStart(t *testing.T) {
	d := New(DefaultConfig())

	// Break timer winding down, no game yet.
	res := d.Process(snap(12, 0))
	assert.Equal(t, StateBreak, res.State)
	assert.False(t, res.StartEdge)

	// Break expired, nothing running.
	res = d.Process(snap(0, 0))
	assert.Equal(t, StateIntermission, res.State)
	assert.False(t, res.StartEdge)

	// Game timer appears at a canonical start value.
	res = d.Process(snap(0, 305))
	assert.Equal(t, StateGame, res.State)
	assert.True(t, res.StartEdge)
}

func TestStartEdgeFiresExactlyOnce(t *testing.T) {
	d := New(DefaultConfig())

	d.Process(snap(0, 0))
	res := d.Process(snap(0, 305))
	require.True(t, res.StartEdge)

	// Replaying the same snapshot must not re-fire the edge.
	res = d.Process(snap(0, 305))
	assert.False(t, res.StartEdge)
	assert.Equal(t, StateGame, res.State)

	// Countdown in progress, still no edge.
	res = d.Process(snap(0, 304))
	assert.False(t, res.StartEdge)
	assert.Equal(t, StateGame, res.State)
}

func TestCanonicalStartValue(t *testing.T) {
	d := New(DefaultConfig())

	d.Process(snap(0, 280))
	// Timer increased onto a canonical match length.
	res := d.Process(snap(0, 300))
	assert.True(t, res.StartEdge)
	assert.Equal(t, StateGame, res.State)
}

func TestInstantStart(t *testing.T) {
	d := New(DefaultConfig())

	d.Process(snap(8, 0))
	// Break hits exactly zero while the game timer is already positive.
	res := d.Process(snap(0, 30))
	assert.True(t, res.StartEdge)
	assert.Equal(t, StateGame, res.State)
}

func TestBreakToGameTransitionEdge(t *testing.T) {
	d := New(DefaultConfig())

	d.Process(snap(0, 290))
	d.Process(snap(0, 289)) // game running
	d.Process(snap(10, 0))  // break
	res := d.Process(snap(0, 288))
	assert.Equal(t, StateGame, res.State)
	assert.True(t, res.StartEdge, "discrete Break->Game transition is a start edge")
}

func TestPauseDetection(t *testing.T) {
	d := New(DefaultConfig())

	d.Process(snap(0, 200))
	d.Process(snap(0, 199))

	// Three identical samples mark the game paused.
	var res Result
	for i := 0; i < 3; i++ {
		res = d.Process(snap(0, 199))
	}
	assert.True(t, res.Paused)

	// Pause persists across further identical samples.
	res = d.Process(snap(0, 199))
	assert.True(t, res.Paused)

	// A differing sample resumes.
	res = d.Process(snap(0, 198))
	assert.False(t, res.Paused)
	assert.True(t, res.Resumed)
}

func TestPauseSuppressesStartEdge(t *testing.T) {
	d := New(DefaultConfig())

	d.Process(snap(0, 50))
	for i := 0; i < 4; i++ {
		d.Process(snap(0, 50))
	}
	require.True(t, d.Paused())

	// A large jump while paused keeps the edge suppressed; the jump
	// itself un-freezes the pause counter on the next differing sample.
	res := d.Process(snap(0, 50))
	assert.True(t, res.Paused)
	assert.False(t, res.StartEdge)
}

func TestLongGameJump(t *testing.T) {
	d := New(DefaultConfig())

	d.Process(snap(0, 250))
	// +15s on a timer beyond the long-game floor counts as a new game.
	res := d.Process(snap(0, 265))
	assert.True(t, res.StartEdge)
}

func TestNoEdgeOnSmallIncrease(t *testing.T) {
	d := New(DefaultConfig())

	d.Process(snap(0, 50))
	// Small clock jitter upward, not near a canonical start: treated as
	// an inactive timer, not a new game.
	res := d.Process(snap(0, 53))
	assert.False(t, res.StartEdge)
	assert.Equal(t, StateIntermission, res.State)
}

func TestZeroTimersAreIntermission(t *testing.T) {
	d := New(DefaultConfig())
	res := d.Process(snap(0, 0))
	assert.Equal(t, StateIntermission, res.State)
	assert.False(t, res.StartEdge)
}
