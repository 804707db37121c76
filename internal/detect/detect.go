// SPDX-License-Identifier: MIT

// Package detect turns jittery countdown-timer samples into a stable
// discrete game state with start-edge and pause detection.
package detect

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/roclive/roc/internal/log"
	"github.com/roclive/roc/internal/metrics"
	"github.com/roclive/roc/internal/telemetry"
)

// State is the discrete game state derived from the two countdown timers.
type State string

const (
	StateIntermission State = "intermission"
	StateBreak        State = "break"
	StateGame         State = "game"
)

// Result is the detector output for one polling cycle.
type Result struct {
	State State
	// StartEdge marks the beginning of active play. It fires exactly once
	// per genuine game start and is suppressed while the game is paused.
	StartEdge bool
	// Paused is set after several byte-identical consecutive samples.
	Paused bool
	// Resumed is set on the first differing sample after a pause.
	Resumed bool
}

// Config tunes the start-edge heuristics.
type Config struct {
	// LargeJumpSeconds: an increase of the game timer beyond this threshold
	// versus the prior sample counts as a new game.
	LargeJumpSeconds int
	// CanonicalStarts are typical match lengths; landing on one while the
	// timer increased counts as a new game.
	CanonicalStarts []int
	// LongGameJumpSeconds / LongGameFloor: any increase above the jump with
	// the timer beyond the floor counts as a new game (longer formats).
	LongGameJumpSeconds int
	LongGameFloor       int
	// PauseThreshold is the number of identical consecutive samples after
	// which the game is considered paused.
	PauseThreshold int
}

// DefaultConfig matches the timing heuristics of tournament scoreboards.
func DefaultConfig() Config {
	return Config{
		LargeJumpSeconds:    60,
		CanonicalStarts:     []int{300, 600, 720},
		LongGameJumpSeconds: 10,
		LongGameFloor:       200,
		PauseThreshold:      3,
	}
}

// Detector owns its rolling detection context exclusively. It is created
// once at startup and fed one snapshot per poll; it is not safe for
// concurrent use and is not meant to be shared.
type Detector struct {
	cfg    Config
	logger zerolog.Logger

	haveSample bool
	prevBreak  int
	prevGame   int
	prevState  State

	pauseCount     int
	paused         bool
	lastTransition time.Time
}

// New returns a detector in the intermission state.
func New(cfg Config) *Detector {
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = 3
	}
	return &Detector{
		cfg:       cfg,
		logger:    log.WithComponent("detect"),
		prevState: StateIntermission,
	}
}

// State returns the state determined by the most recent sample.
func (d *Detector) State() State {
	return d.prevState
}

// Paused reports whether the game currently looks paused.
func (d *Detector) Paused() bool {
	return d.paused
}

// Process consumes the next snapshot and returns the detection result.
func (d *Detector) Process(snap telemetry.Snapshot) Result {
	breakSec := snap.BreakSeconds
	gameSec := snap.GameSeconds

	// Pause detection runs on the raw samples before anything else so a
	// frozen scoreboard cannot fabricate state churn.
	var res Result
	if d.haveSample && breakSec == d.prevBreak && gameSec == d.prevGame {
		d.pauseCount++
	} else {
		if d.paused {
			res.Resumed = true
			d.logger.Info().Str("event", "detect.game_resumed").Msg("game resumed")
		}
		d.pauseCount = 0
		d.paused = false
	}
	if !d.paused && d.pauseCount >= d.cfg.PauseThreshold {
		d.paused = true
		d.logger.Info().
			Str("event", "detect.game_paused").
			Int("identical_samples", d.pauseCount).
			Msg("game pause detected")
	}
	res.Paused = d.paused

	// A countdown timer is active when it is positive and did not increase
	// since the previous sample.
	breakActive := breakSec > 0 && (!d.haveSample || breakSec <= d.prevBreak)
	gameActive := gameSec > 0 && (!d.haveSample || gameSec <= d.prevGame)

	newGameStart := d.detectNewGame(gameSec)
	instantStart := d.haveSample && d.prevBreak > 0 && breakSec == 0 && gameSec > 0

	state := StateIntermission
	switch {
	case breakActive:
		state = StateBreak
	case gameActive || newGameStart || instantStart:
		// A freshly reset game timer increases and therefore fails the
		// monotonic check; a detected start still means active play.
		state = StateGame
	}

	// The discrete transition into Game only counts when the immediately
	// prior cycle was Break or Intermission.
	transitionStart := state == StateGame &&
		(d.prevState == StateBreak || d.prevState == StateIntermission)

	startEdge := (newGameStart || instantStart || transitionStart) && state == StateGame

	if d.paused {
		startEdge = false
	}
	res.StartEdge = startEdge
	res.State = state

	if startEdge {
		metrics.RecordStartEdge()
		d.logger.Info().
			Str("event", "detect.start_edge").
			Int("game_seconds", gameSec).
			Int("break_seconds", breakSec).
			Bool("instant", instantStart).
			Msg("game start detected")
	}
	if state != d.prevState {
		metrics.RecordGameStateTransition(string(d.prevState), string(state))
		d.logger.Info().
			Str("event", "detect.state_changed").
			Str("from", string(d.prevState)).
			Str("to", string(state)).
			Int("break_seconds", breakSec).
			Int("game_seconds", gameSec).
			Msg("game state changed")
		d.lastTransition = snap.CapturedAt
	}

	d.prevBreak = breakSec
	d.prevGame = gameSec
	d.prevState = state
	d.haveSample = true

	return res
}

// detectNewGame applies the timer-jump heuristics against the prior sample.
func (d *Detector) detectNewGame(gameSec int) bool {
	if !d.haveSample {
		return false
	}
	diff := gameSec - d.prevGame
	if diff > d.cfg.LargeJumpSeconds {
		return true
	}
	if diff > 0 {
		for _, start := range d.cfg.CanonicalStarts {
			if gameSec == start {
				return true
			}
		}
	}
	if diff > d.cfg.LongGameJumpSeconds && gameSec > d.cfg.LongGameFloor {
		return true
	}
	return false
}
