// SPDX-License-Identifier: MIT

// Package app runs the orchestration loop: poll telemetry, detect the
// game state, evaluate rules, dispatch actions.
package app

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roclive/roc/internal/actions"
	"github.com/roclive/roc/internal/config"
	"github.com/roclive/roc/internal/detect"
	"github.com/roclive/roc/internal/log"
	"github.com/roclive/roc/internal/rules"
	"github.com/roclive/roc/internal/telemetry"
)

const (
	// fastPollBreakWindow: when the break timer is about to expire the
	// loop tightens so the game-start switch lands with minimal delay.
	fastPollBreakWindow = 5

	healthSummaryEvery = time.Minute
)

// Controller drives the per-cycle pipeline. The detector output strictly
// precedes rule evaluation, which strictly precedes action dispatch.
type Controller struct {
	cfg      config.Config
	source   telemetry.Source
	detector *detect.Detector
	engine   *rules.Engine
	executor *actions.Executor
	logger   zerolog.Logger

	mu         sync.Mutex
	lastSample time.Time
	lastResult detect.Result
	lastSnap   telemetry.Snapshot
	cycles     uint64
	noData     bool
	pausedByOp bool
}

// NewController wires the control loop.
func NewController(cfg config.Config, source telemetry.Source, detector *detect.Detector, engine *rules.Engine, executor *actions.Executor) *Controller {
	return &Controller{
		cfg:      cfg,
		source:   source,
		detector: detector,
		engine:   engine,
		executor: executor,
		logger:   log.WithComponent("controller"),
	}
}

// Run polls until ctx is cancelled. The interval adapts: the fast
// interval applies when a game start is imminent or telemetry dropped
// out.
func (c *Controller) Run(ctx context.Context) error {
	summary := time.NewTicker(healthSummaryEvery)
	defer summary.Stop()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-summary.C:
			c.logSummary()
		case <-timer.C:
			c.Cycle(ctx)
			timer.Reset(c.nextInterval())
		}
	}
}

// Cycle executes one poll-detect-evaluate-dispatch pass. Exported so
// tests can drive the controller without real time.
func (c *Controller) Cycle(ctx context.Context) {
	c.mu.Lock()
	c.cycles++
	c.mu.Unlock()

	if c.operatorPaused() {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.requestTimeout())
	raw, err := c.source.Fetch(fetchCtx)
	cancel()

	now := time.Now()
	var snap telemetry.Snapshot
	if err == nil {
		snap, err = telemetry.Normalize(raw, now)
	}

	var result detect.Result
	if err != nil {
		c.handleNoData(err, now)
		// The detector never sees a dropout: feeding it zero timers would
		// clobber its context and make recovery look like a fresh game
		// start. Rules still run against empty teams and zero timers so
		// the interview fallback can take over the presentation.
		snap = telemetry.Snapshot{CapturedAt: now}
		result = detect.Result{State: c.detector.State(), Paused: c.detector.Paused()}
	} else {
		c.mu.Lock()
		c.noData = false
		c.lastSample = now
		c.mu.Unlock()
		result = c.detector.Process(snap)
	}

	c.mu.Lock()
	prev := c.lastResult
	c.lastResult = result
	c.lastSnap = snap
	c.mu.Unlock()

	c.logTransitions(prev, result)

	data := c.enhancedData(snap, result)
	if rule := c.engine.Evaluate(data); rule != nil {
		c.engine.Execute(ctx, rule)
	}
}

// enhancedData builds the flat field map rules evaluate against.
func (c *Controller) enhancedData(snap telemetry.Snapshot, result detect.Result) map[string]any {
	data := map[string]any{
		rules.FieldTeam1:           snap.Team1,
		rules.FieldTeam2:           snap.Team2,
		rules.FieldBreakTime:       snap.BreakSeconds,
		rules.FieldGameTime:        snap.GameSeconds,
		rules.FieldGameState:       string(result.State),
		rules.FieldGameJustStarted: result.StartEdge,
		rules.FieldPaused:          result.Paused,
		rules.FieldCurrentScene:    c.executor.CurrentScene(),
		rules.FieldTimeInScene:     0.0,
	}
	if last := c.executor.LastChange(); !last.IsZero() {
		data[rules.FieldTimeInScene] = time.Since(last).Seconds()
	}
	return data
}

// operatorPaused checks the manual override marker. Presence pauses all
// rule evaluation and dispatch without touching any connection.
func (c *Controller) operatorPaused() bool {
	if c.cfg.PauseFile == "" {
		return false
	}
	_, err := os.Stat(c.cfg.PauseFile)
	paused := err == nil

	c.mu.Lock()
	was := c.pausedByOp
	c.pausedByOp = paused
	c.mu.Unlock()

	if paused && !was {
		c.logger.Info().
			Str("event", "controller.paused").
			Str("marker", c.cfg.PauseFile).
			Msg("automation paused by operator")
	}
	if !paused && was {
		c.logger.Info().
			Str("event", "controller.resumed").
			Msg("automation resumed")
	}
	return paused
}

func (c *Controller) handleNoData(err error, now time.Time) {
	c.mu.Lock()
	first := !c.noData
	c.noData = true
	c.mu.Unlock()

	if !errors.Is(err, telemetry.ErrNoData) {
		c.logger.Warn().
			Err(err).
			Str("event", "controller.poll_failed").
			Msg("telemetry poll failed")
		return
	}
	if first {
		c.logger.Info().
			Str("event", "controller.no_data").
			Msg("scoreboard returned placeholder data, entering fallback presentation")
	}
}

func (c *Controller) logTransitions(prev, cur detect.Result) {
	// The detector logs and counts its own transitions; the controller
	// only surfaces the start edge at loop level for latency tracing.
	if cur.StartEdge && cur.State != prev.State {
		c.logger.Debug().
			Str("event", "controller.dispatching_start").
			Msg("start edge entering rule evaluation")
	}
}

// nextInterval picks the poll cadence for the next cycle.
func (c *Controller) nextInterval() time.Duration {
	normal := c.cfg.Telemetry.PollInterval
	if normal <= 0 {
		normal = 2 * time.Second
	}
	fast := c.cfg.Telemetry.FastPollInterval
	if fast <= 0 || fast >= normal {
		return normal
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	breakEnding := c.lastSnap.BreakSeconds > 0 && c.lastSnap.BreakSeconds <= fastPollBreakWindow
	if breakEnding || c.lastResult.StartEdge || c.noData {
		return fast
	}
	return normal
}

func (c *Controller) requestTimeout() time.Duration {
	if c.cfg.Telemetry.RequestTimeout > 0 {
		return c.cfg.Telemetry.RequestTimeout
	}
	return 2 * time.Second
}

func (c *Controller) logSummary() {
	c.mu.Lock()
	cycles := c.cycles
	result := c.lastResult
	last := c.lastSample
	paused := c.pausedByOp
	c.mu.Unlock()

	c.logger.Info().
		Str("event", "controller.summary").
		Uint64("cycles", cycles).
		Str("game_state", string(result.State)).
		Str("current_scene", c.executor.CurrentScene()).
		Time("last_sample", last).
		Bool("operator_paused", paused).
		Msg("periodic health summary")
}

// LastSample reports when telemetry last produced usable data. Feeds the
// freshness health check.
func (c *Controller) LastSample() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSample
}

// StatusSnapshot aggregates loop state for the status API and file.
func (c *Controller) StatusSnapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"game_state":      string(c.lastResult.State),
		"paused":          c.lastResult.Paused,
		"operator_paused": c.pausedByOp,
		"team1":           c.lastSnap.Team1,
		"team2":           c.lastSnap.Team2,
		"break_seconds":   c.lastSnap.BreakSeconds,
		"game_seconds":    c.lastSnap.GameSeconds,
		"current_scene":   c.executor.CurrentScene(),
		"last_sample":     c.lastSample,
		"cycles":          c.cycles,
	}
}
