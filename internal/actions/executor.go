// SPDX-License-Identifier: MIT

package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roclive/roc/internal/log"
	"github.com/roclive/roc/internal/metrics"
)

// SceneSwitcher dispatches a scene switch request to the production tool.
// When waitConfirm is false the request is fire-and-forget; the latency
// critical paths use that mode.
type SceneSwitcher interface {
	SwitchScene(ctx context.Context, sceneName string, waitConfirm bool) error
}

// SceneChange is one entry of the bounded scene history.
type SceneChange struct {
	Scene     string        `json:"scene"`
	Previous  string        `json:"previous"`
	EnteredAt time.Time     `json:"entered_at"`
	Dwell     time.Duration `json:"dwell"`
}

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Option configures an Executor.
type Option func(*Executor)

// WithClock substitutes the time source, for tests.
func WithClock(c clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithSceneChangeHook registers a callback invoked after every effective
// scene change (used for audit recording).
func WithSceneChangeHook(fn func(SceneChange)) Option {
	return func(e *Executor) { e.onChange = fn }
}

// Executor runs action programs. It is the only component that mutates the
// current scene and the last-change time. At most one scene sequence is
// active at a time: launching a new program cooperatively cancels the
// previous one.
type Executor struct {
	switcher SceneSwitcher
	scenes   map[string]string // logical name -> production tool scene
	clock    clock
	logger   zerolog.Logger
	onChange func(SceneChange)

	mu           sync.Mutex
	currentScene string // logical name
	lastChange   time.Time
	history      []SceneChange
	historyCap   int

	seqMu     sync.Mutex
	seqCancel context.CancelFunc
	seqDone   chan struct{}

	wg sync.WaitGroup
}

// NewExecutor builds an executor over the given switcher and scene map.
func NewExecutor(switcher SceneSwitcher, scenes map[string]string, opts ...Option) *Executor {
	e := &Executor{
		switcher:   switcher,
		scenes:     scenes,
		clock:      realClock{},
		logger:     log.WithComponent("actions"),
		historyCap: 20,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CurrentScene returns the logical name of the last dispatched scene.
func (e *Executor) CurrentScene() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentScene
}

// LastChange returns when the scene last changed.
func (e *Executor) LastChange() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastChange
}

// History returns a copy of the bounded scene history, oldest first.
func (e *Executor) History() []SceneChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SceneChange, len(e.history))
	copy(out, e.history)
	return out
}

// Launch starts an action program, superseding any in-flight one. The
// returned channel yields the program's final error (nil on success) and
// is closed afterwards; a superseded program yields context.Canceled.
func (e *Executor) Launch(ctx context.Context, specs []Spec) <-chan error {
	e.seqMu.Lock()
	if e.seqCancel != nil {
		e.seqCancel()
	}
	seqCtx, cancel := context.WithCancel(ctx)
	e.seqCancel = cancel
	done := make(chan struct{})
	e.seqDone = done
	e.seqMu.Unlock()

	result := make(chan error, 1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(done)
		defer cancel()
		var err error
		func() {
			// A panic inside one program must not take down the engine;
			// it is confined to the rule boundary as a failure.
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("action program panic: %v", r)
				}
			}()
			err = e.runAll(seqCtx, specs)
		}()
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn().Err(err).Str("event", "actions.program_failed").Msg("action program failed")
		}
		result <- err
		close(result)
	}()
	return result
}

// CancelActive cancels the in-flight program, if any, and waits for it to
// stop before returning.
func (e *Executor) CancelActive() {
	e.seqMu.Lock()
	cancel := e.seqCancel
	done := e.seqDone
	e.seqMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Shutdown cancels any active program and waits for all workers.
func (e *Executor) Shutdown() {
	e.CancelActive()
	e.wg.Wait()
}

func (e *Executor) runAll(ctx context.Context, specs []Spec) error {
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.run(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) run(ctx context.Context, spec Spec) error {
	switch spec.Type {
	case KindSwitchScene:
		return e.switchScene(ctx, spec.Scene, true)
	case KindDelay:
		return e.sleep(ctx, spec.Duration)
	case KindSequence:
		return e.runAll(ctx, spec.Actions)
	case KindParallel:
		return e.runParallel(ctx, spec.Actions)
	case KindBreakoutSequence:
		return e.runBreakout(ctx, spec)
	case KindCameraRotation:
		return e.runRotation(ctx, spec)
	default:
		return fmt.Errorf("unknown action type %q", spec.Type)
	}
}

// runParallel starts all sub-actions concurrently and waits for every one
// of them; a failure in one does not cancel the others.
func (e *Executor) runParallel(ctx context.Context, specs []Spec) error {
	errs := make([]error, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec Spec) {
			defer wg.Done()
			errs[i] = e.run(ctx, spec)
		}(i, spec)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// runBreakout switches to the breakout scene with zero waiting, optionally
// cycles the given cameras for an equal share of the duration, then
// returns to the game scene.
func (e *Executor) runBreakout(ctx context.Context, spec Spec) error {
	// The initial switch is dispatched fire-and-forget before any wait;
	// latency matters more than confirmation here.
	if err := e.switchScene(ctx, "breakout", false); err != nil {
		return err
	}

	duration := spec.Duration
	if duration <= 0 {
		duration = 2 * time.Second
	}

	if len(spec.Cameras) > 0 {
		per := duration / time.Duration(len(spec.Cameras))
		for _, cam := range spec.Cameras {
			if err := e.switchScene(ctx, "camera_"+cam, true); err != nil {
				return err
			}
			if err := e.sleep(ctx, per); err != nil {
				return err
			}
		}
	} else if err := e.sleep(ctx, duration); err != nil {
		return err
	}

	return e.switchScene(ctx, "game", true)
}

// runRotation cycles camera scenes at a fixed interval and returns to the
// configured scene on completion.
func (e *Executor) runRotation(ctx context.Context, spec Spec) error {
	for _, cam := range spec.Cameras {
		if err := e.switchScene(ctx, "camera_"+cam, true); err != nil {
			return err
		}
		if err := e.sleep(ctx, spec.PerCameraDuration); err != nil {
			return err
		}
	}
	returnScene := spec.ReturnScene
	if returnScene == "" {
		returnScene = "game"
	}
	return e.switchScene(ctx, returnScene, true)
}

// SwitchSceneNow dispatches a single scene switch outside any program
// (fallback presentation, for instance). It does not cancel an active
// program.
func (e *Executor) SwitchSceneNow(ctx context.Context, scene string) error {
	return e.switchScene(ctx, scene, true)
}

func (e *Executor) switchScene(ctx context.Context, logical string, waitConfirm bool) error {
	e.mu.Lock()
	if e.currentScene == logical {
		// Already there; a redundant request would only add latency.
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	toolScene := logical
	if mapped, ok := e.scenes[logical]; ok {
		toolScene = mapped
	}

	if err := e.switcher.SwitchScene(ctx, toolScene, waitConfirm); err != nil {
		metrics.RecordSceneSwitch(logical, "error")
		return fmt.Errorf("switch scene %q: %w", toolScene, err)
	}
	metrics.RecordSceneSwitch(logical, "ok")

	now := e.clock.Now()
	e.mu.Lock()
	change := SceneChange{
		Scene:     logical,
		Previous:  e.currentScene,
		EnteredAt: now,
	}
	if !e.lastChange.IsZero() {
		change.Dwell = now.Sub(e.lastChange)
	}
	e.currentScene = logical
	e.lastChange = now
	e.history = append(e.history, change)
	if len(e.history) > e.historyCap {
		e.history = e.history[len(e.history)-e.historyCap:]
	}
	hook := e.onChange
	e.mu.Unlock()

	e.logger.Info().
		Str("event", "actions.scene_switched").
		Str("scene", logical).
		Str("tool_scene", toolScene).
		Bool("confirmed", waitConfirm).
		Msg("scene switch dispatched")

	if hook != nil {
		hook(change)
	}
	return nil
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
