// SPDX-License-Identifier: MIT

package camera

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roclive/roc/internal/config"
	"github.com/roclive/roc/internal/log"
	"github.com/roclive/roc/internal/metrics"
)

// CamState is the lifecycle phase of one supervised camera.
type CamState string

const (
	CamStateStopped  CamState = "stopped"
	CamStateRunning  CamState = "running"
	CamStateFailed   CamState = "failed"
	CamStateDisabled CamState = "disabled"
)

// Status is a point-in-time snapshot of one camera.
type Status struct {
	ID           string    `json:"id"`
	State        CamState  `json:"state"`
	DeviceIndex  int       `json:"device_index"`
	StreamActive bool      `json:"stream_active"`
	LastFrame    time.Time `json:"last_frame,omitzero"`
	ErrorCount   int       `json:"error_count"`
	RestartCount int       `json:"restart_count"`
	LastError    string    `json:"last_error,omitempty"`
}

// fatalMarkers are stderr substrings that fail a health check even while
// the process is alive.
var fatalMarkers = []string{
	"error",
	"connection refused",
	"connection timed out",
	"no route to host",
}

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type camera struct {
	cfg    config.CameraConfig
	proc   Process
	status Status
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithClock substitutes the time source, for tests.
func WithClock(c clock) SupervisorOption {
	return func(s *Supervisor) { s.clock = c }
}

// WithFactory substitutes the pipeline factory, for tests.
func WithFactory(f Factory) SupervisorOption {
	return func(s *Supervisor) { s.factory = f }
}

// Supervisor keeps one pipeline per enabled camera alive. A camera whose
// restart count exceeds the configured ceiling moves to Failed and is
// not retried until manually reset.
type Supervisor struct {
	defaults config.CameraDefaults
	factory  Factory
	clock    clock
	logger   zerolog.Logger

	mu      sync.Mutex
	cameras map[string]*camera
}

// NewSupervisor builds a supervisor over the enabled cameras.
func NewSupervisor(cfgs []config.CameraConfig, defaults config.CameraDefaults, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		defaults: defaults,
		factory:  NewPipeline,
		clock:    realClock{},
		logger:   log.WithComponent("camera"),
		cameras:  make(map[string]*camera),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, cfg := range cfgs {
		state := CamStateStopped
		if !cfg.IsEnabled() {
			state = CamStateDisabled
		}
		s.cameras[cfg.ID] = &camera{
			cfg: cfg,
			status: Status{
				ID:          cfg.ID,
				State:       state,
				DeviceIndex: cfg.DeviceIndex,
			},
		}
		metrics.SetCameraState(cfg.ID, string(state))
	}
	return s
}

// StartAll brings up every enabled camera. Individual start failures are
// recorded, not fatal.
func (s *Supervisor) StartAll(ctx context.Context) {
	for _, id := range s.ids() {
		s.mu.Lock()
		cam := s.cameras[id]
		stopped := cam.status.State == CamStateStopped
		s.mu.Unlock()
		if stopped {
			if err := s.start(ctx, id); err != nil {
				s.logger.Error().
					Err(err).
					Str("event", "camera.start_failed").
					Str("camera", id).
					Msg("initial pipeline start failed")
			}
		}
	}
}

// Run executes health cycles until ctx is cancelled, then stops every
// pipeline.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := s.defaults.HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.StopAll()
			return ctx.Err()
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle runs one health pass over all running cameras. Exported so tests
// can drive the supervisor without real time.
func (s *Supervisor) Cycle(ctx context.Context) {
	for _, id := range s.ids() {
		s.checkOne(ctx, id)
	}
}

func (s *Supervisor) checkOne(ctx context.Context, id string) {
	s.mu.Lock()
	cam := s.cameras[id]
	if cam == nil || cam.status.State != CamStateRunning {
		s.mu.Unlock()
		return
	}
	proc := cam.proc
	maxRestarts := s.maxRestarts()
	s.mu.Unlock()

	reason := s.healthFailure(proc)
	if reason == "" {
		// Decay toward zero instead of resetting so a burst of
		// transient errors still counts for something.
		s.mu.Lock()
		if cam.status.ErrorCount > 0 {
			cam.status.ErrorCount--
		}
		cam.status.LastFrame = proc.LastFrame()
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	cam.status.ErrorCount++
	cam.status.LastError = reason
	restarts := cam.status.RestartCount
	s.mu.Unlock()

	s.logger.Warn().
		Str("event", "camera.health_failed").
		Str("camera", id).
		Str("reason", reason).
		Int("restart_count", restarts).
		Msg("camera health check failed")

	if restarts >= maxRestarts {
		s.fail(id)
		return
	}
	if err := s.restart(ctx, id); err != nil {
		s.logger.Error().
			Err(err).
			Str("event", "camera.restart_failed").
			Str("camera", id).
			Msg("pipeline restart failed")
	}
}

// healthFailure returns a non-empty reason when the pipeline is
// unhealthy: dead process, stale frames, or fatal stderr output.
func (s *Supervisor) healthFailure(proc Process) string {
	if !proc.Alive() {
		return "process not running"
	}

	staleAfter := s.defaults.FrameStaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	if last := proc.LastFrame(); !last.IsZero() && s.clock.Now().Sub(last) > staleAfter {
		return fmt.Sprintf("no frames for %s", s.clock.Now().Sub(last).Truncate(time.Second))
	}

	for _, line := range proc.DiagnosticTail(10) {
		lower := strings.ToLower(line)
		for _, marker := range fatalMarkers {
			if strings.Contains(lower, marker) {
				return "fatal marker in diagnostics: " + line
			}
		}
	}
	return ""
}

func (s *Supervisor) start(ctx context.Context, id string) error {
	s.mu.Lock()
	cam := s.cameras[id]
	proc := s.factory(cam.cfg, s.defaults)
	s.mu.Unlock()

	if err := proc.Start(ctx); err != nil {
		s.mu.Lock()
		cam.status.ErrorCount++
		cam.status.LastError = err.Error()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	cam.proc = proc
	cam.status.StreamActive = true
	cam.status.LastFrame = s.clock.Now()
	s.setStateLocked(cam, CamStateRunning)
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) restart(ctx context.Context, id string) error {
	s.mu.Lock()
	cam := s.cameras[id]
	cam.status.RestartCount++
	restarts := cam.status.RestartCount
	s.mu.Unlock()

	metrics.RecordCameraRestart(id)
	s.logger.Info().
		Str("event", "camera.restarting").
		Str("camera", id).
		Int("restart_count", restarts).
		Msg("restarting camera pipeline")

	s.stopOne(id)

	pause := s.defaults.RestartPause
	if pause <= 0 {
		pause = 2 * time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pause):
	}

	return s.start(ctx, id)
}

func (s *Supervisor) fail(id string) {
	s.mu.Lock()
	cam := s.cameras[id]
	s.setStateLocked(cam, CamStateFailed)
	cam.status.StreamActive = false
	restarts := cam.status.RestartCount
	s.mu.Unlock()

	s.stopOne(id)
	s.logger.Error().
		Str("event", "camera.failed").
		Str("camera", id).
		Int("restart_count", restarts).
		Msg("restart budget exhausted, camera disabled until reset")
}

func (s *Supervisor) stopOne(id string) {
	s.mu.Lock()
	cam := s.cameras[id]
	proc := cam.proc
	cam.proc = nil
	cam.status.StreamActive = false
	if cam.status.State == CamStateRunning {
		s.setStateLocked(cam, CamStateStopped)
	}
	s.mu.Unlock()

	if proc == nil {
		return
	}
	grace := s.defaults.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if err := proc.Stop(grace, grace); err != nil {
		s.logger.Warn().
			Err(err).
			Str("event", "camera.stop_failed").
			Str("camera", id).
			Msg("pipeline did not stop cleanly")
	}
}

// StopAll stops every running pipeline.
func (s *Supervisor) StopAll() {
	for _, id := range s.ids() {
		s.stopOne(id)
	}
}

// Reset clears a Failed or Disabled camera so the supervisor brings it
// back up.
func (s *Supervisor) Reset(ctx context.Context, id string) error {
	s.mu.Lock()
	cam := s.cameras[id]
	if cam == nil {
		s.mu.Unlock()
		return fmt.Errorf("camera: unknown id %q", id)
	}
	cam.status.RestartCount = 0
	cam.status.ErrorCount = 0
	cam.status.LastError = ""
	s.setStateLocked(cam, CamStateStopped)
	s.mu.Unlock()

	s.logger.Info().
		Str("event", "camera.reset").
		Str("camera", id).
		Msg("camera reset by operator")
	return s.start(ctx, id)
}

// Statuses returns snapshots of all cameras, sorted by id.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.cameras))
	for _, cam := range s.cameras {
		st := cam.status
		if cam.proc != nil {
			st.LastFrame = cam.proc.LastFrame()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Healthy reports whether every non-disabled camera is running.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cam := range s.cameras {
		if cam.status.State == CamStateDisabled {
			continue
		}
		if cam.status.State != CamStateRunning {
			return false
		}
	}
	return true
}

func (s *Supervisor) maxRestarts() int {
	if s.defaults.MaxRestarts > 0 {
		return s.defaults.MaxRestarts
	}
	return 5
}

func (s *Supervisor) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.cameras))
	for id := range s.cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Supervisor) setStateLocked(cam *camera, state CamState) {
	if cam.status.State == state {
		return
	}
	cam.status.State = state
	metrics.SetCameraState(cam.status.ID, string(state))
}
