// SPDX-License-Identifier: MIT

package camera

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roclive/roc/internal/config"
)

type fakeProcess struct {
	mu        sync.Mutex
	alive     bool
	lastFrame time.Time
	tail      []string
	startErr  error
	starts    int
	stops     int
}

func (p *fakeProcess) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	if p.startErr != nil {
		return p.startErr
	}
	p.alive = true
	return nil
}

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProcess) LastFrame() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFrame
}

func (p *fakeProcess) DiagnosticTail(int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tail
}

func (p *fakeProcess) Stop(time.Duration, time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.alive = false
	return nil
}

func (p *fakeProcess) kill() {
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()
}

func (p *fakeProcess) setTail(lines ...string) {
	p.mu.Lock()
	p.tail = lines
	p.mu.Unlock()
}

func (p *fakeProcess) bumpFrame(t time.Time) {
	p.mu.Lock()
	p.lastFrame = t
	p.mu.Unlock()
}

// trackingFactory hands out a fresh fakeProcess per start and remembers
// every one of them.
type trackingFactory struct {
	mu    sync.Mutex
	procs []*fakeProcess
}

func (f *trackingFactory) new(config.CameraConfig, config.CameraDefaults) Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeProcess{}
	f.procs = append(f.procs, p)
	return p
}

func (f *trackingFactory) latest() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.procs) == 0 {
		return nil
	}
	return f.procs[len(f.procs)-1]
}

func (f *trackingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func testDefaults() config.CameraDefaults {
	return config.CameraDefaults{
		MaxRestarts:     3,
		RestartPause:    time.Millisecond,
		KillGrace:       10 * time.Millisecond,
		FrameStaleAfter: 30 * time.Second,
	}
}

func boolPtr(b bool) *bool { return &b }

func newTestSupervisor(t *testing.T, clk *mockClock, cfgs ...config.CameraConfig) (*Supervisor, *trackingFactory) {
	t.Helper()
	factory := &trackingFactory{}
	s := NewSupervisor(cfgs, testDefaults(), WithClock(clk), WithFactory(factory.new))
	return s, factory
}

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStartAllBringsUpEnabledCameras(t *testing.T) {
	clk := newMockClock()
	s, factory := newTestSupervisor(t, clk,
		config.CameraConfig{ID: "cam1", StreamURL: "rtsp://x/1", DeviceIndex: 10},
		config.CameraConfig{ID: "cam2", StreamURL: "rtsp://x/2", DeviceIndex: 11, Enabled: boolPtr(false)},
	)

	s.StartAll(context.Background())

	statuses := s.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, CamStateRunning, statuses[0].State)
	assert.Equal(t, CamStateDisabled, statuses[1].State)
	assert.Equal(t, 1, factory.count())
	assert.True(t, s.Healthy())
}

func TestHealthyCycleDecaysErrorCount(t *testing.T) {
	clk := newMockClock()
	s, factory := newTestSupervisor(t, clk,
		config.CameraConfig{ID: "cam1", StreamURL: "rtsp://x/1"},
	)
	s.StartAll(context.Background())
	proc := factory.latest()
	proc.bumpFrame(clk.Now())

	// One failed check, then recovery.
	proc.setTail("rtsp error: connection refused")
	s.Cycle(context.Background())

	proc = factory.latest()
	proc.bumpFrame(clk.Now())
	statuses := s.Statuses()
	require.Equal(t, 1, statuses[0].ErrorCount)

	s.Cycle(context.Background())
	statuses = s.Statuses()
	assert.Zero(t, statuses[0].ErrorCount)
	assert.Equal(t, CamStateRunning, statuses[0].State)
}

func TestDeadProcessIsRestarted(t *testing.T) {
	clk := newMockClock()
	s, factory := newTestSupervisor(t, clk,
		config.CameraConfig{ID: "cam1", StreamURL: "rtsp://x/1"},
	)
	s.StartAll(context.Background())
	first := factory.latest()

	first.kill()
	s.Cycle(context.Background())

	assert.Equal(t, 2, factory.count())
	statuses := s.Statuses()
	assert.Equal(t, CamStateRunning, statuses[0].State)
	assert.Equal(t, 1, statuses[0].RestartCount)
	assert.Contains(t, statuses[0].LastError, "process not running")
}

func TestStaleFramesTriggerRestart(t *testing.T) {
	clk := newMockClock()
	s, factory := newTestSupervisor(t, clk,
		config.CameraConfig{ID: "cam1", StreamURL: "rtsp://x/1"},
	)
	s.StartAll(context.Background())
	proc := factory.latest()
	proc.bumpFrame(clk.Now())

	clk.Advance(time.Minute)
	s.Cycle(context.Background())

	assert.Equal(t, 2, factory.count())
	statuses := s.Statuses()
	assert.Contains(t, statuses[0].LastError, "no frames")
}

func TestFailsExactlyWhenRestartBudgetExceeded(t *testing.T) {
	clk := newMockClock()
	s, factory := newTestSupervisor(t, clk,
		config.CameraConfig{ID: "cam1", StreamURL: "rtsp://x/1"},
	)
	s.StartAll(context.Background())

	// MaxRestarts is 3: three health failures restart, the fourth fails
	// the camera.
	for i := 1; i <= 3; i++ {
		factory.latest().kill()
		s.Cycle(context.Background())
		statuses := s.Statuses()
		require.Equal(t, CamStateRunning, statuses[0].State, "restart %d", i)
		require.Equal(t, i, statuses[0].RestartCount, "restart %d", i)
	}

	factory.latest().kill()
	s.Cycle(context.Background())

	statuses := s.Statuses()
	assert.Equal(t, CamStateFailed, statuses[0].State)
	assert.Equal(t, 3, statuses[0].RestartCount)
	assert.False(t, statuses[0].StreamActive)
	assert.False(t, s.Healthy())

	// A failed camera is left alone on subsequent cycles.
	count := factory.count()
	s.Cycle(context.Background())
	assert.Equal(t, count, factory.count())
}

func TestResetRecoversFailedCamera(t *testing.T) {
	clk := newMockClock()
	s, factory := newTestSupervisor(t, clk,
		config.CameraConfig{ID: "cam1", StreamURL: "rtsp://x/1"},
	)
	s.StartAll(context.Background())
	for i := 0; i < 4; i++ {
		factory.latest().kill()
		s.Cycle(context.Background())
	}
	require.Equal(t, CamStateFailed, s.Statuses()[0].State)

	require.NoError(t, s.Reset(context.Background(), "cam1"))

	statuses := s.Statuses()
	assert.Equal(t, CamStateRunning, statuses[0].State)
	assert.Zero(t, statuses[0].RestartCount)
	assert.Zero(t, statuses[0].ErrorCount)
	assert.Empty(t, statuses[0].LastError)

	assert.Error(t, s.Reset(context.Background(), "nope"))
}

func TestStopAllStopsRunningPipelines(t *testing.T) {
	clk := newMockClock()
	s, factory := newTestSupervisor(t, clk,
		config.CameraConfig{ID: "cam1", StreamURL: "rtsp://x/1"},
		config.CameraConfig{ID: "cam2", StreamURL: "rtsp://x/2"},
	)
	s.StartAll(context.Background())
	require.Equal(t, 2, factory.count())

	s.StopAll()

	for _, st := range s.Statuses() {
		assert.Equal(t, CamStateStopped, st.State)
		assert.False(t, st.StreamActive)
	}
	factory.mu.Lock()
	defer factory.mu.Unlock()
	for _, p := range factory.procs {
		assert.Equal(t, 1, p.stops)
	}
}

func TestFatalMarkerFailsHealthCheck(t *testing.T) {
	clk := newMockClock()
	s, _ := newTestSupervisor(t, clk)

	alive := &fakeProcess{alive: true}
	alive.setTail("frame=120 fps=30")
	assert.Empty(t, s.healthFailure(alive))

	alive.setTail("rtsp://cam: Connection timed out")
	assert.NotEmpty(t, s.healthFailure(alive))

	dead := &fakeProcess{}
	assert.Equal(t, "process not running", s.healthFailure(dead))
}
