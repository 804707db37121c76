// SPDX-License-Identifier: MIT

// Package camera supervises one transcoding process per configured
// camera, restarting silently failed pipelines under a bounded retry
// budget.
package camera

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roclive/roc/internal/config"
	"github.com/roclive/roc/internal/log"
	"github.com/roclive/roc/internal/procgroup"
)

// Process is one supervised transcoding pipeline. The supervisor only
// talks to this interface; tests substitute fakes.
type Process interface {
	Start(ctx context.Context) error
	Alive() bool
	LastFrame() time.Time
	DiagnosticTail(n int) []string
	Stop(grace, killTimeout time.Duration) error
}

// Factory builds a Process for one camera.
type Factory func(cfg config.CameraConfig, defaults config.CameraDefaults) Process

// Pipeline runs ffmpeg pulling an RTSP stream into a v4l2 loopback
// device. Frame progress on stdout feeds the staleness check; stderr is
// kept in a bounded ring for fatal-marker inspection.
type Pipeline struct {
	cfg      config.CameraConfig
	defaults config.CameraDefaults
	logger   zerolog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	ring      *lineRing
	lastFrame time.Time
	waitCh    chan error
}

// NewPipeline is the production Factory.
func NewPipeline(cfg config.CameraConfig, defaults config.CameraDefaults) Process {
	return &Pipeline{
		cfg:      cfg,
		defaults: defaults,
		logger:   log.WithComponent("camera").With().Str("camera", cfg.ID).Logger(),
	}
}

// args builds the ffmpeg invocation: native-rate RTSP input over TCP,
// raw yuv420p frames into the camera's loopback device, progress
// reports on stdout.
func (p *Pipeline) args() []string {
	url := p.cfg.StreamURL
	if p.cfg.Username != "" && p.cfg.Password != "" {
		url = strings.Replace(url, "rtsp://",
			fmt.Sprintf("rtsp://%s:%s@", p.cfg.Username, p.cfg.Password), 1)
	}

	return []string{
		"-hide_banner", "-nostats",
		"-progress", "pipe:1",
		"-re",
		"-rtsp_transport", "tcp",
		"-i", url,
		"-vcodec", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-threads", "2",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-bufsize", "64k",
		"-maxrate", "2M",
		"-f", "v4l2",
		fmt.Sprintf("/dev/video%d", p.cfg.DeviceIndex),
	}
}

// Start launches ffmpeg in its own process group.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return fmt.Errorf("camera %s: pipeline already running", p.cfg.ID)
	}

	ffmpeg := p.defaults.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, ffmpeg, p.args()...)
	procgroup.Set(cmd)

	ring := newLineRing(100)
	cmd.Stderr = ring

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("camera %s: stdout pipe: %w", p.cfg.ID, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("camera %s: start ffmpeg: %w", p.cfg.ID, err)
	}

	p.cmd = cmd
	p.ring = ring
	p.lastFrame = time.Now()
	p.waitCh = make(chan error, 1)

	go p.scanProgress(stdout)
	go func() { p.waitCh <- cmd.Wait() }()

	p.logger.Info().
		Str("event", "camera.pipeline_started").
		Int("pid", cmd.Process.Pid).
		Int("device", p.cfg.DeviceIndex).
		Msg("transcoding pipeline started")
	return nil
}

// scanProgress reads ffmpeg's -progress key=value stream; every frame
// report bumps the freshness timestamp.
func (p *Pipeline) scanProgress(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "frame=") || strings.HasPrefix(line, "out_time") {
			p.mu.Lock()
			p.lastFrame = time.Now()
			p.mu.Unlock()
		}
	}
}

// Alive reports whether the process is running.
func (p *Pipeline) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return false
	}
	select {
	case err := <-p.waitCh:
		// Exited; keep the result for Stop.
		p.waitCh <- err
		return false
	default:
		return true
	}
}

// LastFrame returns the time of the most recent frame report.
func (p *Pipeline) LastFrame() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFrame
}

// DiagnosticTail returns the last n stderr lines.
func (p *Pipeline) DiagnosticTail(n int) []string {
	p.mu.Lock()
	ring := p.ring
	p.mu.Unlock()
	if ring == nil {
		return nil
	}
	return ring.LastN(n)
}

// Stop terminates the process group: TERM, grace, KILL.
func (p *Pipeline) Stop(grace, killTimeout time.Duration) error {
	p.mu.Lock()
	cmd := p.cmd
	p.cmd = nil
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	p.logger.Info().
		Str("event", "camera.pipeline_stopping").
		Int("pid", cmd.Process.Pid).
		Msg("stopping transcoding pipeline")
	return procgroup.KillGroup(cmd.Process.Pid, grace, killTimeout)
}
