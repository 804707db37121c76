// SPDX-License-Identifier: MIT

package connmgr

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roclive/roc/internal/log"
	"github.com/roclive/roc/internal/metrics"
)

// Link is one supervised external connection. Probe must be cheap; it
// runs every monitor cycle while the link is connected.
type Link interface {
	Probe(ctx context.Context) error
	Connect(ctx context.Context) error
	Close()
}

// LinkConfig bounds the retry behavior of one link. Zero values take
// the documented defaults.
type LinkConfig struct {
	RequiresAuth   bool
	MaxAttempts    int           // default 10
	BaseDelay      time.Duration // default 1s
	MaxDelay       time.Duration // default 60s
	EscalationWait time.Duration // default 30s
	ProbeInterval  time.Duration // default 10s
}

func (c *LinkConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.EscalationWait <= 0 {
		c.EscalationWait = defaultEscalationWait
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 10 * time.Second
	}
}

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type link struct {
	name      string
	conn      Link
	cfg       LinkConfig
	status    Status
	prompting bool
	lastProbe time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock substitutes the time source, for tests.
func WithClock(c clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithPrompter wires an operator escalation channel for authenticated
// links.
func WithPrompter(p Prompter) Option {
	return func(m *Manager) { m.prompter = p }
}

// WithMonitorInterval overrides the 1s monitor cycle, for tests.
func WithMonitorInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithJitter overrides the jitter source, for tests. The function must
// return a value in [0,1).
func WithJitter(fn func() float64) Option {
	return func(m *Manager) { m.jitter = fn }
}

// Manager drives the per-link state machine on a fixed monitor cycle.
type Manager struct {
	clock    clock
	prompter Prompter
	interval time.Duration
	jitter   func() float64
	logger   zerolog.Logger

	mu    sync.Mutex
	links map[string]*link
}

// NewManager builds an empty supervisor.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clock:    realClock{},
		prompter: autoPrompter{},
		interval: time.Second,
		jitter:   rand.Float64,
		logger:   log.WithComponent("connmgr"),
		links:    make(map[string]*link),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a link in the Disconnected state. The first monitor
// cycle brings it up.
func (m *Manager) Register(name string, conn Link, cfg LinkConfig) {
	cfg.applyDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[name] = &link{
		name: name,
		conn: conn,
		cfg:  cfg,
		status: Status{
			Name:         name,
			State:        StateDisconnected,
			Quality:      1.0,
			RequiresAuth: cfg.RequiresAuth,
		},
	}
	metrics.SetConnectionState(name, string(StateDisconnected))
}

// Run executes monitor cycles until ctx is cancelled, then closes all
// links.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return ctx.Err()
		case <-ticker.C:
			m.Cycle(ctx)
		}
	}
}

// Cycle runs one pass of the state machine over every link. Exported
// so tests can drive the supervisor without real time.
func (m *Manager) Cycle(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.links))
	for name := range m.links {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		m.step(ctx, name)
	}
}

func (m *Manager) step(ctx context.Context, name string) {
	m.mu.Lock()
	l := m.links[name]
	if l == nil || l.prompting || l.status.State.Terminal() {
		m.mu.Unlock()
		return
	}
	state := l.status.State
	m.mu.Unlock()

	switch state {
	case StateConnected:
		m.probe(ctx, name)
	case StateDisconnected:
		m.escalateOrReconnect(ctx, name)
	case StateReconnecting, StateConnecting:
		m.reconnect(ctx, name)
	}
}

func (m *Manager) probe(ctx context.Context, name string) {
	now := m.clock.Now()

	m.mu.Lock()
	l := m.links[name]
	// The monitor cycle is tighter than the heartbeat; probe only when
	// the keep-alive interval has elapsed.
	if now.Sub(l.lastProbe) < l.cfg.ProbeInterval {
		m.mu.Unlock()
		return
	}
	l.lastProbe = now
	conn := l.conn
	m.mu.Unlock()

	err := conn.Probe(ctx)
	if err == nil {
		return
	}

	m.mu.Lock()
	l.status.TotalFailures++
	l.status.LastError = err.Error()
	l.status.Quality = math.Max(0, l.status.Quality-0.25)
	m.setStateLocked(l, StateDisconnected)
	m.mu.Unlock()

	m.logger.Warn().
		Err(err).
		Str("event", "connmgr.probe_failed").
		Str("link", name).
		Msg("connection lost")
}

// escalateOrReconnect handles a freshly dropped link. Authenticated
// links get a bounded operator prompt first; everything else goes
// straight to reconnecting.
func (m *Manager) escalateOrReconnect(ctx context.Context, name string) {
	m.mu.Lock()
	l := m.links[name]
	// Prompt only for authenticated links that were up before; a link
	// that never connected just dials.
	if !l.cfg.RequiresAuth || l.status.ConnectedAt.IsZero() {
		m.setStateLocked(l, StateReconnecting)
		m.mu.Unlock()
		return
	}
	l.prompting = true
	lastError := l.status.LastError
	wait := l.cfg.EscalationWait
	m.mu.Unlock()

	go func() {
		promptCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()

		decision, err := m.prompter.PromptDisconnect(promptCtx, name, lastError)
		if err != nil {
			decision = DecisionReconnect
		}

		m.mu.Lock()
		l := m.links[name]
		if l == nil {
			m.mu.Unlock()
			return
		}
		l.prompting = false
		if l.status.State != StateDisconnected {
			m.mu.Unlock()
			return
		}
		var toClose Link
		switch decision {
		case DecisionDisable:
			m.setStateLocked(l, StateDisabled)
			toClose = l.conn
		case DecisionIgnore:
			// Stay disconnected; the next cycle asks again.
		default:
			m.setStateLocked(l, StateReconnecting)
		}
		m.mu.Unlock()

		if toClose != nil {
			toClose.Close()
		}
	}()
}

func (m *Manager) reconnect(ctx context.Context, name string) {
	now := m.clock.Now()

	m.mu.Lock()
	l := m.links[name]
	if now.Before(l.status.ThrottleUntil) {
		m.mu.Unlock()
		return
	}
	if l.status.Attempts >= l.cfg.MaxAttempts {
		m.setStateLocked(l, StateFailed)
		m.mu.Unlock()
		m.logger.Error().
			Str("event", "connmgr.retry_budget_exhausted").
			Str("link", name).
			Int("attempts", l.status.Attempts).
			Msg("link failed permanently, manual reset required")
		return
	}
	conn := l.conn
	l.status.LastAttempt = now
	m.setStateLocked(l, StateConnecting)
	m.mu.Unlock()

	err := conn.Connect(ctx)
	if err == nil {
		metrics.RecordReconnectAttempt(name, "ok")
	} else {
		metrics.RecordReconnectAttempt(name, "error")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	l = m.links[name]
	if l == nil || l.status.State != StateConnecting {
		return
	}

	if err == nil {
		l.status.Attempts = 0
		l.status.Quality = 1.0
		l.status.ConnectedAt = m.clock.Now()
		l.status.LastError = ""
		l.status.ThrottleUntil = time.Time{}
		m.setStateLocked(l, StateConnected)
		m.logger.Info().
			Str("event", "connmgr.connected").
			Str("link", name).
			Msg("link established")
		return
	}

	l.status.Attempts++
	l.status.TotalFailures++
	l.status.LastError = err.Error()
	delay := m.backoff(l.cfg, l.status.Attempts)
	l.status.ThrottleUntil = m.clock.Now().Add(delay)
	m.setStateLocked(l, StateReconnecting)

	m.logger.Warn().
		Err(err).
		Str("event", "connmgr.reconnect_failed").
		Str("link", name).
		Int("attempt", l.status.Attempts).
		Dur("backoff", delay).
		Msg("reconnect failed, backing off")
}

// backoff computes min(base*2^attempts, cap) plus up to 10% jitter.
func (m *Manager) backoff(cfg LinkConfig, attempts int) time.Duration {
	delay := cfg.BaseDelay * (1 << min(attempts, 20))
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	jitter := time.Duration(m.jitter() * 0.1 * float64(delay))
	return delay + jitter
}

// Reset clears a terminal state and resumes automatic reconnection.
func (m *Manager) Reset(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.links[name]
	if l == nil {
		return fmt.Errorf("connmgr: unknown link %q", name)
	}
	l.status.Attempts = 0
	l.status.ThrottleUntil = time.Time{}
	l.status.LastError = ""
	m.setStateLocked(l, StateReconnecting)
	m.logger.Info().
		Str("event", "connmgr.reset").
		Str("link", name).
		Msg("link reset by operator")
	return nil
}

// Disable stops automatic reconnection for the link and closes it.
func (m *Manager) Disable(name string) error {
	m.mu.Lock()
	l := m.links[name]
	if l == nil {
		m.mu.Unlock()
		return fmt.Errorf("connmgr: unknown link %q", name)
	}
	conn := l.conn
	m.setStateLocked(l, StateDisabled)
	m.mu.Unlock()

	conn.Close()
	return nil
}

// Status returns the snapshot for one link.
func (m *Manager) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.links[name]
	if l == nil {
		return Status{}, false
	}
	return l.status, true
}

// Statuses returns snapshots of all links, sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CloseAll tears down every link, leaving states untouched.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]Link, 0, len(m.links))
	for _, l := range m.links {
		conns = append(conns, l.conn)
	}
	m.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (m *Manager) setStateLocked(l *link, s State) {
	if l.status.State == s {
		return
	}
	l.status.State = s
	metrics.SetConnectionState(l.name, string(s))
}
