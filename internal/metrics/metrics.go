// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the orchestration engine.
// Labels stay low-cardinality: scene, rule and camera names come from
// configuration, never from request identifiers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SceneSwitchTotal counts scene switch dispatches by scene and result.
	SceneSwitchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roc_scene_switch_total",
		Help: "Total number of scene switch requests, by scene and result.",
	}, []string{"scene", "result"})

	// RuleExecutionTotal counts rule executions by rule and result.
	RuleExecutionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roc_rule_execution_total",
		Help: "Total number of rule executions, by rule and result.",
	}, []string{"rule", "result"})

	// RuleExecutionSeconds observes end-to-end rule action latency.
	RuleExecutionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roc_rule_execution_seconds",
		Help:    "Rule action execution latency in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"rule"})

	// TelemetryPollTotal counts telemetry polls by result (ok/nodata/error).
	TelemetryPollTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roc_telemetry_poll_total",
		Help: "Total number of telemetry polls, by result.",
	}, []string{"result"})

	// GameStateTransitionTotal counts detector state transitions.
	GameStateTransitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roc_game_state_transition_total",
		Help: "Total number of detected game state transitions.",
	}, []string{"from", "to"})

	// StartEdgeTotal counts detected game start edges.
	StartEdgeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roc_start_edge_total",
		Help: "Total number of detected game start edges.",
	})

	// ReconnectAttemptTotal counts reconnect attempts by link and result.
	ReconnectAttemptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roc_reconnect_attempt_total",
		Help: "Total number of reconnect attempts, by link and result.",
	}, []string{"link", "result"})

	// ConnectionState tracks the state of each supervised link (one-hot).
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roc_connection_state",
		Help: "Current state of each supervised link (1 for the active state).",
	}, []string{"link", "state"})

	// CameraRestartTotal counts supervised camera pipeline restarts.
	CameraRestartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roc_camera_restart_total",
		Help: "Total number of camera pipeline restarts, by camera.",
	}, []string{"camera"})

	// CameraState tracks the state of each camera (one-hot).
	CameraState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roc_camera_state",
		Help: "Current state of each supervised camera (1 for the active state).",
	}, []string{"camera", "state"})

	// RuleReloadTotal counts rule document reloads by result.
	RuleReloadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roc_rule_reload_total",
		Help: "Total number of rule document reloads, by result.",
	}, []string{"result"})
)

// connectionStates and cameraStates enumerate every label value the
// one-hot gauges manage.
var (
	connectionStates = []string{
		"disconnected", "connecting", "connected", "reconnecting", "failed", "disabled",
	}
	cameraStates = []string{"stopped", "running", "failed", "disabled"}
)

// RecordSceneSwitch increments the scene switch counter.
func RecordSceneSwitch(scene, result string) {
	SceneSwitchTotal.WithLabelValues(scene, result).Inc()
}

// RecordRuleExecution records one rule execution and its latency.
func RecordRuleExecution(rule, result string, elapsed time.Duration) {
	RuleExecutionTotal.WithLabelValues(rule, result).Inc()
	RuleExecutionSeconds.WithLabelValues(rule).Observe(elapsed.Seconds())
}

// RecordTelemetryPoll increments the telemetry poll counter.
func RecordTelemetryPoll(result string) {
	TelemetryPollTotal.WithLabelValues(result).Inc()
}

// SetConnectionState marks the given state active for a link and clears
// the others.
func SetConnectionState(link, state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		ConnectionState.WithLabelValues(link, s).Set(v)
	}
}

// SetCameraState marks the given state active for a camera and clears
// the others.
func SetCameraState(camera, state string) {
	for _, s := range cameraStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		CameraState.WithLabelValues(camera, s).Set(v)
	}
}

// RecordGameStateTransition increments the state transition counter.
func RecordGameStateTransition(from, to string) {
	GameStateTransitionTotal.WithLabelValues(from, to).Inc()
}

// RecordStartEdge increments the start edge counter.
func RecordStartEdge() {
	StartEdgeTotal.Inc()
}

// RecordReconnectAttempt increments the reconnect attempt counter.
func RecordReconnectAttempt(link, result string) {
	ReconnectAttemptTotal.WithLabelValues(link, result).Inc()
}

// RecordCameraRestart increments the camera restart counter.
func RecordCameraRestart(camera string) {
	CameraRestartTotal.WithLabelValues(camera).Inc()
}

// RecordRuleReload increments the rule reload counter.
func RecordRuleReload(result string) {
	RuleReloadTotal.WithLabelValues(result).Inc()
}
