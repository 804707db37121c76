// SPDX-License-Identifier: MIT

// Package connmgr supervises long-lived external connections. Each
// registered link is monitored, reconnected with exponential backoff,
// and escalated to an operator prompt when recovery stalls.
package connmgr

import "time"

// State is the lifecycle phase of one supervised link.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateDisabled     State = "disabled"
)

// Terminal reports whether the supervisor has stopped retrying the link.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateDisabled
}

// Status is a point-in-time snapshot of a supervised link. Quality is a
// crude health score in [0,1]: 1.0 after a successful connect, decaying
// with every failure.
type Status struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	Attempts      int       `json:"reconnect_attempts"`
	TotalFailures int       `json:"total_failures"`
	Quality       float64   `json:"quality"`
	LastError     string    `json:"last_error,omitempty"`
	LastAttempt   time.Time `json:"last_attempt,omitzero"`
	ConnectedAt   time.Time `json:"last_connected,omitzero"`
	ThrottleUntil time.Time `json:"throttle_until,omitzero"`
	RequiresAuth  bool      `json:"requires_auth"`
}
