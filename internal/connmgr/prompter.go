// SPDX-License-Identifier: MIT

package connmgr

import (
	"context"
	"time"
)

// Decision is an operator's answer to a disconnect escalation.
type Decision int

const (
	// DecisionReconnect resumes automatic reconnection immediately.
	DecisionReconnect Decision = iota
	// DecisionDisable stops automatic reconnection for the link.
	DecisionDisable
	// DecisionIgnore leaves the link disconnected for this cycle and
	// asks again on the next one.
	DecisionIgnore
)

// Prompter asks an operator what to do about a dropped authenticated
// link. Implementations must honor ctx cancellation; the supervisor
// bounds the wait and defaults to reconnecting on timeout.
type Prompter interface {
	PromptDisconnect(ctx context.Context, link string, lastError string) (Decision, error)
}

// autoPrompter always answers reconnect. It is the default when no
// operator channel is wired up.
type autoPrompter struct{}

func (autoPrompter) PromptDisconnect(context.Context, string, string) (Decision, error) {
	return DecisionReconnect, nil
}

// defaultEscalationWait bounds how long the supervisor waits for an
// operator before reconnecting on its own.
const defaultEscalationWait = 30 * time.Second
