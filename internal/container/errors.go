// Package container manages per-agent containers: one runtime-backed
// container per agent slug, started on demand and torn down on shutdown.
package container

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds callers branch on.
var (
	// ErrRuntimeUnavailable means the configured runtime is missing or
	// its daemon is not responding. Container-dependent operations are
	// refused until the user acts.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrSessionNotFound means the addressed session exists neither on
	// disk nor in the container.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionActive means a user message arrived while a turn was
	// already in flight.
	ErrSessionActive = errors.New("session already has an active turn")
)

// StartError wraps a failed container start attempt. Health-poll timeouts
// and runtime start failures both surface through it.
type StartError struct {
	AgentSlug string
	Reason    string
	Err       error
}

func (e *StartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to start container for agent %s: %s: %v", e.AgentSlug, e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to start container for agent %s: %s", e.AgentSlug, e.Reason)
}

func (e *StartError) Unwrap() error { return e.Err }

// NotHealthyError means the container started but never answered its
// health check within the timeout.
type NotHealthyError struct {
	AgentSlug string
}

func (e *NotHealthyError) Error() string {
	return fmt.Sprintf("container for agent %s never became healthy", e.AgentSlug)
}
