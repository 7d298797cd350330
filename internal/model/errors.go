package model

import (
	"errors"
)

var (
	// Job creation failures, surfaced synchronously to the caller.
	ErrDatasetNotFound   = errors.New("dataset not found")
	ErrEntitlementDenied = errors.New("entitlement denied")
	ErrJobLimitReached   = errors.New("job limit reached")

	// Dispatch-time failures, recorded into the job log and history.
	ErrNoRunnerAvailable = errors.New("no runner available")
	ErrRunnerNotFound    = errors.New("runner not found")
	ErrRunnerNotIdle     = errors.New("runner not idle")
	ErrDispatchSend      = errors.New("dispatch send failed")

	// Channel-level rejection, connection terminated, no job impact.
	ErrAuthRejected = errors.New("authentication rejected")

	ErrJobNotFound    = errors.New("job not found")
	ErrSessionInvalid = errors.New("session invalid")
)
