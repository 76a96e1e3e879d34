package model

import "fmt"

// Status is the lifecycle state shared by export jobs and media metadata
// records. Transitions are monotonic: pending -> running -> complete|failed.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Code returns the one-character code used at the storage boundary.
func (s Status) Code() string {
	switch s {
	case StatusPending:
		return "p"
	case StatusRunning:
		return "r"
	case StatusComplete:
		return "c"
	case StatusFailed:
		return "f"
	}
	return ""
}

// StatusFromCode maps a storage code back to a Status.
func StatusFromCode(code string) (Status, error) {
	switch code {
	case "p":
		return StatusPending, nil
	case "r":
		return StatusRunning, nil
	case "c":
		return StatusComplete, nil
	case "f":
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown status code %q", code)
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// CanTransition reports whether moving from s to next respects the
// pending -> running -> complete|failed ordering.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusRunning:
		return s == StatusPending
	case StatusComplete, StatusFailed:
		return true
	}
	return false
}

// JobKind identifies which export pipeline a job runs through.
type JobKind string

const (
	KindSubjectSet         JobKind = "subject_set"
	KindWorkflow           JobKind = "workflow"
	KindMLSubjectAssistant JobKind = "ml_subject_assistant"
)

var ValidJobKinds = []JobKind{KindSubjectSet, KindWorkflow, KindMLSubjectAssistant}

// Prediction backends for ML subject-assistant exports.
const (
	BackendCameraTraps = "cameratraps"
	BackendKade        = "kade"
)
