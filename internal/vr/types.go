// Package vr defines core types shared across subsystems.
package vr

import (
	"encoding/json"
	"time"
)

// ReleaseStatus represents the lifecycle state of a release candidate.
type ReleaseStatus string

// Release status values persisted in the store. A release transitions out of
// PROCESSING exactly once and never back.
const (
	ReleaseProcessing ReleaseStatus = "PROCESSING"
	ReleaseGood       ReleaseStatus = "GOOD"
	ReleaseBad        ReleaseStatus = "BAD"
)

// RunStatus represents the lifecycle state of a single run.
type RunStatus string

// Run status values persisted in the store.
const (
	RunDataPending  RunStatus = "DATA_PENDING"
	RunDiffNeeded   RunStatus = "DIFF_NEEDED"
	RunDiffApproved RunStatus = "DIFF_APPROVED"
	RunFailed       RunStatus = "FAILED"
)

// TaskType identifies the kind of asynchronous work a task carries.
type TaskType string

// Supported task types.
const (
	TaskCapture TaskType = "CAPTURE"
	TaskDiff    TaskType = "DIFF"
)

// TaskStatus represents the queue state of a task.
type TaskStatus string

// Task status values. QUEUED and LEASED are the only non-terminal states.
const (
	TaskQueued   TaskStatus = "QUEUED"
	TaskLeased   TaskStatus = "LEASED"
	TaskDone     TaskStatus = "DONE"
	TaskFailed   TaskStatus = "FAILED"
	TaskCanceled TaskStatus = "CANCELED"
)

// Build is a tracked product or site screenshotted repeatedly over time.
// Created once; only visibility may change afterwards.
type Build struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Public    bool      `json:"public"`
	CreatedAt time.Time `json:"created_at"`
}

// Release is one attempt, identified by build+name+number, at producing a
// verified screenshot set. Only the highest-numbered PROCESSING release for a
// (build, name) pair accepts new runs.
type Release struct {
	ID        string        `json:"id"`
	BuildID   string        `json:"build_id"`
	Name      string        `json:"name"`
	Number    int           `json:"number"`
	URL       string        `json:"url"`
	Status    ReleaseStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Run is one named page captured within a release candidate. The Ref* fields
// are the baseline linkage, copied from the last good release's run of the
// same name at creation time and never rewritten afterwards.
type Run struct {
	ID        string    `json:"id"`
	ReleaseID string    `json:"release_id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Status    RunStatus `json:"status"`

	Image  string `json:"image,omitempty"`
	Log    string `json:"log,omitempty"`
	Config string `json:"config,omitempty"`

	RefURL    string `json:"ref_url,omitempty"`
	RefImage  string `json:"ref_image,omitempty"`
	RefLog    string `json:"ref_log,omitempty"`
	RefConfig string `json:"ref_config,omitempty"`

	DiffImage string `json:"diff_image,omitempty"`
	DiffLog   string `json:"diff_log,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Resolved reports whether the run no longer needs capture or diff work.
func (r Run) Resolved() bool {
	switch r.Status {
	case RunDiffApproved, RunFailed:
		return true
	case RunDiffNeeded:
		return r.DiffImage != ""
	default:
		return false
	}
}

// Artifact is an immutable, content-addressed binary (screenshot, diff image,
// log, config). The hash is the hex SHA-256 of the bytes; identical content
// is shared across runs.
type Artifact struct {
	Hash        string    `json:"hash"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	URI         string    `json:"uri,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Task is a unit of asynchronous work tracked for retry and cancellation.
// Every task is owned by exactly one release; canceling a release cancels all
// of its outstanding tasks.
type Task struct {
	ID             string          `json:"id"`
	Type           TaskType        `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	OwnerReleaseID string          `json:"owner_release_id"`
	Status         TaskStatus      `json:"status"`
	Attempts       int             `json:"attempts"`
	WorkerID       string          `json:"worker_id,omitempty"`
	LeaseDeadline  time.Time       `json:"lease_deadline,omitzero"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorText      string          `json:"error_text,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CapturePayload is the payload of a CAPTURE task.
type CapturePayload struct {
	ReleaseID string `json:"release_id"`
	RunName   string `json:"run_name"`
	URL       string `json:"url"`
	Config    string `json:"config,omitempty"`
}

// DiffPayload is the payload of a DIFF task. Image and RefImage are artifact
// hashes captured at enqueue time.
type DiffPayload struct {
	ReleaseID string `json:"release_id"`
	RunName   string `json:"run_name"`
	Image     string `json:"image"`
	RefImage  string `json:"ref_image"`
}

// CaptureResult is recorded as the task result of a successful capture.
type CaptureResult struct {
	Image  string `json:"image"`
	Log    string `json:"log"`
	Config string `json:"config"`
}

// DiffResult is recorded as the task result of a successful diff.
type DiffResult struct {
	DiffImage string  `json:"diff_image"`
	Differs   bool    `json:"differs"`
	Ratio     float64 `json:"ratio"`
}
