// Package cron runs user-defined polling jobs and converts their triggers
// into new bridged sessions. Dedupe keys are persisted per job so a trigger
// spawns at most one session across restarts.
package cron

import (
	"context"
	"encoding/json"
	"time"
)

// Job is a persisted polling job definition.
type Job struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Type            string          `json:"type"` // checker registry key
	Enabled         bool            `json:"enabled"`
	IntervalSeconds int             `json:"intervalSeconds"`
	// Schedule optionally replaces the fixed interval with a standard
	// 5-field cron expression.
	Schedule       string          `json:"schedule,omitempty"`
	Config         json.RawMessage `json:"config"`
	Model          string          `json:"model,omitempty"`
	PermissionMode string          `json:"permissionMode,omitempty"`
	Cwd            string          `json:"cwd,omitempty"`
	LastRunAt      time.Time       `json:"lastRunAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusSkipped   = "skipped"
)

// Run is one recorded invocation of a job. History is capped per job.
type Run struct {
	ID                string    `json:"id"`
	JobID             string    `json:"jobId"`
	StartedAt         time.Time `json:"startedAt"`
	FinishedAt        time.Time `json:"finishedAt,omitempty"`
	Status            string    `json:"status"`
	SpawnedSessionIDs []string  `json:"spawnedSessionIds,omitempty"`
	TriggerSummary    string    `json:"triggerSummary,omitempty"`
	Error             string    `json:"error,omitempty"`
	TriggerCount      int       `json:"triggerCount"`
}

// Trigger is a checker-produced record describing a situation worth acting
// on. DedupeKey identifies it across runs and restarts.
type Trigger struct {
	DedupeKey   string `json:"dedupeKey"`
	SessionName string `json:"sessionName"`
	Prompt      string `json:"prompt"`
	Cwd         string `json:"cwd,omitempty"`
	Summary     string `json:"summary"`
}

// Checker inspects an external source and returns triggers. Checkers never
// panic the scheduler; a failure is returned as an error and recorded on the
// run.
type Checker func(ctx context.Context, config json.RawMessage) ([]Trigger, error)

// SpawnRequest is what the scheduler asks the session runtime for per
// un-seen trigger.
type SpawnRequest struct {
	Model          string
	PermissionMode string
	Cwd            string
	SessionName    string
	Prompt         string
}

// SessionSpawner launches a session and feeds it its first user message. The
// server wires this to the launcher and bridge; the prompt rides the normal
// user-message path, so queuing covers a subprocess that has not attached yet.
type SessionSpawner interface {
	SpawnSession(req SpawnRequest) (sessionID string, err error)
}
