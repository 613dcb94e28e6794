// Package models defines the persistent records owned by the AppForge
// orchestration core: sandbox sessions, deferred jobs, agent runs, and
// validation audit records. Business entities (users, chat history, billing)
// live in other services and are not modeled here.
package models

import (
	"time"

	"gorm.io/gorm"
)

// SessionStatus tracks the lifecycle of a sandbox session.
// Transitions are forward-only: Provisioning -> Running -> Stopped|Failed.
type SessionStatus string

const (
	SessionProvisioning SessionStatus = "provisioning"
	SessionRunning      SessionStatus = "running"
	SessionStopped      SessionStatus = "stopped"
	SessionFailed       SessionStatus = "failed"
)

// CanTransition reports whether moving to next is a legal forward transition.
// A stopped or failed session is never resurrected.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionProvisioning:
		return next == SessionRunning || next == SessionFailed || next == SessionStopped
	case SessionRunning:
		return next == SessionStopped || next == SessionFailed
	default:
		return false
	}
}

// SandboxSession is the durable handle for one remote sandbox, owned by
// exactly one fragment at a time. Ownership moves via Manager.Transfer.
type SandboxSession struct {
	ID        string         `json:"id" gorm:"primaryKey;size:36"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	OwnerFragmentID string        `json:"owner_fragment_id" gorm:"index;not null"`
	ProjectID       string        `json:"project_id" gorm:"index"`
	Handle          string        `json:"handle" gorm:"size:128"` // remote sandbox service handle
	Status          SessionStatus `json:"status" gorm:"size:20;not null;default:'provisioning'"`
	LastUsedAt      time.Time     `json:"last_used_at"`
}

// JobStatus tracks a deferred operation through the sweep cycle.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// PendingJob is an operation that could not be admitted immediately
// (rate limit exhausted or circuit open). It is persisted rather than
// dropped and retried by the periodic sweep with bounded attempts.
type PendingJob struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`

	OperationType string    `json:"operation_type" gorm:"index;size:50;not null"`
	Payload       string    `json:"payload" gorm:"type:text"` // JSON, interpreted by the executor
	Attempts      int       `json:"attempts" gorm:"not null;default:0"`
	Status        JobStatus `json:"status" gorm:"index;size:20;not null;default:'pending'"`
	LastError     string    `json:"last_error,omitempty" gorm:"type:text"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
}

// RunStage is the state of one end-to-end generation cycle.
type RunStage string

const (
	StagePlanning   RunStage = "planning"
	StageCoding     RunStage = "coding"
	StageValidating RunStage = "validating"
	StageRepairing  RunStage = "repairing"
	StageDone       RunStage = "done"
	StageError      RunStage = "error"
)

// Terminal reports whether the stage is final.
func (s RunStage) Terminal() bool { return s == StageDone || s == StageError }

// AgentRun tracks one generation/repair cycle for a fragment.
// RepairCount never exceeds the configured repair budget; that bound is the
// run's only termination guarantee, so it is enforced, not advisory.
type AgentRun struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`

	ProjectID   string   `json:"project_id" gorm:"index;not null"`
	FragmentID  string   `json:"fragment_id" gorm:"index;not null"`
	Request     string   `json:"request" gorm:"type:text"`
	Stack       string   `json:"stack" gorm:"size:30"`
	Stage       RunStage `json:"stage" gorm:"index;size:20;not null;default:'planning'"`
	RepairCount int      `json:"repair_count" gorm:"not null;default:0"`
	LastError   string   `json:"last_error,omitempty" gorm:"type:text"`

	// Plan and Files persist intermediate pipeline output as JSON so a run
	// deferred mid-stage can resume without regenerating earlier stages.
	Plan  string `json:"plan,omitempty" gorm:"type:text"`
	Files string `json:"files,omitempty" gorm:"type:text"`
}

// ValidationRecord is the audit persistence of a ValidationReport. The live
// report is consumed by the repair decision and discarded; this record exists
// only so a failed run can be diagnosed after the fact.
type ValidationRecord struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`

	RunID    string `json:"run_id" gorm:"index;size:36;not null"`
	Command  string `json:"command" gorm:"size:255"`
	Stdout   string `json:"stdout" gorm:"type:text"`
	Stderr   string `json:"stderr" gorm:"type:text"`
	ExitCode int    `json:"exit_code"`
	Passed   bool   `json:"passed"`
}
