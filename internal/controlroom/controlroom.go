// Package controlroom implements the live Task/Approval work queue. The
// queue store is not the source of truth — the graph is; this store exists so
// a worker can claim a Task without scanning the graph. Every state
// transition is reported back through the persona frontdoor, which
// materializes it.
package controlroom

import (
	"context"
	"errors"
	"time"
)

// TaskStatus is a work request's queue status.
type TaskStatus string

// Task statuses.
const (
	TaskQueued   TaskStatus = "queued"
	TaskRunning  TaskStatus = "running"
	TaskSuccess  TaskStatus = "success"
	TaskFailed   TaskStatus = "failed"
	TaskCanceled TaskStatus = "canceled"
	TaskStale    TaskStatus = "stale"
)

// ApprovalStatus is an approval's resolution status.
type ApprovalStatus string

// Approval statuses.
const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Task is one queued work request. Payload content is stored only as a
// redacted hash; reason_safe carries operator-facing context with no secrets.
type Task struct {
	TaskID              string     `bson:"task_id" json:"task_id"`
	Type                string     `bson:"type" json:"type"`
	Status              TaskStatus `bson:"status" json:"status"`
	Priority            string     `bson:"priority" json:"priority"`
	Requester           string     `bson:"requester" json:"requester"`
	ConversationID      string     `bson:"conversation_id" json:"conversation_id"`
	PayloadRedactedHash string     `bson:"payload_redacted_hash" json:"payload_redacted_hash"`
	ReasonSafe          string     `bson:"reason_safe" json:"reason_safe"`
	Specialty           string     `bson:"specialty,omitempty" json:"specialty,omitempty"`
	RequiresApproval    bool       `bson:"requires_approval" json:"requires_approval"`
	ApprovalID          string     `bson:"approval_id,omitempty" json:"approval_id,omitempty"`
	RunID               string     `bson:"run_id,omitempty" json:"run_id,omitempty"`
	Retries             int        `bson:"retries" json:"retries"`
	ClaimedBy           string     `bson:"claimed_by,omitempty" json:"claimed_by,omitempty"`
	LeaseExpiresAt      time.Time  `bson:"lease_expires_at,omitempty" json:"lease_expires_at,omitempty"`
	CreatedAt           time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `bson:"updated_at" json:"updated_at"`
}

// Approval is one approval request gating a Task (and optionally a Run or
// Step).
type Approval struct {
	ApprovalID string         `bson:"approval_id" json:"approval_id"`
	TaskID     string         `bson:"task_id" json:"task_id"`
	Status     ApprovalStatus `bson:"status" json:"status"`
	PolicyID   string         `bson:"policy_id" json:"policy_id"`
	Scope      string         `bson:"scope" json:"scope"`
	ResolvedBy string         `bson:"resolved_by,omitempty" json:"resolved_by,omitempty"`
	ReasonSafe string         `bson:"reason_safe,omitempty" json:"reason_safe,omitempty"`
	ResolvedAt time.Time      `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
	CreatedAt  time.Time      `bson:"created_at" json:"created_at"`
}

// ErrNotFound is returned by Load operations when the record does not exist.
var ErrNotFound = errors.New("controlroom: not found")

// Store is the queue-metadata persistence contract. Implementations must
// make Claim atomic: at most one worker wins a queued task.
type Store interface {
	UpsertTask(ctx context.Context, task Task) error
	LoadTask(ctx context.Context, taskID string) (Task, error)
	// Claim atomically transitions the oldest queued task to running with a
	// lease for workerID. ErrNotFound when the queue is empty.
	Claim(ctx context.Context, workerID string, lease time.Duration) (Task, error)

	UpsertApproval(ctx context.Context, approval Approval) error
	LoadApproval(ctx context.Context, approvalID string) (Approval, error)

	Close(ctx context.Context) error
}
