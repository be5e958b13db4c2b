package controlroom

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iNandix/denis/internal/engine"
	"github.com/iNandix/denis/internal/eventv1"
	"github.com/iNandix/denis/internal/persona"
	"github.com/iNandix/denis/internal/telemetry"
)

// Emitter is the narrow persona-frontdoor surface the service reports state
// transitions through. *persona.Frontdoor satisfies it.
type Emitter interface {
	Emit(ctx context.Context, req persona.EmitRequest) (eventv1.Envelope, error)
}

// Options configures the Service.
type Options struct {
	Store   Store
	Engine  engine.Engine
	Emitter Emitter
	// Telemetry defaults to telemetry.Noop().
	Telemetry *telemetry.Bundle
}

// Service coordinates the Task/Approval lifecycle: queue writes go to the
// Store, execution goes through the Engine, and every transition is emitted
// as a control_room.* event so the graph stays the SSoT.
type Service struct {
	store     Store
	engine    engine.Engine
	emitter   Emitter
	telemetry telemetry.Bundle
}

// NewService validates wiring and builds the service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("controlroom: Store is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("controlroom: Engine is required")
	}
	if opts.Emitter == nil {
		return nil, fmt.Errorf("controlroom: Emitter is required")
	}
	bundle := telemetry.Noop()
	if opts.Telemetry != nil {
		bundle = *opts.Telemetry
	}
	return &Service{store: opts.Store, engine: opts.Engine, emitter: opts.Emitter, telemetry: bundle}, nil
}

// CreateTaskRequest is the input to CreateTask. Payload is hashed, never
// stored raw.
type CreateTaskRequest struct {
	Type             string
	Priority         string
	Requester        string
	ConversationID   string
	Payload          map[string]any
	ReasonSafe       string
	Specialty        string
	RequiresApproval bool
}

// turnContext marks ctx as running inside the persona emitter for
// conversationID so frontdoor enforcement accepts the service's emits.
func turnContext(ctx context.Context, conversationID string) context.Context {
	return persona.WithTurnContext(ctx, persona.TurnContext{
		ConversationID: conversationID,
		CorrelationID:  uuid.NewString(),
		TurnID:         uuid.NewString(),
	})
}

// CreateTask enqueues a task and emits control_room.task.created.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (Task, error) {
	now := time.Now().UTC()
	task := Task{
		TaskID:              "task_" + uuid.NewString(),
		Type:                req.Type,
		Status:              TaskQueued,
		Priority:            defaultStr(req.Priority, "normal"),
		Requester:           req.Requester,
		ConversationID:      defaultStr(req.ConversationID, eventv1.DefaultConversationID),
		PayloadRedactedHash: hashPayload(req.Payload),
		ReasonSafe:          req.ReasonSafe,
		Specialty:           req.Specialty,
		RequiresApproval:    req.RequiresApproval,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.UpsertTask(ctx, task); err != nil {
		return Task{}, fmt.Errorf("controlroom: create task: %w", err)
	}

	ctx = turnContext(ctx, task.ConversationID)
	s.emit(ctx, task.ConversationID, eventv1.TypeControlRoomTaskCreated, map[string]any{
		"task_id":               task.TaskID,
		"type":                  task.Type,
		"priority":              task.Priority,
		"requester":             task.Requester,
		"payload_redacted_hash": task.PayloadRedactedHash,
		"reason_safe":           task.ReasonSafe,
		"specialty":             task.Specialty,
	})
	return task, nil
}

// UpdateTaskStatus patches a task's queue status and emits
// control_room.task.updated.
func (s *Service) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) (Task, error) {
	task, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertTask(ctx, task); err != nil {
		return Task{}, fmt.Errorf("controlroom: update task: %w", err)
	}

	ctx = turnContext(ctx, task.ConversationID)
	s.emit(ctx, task.ConversationID, eventv1.TypeControlRoomTaskUpdated, map[string]any{
		"task_id": task.TaskID,
		"status":  string(status),
	})
	return task, nil
}

// Claim leases the oldest queued task for workerID and reports the
// transition.
func (s *Service) Claim(ctx context.Context, workerID string, lease time.Duration) (Task, error) {
	task, err := s.store.Claim(ctx, workerID, lease)
	if err != nil {
		return Task{}, err
	}
	ctx = turnContext(ctx, task.ConversationID)
	s.emit(ctx, task.ConversationID, eventv1.TypeControlRoomTaskUpdated, map[string]any{
		"task_id": task.TaskID,
		"status":  string(TaskRunning),
	})
	return task, nil
}

// RequestApproval opens a pending approval for a task and emits
// control_room.approval.requested.
func (s *Service) RequestApproval(ctx context.Context, taskID, policyID, scope string) (Approval, error) {
	task, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		return Approval{}, err
	}
	approval := Approval{
		ApprovalID: "appr_" + uuid.NewString(),
		TaskID:     taskID,
		Status:     ApprovalPending,
		PolicyID:   policyID,
		Scope:      scope,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.UpsertApproval(ctx, approval); err != nil {
		return Approval{}, fmt.Errorf("controlroom: request approval: %w", err)
	}

	task.RequiresApproval = true
	task.ApprovalID = approval.ApprovalID
	task.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertTask(ctx, task); err != nil {
		return Approval{}, fmt.Errorf("controlroom: attach approval: %w", err)
	}

	ctx = turnContext(ctx, task.ConversationID)
	s.emit(ctx, task.ConversationID, eventv1.TypeControlRoomApprovalRequested, map[string]any{
		"approval_id": approval.ApprovalID,
		"task_id":     taskID,
		"policy_id":   policyID,
		"scope":       scope,
	})
	return approval, nil
}

// ResolveApproval records an approve/reject decision and emits
// control_room.approval.resolved.
func (s *Service) ResolveApproval(ctx context.Context, approvalID string, approve bool, resolvedBy, reasonSafe string) (Approval, error) {
	approval, err := s.store.LoadApproval(ctx, approvalID)
	if err != nil {
		return Approval{}, err
	}
	if approve {
		approval.Status = ApprovalApproved
	} else {
		approval.Status = ApprovalRejected
	}
	approval.ResolvedBy = resolvedBy
	approval.ReasonSafe = reasonSafe
	approval.ResolvedAt = time.Now().UTC()
	if err := s.store.UpsertApproval(ctx, approval); err != nil {
		return Approval{}, fmt.Errorf("controlroom: resolve approval: %w", err)
	}

	conversationID := eventv1.DefaultConversationID
	if task, err := s.store.LoadTask(ctx, approval.TaskID); err == nil {
		conversationID = task.ConversationID
	}
	ctx = turnContext(ctx, conversationID)
	s.emit(ctx, conversationID, eventv1.TypeControlRoomApprovalResolved, map[string]any{
		"approval_id": approval.ApprovalID,
		"status":      string(approval.Status),
		"resolved_by": resolvedBy,
		"reason_safe": reasonSafe,
	})
	return approval, nil
}

// ErrApprovalRequired is returned by SpawnRun when the task's approval is
// missing or not approved.
var ErrApprovalRequired = fmt.Errorf("controlroom: approval required")

// SpawnRun starts the task's run on the engine, emits
// control_room.run.spawned, and watches for completion in the background
// (emitting control_room.run.completed and the terminal task update).
func (s *Service) SpawnRun(ctx context.Context, taskID string) (Task, error) {
	task, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if task.RequiresApproval {
		approval, err := s.store.LoadApproval(ctx, task.ApprovalID)
		if err != nil || approval.Status != ApprovalApproved {
			return Task{}, ErrApprovalRequired
		}
	}

	runID := "run_" + uuid.NewString()
	handle, err := s.engine.StartRun(ctx, engine.RunRequest{
		RunID:  runID,
		TaskID: task.TaskID,
		Input:  map[string]any{"payload_redacted_hash": task.PayloadRedactedHash, "type": task.Type},
	})
	if err != nil {
		return Task{}, fmt.Errorf("controlroom: spawn run: %w", err)
	}

	task.RunID = runID
	task.Status = TaskRunning
	task.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertTask(ctx, task); err != nil {
		s.telemetry.Logger.Warn(ctx, "task upsert after spawn failed", "task_id", task.TaskID, "error", err)
	}

	ctx = turnContext(ctx, task.ConversationID)
	s.emit(ctx, task.ConversationID, eventv1.TypeControlRoomRunSpawned, map[string]any{
		"task_id": task.TaskID,
		"run_id":  runID,
	})

	go s.watchRun(context.WithoutCancel(ctx), task, handle)
	return task, nil
}

// watchRun waits for the run's terminal status and reports it. The reports
// run in their own turn context; the spawn's turn ended with the spawned
// event.
func (s *Service) watchRun(ctx context.Context, task Task, handle engine.Handle) {
	result, err := handle.Wait(ctx)
	ctx = turnContext(ctx, task.ConversationID)
	if err != nil && result.Status == "" {
		result.Status = engine.StatusFailed
	}

	status := TaskSuccess
	switch result.Status {
	case engine.StatusFailed:
		status = TaskFailed
	case engine.StatusCanceled:
		status = TaskCanceled
	}

	s.emit(ctx, task.ConversationID, eventv1.TypeControlRoomRunCompleted, map[string]any{
		"run_id":       handle.RunID(),
		"task_id":      task.TaskID,
		"status":       string(result.Status),
		"steps_total":  intFromOutput(result.Output, "steps_total"),
		"steps_failed": intFromOutput(result.Output, "steps_failed"),
	})

	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertTask(ctx, task); err != nil {
		s.telemetry.Logger.Warn(ctx, "terminal task upsert failed", "task_id", task.TaskID, "error", err)
	}
	s.emit(ctx, task.ConversationID, eventv1.TypeControlRoomTaskUpdated, map[string]any{
		"task_id": task.TaskID,
		"status":  string(status),
	})
}

func (s *Service) emit(ctx context.Context, conversationID, eventType string, payload map[string]any) {
	_, err := s.emitter.Emit(ctx, persona.EmitRequest{
		ConversationID: conversationID,
		Type:           eventType,
		Severity:       eventv1.SeverityInfo,
		Payload:        payload,
		Stored:         true,
	})
	if err != nil {
		s.telemetry.Logger.Warn(ctx, "control room emit failed", "type", eventType, "error", err)
	}
}

func hashPayload(payload map[string]any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		b = []byte("{}")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intFromOutput(output map[string]any, key string) int {
	switch n := output[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
