package graph

import (
	"context"

	"github.com/iNandix/denis/internal/eventv1"
)

func (m *Materializer) handleTaskCreated(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	p := mctx.Payload
	taskID := strOf(p["task_id"])
	if taskID == "" {
		return
	}
	mid := MutationID(ev.EventID, "cr_task_created", taskID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	taskType := strOf(p["type"])
	if taskType == "" {
		taskType = strOf(p["task_type"])
	}
	priority := strOf(p["priority"])
	if priority == "" {
		priority = "normal"
	}
	redactedHash := strOf(p["payload_redacted_hash"])
	if redactedHash == "" {
		redactedHash = strOf(p["payload_hash"])
	}

	m.upsertNode(ctx, LabelTask, taskID, map[string]any{
		"status":                   "queued",
		"type":                     taskType,
		"priority":                 priority,
		"requester":                strOf(p["requester"]),
		"conversation_id":          ev.ConversationID,
		"trace_id":                 ev.TraceID,
		"payload_redacted_hash":    redactedHash,
		"reason_safe":              strOf(p["reason_safe"]),
		"created_ts":               mctx.TS,
		"specialty":                strOf(p["specialty"]),
		"no_overlap_contract_hash": strOf(p["no_overlap_contract_hash"]),
		"requested_paths":          listOf(p["requested_paths"]),
	})
	m.touchComponent(ctx, "control_room", mctx.TS, "ok")
}

func (m *Materializer) handleTaskUpdated(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	p := mctx.Payload
	taskID := strOf(p["task_id"])
	if taskID == "" {
		return
	}
	mid := MutationID(ev.EventID, "cr_task_updated", taskID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	patch := map[string]any{"updated_ts": mctx.TS}
	for _, field := range []string{"status", "retries", "started_ts", "ended_ts"} {
		if v, ok := p[field]; ok && v != nil {
			patch[field] = v
		}
	}
	m.upsertNode(ctx, LabelTask, taskID, patch)
	m.touchComponent(ctx, "control_room", mctx.TS, "ok")
}

func (m *Materializer) handleRunSpawned(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	p := mctx.Payload
	taskID := strOf(p["task_id"])
	runID := strOf(p["run_id"])
	if taskID == "" || runID == "" {
		return
	}
	mid := MutationID(ev.EventID, "cr_run_spawned", taskID+":"+runID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	m.upsertNode(ctx, LabelRun, runID, map[string]any{
		"kind": "control_room", "ts": mctx.TS, "status": "running",
	})
	m.mergeEdge(ctx, Edge{
		FromLabel: LabelTask, FromID: taskID,
		Type:    EdgeSpawns,
		ToLabel: LabelRun, ToID: runID,
	})
	m.touchComponent(ctx, "control_room", mctx.TS, "ok")
}

// handleRunCompleted materializes the control_room_run_report artifact when a
// control-room run reaches a terminal status.
func (m *Materializer) handleRunCompleted(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	p := mctx.Payload
	runID := strOf(p["run_id"])
	if runID == "" {
		return
	}
	mid := MutationID(ev.EventID, "cr_run_completed", runID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	status := strOf(p["status"])
	if status == "" {
		status = "success"
	}
	m.upsertNode(ctx, LabelRun, runID, map[string]any{
		"status": status, "ended_ts": mctx.TS,
	})

	report := map[string]any{
		"steps_total":  intOf(p["steps_total"]),
		"steps_failed": intOf(p["steps_failed"]),
		"status":       status,
	}
	artifactID := sha256Hex(runID + ":report:" + stableJSON(report))
	m.upsertNode(ctx, LabelArtifact, artifactID, map[string]any{
		"kind":        "control_room_run_report",
		"ts":          mctx.TS,
		"hash_sha256": artifactID,
		"counts_json": stableJSON(report),
	})
	m.mergeEdge(ctx, Edge{
		FromLabel: LabelRun, FromID: runID,
		Type:    EdgeProduced,
		ToLabel: LabelArtifact, ToID: artifactID,
	})
	m.touchComponent(ctx, "control_room", mctx.TS, "ok")
}

func (m *Materializer) handleApprovalRequested(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	p := mctx.Payload
	approvalID := strOf(p["approval_id"])
	if approvalID == "" {
		return
	}
	mid := MutationID(ev.EventID, "cr_approval_requested", approvalID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	m.upsertNode(ctx, LabelApproval, approvalID, map[string]any{
		"status":       "pending",
		"policy_id":    strOf(p["policy_id"]),
		"scope":        strOf(p["scope"]),
		"requested_ts": mctx.TS,
	})
	if taskID := strOf(p["task_id"]); taskID != "" {
		m.mergeEdge(ctx, Edge{
			FromLabel: LabelTask, FromID: taskID,
			Type:    EdgeRequiresApproval,
			ToLabel: LabelApproval, ToID: approvalID,
		})
	}
	if runID := strOf(p["run_id"]); runID != "" {
		m.mergeEdge(ctx, Edge{
			FromLabel: LabelApproval, FromID: approvalID,
			Type:    EdgeGoverns,
			ToLabel: LabelRun, ToID: runID,
		})
	}
	if stepID := strOf(p["step_id"]); stepID != "" {
		m.mergeEdge(ctx, Edge{
			FromLabel: LabelApproval, FromID: approvalID,
			Type:    EdgeGoverns,
			ToLabel: LabelStep, ToID: stepID,
		})
	}
	m.touchComponent(ctx, "control_room", mctx.TS, "ok")
}

func (m *Materializer) handleApprovalResolved(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	p := mctx.Payload
	approvalID := strOf(p["approval_id"])
	if approvalID == "" {
		return
	}
	mid := MutationID(ev.EventID, "cr_approval_resolved", approvalID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	status := strOf(p["status"])
	if status == "" {
		status = "resolved"
	}
	resolvedTS := strOf(p["resolved_ts"])
	if resolvedTS == "" {
		resolvedTS = mctx.TS
	}
	m.upsertNode(ctx, LabelApproval, approvalID, map[string]any{
		"status":      status,
		"resolved_by": strOf(p["resolved_by"]),
		"resolved_ts": resolvedTS,
		"reason_safe": strOf(p["reason_safe"]),
	})
	m.touchComponent(ctx, "control_room", mctx.TS, "ok")
}

func (m *Materializer) handleActionUpdated(ctx context.Context, ev eventv1.Envelope, mctx mutationContext) {
	p := mctx.Payload
	actionID := strOf(p["action_id"])
	if actionID == "" {
		return
	}
	mid := MutationID(ev.EventID, "cr_action_updated", actionID)
	if !m.dedupe.Acquire(ctx, mid) {
		return
	}

	m.upsertNode(ctx, LabelAction, actionID, map[string]any{
		"name":                 strOf(p["name"]),
		"tool":                 strOf(p["tool"]),
		"status":               strOf(p["status"]),
		"args_redacted_hash":   strOf(p["args_redacted_hash"]),
		"result_redacted_hash": strOf(p["result_redacted_hash"]),
		"updated_ts":           mctx.TS,
	})
	if stepID := strOf(p["step_id"]); stepID != "" {
		m.mergeEdge(ctx, Edge{
			FromLabel: LabelStep, FromID: stepID,
			Type:    EdgeHasAction,
			ToLabel: LabelAction, ToID: actionID,
			Props: map[string]any{"order": intOf(p["order"])},
		})
	}
	m.touchComponent(ctx, "control_room", mctx.TS, "ok")
}
