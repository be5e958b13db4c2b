package graph_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iNandix/denis/internal/eventv1"
	"github.com/iNandix/denis/internal/graph"
	"github.com/iNandix/denis/internal/graph/dedupe"
	"github.com/iNandix/denis/internal/graph/inmem"
	"github.com/iNandix/denis/internal/telemetry"
)

func newMaterializer(t *testing.T) (*graph.Materializer, *inmem.Graph) {
	t.Helper()
	g := inmem.New()
	m := graph.New(g, dedupe.NewMemory(), telemetry.Noop(), graph.Options{})
	return m, g
}

func event(id int64, typ string, payload map[string]any) eventv1.Envelope {
	return eventv1.Envelope{
		EventID:        id,
		TS:             "2026-08-02T10:00:00Z",
		ConversationID: "conv1",
		Emitter:        eventv1.PersonaEmitter,
		CorrelationID:  "corr-1",
		TurnID:         "turn-1",
		Channel:        eventv1.InferChannel(typ),
		Stored:         true,
		Type:           typ,
		Severity:       eventv1.SeverityInfo,
		SchemaVersion:  eventv1.SchemaVersion,
		Payload:        payload,
	}
}

func TestMaterializeIdempotent(t *testing.T) {
	m, g := newMaterializer(t)
	ctx := context.Background()

	ev := event(7, eventv1.TypeRAGSearchResult, map[string]any{
		"selected": []any{map[string]any{"source": "example.com"}},
	})

	require.NoError(t, m.Materialize(ctx, ev))
	first := g.WriteCount()
	require.Positive(t, first)

	// Reprocessing the same event must produce zero additional graph writes.
	require.NoError(t, m.Materialize(ctx, ev))
	assert.Equal(t, first, g.WriteCount())
}

func TestMaterializeRAGSearchResult(t *testing.T) {
	m, g := newMaterializer(t)
	ctx := context.Background()

	ev := event(3, eventv1.TypeRAGSearchResult, map[string]any{
		"selected": []any{
			map[string]any{"source": "example.com"},
			map[string]any{"source": "docs.example.org"},
		},
	})
	require.NoError(t, m.Materialize(ctx, ev))

	runID := graph.RunIDFor("conv1", "turn-1")
	_, found, err := g.Node(ctx, graph.LabelRun, runID)
	require.NoError(t, err)
	assert.True(t, found, "run node should exist")

	sources, err := g.NodesByLabel(ctx, graph.LabelSource)
	require.NoError(t, err)
	assert.Len(t, sources, 2)

	artifacts, err := g.NodesByLabel(ctx, graph.LabelArtifact)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "evidence_pack", artifacts[0]["kind"])
}

func TestMaterializeUnknownTypeFreshnessOnly(t *testing.T) {
	m, g := newMaterializer(t)
	ctx := context.Background()

	require.NoError(t, m.Materialize(ctx, event(1, "mystery.event", nil)))

	// Unknown types never create a Run, only refresh bus freshness.
	runs, err := g.NodesByLabel(ctx, graph.LabelRun)
	require.NoError(t, err)
	assert.Empty(t, runs)

	bus, found, err := g.Node(ctx, graph.LabelComponent, "ws_event_bus")
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEmpty(t, bus["freshness_ts"])
}

func TestMaterializeErrorDegradesRunAndBus(t *testing.T) {
	m, g := newMaterializer(t)
	ctx := context.Background()

	require.NoError(t, m.Materialize(ctx, event(4, eventv1.TypeError, map[string]any{"code": "boom"})))

	runID := graph.RunIDFor("conv1", "turn-1")
	run, found, err := g.Node(ctx, graph.LabelRun, runID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "degraded", run["status"])

	bus, _, err := g.Node(ctx, graph.LabelComponent, "ws_event_bus")
	require.NoError(t, err)
	assert.Equal(t, "degraded", bus["status"])
}

func TestControlRoomFlow(t *testing.T) {
	m, g := newMaterializer(t)
	ctx := context.Background()

	require.NoError(t, m.Materialize(ctx, event(10, eventv1.TypeControlRoomTaskCreated, map[string]any{
		"task_id":   "task-1",
		"type":      "refactor",
		"priority":  "high",
		"requester": "operator",
	})))
	require.NoError(t, m.Materialize(ctx, event(11, eventv1.TypeControlRoomApprovalRequested, map[string]any{
		"approval_id": "appr-1",
		"task_id":     "task-1",
		"policy_id":   "policy-default",
		"scope":       "repo",
	})))
	require.NoError(t, m.Materialize(ctx, event(12, eventv1.TypeControlRoomApprovalResolved, map[string]any{
		"approval_id": "appr-1",
		"status":      "approved",
		"resolved_by": "operator",
	})))
	require.NoError(t, m.Materialize(ctx, event(13, eventv1.TypeControlRoomRunSpawned, map[string]any{
		"task_id": "task-1",
		"run_id":  "run-cr-1",
	})))

	assert.True(t, g.HasEdge(graph.LabelTask, "task-1", graph.EdgeRequiresApproval, graph.LabelApproval, "appr-1"))
	assert.True(t, g.HasEdge(graph.LabelTask, "task-1", graph.EdgeSpawns, graph.LabelRun, "run-cr-1"))

	approval, found, err := g.Node(ctx, graph.LabelApproval, "appr-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "approved", approval["status"])

	run, found, err := g.Node(ctx, graph.LabelRun, "run-cr-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "control_room", run["kind"])

	// No stored property may exceed the graph cap.
	for _, label := range []string{graph.LabelTask, graph.LabelApproval, graph.LabelRun} {
		nodes, err := g.NodesByLabel(ctx, label)
		require.NoError(t, err)
		for _, node := range nodes {
			for key, value := range node {
				if s, ok := value.(string); ok {
					assert.LessOrEqual(t, len(s), 512, "property %s too long", key)
				}
			}
		}
	}
}

func TestControlRoomRunCompletedProducesReport(t *testing.T) {
	m, g := newMaterializer(t)
	ctx := context.Background()

	require.NoError(t, m.Materialize(ctx, event(20, eventv1.TypeControlRoomRunCompleted, map[string]any{
		"run_id":      "run-cr-2",
		"status":      "success",
		"steps_total": 3,
	})))

	artifacts, err := g.NodesByLabel(ctx, graph.LabelArtifact)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "control_room_run_report", artifacts[0]["kind"])

	run, found, err := g.Node(ctx, graph.LabelRun, "run-cr-2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "success", run["status"])
}

func TestVoiceErrorIncrementsCount(t *testing.T) {
	m, g := newMaterializer(t)
	ctx := context.Background()

	require.NoError(t, m.Materialize(ctx, event(30, eventv1.TypeVoiceSessionStarted, map[string]any{
		"voice_session_id": "vs-1",
	})))
	require.NoError(t, m.Materialize(ctx, event(31, eventv1.TypeVoiceError, map[string]any{
		"voice_session_id": "vs-1",
	})))
	require.NoError(t, m.Materialize(ctx, event(32, eventv1.TypeVoiceError, map[string]any{
		"voice_session_id": "vs-1",
	})))

	session, found, err := g.Node(ctx, graph.LabelVoiceSession, "vs-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "error", session["status"])
	assert.EqualValues(t, 2, session["error_count"])
}

func TestCompilerResultLinksIntentAndPrompt(t *testing.T) {
	m, g := newMaterializer(t)
	ctx := context.Background()

	require.NoError(t, m.Materialize(ctx, event(40, eventv1.TypeCompilerResult, map[string]any{
		"pick":               "coding",
		"confidence":         0.92,
		"input_text_sha256":  "abc",
		"input_text_len":     42,
		"prompt_hash_sha256": "def",
		"prompt_len":         128,
		"model":              "makina-1",
	})))

	detections, err := g.NodesByLabel(ctx, graph.LabelIntentDetection)
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, "coding", detections[0]["pick"])

	compiles, err := g.NodesByLabel(ctx, graph.LabelPromptCompile)
	require.NoError(t, err)
	require.Len(t, compiles, 1)
	assert.Equal(t, "def", compiles[0]["makina_prompt_sha256"])
}

func TestMaterializeDisabledGraphIsNoop(t *testing.T) {
	m := graph.New(graph.Disabled(), dedupe.NewMemory(), telemetry.Noop(), graph.Options{})
	require.NoError(t, m.Materialize(context.Background(), event(1, eventv1.TypeRunStep, map[string]any{
		"step_id": "s1",
	})))
}

// errorGraph fails every write to exercise the fail-open path.
type errorGraph struct{}

func (errorGraph) Enabled() bool { return true }
func (errorGraph) UpsertNode(context.Context, string, string, map[string]any) error {
	return errors.New("graph down")
}
func (errorGraph) MergeEdge(context.Context, graph.Edge) error { return errors.New("graph down") }
func (errorGraph) IncrementProperty(context.Context, string, string, string, int64) error {
	return errors.New("graph down")
}
func (errorGraph) Node(context.Context, string, string) (map[string]any, bool, error) {
	return nil, false, errors.New("graph down")
}
func (errorGraph) NodesByLabel(context.Context, string) ([]map[string]any, error) {
	return nil, errors.New("graph down")
}
func (errorGraph) Close(context.Context) error { return nil }

func TestMaterializeNeverRaisesOnGraphFailure(t *testing.T) {
	m := graph.New(errorGraph{}, dedupe.NewMemory(), telemetry.Noop(), graph.Options{})
	require.NoError(t, m.Materialize(context.Background(), event(5, eventv1.TypeRunStep, map[string]any{
		"step_id": "s1", "state": "RUNNING",
	})))
	assert.Positive(t, m.Stats().ErrorsWindow)
}

func TestGuardrailsAppliedToGraphProps(t *testing.T) {
	m, g := newMaterializer(t)
	ctx := context.Background()

	require.NoError(t, m.Materialize(ctx, event(50, eventv1.TypeControlRoomTaskCreated, map[string]any{
		"task_id":     "task-2",
		"reason_safe": string(make([]byte, 1024)),
	})))

	task, found, err := g.Node(ctx, graph.LabelTask, "task-2")
	require.NoError(t, err)
	require.True(t, found)
	reason, _ := task["reason_safe"].(string)
	assert.LessOrEqual(t, len(reason), 512)
	assert.NotNil(t, task["reason_safe__orig_len"])
}
