package controlroom_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iNandix/denis/internal/controlroom"
	"github.com/iNandix/denis/internal/controlroom/memstore"
	enginepkg "github.com/iNandix/denis/internal/engine"
	engineinmem "github.com/iNandix/denis/internal/engine/inmem"
	"github.com/iNandix/denis/internal/eventhub"
	"github.com/iNandix/denis/internal/eventstore/inmemstore"
	"github.com/iNandix/denis/internal/eventv1"
	"github.com/iNandix/denis/internal/graph"
	"github.com/iNandix/denis/internal/graph/dedupe"
	graphinmem "github.com/iNandix/denis/internal/graph/inmem"
	"github.com/iNandix/denis/internal/persona"
	"github.com/iNandix/denis/internal/telemetry"
)

type fixture struct {
	service *controlroom.Service
	store   *memstore.Store
	events  *inmemstore.Store
	graph   *graphinmem.Graph
}

func newFixture(t *testing.T) fixture {
	return newFixtureWithOptions(t, persona.Options{})
}

func newFixtureWithOptions(t *testing.T, opts persona.Options) fixture {
	t.Helper()

	events := inmemstore.New()
	hub := eventhub.New()
	g := graphinmem.New()
	materializer := graph.New(g, dedupe.NewMemory(), telemetry.Noop(), graph.Options{})
	frontdoor := persona.New(events, hub, materializer, telemetry.Noop(), opts)

	eng, err := engineinmem.New(engineinmem.Options{
		Execute: func(context.Context, enginepkg.RunRequest) (map[string]any, error) {
			return map[string]any{"steps_total": 1}, nil
		},
	})
	require.NoError(t, err)

	store := memstore.New()
	service, err := controlroom.NewService(controlroom.Options{
		Store:   store,
		Engine:  eng,
		Emitter: frontdoor,
	})
	require.NoError(t, err)

	return fixture{service: service, store: store, events: events, graph: g}
}

func TestTaskApprovalRunFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.service.CreateTask(ctx, controlroom.CreateTaskRequest{
		Type:           "refactor",
		Requester:      "operator",
		ConversationID: "conv-cr",
		Payload:        map[string]any{"target": "internal/foo"},
		ReasonSafe:     "scheduled maintenance",
	})
	require.NoError(t, err)
	assert.Equal(t, controlroom.TaskQueued, task.Status)
	assert.Len(t, task.PayloadRedactedHash, 64)

	approval, err := f.service.RequestApproval(ctx, task.TaskID, "policy-default", "repo")
	require.NoError(t, err)
	assert.Equal(t, controlroom.ApprovalPending, approval.Status)

	// Spawning before resolution is refused.
	_, err = f.service.SpawnRun(ctx, task.TaskID)
	require.ErrorIs(t, err, controlroom.ErrApprovalRequired)

	approval, err = f.service.ResolveApproval(ctx, approval.ApprovalID, true, "operator", "ok")
	require.NoError(t, err)
	assert.Equal(t, controlroom.ApprovalApproved, approval.Status)

	task, err = f.service.SpawnRun(ctx, task.TaskID)
	require.NoError(t, err)
	assert.NotEmpty(t, task.RunID)

	require.Eventually(t, func() bool {
		current, err := f.store.LoadTask(ctx, task.TaskID)
		return err == nil && current.Status == controlroom.TaskSuccess
	}, 2*time.Second, 10*time.Millisecond)

	// Graph reflects the flow: Task -> REQUIRES_APPROVAL -> Approval and
	// Task -> SPAWNS -> Run, all materialized from emitted events.
	assert.True(t, f.graph.HasEdge(graph.LabelTask, task.TaskID, graph.EdgeRequiresApproval, graph.LabelApproval, approval.ApprovalID))
	assert.True(t, f.graph.HasEdge(graph.LabelTask, task.TaskID, graph.EdgeSpawns, graph.LabelRun, task.RunID))

	node, found, err := f.graph.Node(ctx, graph.LabelApproval, approval.ApprovalID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "approved", node["status"])

	// Every transition landed in the event store as a control_room.* event.
	stored, err := f.events.QueryAfter(ctx, "conv-cr", 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range stored {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, eventv1.TypeControlRoomTaskCreated)
	assert.Contains(t, types, eventv1.TypeControlRoomApprovalRequested)
	assert.Contains(t, types, eventv1.TypeControlRoomApprovalResolved)
	assert.Contains(t, types, eventv1.TypeControlRoomRunSpawned)
}

// TestEmitsSurviveFrontdoorEnforcement runs the full lifecycle against an
// enforcing frontdoor in raise mode: every service emit must carry a persona
// emitter context, so nothing is dropped and the graph still materializes.
func TestEmitsSurviveFrontdoorEnforcement(t *testing.T) {
	f := newFixtureWithOptions(t, persona.Options{
		Enforce:    true,
		BypassMode: persona.BypassRaise,
	})
	ctx := context.Background()

	task, err := f.service.CreateTask(ctx, controlroom.CreateTaskRequest{
		Type:           "refactor",
		ConversationID: "conv-enforced",
	})
	require.NoError(t, err)

	approval, err := f.service.RequestApproval(ctx, task.TaskID, "policy-default", "repo")
	require.NoError(t, err)
	_, err = f.service.ResolveApproval(ctx, approval.ApprovalID, true, "operator", "ok")
	require.NoError(t, err)

	task, err = f.service.SpawnRun(ctx, task.TaskID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := f.store.LoadTask(ctx, task.TaskID)
		return err == nil && current.Status == controlroom.TaskSuccess
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := f.events.QueryAfter(ctx, "conv-enforced", 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range stored {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, eventv1.TypeControlRoomTaskCreated)
	assert.Contains(t, types, eventv1.TypeControlRoomApprovalRequested)
	assert.Contains(t, types, eventv1.TypeControlRoomApprovalResolved)
	assert.Contains(t, types, eventv1.TypeControlRoomRunSpawned)
	assert.Contains(t, types, eventv1.TypeControlRoomRunCompleted)
	for _, ev := range stored {
		assert.NotEqual(t, "persona_frontdoor_drop", ev.Payload["code"])
	}

	assert.True(t, f.graph.HasEdge(graph.LabelTask, task.TaskID, graph.EdgeSpawns, graph.LabelRun, task.RunID))
}

func TestClaimLeasesOldestQueuedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.CreateTask(ctx, controlroom.CreateTaskRequest{Type: "a"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = f.service.CreateTask(ctx, controlroom.CreateTaskRequest{Type: "b"})
	require.NoError(t, err)

	claimed, err := f.service.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, claimed.TaskID)
	assert.Equal(t, controlroom.TaskRunning, claimed.Status)
	assert.Equal(t, "worker-1", claimed.ClaimedBy)
}

func TestClaimEmptyQueue(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Claim(context.Background(), "worker-1", time.Minute)
	require.ErrorIs(t, err, controlroom.ErrNotFound)
}

func TestRejectedApprovalBlocksSpawn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.service.CreateTask(ctx, controlroom.CreateTaskRequest{Type: "risky"})
	require.NoError(t, err)
	approval, err := f.service.RequestApproval(ctx, task.TaskID, "policy-default", "repo")
	require.NoError(t, err)
	_, err = f.service.ResolveApproval(ctx, approval.ApprovalID, false, "operator", "too risky")
	require.NoError(t, err)

	_, err = f.service.SpawnRun(ctx, task.TaskID)
	require.ErrorIs(t, err, controlroom.ErrApprovalRequired)
}
