package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iNandix/denis/internal/eventstore/sqlite"
	"github.com/iNandix/denis/internal/eventv1"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppend_AssignsDenseEventIDAndPersists(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		out, err := store.Append(ctx, "conv-a", eventv1.Envelope{
			Type:     eventv1.TypeRunStep,
			Severity: eventv1.SeverityInfo,
			TS:       "2026-07-29T00:00:00Z",
		}, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(i), out.EventID)
		assert.True(t, out.Stored)
	}
}

func TestQueryAfter_ReturnsAscendingTail(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, "conv-a", eventv1.Envelope{
			Type: eventv1.TypeRunStep, Severity: eventv1.SeverityInfo, TS: "2026-07-29T00:00:00Z",
		}, 0)
		require.NoError(t, err)
	}

	tail, err := store.QueryAfter(ctx, "conv-a", 3)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].EventID)
	assert.Equal(t, int64(5), tail[1].EventID)
}

func TestAppend_PrunesBeyondRetention(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.Append(ctx, "conv-a", eventv1.Envelope{
			Type: eventv1.TypeRunStep, Severity: eventv1.SeverityInfo, TS: "2026-07-29T00:00:00Z",
		}, 4)
		require.NoError(t, err)
	}

	tail, err := store.QueryAfter(ctx, "conv-a", 0)
	require.NoError(t, err)
	require.Len(t, tail, 4)
	assert.Equal(t, int64(7), tail[0].EventID)
	assert.Equal(t, int64(10), tail[3].EventID)
}

func TestAppend_RoundTripsPayloadThroughJSON(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	in := eventv1.Envelope{
		Type:     eventv1.TypeRAGSearchStart,
		Severity: eventv1.SeverityWarning,
		TS:       "2026-07-29T00:00:00Z",
		TraceID:  "trace-123",
		Payload:  map[string]any{"query_sha256": "abc", "query_len": float64(3)},
	}
	out, err := store.Append(ctx, "conv-b", in, 0)
	require.NoError(t, err)

	tail, err := store.QueryAfter(ctx, "conv-b", 0)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, out.TraceID, tail[0].TraceID)
	assert.Equal(t, "abc", tail[0].Payload["query_sha256"])
}

func TestAppend_DefaultsConversationID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	out, err := store.Append(ctx, "", eventv1.Envelope{
		Type: eventv1.TypeRunStep, Severity: eventv1.SeverityInfo, TS: "2026-07-29T00:00:00Z",
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, eventv1.DefaultConversationID, out.ConversationID)
}
