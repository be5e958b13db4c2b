package inmemstore_test

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iNandix/denis/internal/eventstore/inmemstore"
	"github.com/iNandix/denis/internal/eventv1"
)

func TestAppend_AssignsDenseMonotonicEventID(t *testing.T) {
	store := inmemstore.New()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		out, err := store.Append(ctx, "conv-a", eventv1.Envelope{Type: eventv1.TypeRunStep}, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(i), out.EventID)
		assert.Equal(t, "conv-a", out.ConversationID)
		assert.True(t, out.Stored)
	}
}

func TestAppend_SequencesAreIndependentPerConversation(t *testing.T) {
	store := inmemstore.New()
	ctx := context.Background()

	a1, _ := store.Append(ctx, "conv-a", eventv1.Envelope{Type: eventv1.TypeRunStep}, 0)
	b1, _ := store.Append(ctx, "conv-b", eventv1.Envelope{Type: eventv1.TypeRunStep}, 0)
	a2, _ := store.Append(ctx, "conv-a", eventv1.Envelope{Type: eventv1.TypeRunStep}, 0)

	assert.Equal(t, int64(1), a1.EventID)
	assert.Equal(t, int64(1), b1.EventID)
	assert.Equal(t, int64(2), a2.EventID)
}

func TestQueryAfter_ReturnsAscendingTailOnly(t *testing.T) {
	store := inmemstore.New()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.Append(ctx, "conv-a", eventv1.Envelope{Type: eventv1.TypeRunStep}, 0)
		require.NoError(t, err)
	}

	tail, err := store.QueryAfter(ctx, "conv-a", 7)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, []int64{8, 9, 10}, []int64{tail[0].EventID, tail[1].EventID, tail[2].EventID})
}

func TestAppend_PrunesBeyondRetention(t *testing.T) {
	store := inmemstore.New()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.Append(ctx, "conv-a", eventv1.Envelope{Type: eventv1.TypeRunStep}, 4)
		require.NoError(t, err)
	}

	tail, err := store.QueryAfter(ctx, "conv-a", 0)
	require.NoError(t, err)
	require.Len(t, tail, 4)
	assert.Equal(t, int64(7), tail[0].EventID)
	assert.Equal(t, int64(10), tail[3].EventID)
}

// TestAppendProperty_DenseMonotonicUnderConcurrency verifies that concurrent
// appends to the same conversation produce a dense, monotonic, gap-free
// event_id sequence with no duplicates.
func TestAppendProperty_DenseMonotonicUnderConcurrency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent appends yield a dense monotonic event_id sequence", prop.ForAll(
		func(n int) bool {
			store := inmemstore.New()
			ctx := context.Background()

			var wg sync.WaitGroup
			ids := make([]int64, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(idx int) {
					defer wg.Done()
					out, err := store.Append(ctx, "conv-prop", eventv1.Envelope{Type: eventv1.TypeRunStep}, 0)
					if err != nil {
						ids[idx] = -1
						return
					}
					ids[idx] = out.EventID
				}(i)
			}
			wg.Wait()

			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			for i, id := range ids {
				if id != int64(i+1) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}
