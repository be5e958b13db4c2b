package dedupe

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAcquireOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	assert.True(t, m.Acquire(ctx, "m1"))
	assert.False(t, m.Acquire(ctx, "m1"))
	assert.True(t, m.Acquire(ctx, "m2"))
}

func TestSQLiteAcquireOnce(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "gml.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	assert.True(t, s.Acquire(ctx, "m1"))
	assert.False(t, s.Acquire(ctx, "m1"))
	assert.True(t, s.Acquire(ctx, "m2"))
}

func TestSQLiteAcquireConcurrent(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "gml.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	const goroutines = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Acquire(ctx, "contested") {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var n int
	for range wins {
		n++
	}
	assert.Equal(t, 1, n, "exactly one goroutine should win the acquire")
}
