package id_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-labs/dungeon-crawler/pkg/id"
)

func TestGenerator_SortableWithinSameMillisecond(t *testing.T) {
	t.Parallel()

	fixed := time.UnixMilli(1_700_000_000_000)
	g := id.NewGenerator(id.WithClock(func() time.Time { return fixed }))

	prev := g.New()
	for range 1000 {
		next := g.New()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestGenerator_ClockStepsBackwards(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	g := id.NewGenerator(id.WithClock(func() time.Time { return now }))

	first := g.New()
	now = now.Add(-time.Hour)
	second := g.New()

	assert.Greater(t, second, first)
}

func TestGenerator_ConcurrentUnique(t *testing.T) {
	t.Parallel()

	g := id.NewGenerator()
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for range perWorker {
				local = append(local, g.New())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, s := range local {
				seen[s] = struct{}{}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestTime(t *testing.T) {
	t.Parallel()

	at := time.UnixMilli(1_700_000_123_456)
	g := id.NewGenerator(id.WithClock(func() time.Time { return at }))

	got, err := id.Time(g.New())
	require.NoError(t, err)
	assert.True(t, at.Equal(got))

	_, err = id.Time("not-an-id")
	require.Error(t, err)
}
