package routing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator/failoverd/pkg/orcherr"
)

func TestRegistry_ReadInitial(t *testing.T) {
	r := New("A", "rel-a:5432", "cache-a:6379")
	snap := r.Read()
	assert.Equal(t, "A", snap.ActiveRegion)
	assert.Equal(t, uint64(0), snap.Version)
}

func TestRegistry_SwapIncrementsVersion(t *testing.T) {
	r := New("A", "rel-a:5432", "cache-a:6379")

	rec, err := r.Swap("B", "rel-b:5432", "cache-b:6379")
	require.NoError(t, err)
	assert.Equal(t, "B", rec.ActiveRegion)
	assert.Equal(t, uint64(1), rec.Version)

	rec2, err := r.Swap("A", "rel-a:5432", "cache-a:6379")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec2.Version)
}

func TestRegistry_ConcurrentSwapRejected(t *testing.T) {
	r := New("A", "rel-a:5432", "cache-a:6379")
	r.writing.Store(true)

	_, err := r.Swap("B", "rel-b:5432", "cache-b:6379")
	oe, ok := orcherr.As(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.CodeBusy, oe.Code)
}

func TestRegistry_ConcurrentSwapsSerialiseWithoutDataRace(t *testing.T) {
	r := New("A", "rel-a:5432", "cache-a:6379")
	var wg sync.WaitGroup
	successes := 0
	var mu sync.Mutex

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Swap("B", "rel-b:5432", "cache-b:6379"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, successes, 1)
}
