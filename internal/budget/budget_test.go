package budget_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"runline/internal/apperr"
	"runline/internal/budget"
)

func TestTakeEnforcesCapPerTurn(t *testing.T) {
	b := budget.New(map[string]int{"webSearchCalls": 2})

	require.NoError(t, b.Take("webSearchCalls"))
	require.NoError(t, b.Take("webSearchCalls"))
	err := b.Take("webSearchCalls")
	require.True(t, apperr.Is(err, apperr.Conflict))
	require.Equal(t, 0, b.Remaining("webSearchCalls"))

	b.Reset()
	require.Equal(t, 0, b.Used("webSearchCalls"))
	require.NoError(t, b.Take("webSearchCalls"))
}

func TestUnconfiguredToolIsUnbounded(t *testing.T) {
	b := budget.New(nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Take("readFile"))
	}
	require.Equal(t, -1, b.Remaining("readFile"))
}

func TestTakeConcurrent(t *testing.T) {
	b := budget.New(map[string]int{"context7Calls": 5})
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Take("context7Calls") == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 5, ok)
}
