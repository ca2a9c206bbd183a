package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicClock_StartsAtZero(t *testing.T) {
	clock := NewDeterministicClock()
	assert.Equal(t, uint64(0), clock.Current())
}

func TestDeterministicClock_NextIncrementsMonotonically(t *testing.T) {
	clock := NewDeterministicClock()

	assert.Equal(t, uint64(1), clock.Next())
	assert.Equal(t, uint64(1), clock.Current())

	assert.Equal(t, uint64(2), clock.Next())
	assert.Equal(t, uint64(3), clock.Next())
	assert.Equal(t, uint64(4), clock.Next())
	assert.Equal(t, uint64(4), clock.Current())
}

func TestDeterministicClock_Reset(t *testing.T) {
	clock := NewDeterministicClock()

	clock.Next()
	clock.Next()
	clock.Next()
	assert.Equal(t, uint64(3), clock.Current())

	clock.Reset()
	assert.Equal(t, uint64(0), clock.Current())

	assert.Equal(t, uint64(1), clock.Next())
}

func TestDeterministicClock_ThreadSafe(t *testing.T) {
	clock := NewDeterministicClock()
	const numGoroutines = 100
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	results := make([][]uint64, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		results[i] = make([]uint64, callsPerGoroutine)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				results[idx][j] = clock.Next()
			}
		}(i)
	}

	wg.Wait()

	allValues := make(map[uint64]bool)
	for i := 0; i < numGoroutines; i++ {
		for j := 0; j < callsPerGoroutine; j++ {
			val := results[i][j]
			require.False(t, allValues[val], "duplicate value %d", val)
			allValues[val] = true
		}
	}

	// Verify all values from 1 to numGoroutines*callsPerGoroutine are present
	expectedTotal := numGoroutines * callsPerGoroutine
	assert.Len(t, allValues, expectedTotal)
	for i := uint64(1); i <= uint64(expectedTotal); i++ {
		assert.True(t, allValues[i], "missing value %d", i)
	}
}

func TestDeterministicClock_Deterministic(t *testing.T) {
	clock1 := NewDeterministicClock()
	clock2 := NewDeterministicClock()

	for i := 0; i < 100; i++ {
		assert.Equal(t, clock1.Next(), clock2.Next())
	}
}

func TestWallClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewWallClock(start)
	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), c.Now())
}
