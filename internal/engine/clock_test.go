package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_NewClock(t *testing.T) {
	c := NewClock()
	assert.Equal(t, uint64(0), c.Current(), "new clock should start at 0")
}

func TestClock_NewClockAt(t *testing.T) {
	c := NewClockAt(100)
	assert.Equal(t, uint64(100), c.Current())
	assert.Equal(t, uint64(101), c.Next())
}

func TestClock_Next_Incrementing(t *testing.T) {
	c := NewClock()

	assert.Equal(t, uint64(1), c.Next())
	assert.Equal(t, uint64(2), c.Next())
	assert.Equal(t, uint64(3), c.Next())
	assert.Equal(t, uint64(3), c.Current())
}

func TestClock_Witness(t *testing.T) {
	c := NewClockAt(10)

	c.Witness(5)
	assert.Equal(t, uint64(10), c.Current(), "witness never moves the clock back")

	c.Witness(40)
	assert.Equal(t, uint64(40), c.Current())
	assert.Equal(t, uint64(41), c.Next())
}

func TestClock_ThreadSafe(t *testing.T) {
	c := NewClock()
	const goroutines = 100
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	seqs := make(chan uint64, goroutines*callsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				if j%10 == 0 {
					c.Witness(uint64(i * j))
				}
				seqs <- c.Next()
			}
		}(i)
	}

	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "timestamp %d issued twice", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, goroutines*callsPerGoroutine)
}
