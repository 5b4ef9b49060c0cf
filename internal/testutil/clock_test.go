package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFixedClock_DoesNotMove(t *testing.T) {
	clock := NewFixedClock(epoch)
	assert.True(t, clock.Now().Equal(epoch))
	assert.True(t, clock.Now().Equal(epoch))
}

func TestFixedClock_AdvanceAndSet(t *testing.T) {
	clock := NewFixedClock(epoch)

	got := clock.Advance(90 * time.Minute)
	assert.True(t, got.Equal(epoch.Add(90*time.Minute)))
	assert.True(t, clock.Now().Equal(got))

	clock.Set(epoch)
	assert.True(t, clock.Now().Equal(epoch))
}

func TestFixedClock_ThreadSafe(t *testing.T) {
	clock := NewFixedClock(epoch)
	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.True(t, clock.Now().Equal(epoch.Add(goroutines*time.Second)))
}

func TestFixedTokenGenerator(t *testing.T) {
	gen := NewFixedTokenGenerator("run-1")
	assert.Equal(t, "run-1", gen.Generate())
	assert.Equal(t, "run-1", gen.Generate())

	assert.Equal(t, "test-run-default", NewFixedTokenGenerator("").Generate())
}

func TestSequenceGenerator(t *testing.T) {
	gen := NewSequenceGenerator("entry")
	assert.Equal(t, "entry-001", gen.Generate())
	assert.Equal(t, "entry-002", gen.Generate())

	assert.Equal(t, "e-001", NewSequenceGenerator("").Generate())
}
