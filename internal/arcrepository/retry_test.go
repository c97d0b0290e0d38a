package arcrepository

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryLedger(t *testing.T) {
	l := NewRetryLedger(2)

	assert.True(t, l.CanRetry("ONE", "f1"))
	l.Increment("ONE", "f1")
	assert.True(t, l.CanRetry("ONE", "f1"))
	l.Increment("ONE", "f1")
	assert.False(t, l.CanRetry("ONE", "f1"))
	assert.Equal(t, 2, l.Count("ONE", "f1"))

	// Counts are kept per replica and file.
	assert.True(t, l.CanRetry("TWO", "f1"))
	assert.True(t, l.CanRetry("ONE", "f2"))

	l.Reset("ONE", "f1")
	assert.Equal(t, 0, l.Count("ONE", "f1"))
	assert.Equal(t, 0, l.Len())
}

func TestRetryLedger_Clear(t *testing.T) {
	l := NewRetryLedger(3)
	l.Increment("ONE", "f1")
	l.Increment("TWO", "f1")
	l.Increment("ONE", "f2")
	assert.Equal(t, 2, l.Len())

	l.Clear("f1")
	assert.Equal(t, 0, l.Count("ONE", "f1"))
	assert.Equal(t, 0, l.Count("TWO", "f1"))
	assert.Equal(t, 1, l.Count("ONE", "f2"))
	assert.Equal(t, 1, l.Len())

	// Resetting an unknown file is a no-op.
	l.Reset("ONE", "missing")
	assert.Equal(t, 1, l.Len())
}

func TestRetryLedger_ZeroBudget(t *testing.T) {
	l := NewRetryLedger(0)
	assert.False(t, l.CanRetry("ONE", "f1"))
}

func TestRetryLedger_Concurrent(t *testing.T) {
	l := NewRetryLedger(1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				l.Increment("ONE", "f1")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, l.Count("ONE", "f1"))
}
