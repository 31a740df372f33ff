package locator

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_FirstResolveWins(t *testing.T) {
	g := newGate()
	assert.False(t, g.isResolved())

	assert.True(t, g.resolve(notRunning()))
	assert.False(t, g.resolve(failed(errors.New("late"))))

	assert.True(t, g.isResolved())
	assert.Equal(t, NotRunning, g.wait().Kind)
}

func TestGate_ConcurrentResolveIsExactlyOnce(t *testing.T) {
	for round := 0; round < 50; round++ {
		g := newGate()
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				o := notRunning()
				if i%2 == 0 {
					o = failed(errors.New("provider"))
				}
				if g.resolve(o) {
					wins.Add(1)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), wins.Load(), "round %d", round)
	}
}

func TestGate_WaitBlocksUntilResolved(t *testing.T) {
	g := newGate()
	got := make(chan Outcome, 1)
	go func() { got <- g.wait() }()

	select {
	case <-got:
		t.Fatal("wait returned before resolve")
	case <-time.After(20 * time.Millisecond):
	}

	g.resolve(failed(ErrShutdown))
	select {
	case o := <-got:
		assert.ErrorIs(t, o.Err, ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after resolve")
	}
}
