package waiter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/nodeagentd/internal/waiter"
)

func TestInsertIfAbsent(t *testing.T) {
	r := waiter.New()

	require.True(t, r.InsertIfAbsent(100))
	require.False(t, r.InsertIfAbsent(100))
	require.True(t, r.Present(100))
}

func TestMatchAndRemove(t *testing.T) {
	r := waiter.New()
	r.InsertIfAbsent(100)

	require.True(t, r.MatchAndRemove(100))
	require.False(t, r.Present(100))
	require.False(t, r.MatchAndRemove(100))
}

// A second concurrent terminate for the same job observes the entry is
// already gone instead of blocking forever.
func TestWaitReturnsImmediatelyWhenAbsent(t *testing.T) {
	r := waiter.New()
	done := make(chan struct{})

	go func() {
		timedOut := r.Wait(100, 1, nil)
		require.False(t, timedOut)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait on an absent job should return immediately")
	}
}

func TestWaitWakesOnMatchAndRemove(t *testing.T) {
	r := waiter.New()
	r.InsertIfAbsent(200)

	done := make(chan bool, 1)
	go func() {
		done <- r.Wait(200, 0, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	r.MatchAndRemove(200)

	select {
	case timedOut := <-done:
		require.False(t, timedOut)
	case <-time.After(3 * time.Second):
		t.Fatal("Wait did not wake up after MatchAndRemove")
	}
}

func TestWaitTimesOutAfterMaxIters(t *testing.T) {
	r := waiter.New()
	r.InsertIfAbsent(300)

	var progressed []int
	timedOut := r.Wait(300, 1, func(iter int) {
		progressed = append(progressed, iter)
	})

	require.True(t, timedOut)
	require.NotEmpty(t, progressed)
	require.True(t, r.Present(300))
}
