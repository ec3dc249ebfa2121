package chanworker_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sunwet.dev/sunwet/internal/chanworker"
)

func TestNewWorkerProcessesAllItems(t *testing.T) {
	var count int64
	in := chanworker.NewWorker(4, func(v int) {
		atomic.AddInt64(&count, int64(v))
	})

	const n = 200
	for i := 1; i <= n; i++ {
		in <- i
	}

	want := int64(n * (n + 1) / 2)
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewWorkerBoundsConcurrency(t *testing.T) {
	const workers = 3
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	release := make(chan struct{})
	in := chanworker.NewWorker(workers, func(v int) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		<-release

		mu.Lock()
		inFlight--
		mu.Unlock()
	})

	for i := 0; i < workers*4; i++ {
		in <- i
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inFlight == workers
	}, 2*time.Second, 5*time.Millisecond)

	close(release)

	mu.Lock()
	require.LessOrEqual(t, maxInFlight, workers)
	mu.Unlock()
}

func TestNewWorkerPanicsOnNonPositiveWorkerCount(t *testing.T) {
	require.Panics(t, func() {
		chanworker.NewWorker(0, func(v int) {})
	})
}
