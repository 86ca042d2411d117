package cloudvars

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// The queue is the structural guarantee behind the protocol's "no
// request id, one request at a time" correlation, so these tests assert
// the invariant directly: strict FIFO settlement and never more than
// one task running.
func TestQueueRunsTasksInEnqueueOrder(t *testing.T) {
	q := newWriteQueue()

	var mu sync.Mutex
	var ran []int
	running := 0

	handles := make([]<-chan error, 0, 20)
	for i := 0; i < 20; i++ {
		i := i
		handles = append(handles, q.enqueue(func() error {
			mu.Lock()
			running++
			if running > 1 {
				t.Error("a second task started before the first settled")
			}
			ran = append(ran, i)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
			return nil
		}))
	}

	for _, h := range handles {
		if err := <-h; err != nil {
			t.Fatal(err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range ran {
		if got != i {
			t.Fatalf("expected task %d in position %d, got %d", i, i, got)
		}
	}
}

func TestQueueDrainRejectsPendingTasks(t *testing.T) {
	q := newWriteQueue()

	release := make(chan struct{})
	first := q.enqueue(func() error {
		<-release
		return nil
	})

	var queued []<-chan error
	for i := 0; i < 3; i++ {
		queued = append(queued, q.enqueue(func() error {
			t.Error("a drained task should never run")
			return nil
		}))
	}

	// Give the loop a moment to pick up the first task so the drain
	// only sees the tail.
	time.Sleep(10 * time.Millisecond)
	q.drain(ErrConnClosed)
	close(release)

	if err := <-first; err != nil {
		t.Fatalf("the running task should settle normally, got %v", err)
	}
	for _, h := range queued {
		if err := <-h; !errors.Is(err, ErrConnClosed) {
			t.Fatalf("expected ErrConnClosed for a drained task, got %v", err)
		}
	}
	if q.depth() != 0 {
		t.Fatalf("expected an empty queue after draining, got depth %d", q.depth())
	}
}

func TestQueueRestartsAfterGoingIdle(t *testing.T) {
	q := newWriteQueue()

	if err := <-q.enqueue(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	// The loop has exited by now; a new enqueue must start it again.
	time.Sleep(10 * time.Millisecond)
	if err := <-q.enqueue(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
}
