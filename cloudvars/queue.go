package cloudvars

import "sync"

// writeTask couples an operation with its completion handle. The done
// channel is buffered so settling a task never blocks the loop.
type writeTask struct {
	run  func() error
	done chan error
}

// writeQueue serializes every write of a client instance: tasks settle
// strictly in enqueue order, and no task starts before the previous
// task's network round trip has settled. This queue is what makes the
// protocol's "no request id, one request at a time" correlation safe —
// the guarantee is structural, not an assumption.
type writeQueue struct {
	mu      sync.Mutex
	tasks   []*writeTask
	running bool
}

func newWriteQueue() *writeQueue {
	return &writeQueue{}
}

// enqueue appends a task and returns its completion handle. The
// processing loop starts if it isn't already running; a second start
// while one runs is a no-op.
func (q *writeQueue) enqueue(run func() error) <-chan error {
	t := &writeTask{run: run, done: make(chan error, 1)}
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	start := !q.running
	if start {
		q.running = true
	}
	q.mu.Unlock()
	if start {
		go q.process()
	}
	return t.done
}

func (q *writeQueue) process() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		t.done <- t.run()
	}
}

// drain rejects every task still waiting its turn. The task currently
// executing, if any, settles through its own round trip error; only the
// not-yet-started tail is rejected here.
func (q *writeQueue) drain(err error) {
	q.mu.Lock()
	pending := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, t := range pending {
		t.done <- err
	}
}

// depth reports how many tasks are waiting (not counting one mid-run).
func (q *writeQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
