package disk

import (
	"sync"

	"github.com/ublkraid/ublkraid/subcmd"
)

// Executor runs submitted async jobs on a per-Queue worker goroutine and
// buffers their results for pull-style harvesting, matching the teacher's
// io_uring ring: one submission queue per Queue handle, completions drained
// later rather than pushed to the caller.
type Executor struct {
	mu     sync.Mutex
	queues map[Queue]*workerQueue
}

type workerQueue struct {
	jobs chan job

	mu          sync.Mutex
	completions []CompletionResult
}

type job struct {
	io IOData
	sc subcmd.T
	op Op
	fn func() (int64, error)
}

// queueDepth bounds how many in-flight jobs a single queue buffers before
// Submit blocks the caller; RAID-1/RAID-0 never have more than a couple of
// outstanding child ops per user I/O, so this only needs to be generous
// enough to avoid false backpressure under concurrent queues.
const queueDepth = 256

// NewExecutor creates an empty Executor. The zero value is not usable.
func NewExecutor() *Executor {
	return &Executor{queues: make(map[Queue]*workerQueue)}
}

func (e *Executor) queueFor(q Queue) *workerQueue {
	e.mu.Lock()
	defer e.mu.Unlock()

	wq, ok := e.queues[q]
	if !ok {
		wq = &workerQueue{jobs: make(chan job, queueDepth)}
		e.queues[q] = wq
		go wq.run()
	}
	return wq
}

func (wq *workerQueue) run() {
	for j := range wq.jobs {
		n, err := j.fn()
		wq.mu.Lock()
		wq.completions = append(wq.completions, CompletionResult{IOData: j.io, SubCmd: j.sc, Op: j.op, N: n, Err: err})
		wq.mu.Unlock()
	}
}

// Submit enqueues fn for execution on q's worker goroutine. It always
// returns 1 (submitted) since the channel send either succeeds immediately
// or blocks briefly under backpressure; it never fails outright the way a
// real ring can report ErrRingFull, matching the common case documented in
// §4.1 ("1 on successful submission"). op is carried through only so the
// eventual CompletionResult can report it; Submit itself is op-agnostic.
func (e *Executor) Submit(q Queue, io IOData, sc subcmd.T, op Op, fn func() (int64, error)) (int, error) {
	wq := e.queueFor(q)
	wq.jobs <- job{io: io, sc: sc, op: op, fn: fn}
	return 1, nil
}

// Collect drains and clears q's completed jobs into out, returning the
// count appended. Non-blocking: queues with no worker yet simply have
// nothing to collect.
func (e *Executor) Collect(q Queue, out *[]CompletionResult) (int, error) {
	e.mu.Lock()
	wq, ok := e.queues[q]
	e.mu.Unlock()
	if !ok {
		return 0, nil
	}

	wq.mu.Lock()
	n := len(wq.completions)
	if n > 0 {
		*out = append(*out, wq.completions...)
		wq.completions = wq.completions[:0]
	}
	wq.mu.Unlock()
	return n, nil
}

// Close stops all worker goroutines. Safe to call once, from Disk.Close.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, wq := range e.queues {
		close(wq.jobs)
	}
	e.queues = make(map[Queue]*workerQueue)
}
