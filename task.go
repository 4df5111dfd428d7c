package taskgraph

import (
	"context"
	"sync/atomic"
)

// Func is the type-erased work-unit callback: it is invoked exactly once per
// index in 0..size-1 (never for a size-0 task, whose single queue entry runs
// nothing), and may run concurrently with other invocations belonging to the
// same task.
type Func func(ctx context.Context, index uint32, payload any) error

// Task is an opaque handle to a submitted unit of work. It is a shared
// reference, not ownership of execution: releasing a running task's handle
// is legal, the task keeps running, and the underlying record is recycled
// once every reference (the handle and every child still waiting on it)
// has gone away and the task has reached completed. A nil *Task is a valid
// "no task" handle accepted by Wait, Release, and WaitAndRelease.
type Task struct {
	pool *Pool

	id   uint64
	size uint32
	fn   Func

	payload        any
	payloadDeleter func(any)

	// remainingWork, remainingParents, and refcount are read on the hot path
	// (fast-path checks, completion races) without the pool mutex, but every
	// transition across zero is only ever observed and acted upon while
	// holding pool.mu, which is what makes completion handling single-executor.
	remainingWork    atomic.Int64
	remainingParents atomic.Int32
	refcount         atomic.Int32

	// children is protected by pool.mu, mirroring the teacher's choice to
	// guard TaskWrapper's non-atomic bookkeeping fields with the pool-wide
	// lock rather than a per-task one.
	children []*Task

	// failure is written without pool.mu, once, by the work unit that wins
	// the failureSet CAS, before that unit's decrement of remainingWork is
	// made under pool.mu; Wait reads it only after remainingWork reaches zero.
	failureSet atomic.Bool
	failure    error
}

// ID returns a monotonically increasing identifier, useful for logging and
// tests; it plays no role in dependency resolution, which is handle-identity
// based.
func (t *Task) ID() uint64 {
	if t == nil {
		return 0
	}
	return t.id
}

// Size reports the number of work units this task was submitted with.
func (t *Task) Size() uint32 {
	if t == nil {
		return 0
	}
	return t.size
}

// done reports whether every work unit of t has finished.
func (t *Task) done() bool {
	return t.remainingWork.Load() == 0
}

// taskAllocator recycles Task records through a sync.Pool, mirroring the
// teacher's taskWrapperPool in pooler.go. allocate() always succeeds under
// normal operation (Go's allocator panics rather than returning an error on
// exhaustion, so there is no synchronous OOM path to thread through here).
type taskAllocator struct {
	live atomic.Int64
}

func (a *taskAllocator) allocate(p *Pool, id uint64, size uint32, fn Func, payload any, deleter func(any)) *Task {
	t, _ := p.taskPool.Get().(*Task)
	if t == nil {
		t = &Task{}
	}
	*t = Task{
		pool:           p,
		id:             id,
		size:           size,
		fn:             fn,
		payload:        payload,
		payloadDeleter: deleter,
	}
	work := int64(size)
	if work == 0 {
		work = 1
	}
	t.remainingWork.Store(work)
	t.refcount.Store(1)
	a.live.Add(1)
	return t
}

func (a *taskAllocator) recycle(p *Pool, t *Task) {
	a.live.Add(-1)
	t.fn = nil
	t.payload = nil
	t.payloadDeleter = nil
	t.children = nil
	t.failure = nil
	p.taskPool.Put(t)
}

// LiveTasks returns the number of currently-allocated (not yet recycled)
// task records. It exists for leak tests (spec.md §8 property 3) and is not
// part of the external-interface surface in spec.md §6.
func (p *Pool) LiveTasks() int64 {
	return p.allocator.live.Load()
}
