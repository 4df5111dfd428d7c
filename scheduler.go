package taskgraph

import (
	"context"
	"fmt"
)

// Submit registers a task of size work units sharing fn and a payload
// resolved from opts (spec.md §4.E). It returns a handle that must
// eventually be passed to Release (directly, or via WaitAndRelease) —
// except when the inline fast path fires, in which case it returns a nil
// handle having already run fn to completion on the caller's goroutine.
func (p *Pool) Submit(size uint32, fn Func, opts ...SubmitOption) (*Task, error) {
	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	for _, parent := range cfg.parents {
		if parent != nil && parent.pool != p {
			return nil, ErrCrossPoolParent
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	allParentsDone := true
	for _, parent := range cfg.parents {
		if parent != nil && !parent.done() {
			allParentsDone = false
			break
		}
	}
	p.mu.Unlock()

	// Fast path (spec.md §4.E step 1): size == 1, no pending parents, no
	// payload deleter. size == 0 never takes this path: it must always be
	// scheduled asynchronously (see SPEC_FULL.md's Open Question resolution).
	// The rate limiter only shapes the async/slow path's intake rate: the
	// fast path never blocks (spec.md §5), so the limiter wait is skipped
	// whenever the fast path is about to fire.
	if size == 1 && allParentsDone && cfg.payloadDeleter == nil {
		payload, _, err := resolvePayload(cfg, size)
		if err != nil {
			return nil, err
		}
		ctx := context.WithValue(p.ctx, WorkerIDKey, uint32(0))
		if err := p.invokeInline(ctx, fn, payload); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return nil, fmt.Errorf("taskgraph: rate limiter: %w", err)
		}
	}

	payload, deleter, err := resolvePayload(cfg, size)
	if err != nil {
		return nil, err
	}

	id := p.nextID.Add(1)
	t := p.allocator.allocate(p, id, size, fn, payload, deleter)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		// Pool closed between the unlock above and here; undo the allocation.
		p.allocator.recycle(p, t)
		return nil, ErrPoolClosed
	}

	for _, parent := range cfg.parents {
		if parent == nil {
			continue
		}
		if parent.remainingWork.Load() == 0 {
			continue // already completed: not linked, per spec.md §4.E step 4
		}
		parent.children = append(parent.children, t)
		parent.refcount.Add(1)
		t.remainingParents.Add(1)
	}

	if t.remainingParents.Load() == 0 {
		p.ready.enqueueTask(t)
		p.cond.Broadcast()
	}

	p.logger.Debug(p.ctx, "task submitted", "taskID", t.id, "size", size, "parents", len(cfg.parents))

	return t, nil
}

// invokeInline runs fn(0, payload) synchronously on the caller's goroutine,
// recovering a panic into an error exactly like the worker loop does.
func (p *Pool) invokeInline(ctx context.Context, fn Func, payload any) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("taskgraph: work unit panicked: %v", r)
		}
	}()
	return fn(ctx, 0, payload)
}

// completeTask runs when a task's remaining work unit count reaches zero.
// Caller must hold p.mu. Order follows spec.md §4.E "Completion handling"
// exactly: invoke the deleter, fire children, broadcast, clear the children
// list, then recycle if the refcount has already reached zero.
func (p *Pool) completeTask(t *Task) {
	if t.payloadDeleter != nil {
		t.payloadDeleter(t.payload)
		t.payloadDeleter = nil
	}

	for _, child := range t.children {
		if child.remainingParents.Add(-1) == 0 {
			p.ready.enqueueTask(child)
		}
		t.refcount.Add(-1)
	}

	p.cond.Broadcast()
	t.children = nil

	p.logger.Debug(p.ctx, "task completed", "taskID", t.id, "failed", t.failureSet.Load())

	if t.refcount.Load() == 0 {
		p.allocator.recycle(p, t)
	}
}

// Wait blocks until task has completed, participating as an honorary
// "helping" worker while it waits (spec.md §4.E "Wait", §4.D, §9). A nil
// task is a no-op. If the task's failure slot was populated, Wait re-raises
// it; the slot remains populated, so Wait is idempotent with respect to
// failure propagation.
func (p *Pool) Wait(task *Task) error {
	if task == nil {
		return nil
	}

	p.mu.Lock()
	for task.remainingWork.Load() > 0 {
		if it, ok := p.ready.dequeue(); ok {
			p.mu.Unlock()
			p.runReadyItem(it, p.ctx, 0) // helpers report worker ID 0, per spec.md §4.D
			p.mu.Lock()
			continue
		}
		p.cond.Wait()
	}
	var err error
	if task.failureSet.Load() {
		err = task.failure
	}
	p.mu.Unlock()

	return err
}

// Release drops the caller's reference to task. It is legal to call while
// the task is still running; the record is only recycled once every
// reference has gone and the task has reached completed. A nil task is a
// no-op.
func (p *Pool) Release(task *Task) error {
	if task == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if task.refcount.Add(-1) == 0 && task.remainingWork.Load() == 0 {
		p.allocator.recycle(p, task)
	}
	return nil
}

// WaitAndRelease combines Wait and Release atomically with respect to
// handle lifetime: Release runs whether or not Wait re-raises a failure.
func (p *Pool) WaitAndRelease(task *Task) error {
	err := p.Wait(task)
	if relErr := p.Release(task); relErr != nil && err == nil {
		err = relErr
	}
	return err
}

// SubmitAndWait is the synchronous convenience wrapper named in spec.md §9's
// design notes (task_submit_and_wait): submit, then wait-and-release before
// returning. It is what makes the recursive-submit scenario (spec.md §8 S5)
// safe to write without juggling a handle.
func (p *Pool) SubmitAndWait(size uint32, fn Func, opts ...SubmitOption) error {
	t, err := p.Submit(size, fn, opts...)
	if err != nil {
		return err
	}
	if t == nil {
		// Inline fast path already ran fn to completion.
		return nil
	}
	return p.WaitAndRelease(t)
}
