package taskgraph

import (
	"context"
	"fmt"
)

// workerLoop is the worker goroutine body (spec.md §4.D): acquire the pool
// mutex, wait while the ready queue is empty and the pool is live, pop one
// work unit, release the mutex, run it, and loop.
func (p *Pool) workerLoop(ws *workerState) error {
	for {
		p.mu.Lock()
		for p.ready.len() == 0 && !p.closed && !ws.stopRequested.Load() {
			p.cond.Wait()
		}
		if ws.stopRequested.Load() || (p.ready.len() == 0 && p.closed) {
			p.mu.Unlock()
			return nil
		}
		it, ok := p.ready.dequeue()
		p.mu.Unlock()
		if !ok {
			continue
		}
		p.runReadyItem(it, ws.ctx, uint32(ws.id+1))
	}
}

// runReadyItem executes one (task, index) pair and, if it was the last
// outstanding work unit of its task, runs completion handling. It assumes
// the pool mutex is NOT held on entry, and does not hold it on return.
// baseCtx is the worker's own context (cancelled individually on
// Pool.Resize shrinking it out), or the pool's root context for a helper
// thread inside Wait.
func (p *Pool) runReadyItem(it readyItem, baseCtx context.Context, workerID uint32) {
	t := it.task

	// A size-0 task's single queue entry is a no-op work unit: fn is skipped.
	if t.fn != nil && t.size != 0 {
		ctx := context.WithValue(baseCtx, WorkerIDKey, workerID)
		err := p.invoke(ctx, t, it.index)
		if err != nil {
			if t.failureSet.CompareAndSwap(false, true) {
				t.failure = err
				if p.onTaskFailure != nil {
					p.onTaskFailure(t, err)
				}
			} else {
				p.logger.Warn(ctx, "dropped subsequent task failure", "taskID", t.id, "error", err)
			}
		}
	}

	p.mu.Lock()
	if t.remainingWork.Add(-1) == 0 {
		p.completeTask(t)
	}
	p.mu.Unlock()
}

// invoke runs the callback, converting a panic into an error the same way
// the teacher's worker loop recovers panics into the task's exception slot.
func (p *Pool) invoke(ctx context.Context, t *Task, index uint32) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("taskgraph: work unit panicked: %v", r)
		}
	}()
	return t.fn(ctx, index, t.payload)
}
