package taskgraph

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func init() {
	// Respect container CPU quotas the same way the teacher does, so that
	// Auto-sized pools (and the default pool) pick a sane worker count.
	if _, err := maxprocs.Set(); err != nil {
		log.Printf("taskgraph: maxprocs.Set failed: %v", err)
	}

	deadlock.Opts.DeadlockTimeout = 2 * time.Second
	deadlock.Opts.OnPotentialDeadlock = func() {
		log.Println("taskgraph: POTENTIAL DEADLOCK DETECTED")
		buf := make([]byte, 1<<16)
		n := runtime.Stack(buf, true)
		log.Printf("taskgraph: goroutine stack dump:\n%s", buf[:n])
	}
}

// Auto derives the worker count from the host's available parallelism, the
// same sentinel role ENOKI_THREAD_AUTO plays in original_source/thread.h.
const Auto = 0

type workerIDKeyType struct{}

// WorkerIDKey is the context.Context key under which the current worker's
// 1-based ID is stored while a work-unit callback runs. pool_thread_id() in
// spec.md §6 is rendered in Go as Pool.ThreadID(ctx) reading this key.
var WorkerIDKey = workerIDKeyType{}

// workerState tracks one worker goroutine's lifecycle, mirroring workerState[T]
// in the teacher's pooler.go.
type workerState struct {
	id            int
	ctx           context.Context
	cancel        context.CancelFunc
	stopRequested atomic.Bool
	done          chan struct{}
}

// Pool is the thread pool facade (spec.md §4.H): it owns the worker
// goroutines, the ready queue, and the pool-wide mutex/condition variable
// that serialize every structural mutation (children lists, parent
// linking, counter decrement-to-zero transitions, recycling).
type Pool struct {
	mu   deadlock.Mutex
	cond *sync.Cond

	ctx    context.Context
	cancel context.CancelFunc

	workers      map[int]*workerState
	nextWorkerID int

	ready   readyQueue
	closed  bool
	nextID  atomic.Uint64

	taskPool  sync.Pool
	allocator taskAllocator

	logger  Logger
	limiter *rate.Limiter

	onTaskFailure func(task *Task, err error)

	errGroup *errgroup.Group
}

// Option configures a Pool at construction time, in the style of the
// teacher's Option[T] functional options in pooler.go.
type Option func(*Pool)

// WithLogger overrides the pool's instance logger (default: a text logger on
// stdout at Error level, so only errors are printed).
func WithLogger(l Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithLogLevel is a convenience option that builds a default text logger at
// the given level.
func WithLogLevel(level LogLevel) Option {
	return func(p *Pool) { p.logger = NewLogger(level) }
}

// WithRateLimit throttles Submit to at most r events per second with the
// given burst, reusing the teacher's golang.org/x/time/rate integration
// (pooler.go's `limiter *rate.Limiter` field) to shape task intake rather
// than execution.
func WithRateLimit(r float64, burst int) Option {
	return func(p *Pool) { p.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

// WithOnTaskFailure registers an observability hook invoked from worker
// context the first time a task's failure slot is populated. It is purely
// informational: it cannot alter scheduling, unlike the teacher's retry
//-oriented OnTaskFailureFunc in pooler.go.
func WithOnTaskFailure(fn func(task *Task, err error)) Option {
	return func(p *Pool) { p.onTaskFailure = fn }
}

// NewPool creates a pool with the given number of workers. Auto derives the
// count from runtime.GOMAXPROCS(0), which after the package init() reflects
// container CPU quotas via automaxprocs.
func NewPool(size int, opts ...Option) (*Pool, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if size == Auto {
		size = runtime.GOMAXPROCS(0)
		if size < 1 {
			size = 1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)

	p := &Pool{
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[int]*workerState),
		errGroup: eg,
		logger:   NewLogger(slog.LevelError), // quiet by default
	}
	p.taskPool.New = func() any { return &Task{} }

	for _, opt := range opts {
		opt(p)
	}

	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < size; i++ {
		p.addWorker()
	}

	p.logger.Info(context.Background(), "pool created", "workers", size)
	return p, nil
}

// addWorker spawns one more worker goroutine and registers it.
func (p *Pool) addWorker() int {
	p.mu.Lock()
	id := p.nextWorkerID
	p.nextWorkerID++

	wctx, wcancel := context.WithCancel(p.ctx)
	ws := &workerState{
		id:     id,
		ctx:    wctx,
		cancel: wcancel,
		done:   make(chan struct{}),
	}
	p.workers[id] = ws
	p.mu.Unlock()

	p.errGroup.Go(func() error {
		defer close(ws.done)
		return p.workerLoop(ws)
	})

	return id
}

// Size returns the current number of workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// ThreadID returns the calling worker's 1-based ID, or 0 if ctx was not
// produced by this pool's worker loop (spec.md §4.D, §6 pool_thread_id()).
func (p *Pool) ThreadID(ctx context.Context) uint32 {
	if v, ok := ctx.Value(WorkerIDKey).(uint32); ok {
		return v
	}
	return 0
}

// Resize adjusts the worker count (spec.md §4.H): growing spawns extra
// workers immediately; shrinking signals surplus workers to exit after
// their current work unit and blocks until they have exited.
func (p *Pool) Resize(size int) error {
	if size < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	p.mu.Lock()
	cur := len(p.workers)
	if size == cur {
		p.mu.Unlock()
		return nil
	}

	if size > cur {
		toAdd := size - cur
		p.mu.Unlock()
		for i := 0; i < toAdd; i++ {
			p.addWorker()
		}
		return nil
	}

	toRemove := cur - size
	ids := make([]int, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	// Deterministic victim selection: highest IDs first (most recently added).
	removed := make([]*workerState, 0, toRemove)
	for i := len(ids) - 1; i >= 0 && len(removed) < toRemove; i-- {
		ws := p.workers[ids[i]]
		ws.stopRequested.Store(true)
		ws.cancel()
		delete(p.workers, ids[i])
		removed = append(removed, ws)
	}
	p.mu.Unlock()

	p.cond.Broadcast()
	for _, ws := range removed {
		<-ws.done
	}
	return nil
}

// Close shuts the pool down (spec.md §4.H "Destroy"): it stops accepting
// new progress, discards unstarted ready-queue entries, and waits for every
// worker to finish its current work unit. It is undefined behavior to call
// Close while another goroutine is inside Wait on one of this pool's tasks.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancel()
	dropped := p.ready.drain()
	p.mu.Unlock()

	p.cond.Broadcast()

	p.logger.Info(context.Background(), "pool closing", "discarded", dropped)
	err := p.errGroup.Wait()
	if err != nil && err != context.Canceled {
		p.logger.Error(context.Background(), "error while waiting for workers", "error", err)
		return err
	}
	return nil
}

var (
	defaultPoolOnce sync.Once
	defaultPool     *Pool
)

// DefaultPool returns the process-wide pool, created lazily on first use
// with Auto workers (spec.md §6 "default-pool semantics"). It is a
// collaborator the core merely tolerates: callers that want explicit
// lifecycle control should construct their own Pool via NewPool.
func DefaultPool() *Pool {
	defaultPoolOnce.Do(func() {
		p, err := NewPool(Auto)
		if err != nil {
			panic(fmt.Sprintf("taskgraph: failed to create default pool: %v", err))
		}
		defaultPool = p
	})
	return defaultPool
}

// CloseDefaultPool releases the process-wide pool, if one was created.
// Processes without deterministic teardown (spec.md §9) should call this
// explicitly rather than relying on process exit.
func CloseDefaultPool() error {
	if defaultPool == nil {
		return nil
	}
	return defaultPool.Close()
}
