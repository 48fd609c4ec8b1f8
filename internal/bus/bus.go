// Package bus implements the Task Bus abstraction: named, in-memory work
// queues with per-queue workers, synchronous wait-for-result, and
// cancel-by-handle. It is grounded directly on the channel/goroutine/
// sync.WaitGroup worker-pool idiom used throughout the orchestrator core,
// generalised from a single fixed pipeline into named queues dispatching
// to registered task handlers.
package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"sync"
)

// Queue names, matching the external task-bus contract.
const (
	QueueState       = "state"
	QueueScan        = "scan"
	QueuePlugin      = "plugin"
	QueuePluginHeavy = "plugin-heavy"
	QueuePluginLight = "plugin-light"
)

// Result is what Wait returns for a completed (non-revoked) job.
type Result struct {
	Value any
	Err   error
}

// Handle is the opaque handle returned by Enqueue. Its ID can be persisted
// (e.g. into Session.Task); Revoke takes the *Handle itself, so only the
// process holding it can revoke the job.
type Handle struct {
	ID string

	mu       sync.Mutex
	revoked  bool
	signalCh chan os.Signal
	doneCh   chan struct{}
	result   Result
}

// Signal returns a channel a running handler should select on to notice a
// graceful-stop revocation, mirroring the Task Bus's revoke-with-signal
// contract materialised at the OS level inside the plugin runner.
func (h *Handle) Signal() <-chan os.Signal { return h.signalCh }

func (h *Handle) finish(res Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.doneCh:
		return // already finished/revoked
	default:
	}
	h.result = res
	close(h.doneCh)
}

// HandlerFunc is a registered task implementation. It must respect h's
// signal channel if it runs for any meaningful duration and return
// promptly once asked to stop.
type HandlerFunc func(ctx context.Context, args any, h *Handle) (any, error)

type job struct {
	taskName string
	args     any
	handle   *Handle
}

// Bus is an in-process Task Bus: each queue is a set of buffered channels
// (sharded for "state" so per-scan mutations serialise onto one worker),
// drained by worker goroutines tracked with a sync.WaitGroup so Shutdown
// can wait for in-flight jobs to drain.
type Bus struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	queues   map[string][]chan job // queue name -> shard channels
	rr       uint64                // round-robin counter for non-state queues
	wg       sync.WaitGroup
}

// New returns an empty Bus. Call RegisterHandler for every task name the
// process will serve, then StartWorkers per queue.
func New() *Bus {
	return &Bus{
		handlers: make(map[string]HandlerFunc),
		queues:   make(map[string][]chan job),
	}
}

// RegisterHandler binds taskName to fn. Must be called before StartWorkers
// for any queue that will carry taskName jobs.
func (b *Bus) RegisterHandler(taskName string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[taskName] = fn
}

// StartWorkers launches n worker goroutines consuming queue until ctx is
// cancelled. For QueueState, n shards are created and Enqueue routes by a
// shard key so a given scan's mutations always land on the same shard,
// guaranteeing the single-consumer-per-scan ordering the state queue
// requires.
func (b *Bus) StartWorkers(ctx context.Context, queue string, n int) {
	if n < 1 {
		n = 1
	}
	b.mu.Lock()
	shards := make([]chan job, n)
	for i := range shards {
		shards[i] = make(chan job, 64)
	}
	b.queues[queue] = shards
	b.mu.Unlock()

	for i, ch := range shards {
		b.wg.Add(1)
		go b.runWorker(ctx, queue, i, ch)
	}
}

func (b *Bus) runWorker(ctx context.Context, queue string, shard int, ch chan job) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-ch:
			if !ok {
				return
			}
			b.run(ctx, queue, shard, j)
		}
	}
}

func (b *Bus) run(ctx context.Context, queue string, shard int, j job) {
	b.mu.Lock()
	fn, ok := b.handlers[j.taskName]
	b.mu.Unlock()
	if !ok {
		j.handle.finish(Result{Err: fmt.Errorf("bus: no handler registered for task %q", j.taskName)})
		return
	}
	slog.Debug("bus: running job", "queue", queue, "shard", shard, "task", j.taskName, "handle", j.handle.ID)
	val, err := fn(ctx, j.args, j.handle)
	j.handle.finish(Result{Value: val, Err: err})
}

// EnqueueOptions configures a single Enqueue call.
type EnqueueOptions struct {
	// ShardKey pins the job to one state-queue shard, required for
	// QueueState so mutations for one scan serialise. Ignored elsewhere.
	ShardKey string
}

var handleSeq struct {
	mu sync.Mutex
	n  uint64
}

func nextHandleID() string {
	handleSeq.mu.Lock()
	defer handleSeq.mu.Unlock()
	handleSeq.n++
	return fmt.Sprintf("h-%d", handleSeq.n)
}

// Enqueue submits taskName(args) onto queue and returns a Handle. The job
// runs on whichever worker owns the shard chosen by opts.ShardKey (queue
// "state") or round-robins otherwise.
func (b *Bus) Enqueue(queue, taskName string, args any, opts EnqueueOptions) (*Handle, error) {
	b.mu.Lock()
	shards, ok := b.queues[queue]
	rr := b.rr
	b.rr++
	b.mu.Unlock()
	if !ok || len(shards) == 0 {
		return nil, fmt.Errorf("bus: no workers started for queue %q", queue)
	}

	h := &Handle{
		ID:       nextHandleID(),
		signalCh: make(chan os.Signal, 1),
		doneCh:   make(chan struct{}),
	}

	idx := int(rr % uint64(len(shards)))
	if queue == QueueState {
		idx = int(shardIndex(opts.ShardKey, len(shards)))
	}
	select {
	case shards[idx] <- job{taskName: taskName, args: args, handle: h}:
	default:
		// Queue full: block the caller rather than silently drop work.
		shards[idx] <- job{taskName: taskName, args: args, handle: h}
	}
	return h, nil
}

func shardIndex(key string, n int) uint32 {
	if key == "" || n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(n)
}

// Wait blocks until h's job completes or ctx is cancelled. The bool return
// is true iff the handle was revoked before the job produced a result.
func (b *Bus) Wait(ctx context.Context, h *Handle) (Result, bool, error) {
	select {
	case <-h.doneCh:
		h.mu.Lock()
		revoked := h.revoked
		res := h.result
		h.mu.Unlock()
		return res, revoked, nil
	case <-ctx.Done():
		return Result{}, false, ctx.Err()
	}
}

// Revoke best-effort cancels h. If the job is already running, sig is
// delivered on h.Signal() for the handler to observe; if terminate is true
// and the handler does not stop promptly, the caller (typically the
// plugin runner's own supervisor) is responsible for escalating to a hard
// kill — the bus itself has no process to kill.
func (b *Bus) Revoke(h *Handle, terminate bool, sig os.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.doneCh:
		return // already finished, nothing to revoke
	default:
	}
	h.revoked = true
	if sig != nil {
		select {
		case h.signalCh <- sig:
		default:
		}
	}
	if !terminate {
		return
	}
	// Mark the handle done so waiters unblock immediately with Revoked;
	// the handler goroutine keeps running until it notices the signal and
	// exits on its own (it owns the child process, not the bus).
	select {
	case <-h.doneCh:
	default:
		close(h.doneCh)
	}
}
