package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/agentrelay/internal/cache"
	"github.com/BaSui01/agentrelay/internal/metrics"
	"github.com/BaSui01/agentrelay/persistence"
	"github.com/BaSui01/agentrelay/types"
)

// Registry is the authoritative map of task id to task state. One
// instance exists per process; all mutations serialize through its
// coarse lock. The lock is held for short sections only; the one
// blocking call under it is the buffer delete when a terminal run is
// replaced, which must complete before the new run becomes attachable.
type Registry struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	subagents map[string]*Subagent

	sem      *semaphore.Weighted
	cfg      Config
	buffer   *EventBuffer
	store    persistence.RecordStore
	logger   *zap.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer

	shuttingDown bool
	sweepStop    chan struct{}
	sweepDone    chan struct{}
	wg           sync.WaitGroup
}

// NewRegistry constructs the process-wide registry. cacheMgr may be nil
// to run without a durable buffer; store may be nil to use an in-memory
// record store.
func NewRegistry(cfg Config, cacheMgr *cache.Manager, store persistence.RecordStore, logger *zap.Logger, collector *metrics.Collector) *Registry {
	cfg = cfg.withDefaults()

	if store == nil {
		store = persistence.NewMemoryRecordStore(persistence.DefaultStoreConfig())
	}
	if collector == nil {
		collector = metrics.NewCollector("agentrelay", nil)
	}

	r := &Registry{
		tasks:     make(map[string]*Task),
		subagents: make(map[string]*Subagent),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		cfg:       cfg,
		store:     store,
		logger:    logger.With(zap.String("component", "task_registry")),
		metrics:   collector,
		tracer:    otel.Tracer("github.com/BaSui01/agentrelay/orchestrator"),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	r.buffer = newEventBuffer(cacheMgr, cfg, logger, collector)

	go r.sweepLoop()

	return r
}

// Start registers and runs a task for the given thread id. It fails when
// a task with the same id is queued or running, when a prior soft
// interrupt has not drained, when the concurrency ceiling is reached, or
// during shutdown. A prior terminal task under the same id is replaced.
func (r *Registry) Start(ctx context.Context, id string, producer Producer, opts StartOptions) (*TaskInfo, error) {
	if id == "" || producer == nil {
		return nil, types.NewError(types.ErrInternalError, "task id and producer are required")
	}

	r.mu.Lock()

	if r.shuttingDown {
		r.mu.Unlock()
		return nil, types.NewError(types.ErrShuttingDown, "registry is shutting down")
	}

	prior, replacing := r.tasks[id]
	if replacing {
		if !prior.status.IsTerminal() {
			r.mu.Unlock()
			return nil, types.Newf(types.ErrTaskRunning, "task %s is already %s", id, prior.status)
		}
		if prior.status == StatusSoftInterrupted && !prior.drained() {
			r.mu.Unlock()
			return nil, types.Newf(types.ErrDrainPending, "task %s has not finished draining", id)
		}
	}

	// The ceiling check must not mutate registry state on failure.
	if !r.sem.TryAcquire(1) {
		r.mu.Unlock()
		return nil, types.Newf(types.ErrCeilingReached, "concurrency ceiling %d reached", r.cfg.MaxConcurrentTasks)
	}

	if replacing {
		// The fresh run restarts its sequence counter at 1, so the
		// replaced run's buffered events must be gone before any viewer
		// can attach to the new task and replay them. The delete happens
		// under the lock: a stale key surviving past this point would
		// collide with the new run's sequence numbers.
		r.buffer.clear(ctx, r.buffer.taskEventsKey(id), r.buffer.taskMetaKey(id))
		delete(r.tasks, id)
	}

	t := newTask(id, producer, opts)
	r.tasks[id] = t
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.TaskStarted()
	r.logger.Info("task started", zap.String("task_id", id))

	go r.run(ctx, t)

	return r.snapshotInfo(t), nil
}

// Status returns the task's current status and updates its last-access
// time for the GC idle rule.
func (r *Registry) Status(id string) (TaskStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return "", types.Newf(types.ErrTaskNotFound, "task %s not found", id)
	}
	t.lastAccess = time.Now()
	return t.status, nil
}

// Info returns a read-only snapshot of the task.
func (r *Registry) Info(id string) (*TaskInfo, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return nil, types.Newf(types.ErrTaskNotFound, "task %s not found", id)
	}
	t.lastAccess = time.Now()
	info := r.snapshotInfoLocked(t)
	r.mu.Unlock()
	return info, nil
}

// Subscribe adds a live subscriber channel to the task and increments
// its connection counter. Idempotent per channel.
func (r *Registry) Subscribe(id string, ch chan types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return types.Newf(types.ErrTaskNotFound, "task %s not found", id)
	}
	t.lastAccess = time.Now()
	t.bcast.subscribe(ch)
	t.connections++
	r.metrics.SubscriberAttached()
	return nil
}

// Unsubscribe removes a subscriber channel and decrements the connection
// counter. Idempotent: unknown tasks or channels are ignored.
func (r *Registry) Unsubscribe(id string, ch chan types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return
	}
	t.bcast.unsubscribe(ch)
	if t.connections > 0 {
		t.connections--
		r.metrics.SubscriberDetached()
	}
}

// Cancel requests hard cancellation. Idempotent; hard cancel always wins
// over a previously requested soft interrupt.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return types.Newf(types.ErrTaskNotFound, "task %s not found", id)
	}
	if t.status.IsTerminal() {
		return nil
	}
	if !t.hardRequested {
		t.hardRequested = true
		close(t.hardCancel)
		r.logger.Info("hard cancel requested", zap.String("task_id", id))
	}
	return nil
}

// SoftInterrupt requests a cooperative stop of the primary run only;
// subagents spawned by the run keep going. Idempotent.
func (r *Registry) SoftInterrupt(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return types.Newf(types.ErrTaskNotFound, "task %s not found", id)
	}
	if t.status.IsTerminal() {
		return nil
	}
	if !t.softRequested {
		t.softRequested = true
		close(t.softInterrupt)
		r.logger.Info("soft interrupt requested", zap.String("task_id", id))
	}
	return nil
}

// WaitForDrain blocks until the task's post-terminal work (state flush,
// persistence, subagent collection) has finished, or the timeout expires.
func (r *Registry) WaitForDrain(ctx context.Context, id string, timeout time.Duration) error {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()

	if !ok {
		return types.Newf(types.ErrTaskNotFound, "task %s not found", id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.drainDone:
		return nil
	case <-timer.C:
		return types.Newf(types.ErrDrainPending, "task %s still draining after %s", id, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cooperatively cancels every running task, waits up to the
// grace window, then escalates to forced cancellation with a second,
// shorter window. It also stops the GC sweeper.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return nil
	}
	r.shuttingDown = true

	var running []*Task
	for _, t := range r.tasks {
		if !t.status.IsTerminal() {
			running = append(running, t)
			if !t.hardRequested {
				t.hardRequested = true
				close(t.hardCancel)
			}
		}
	}
	r.mu.Unlock()

	close(r.sweepStop)

	r.logger.Info("shutdown: cooperative cancellation requested",
		zap.Int("running", len(running)))

	if r.waitTasks(running, r.cfg.ShutdownGrace) {
		<-r.sweepDone
		return nil
	}

	// Escalate: abort the runner contexts of anything still alive.
	var stuck []*Task
	for _, t := range running {
		select {
		case <-t.runDone:
		default:
			stuck = append(stuck, t)
			r.mu.Lock()
			cancel := t.forceCancel
			r.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		}
	}

	r.logger.Warn("shutdown: escalating to forced cancellation",
		zap.Int("unresponsive", len(stuck)))

	if !r.waitTasks(stuck, r.cfg.ShutdownForceGrace) {
		<-r.sweepDone
		return types.NewError(types.ErrShuttingDown, "tasks still running after forced cancellation window")
	}

	<-r.sweepDone
	return nil
}

// waitTasks waits for every task's runner to exit, bounded by d.
func (r *Registry) waitTasks(tasks []*Task, d time.Duration) bool {
	deadline := time.After(d)
	for _, t := range tasks {
		select {
		case <-t.runDone:
		case <-deadline:
			return false
		}
	}
	return true
}

// RecordStore exposes the persistence boundary, mainly for callers that
// need to read run records after tasks are swept.
func (r *Registry) RecordStore() persistence.RecordStore {
	return r.store
}

// snapshotInfo copies task state under the lock.
func (r *Registry) snapshotInfo(t *Task) *TaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotInfoLocked(t)
}

func (r *Registry) snapshotInfoLocked(t *Task) *TaskInfo {
	info := &TaskInfo{
		ID:          t.id,
		Status:      t.status,
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
		LastAccess:  t.lastAccess,
		Connections: t.connections,
		LastSeq:     t.seq,
		Error:       t.errMsg,
		Metadata:    t.metadata,
	}
	for id := range t.subagents {
		info.Subagents = append(info.Subagents, id)
	}
	return info
}

// emit assigns the next sequence number, stages the event in the task's
// in-memory list and fans it out to live subscribers, all inside one
// critical section, then appends it to the durable buffer outside the
// lock. Staging before the lock is released closes the window where a
// viewer subscribes after the publish but replays before the durable
// write lands: replay merges the staged copy, so every published
// sequence number is always observable. Once the durable write succeeds
// the staged copy is dropped; on failure it stays as the fallback when
// permitted.
func (r *Registry) emit(ctx context.Context, t *Task, payload string) types.Event {
	r.mu.Lock()
	t.seq++
	ev := types.Event{Seq: t.seq, TaskID: t.id, Payload: payload, At: time.Now()}
	t.fallback = append(t.fallback, ev)
	if int64(len(t.fallback)) > r.cfg.MaxBufferedEvents {
		t.fallback = t.fallback[1:]
	}
	dropped := t.bcast.publish(ev, r.logger)
	r.mu.Unlock()

	r.metrics.EventEmitted()
	r.metrics.SubscriberDrops(dropped)

	eventsKey := r.buffer.taskEventsKey(t.id)
	err := r.buffer.appendDurable(ctx, eventsKey, r.buffer.taskMetaKey(t.id), ev)
	switch {
	case err == nil:
		// The durable copy is authoritative now.
		r.unstageFallback(t, ev.Seq)
	case r.cfg.AllowMemoryFallback:
		r.buffer.warnWriteFailure(eventsKey, err)
		r.metrics.BufferFallback()
	default:
		r.buffer.warnWriteFailure(eventsKey, err)
		r.unstageFallback(t, ev.Seq)
	}

	return ev
}

// unstageFallback removes one staged event once its durable copy exists,
// or drops it when the write failed and fallback is disallowed.
func (r *Registry) unstageFallback(t *Task, seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(t.fallback) - 1; i >= 0; i-- {
		if t.fallback[i].Seq == seq {
			t.fallback = append(t.fallback[:i], t.fallback[i+1:]...)
			return
		}
	}
}

// fallbackSnapshot copies the in-memory event list for replay.
func (r *Registry) fallbackSnapshot(t *Task) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), t.fallback...)
}
