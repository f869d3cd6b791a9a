package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/agentrelay/persistence"
	"github.com/BaSui01/agentrelay/types"
)

// Attach serves a viewer's reconnection: replay every buffered event
// with a sequence number greater than lastSeen (zero replays all), then
// hand off to live delivery with no duplicate and no gap across the
// boundary. The returned channel ends with the sentinel and is closed at
// end-of-stream; cancelling ctx detaches without affecting the task.
func (r *Registry) Attach(ctx context.Context, id string, lastSeen int64) (<-chan types.Event, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if ok {
		t.lastAccess = time.Now()
	}
	r.mu.Unlock()

	if !ok {
		return r.attachRecord(ctx, id, lastSeen)
	}

	// Subscribe before replaying so nothing produced during the replay
	// falls between the two phases; the pump de-duplicates by sequence
	// number across the boundary.
	live := make(chan types.Event, r.cfg.SubscriberBuffer)
	if err := r.Subscribe(id, live); err != nil {
		return nil, err
	}

	out := make(chan types.Event, r.cfg.SubscriberBuffer)
	go r.pump(ctx, t, live, out, lastSeen)

	return out, nil
}

// pump runs the replay-then-live loop for one attached viewer.
func (r *Registry) pump(ctx context.Context, t *Task, live chan types.Event, out chan types.Event, lastSeen int64) {
	defer close(out)
	// Detaching only drops this viewer's connection; the task runs on.
	defer r.Unsubscribe(t.id, live)

	replayed := r.buffer.replay(ctx, r.buffer.taskEventsKey(t.id), lastSeen, r.fallbackSnapshot(t))
	last := lastSeen
	for _, ev := range replayed {
		select {
		case out <- ev:
			last = ev.Seq
		case <-ctx.Done():
			return
		}
	}

	if r.statusSnapshot(t).IsTerminal() {
		r.drainAndFinish(ctx, t, live, out, last)
		return
	}

	// Live phase. The poll ticker bounds how long we block on a stalled
	// producer before re-checking task status, so a viewer never hangs
	// on a task that went terminal without us seeing the sentinel.
	poll := time.NewTicker(r.cfg.AttachPollInterval)
	defer poll.Stop()

	for {
		select {
		case ev := <-live:
			if ev.IsSentinel() {
				r.forward(ctx, out, ev)
				return
			}
			if ev.Seq <= last {
				continue
			}
			select {
			case out <- ev:
				last = ev.Seq
			case <-ctx.Done():
				return
			}

		case <-poll.C:
			if r.statusSnapshot(t).IsTerminal() {
				r.drainAndFinish(ctx, t, live, out, last)
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// drainAndFinish flushes whatever is still queued on the live channel of
// a terminal task, then surfaces the end of stream.
func (r *Registry) drainAndFinish(ctx context.Context, t *Task, live chan types.Event, out chan types.Event, last int64) {
	for {
		select {
		case ev := <-live:
			if ev.IsSentinel() {
				r.forward(ctx, out, ev)
				return
			}
			if ev.Seq <= last {
				continue
			}
			select {
			case out <- ev:
				last = ev.Seq
			case <-ctx.Done():
				return
			}
		default:
			r.forward(ctx, out, types.Sentinel(t.id))
			return
		}
	}
}

func (r *Registry) forward(ctx context.Context, out chan types.Event, ev types.Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func (r *Registry) statusSnapshot(t *Task) TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return t.status
}

// attachRecord serves a viewer whose task has already been swept: the
// persisted run record is replayed when one exists within retention.
func (r *Registry) attachRecord(ctx context.Context, id string, lastSeen int64) (<-chan types.Event, error) {
	rec, err := r.store.GetLatestByTask(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, types.Newf(types.ErrTaskNotFound, "task %s not found", id)
		}
		return nil, types.NewError(types.ErrStoreUnavailable, "record lookup failed").WithCause(err).WithRetryable()
	}

	if time.Since(rec.UpdatedAt) > r.cfg.Retention {
		return nil, types.Newf(types.ErrTaskExpired, "task %s is beyond the retention window", id)
	}

	out := make(chan types.Event, r.cfg.SubscriberBuffer)
	go func() {
		defer close(out)
		for _, ev := range rec.Events {
			if ev.Seq <= lastSeen {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		r.forward(ctx, out, types.Sentinel(id))
	}()

	return out, nil
}
