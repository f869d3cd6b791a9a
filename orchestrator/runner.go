package orchestrator

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// run drives the producer to completion, isolated from the cancellation
// of whatever scope called Start: an HTTP handler tearing down must not
// abort task progress. Only the two per-task stop signals and shutdown
// escalation end the run early.
func (r *Registry) run(startCtx context.Context, t *Task) {
	defer r.wg.Done()
	defer r.sem.Release(1)
	defer close(t.runDone)

	base := context.WithoutCancel(startCtx)
	runCtx, force := context.WithCancel(base)
	defer force()

	r.mu.Lock()
	t.forceCancel = force
	t.status = StatusRunning
	t.startedAt = time.Now()
	r.mu.Unlock()

	ctx, span := r.tracer.Start(runCtx, "task.run",
		trace.WithAttributes(attribute.String("task.id", t.id)))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("producer panicked",
				zap.String("task_id", t.id), zap.Any("panic", p))
			r.closeProducer(base, t)
			r.finalize(base, t, StatusFailed, errors.New("producer panicked"))
		}
	}()

	for {
		payload, err := t.producer.Next(ctx)

		switch {
		case err == nil:
			// fall through to the stop-signal checks below

		case errors.Is(err, io.EOF):
			// Normal exhaustion. The completion path decides between a
			// true completion and a paused-awaiting-input interrupt.
			r.finalize(base, t, StatusCompleted, nil)
			return

		case runCtx.Err() != nil:
			// Forced cancellation during shutdown escalation.
			r.closeProducer(base, t)
			r.finalize(base, t, StatusCancelled, nil)
			return

		default:
			r.closeProducer(base, t)
			r.finalize(base, t, StatusFailed, err)
			return
		}

		// Hard cancel is checked first and wins unconditionally, even
		// when a soft interrupt was requested earlier in the same tick.
		select {
		case <-t.hardCancel:
			r.closeProducer(base, t)
			r.finalize(base, t, StatusCancelled, nil)
			return
		default:
		}

		select {
		case <-t.softInterrupt:
			r.closeProducer(base, t)
			r.flushProducer(base, t)
			r.finalize(base, t, StatusSoftInterrupted, nil)
			return
		default:
		}

		r.emit(base, t, payload)
	}
}

// closeProducer requests clean early closure, bounded.
func (r *Registry) closeProducer(ctx context.Context, t *Task) {
	closeCtx, cancel := context.WithTimeout(ctx, r.cfg.FlushTimeout)
	defer cancel()

	if err := t.producer.Close(closeCtx); err != nil {
		r.logger.Warn("producer close failed",
			zap.String("task_id", t.id), zap.Error(err))
	}
}

// flushProducer asks the producer to snapshot in-flight state before a
// soft interrupt lands. Best effort: failure is logged, not fatal.
func (r *Registry) flushProducer(ctx context.Context, t *Task) {
	f, ok := t.producer.(Flusher)
	if !ok {
		return
	}

	flushCtx, cancel := context.WithTimeout(ctx, r.cfg.FlushTimeout)
	defer cancel()

	if err := f.Flush(flushCtx); err != nil {
		r.logger.Warn("state flush failed on soft interrupt",
			zap.String("task_id", t.id), zap.Error(err))
	}
}
