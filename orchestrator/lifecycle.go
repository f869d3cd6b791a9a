package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/persistence"
)

// finalize performs one terminal transition. The body is split into a
// short locked phase (status flip, reference copies) and an unlocked
// phase (error event, sentinel, persistence, callback, collection) so
// the coarse lock is never held across I/O. Idempotent: a second caller
// observing a terminal status returns immediately.
func (r *Registry) finalize(ctx context.Context, t *Task, status TaskStatus, cause error) {
	now := time.Now()

	r.mu.Lock()
	if t.status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	t.status = status
	t.completedAt = now
	t.lastAccess = now
	if cause != nil {
		t.errMsg = cause.Error()
	}
	started := t.startedAt
	onComplete := t.onComplete

	// Every uncollected subagent of this thread is handed to the
	// collector: ones that completed during the turn (their results are
	// merged immediately), ones still running, and ones left behind by
	// an earlier run under the same id whose collection deadline
	// expired and released its claims.
	var pending []*Subagent
	for _, s := range r.subagents {
		if s.parentID == t.id {
			pending = append(pending, s)
		}
	}
	r.mu.Unlock()

	// A mid-stream failure surfaces to viewers as a terminal error event
	// followed by the end-of-stream sentinel, never a silent hang.
	if status == StatusFailed {
		r.emit(ctx, t, errorPayload(cause))
	}

	t.bcast.sentinel(t.id, r.logger)
	r.metrics.TaskFinished(string(status), now.Sub(started))
	r.logger.Info("task finished",
		zap.String("task_id", t.id),
		zap.String("status", string(status)),
		zap.Duration("duration", now.Sub(started)),
	)

	// Unlocked phase: gather events and hand off to persistence.
	events := r.buffer.replay(ctx, r.buffer.taskEventsKey(t.id), 0, r.fallbackSnapshot(t))

	outcome := outcomeFor(status)
	if status == StatusCompleted && t.producer.Paused() {
		// The producer stopped awaiting external input, not because it
		// finished; the persisted record says interrupted.
		outcome = persistence.OutcomeInterrupted
	}

	record := &persistence.RunRecord{
		ID:      uuid.New().String(),
		TaskID:  t.id,
		Outcome: outcome,
		Error:   t.errMsg,
		Events:  events,
	}
	if err := r.store.SaveRecord(ctx, record); err != nil {
		// Persistence failures never abort the task; the in-process
		// state remains authoritative until GC.
		r.logger.Error("failed to persist run record",
			zap.String("task_id", t.id), zap.Error(err))
	}

	r.mu.Lock()
	t.recordID = record.ID
	r.mu.Unlock()

	// The completion callback runs exactly once, only on the completed
	// path. Its failure demotes the run so downstream consumers never
	// see a false "completed".
	if status == StatusCompleted && onComplete != nil {
		if err := onComplete(ctx); err != nil {
			r.demoteToFailed(ctx, t, record, err)
		}
	}

	collectable := status == StatusCompleted || status == StatusSoftInterrupted
	if collectable && len(pending) > 0 {
		go r.collect(context.WithoutCancel(ctx), t, record.ID, pending)
		return
	}

	close(t.drainDone)
}

// demoteToFailed records a completion-callback failure as a secondary
// error and rewrites the persisted outcome.
func (r *Registry) demoteToFailed(ctx context.Context, t *Task, record *persistence.RunRecord, cause error) {
	msg := fmt.Sprintf("completion callback failed: %v", cause)

	r.mu.Lock()
	t.status = StatusFailed
	t.errMsg = msg
	r.mu.Unlock()

	record.Outcome = persistence.OutcomeFailed
	record.Error = msg
	if err := r.store.SaveRecord(ctx, record); err != nil {
		r.logger.Error("failed to persist demoted record",
			zap.String("task_id", t.id), zap.Error(err))
	}

	r.logger.Error("completion callback failed, task demoted",
		zap.String("task_id", t.id), zap.Error(cause))
}

func outcomeFor(status TaskStatus) persistence.RunOutcome {
	switch status {
	case StatusCompleted:
		return persistence.OutcomeCompleted
	case StatusFailed:
		return persistence.OutcomeFailed
	case StatusCancelled:
		return persistence.OutcomeCancelled
	case StatusSoftInterrupted:
		return persistence.OutcomeInterrupted
	default:
		return persistence.OutcomeFailed
	}
}

// errorPayload serializes a terminal error for delivery as an event.
func errorPayload(cause error) string {
	msg := "task failed"
	if cause != nil {
		msg = cause.Error()
	}
	data, err := json.Marshal(map[string]string{
		"type":    "error",
		"message": msg,
	})
	if err != nil {
		return `{"type":"error"}`
	}
	return string(data)
}
