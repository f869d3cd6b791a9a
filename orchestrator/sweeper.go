package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// sweepLoop periodically reclaims abandoned and expired task state until
// shutdown stops it.
func (r *Registry) sweepLoop() {
	defer close(r.sweepDone)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(context.Background())
		case <-r.sweepStop:
			return
		}
	}
}

// sweep applies the reclamation rules: terminal tasks past the retention
// window are deleted along with their durable buffer keys, running tasks
// nobody has watched for the abandon window are hard-cancelled, and
// subagent entries orphaned by a swept or replaced parent are dropped.
func (r *Registry) sweep(ctx context.Context) {
	now := time.Now()

	var expired []*Task
	var abandoned []string
	var orphaned []*Subagent

	r.mu.Lock()
	for id, t := range r.tasks {
		switch {
		case t.status.IsTerminal() && t.drained() && now.Sub(t.completedAt) > r.cfg.Retention:
			delete(r.tasks, id)
			expired = append(expired, t)

		case t.status == StatusRunning && t.connections == 0 && now.Sub(t.lastAccess) > r.cfg.AbandonAfter:
			if !t.hardRequested {
				t.hardRequested = true
				close(t.hardCancel)
				abandoned = append(abandoned, id)
			}
		}
	}

	// Subagent entries whose parent task is gone, swept above or long
	// since replaced, have no collector left to claim them.
	for id, s := range r.subagents {
		if _, ok := r.tasks[s.parentID]; !ok {
			delete(r.subagents, id)
			orphaned = append(orphaned, s)
		}
	}
	r.mu.Unlock()

	for _, t := range expired {
		r.buffer.clear(ctx,
			r.buffer.taskEventsKey(t.id),
			r.buffer.taskMetaKey(t.id),
		)
		r.metrics.TaskSwept()
		r.logger.Debug("expired task swept", zap.String("task_id", t.id))
	}

	for _, s := range orphaned {
		r.buffer.clear(ctx, r.buffer.subagentEventsKey(s.id))
		r.logger.Debug("orphaned subagent reclaimed",
			zap.String("subagent_id", s.id),
			zap.String("task_id", s.parentID))
	}

	for _, id := range abandoned {
		r.logger.Info("abandoned task cancelled",
			zap.String("task_id", id),
			zap.Duration("idle", r.cfg.AbandonAfter))
	}

	if n, err := r.store.Cleanup(ctx, r.cfg.Retention); err != nil {
		r.logger.Warn("record cleanup failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Debug("expired records removed", zap.Int("count", n))
	}
}
