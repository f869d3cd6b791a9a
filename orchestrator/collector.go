package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// collect gathers the results of the turn's uncollected subagents,
// already-completed ones included. Each subagent is claimed atomically
// so a racing collector (a soft-interrupt collector and a next turn's
// completion collector can overlap) never persists the same results
// twice. Results are merged into the run record incrementally as
// subagents finish; on deadline expiry the claims on still-pending
// subagents are released so a later collector can retry them.
func (r *Registry) collect(ctx context.Context, t *Task, recordID string, outstanding []*Subagent) {
	defer close(t.drainDone)

	logger := r.logger.With(
		zap.String("task_id", t.id),
		zap.String("record_id", recordID),
	)

	var mine []*Subagent
	for _, s := range outstanding {
		if s.tryClaim(recordID) {
			mine = append(mine, s)
		}
	}
	if len(mine) == 0 {
		return
	}

	logger.Info("collecting subagents", zap.Int("count", len(mine)))

	// First-completed-of-many: one watcher per subagent funnels into a
	// buffered channel so no watcher ever blocks.
	completedCh := make(chan *Subagent, len(mine))
	stop := make(chan struct{})
	defer close(stop)
	for _, s := range mine {
		go func(s *Subagent) {
			select {
			case <-s.done:
				completedCh <- s
			case <-stop:
			}
		}(s)
	}

	deadline := time.NewTimer(r.cfg.CollectTimeout)
	defer deadline.Stop()

	var collected []*Subagent
	remaining := len(mine)

	for remaining > 0 {
		select {
		case s := <-completedCh:
			remaining--
			r.persistSubagent(ctx, recordID, s, logger)
			collected = append(collected, s)

		case <-deadline.C:
			// Drain anything that completed while the timer fired.
		drainLoop:
			for remaining > 0 {
				select {
				case s := <-completedCh:
					remaining--
					r.persistSubagent(ctx, recordID, s, logger)
					collected = append(collected, s)
				default:
					break drainLoop
				}
			}
			for _, s := range mine {
				if !s.isCompleted() && s.releaseClaim(recordID) {
					r.metrics.ClaimReleased()
					logger.Warn("collection deadline expired, claim released",
						zap.String("subagent_id", s.id))
				}
			}
			remaining = 0
		}
	}

	// Let attached viewers finish replaying each collected stream before
	// truncating it.
	for _, s := range collected {
		if !s.waitDrained(r.cfg.ViewerDrainTimeout) {
			logger.Warn("viewer drain timed out, clearing anyway",
				zap.String("subagent_id", s.id))
		}
		s.clearCaptured()
		r.buffer.clear(ctx, r.buffer.subagentEventsKey(s.id))

		r.mu.Lock()
		delete(r.subagents, s.id)
		delete(t.subagents, s.id)
		r.mu.Unlock()
	}

	logger.Info("subagent collection finished",
		zap.Int("collected", len(collected)),
		zap.Int("claimed", len(mine)),
	)
}

// persistSubagent merges one finished subagent's captured events into
// the run record.
func (r *Registry) persistSubagent(ctx context.Context, recordID string, s *Subagent, logger *zap.Logger) {
	events := s.capturedEvents()
	if err := r.store.AppendEvents(ctx, recordID, events); err != nil {
		logger.Error("failed to merge subagent events",
			zap.String("subagent_id", s.id), zap.Error(err))
		return
	}
	r.metrics.SubagentCollected()
	logger.Debug("subagent events merged",
		zap.String("subagent_id", s.id), zap.Int("events", len(events)))
}
