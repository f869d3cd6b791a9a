package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agentrelay/types"
)

// Subagent is a unit of independently scheduled work spawned during a
// turn. It keeps its own sequence counter, captured-event list and live
// subscriber set; the parent turn's collector persists its results after
// the turn ends.
type Subagent struct {
	id       string
	parentID string

	mu          sync.Mutex
	seq         int64
	events      []types.Event
	completed   bool
	cleared     bool
	claimedBy   string
	connections int

	done    chan struct{}
	drained chan struct{}
	bcast   *broadcaster

	drainedClosed bool
}

func newSubagent(id, parentID string) *Subagent {
	return &Subagent{
		id:       id,
		parentID: parentID,
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
		bcast:    newBroadcaster(),
	}
}

// tryClaim stamps the subagent with the owning collection's record id.
// Returns true when this caller owns persisting the results. A repeated
// claim by the same owner stays true; a competing owner loses.
func (s *Subagent) tryClaim(recordID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimedBy == "" || s.claimedBy == recordID {
		s.claimedBy = recordID
		return true
	}
	return false
}

// releaseClaim undoes a claim so a later collector can retry. Only the
// current owner may release.
func (s *Subagent) releaseClaim(recordID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimedBy == recordID {
		s.claimedBy = ""
		return true
	}
	return false
}

func (s *Subagent) isCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// capturedEvents copies the captured list in capture order.
func (s *Subagent) capturedEvents() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Event(nil), s.events...)
}

// clearCaptured drops the captured list after collection.
func (s *Subagent) clearCaptured() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.cleared = true
}

// maybeSignalDrained closes the drain signal once the subagent is
// completed and no live viewer remains. Caller must hold s.mu.
func (s *Subagent) maybeSignalDrained() {
	if s.completed && s.connections == 0 && !s.drainedClosed {
		s.drainedClosed = true
		close(s.drained)
	}
}

// waitDrained blocks until every attached viewer finished replaying the
// subagent's stream, bounded by timeout. Returns false on timeout.
func (s *Subagent) waitDrained(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.drained:
		return true
	case <-timer.C:
		return false
	}
}

// SubagentHandle is the engine-facing handle for feeding a subagent's
// event stream and marking it complete.
type SubagentHandle struct {
	sub *Subagent
	reg *Registry
}

// ID returns the subagent identifier.
func (h *SubagentHandle) ID() string {
	return h.sub.id
}

// Emit appends one serialized event to the subagent's stream: captured
// for later collection, fanned out live, and written to the subagent's
// own durable key.
func (h *SubagentHandle) Emit(ctx context.Context, payload string) types.Event {
	s := h.sub

	s.mu.Lock()
	s.seq++
	ev := types.Event{Seq: s.seq, TaskID: s.id, Payload: payload, At: time.Now()}
	if !s.cleared {
		s.events = append(s.events, ev)
		if int64(len(s.events)) > h.reg.cfg.MaxBufferedEvents {
			s.events = s.events[1:]
		}
	}
	dropped := s.bcast.publish(ev, h.reg.logger)
	s.mu.Unlock()

	h.reg.metrics.EventEmitted()
	h.reg.metrics.SubscriberDrops(dropped)

	key := h.reg.buffer.subagentEventsKey(s.id)
	if err := h.reg.buffer.appendDurable(ctx, key, "", ev); err != nil {
		h.reg.buffer.warnWriteFailure(key, err)
	}

	return ev
}

// Complete marks the subagent finished and delivers the end-of-stream
// sentinel to its live viewers. Idempotent.
func (h *SubagentHandle) Complete() {
	s := h.sub

	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	close(s.done)
	s.maybeSignalDrained()
	s.mu.Unlock()

	s.bcast.sentinel(s.id, h.reg.logger)
}

// RegisterSubagent creates a subagent under a running task and returns
// the handle the engine uses to feed it.
func (r *Registry) RegisterSubagent(taskID, subID string) (*SubagentHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return nil, types.Newf(types.ErrTaskNotFound, "task %s not found", taskID)
	}
	if t.status.IsTerminal() {
		return nil, types.Newf(types.ErrInvalidTransition, "task %s is already %s", taskID, t.status)
	}
	if _, exists := r.subagents[subID]; exists {
		return nil, types.Newf(types.ErrTaskRunning, "subagent %s already registered", subID)
	}

	s := newSubagent(subID, taskID)
	r.subagents[subID] = s
	t.subagents[subID] = s

	return &SubagentHandle{sub: s, reg: r}, nil
}

// AttachSubagent streams a subagent's events: replay of everything with
// a sequence number greater than lastSeen, then live delivery until the
// sentinel. The returned channel closes at end-of-stream or when ctx is
// cancelled.
func (r *Registry) AttachSubagent(ctx context.Context, subID string, lastSeen int64) (<-chan types.Event, error) {
	r.mu.Lock()
	s, ok := r.subagents[subID]
	r.mu.Unlock()
	if !ok {
		return nil, types.Newf(types.ErrTaskNotFound, "subagent %s not found", subID)
	}

	live := make(chan types.Event, r.cfg.SubscriberBuffer)

	s.mu.Lock()
	completed := s.completed
	captured := append([]types.Event(nil), s.events...)
	if !completed {
		s.bcast.subscribe(live)
		s.connections++
	}
	s.mu.Unlock()

	out := make(chan types.Event, r.cfg.SubscriberBuffer)

	go func() {
		defer close(out)
		if !completed {
			defer func() {
				s.bcast.unsubscribe(live)
				s.mu.Lock()
				if s.connections > 0 {
					s.connections--
				}
				s.maybeSignalDrained()
				s.mu.Unlock()
			}()
		}

		replayed := r.buffer.replay(ctx, r.buffer.subagentEventsKey(subID), lastSeen, captured)
		last := lastSeen
		for _, ev := range replayed {
			select {
			case out <- ev:
				last = ev.Seq
			case <-ctx.Done():
				return
			}
		}

		if completed {
			return
		}

		for {
			select {
			case ev := <-live:
				if ev.IsSentinel() {
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
			case <-s.done:
				// Producer finished; drain whatever is still queued.
				for {
					select {
					case ev := <-live:
						if ev.IsSentinel() {
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
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
