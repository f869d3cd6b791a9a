package orchestrator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/types"
)

// broadcaster fans live events out to zero or more subscriber channels.
// Delivery is non-blocking: a full channel drops the event for that
// subscriber only. Both tasks and subagents embed one.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[chan types.Event]struct{}
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan types.Event]struct{})}
}

// subscribe adds a channel to the live set. Idempotent.
func (b *broadcaster) subscribe(ch chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs[ch] = struct{}{}
}

// unsubscribe removes a channel from the live set. Idempotent.
func (b *broadcaster) unsubscribe(ch chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, ch)
}

// publish pushes the event to every subscriber without blocking. Returns
// the number of subscribers that dropped the event.
func (b *broadcaster) publish(ev types.Event, logger *zap.Logger) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
			if logger != nil {
				logger.Warn("subscriber queue full, event dropped",
					zap.String("task_id", ev.TaskID),
					zap.Int64("seq", ev.Seq),
				)
			}
		}
	}
	return dropped
}

// sentinel delivers the end-of-stream marker to every subscriber and
// closes the set to further publishes. The sentinel send blocks briefly
// per subscriber rather than dropping: subscribers blocked on a read must
// observe end-of-stream, and channels are buffered beyond one slot.
func (b *broadcaster) sentinel(taskID string, logger *zap.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	ev := types.Sentinel(taskID)
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if logger != nil {
				logger.Warn("subscriber queue full, sentinel dropped",
					zap.String("task_id", taskID),
				)
			}
		}
	}
}

// count returns the current subscriber count.
func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
