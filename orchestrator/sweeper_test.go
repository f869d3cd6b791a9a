package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentrelay/types"
)

func TestSweepDeletesExpiredTerminalTasks(t *testing.T) {
	cfg := testConfig()
	cfg.Retention = 200 * time.Millisecond
	r, mr := newTestRegistry(t, cfg)
	p := newScriptProducer()

	_, err := r.Start(context.Background(), "thread-1", p, StartOptions{})
	require.NoError(t, err)
	p.feed <- "one"
	close(p.feed)
	waitStatus(t, r, "thread-1", StatusCompleted)
	require.NoError(t, r.WaitForDrain(context.Background(), "thread-1", time.Second))

	eventsKey := r.buffer.taskEventsKey("thread-1")
	require.True(t, mr.Exists(eventsKey))

	// Still inside the retention window: the sweep keeps it.
	r.sweep(context.Background())
	_, err = r.Status("thread-1")
	require.NoError(t, err)

	time.Sleep(250 * time.Millisecond)
	r.sweep(context.Background())

	_, err = r.Status("thread-1")
	assert.Equal(t, types.ErrTaskNotFound, types.CodeOf(err))
	assert.False(t, mr.Exists(eventsKey), "durable buffer keys must be cleared")

	// The persisted record still serves reconnects until it too expires;
	// with this short retention it is already gone via store cleanup.
	_, err = r.Attach(context.Background(), "thread-1", 0)
	assert.Error(t, err)
}

func TestSweepSparesUndrainedTasks(t *testing.T) {
	cfg := testConfig()
	cfg.Retention = time.Millisecond
	cfg.CollectTimeout = 2 * time.Second
	r, _ := newTestRegistry(t, cfg)
	p := newScriptProducer()

	_, err := r.Start(context.Background(), "thread-1", p, StartOptions{})
	require.NoError(t, err)
	waitStatus(t, r, "thread-1", StatusRunning)

	// An outstanding subagent keeps the drain open past the retention
	// window; the sweep must not reclaim a task still collecting.
	h, err := r.RegisterSubagent("thread-1", "sub-1")
	require.NoError(t, err)

	require.NoError(t, r.SoftInterrupt("thread-1"))
	p.feed <- "tick"
	waitStatus(t, r, "thread-1", StatusSoftInterrupted)

	time.Sleep(20 * time.Millisecond)
	r.sweep(context.Background())

	_, err = r.Status("thread-1")
	require.NoError(t, err, "undrained task must survive the sweep")

	h.Complete()
	require.NoError(t, r.WaitForDrain(context.Background(), "thread-1", 3*time.Second))
}

func TestSweepCancelsAbandonedRunningTasks(t *testing.T) {
	cfg := testConfig()
	cfg.AbandonAfter = 30 * time.Millisecond
	r, _ := newTestRegistry(t, cfg)
	p := newScriptProducer()

	_, err := r.Start(context.Background(), "thread-1", p, StartOptions{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	r.sweep(context.Background())

	// The sweep requested a hard cancel; the run ends at its next yield.
	p.feed <- "tick"
	waitStatus(t, r, "thread-1", StatusCancelled)
}

func TestSweepSparesWatchedRunningTasks(t *testing.T) {
	cfg := testConfig()
	cfg.AbandonAfter = 30 * time.Millisecond
	r, _ := newTestRegistry(t, cfg)
	p := newScriptProducer()

	_, err := r.Start(context.Background(), "thread-1", p, StartOptions{})
	require.NoError(t, err)

	// An attached viewer counts as a connection, so the idle rule never
	// fires regardless of how stale lastAccess gets.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = r.Attach(ctx, "thread-1", 0)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	r.sweep(context.Background())

	p.feed <- "still alive"
	close(p.feed)
	waitStatus(t, r, "thread-1", StatusCompleted)
}

func TestSweepReclaimsOrphanedSubagents(t *testing.T) {
	cfg := testConfig()
	cfg.Retention = 200 * time.Millisecond
	r, mr := newTestRegistry(t, cfg)
	ctx := context.Background()

	p := newScriptProducer()
	_, err := r.Start(ctx, "orphaning", p, StartOptions{})
	require.NoError(t, err)

	h, err := r.RegisterSubagent("orphaning", "sub-orphan")
	require.NoError(t, err)
	h.Emit(ctx, "dangling")

	// A cancelled turn runs no collector, so the subagent entry lingers
	// until its parent ages out of retention.
	require.NoError(t, r.Cancel("orphaning"))
	p.feed <- "tick"
	waitStatus(t, r, "orphaning", StatusCancelled)

	time.Sleep(250 * time.Millisecond)
	r.sweep(ctx)

	_, err = r.Status("orphaning")
	assert.Equal(t, types.ErrTaskNotFound, types.CodeOf(err))

	r.mu.Lock()
	_, still := r.subagents["sub-orphan"]
	r.mu.Unlock()
	assert.False(t, still)

	assert.False(t, mr.Exists(r.buffer.subagentEventsKey("sub-orphan")))

	_, err = r.AttachSubagent(ctx, "sub-orphan", 0)
	assert.Equal(t, types.ErrTaskNotFound, types.CodeOf(err))
}
