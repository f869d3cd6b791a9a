package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentrelay/persistence"
	"github.com/BaSui01/agentrelay/types"
)

func TestRegisterSubagentRequiresLiveTask(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())

	_, err := r.RegisterSubagent("ghost", "sub-1")
	assert.Equal(t, types.ErrTaskNotFound, types.CodeOf(err))

	p := newScriptProducer()
	_, err = r.Start(context.Background(), "thread-1", p, StartOptions{})
	require.NoError(t, err)

	h, err := r.RegisterSubagent("thread-1", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", h.ID())

	_, err = r.RegisterSubagent("thread-1", "sub-1")
	assert.Error(t, err, "duplicate subagent id must be rejected")

	close(p.feed)
	waitStatus(t, r, "thread-1", StatusCompleted)

	_, err = r.RegisterSubagent("thread-1", "sub-2")
	assert.Equal(t, types.ErrInvalidTransition, types.CodeOf(err))
}

func TestSubagentEmitAndLiveAttach(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	p := newScriptProducer()

	_, err := r.Start(context.Background(), "thread-1", p, StartOptions{})
	require.NoError(t, err)

	h, err := r.RegisterSubagent("thread-1", "sub-1")
	require.NoError(t, err)

	h.Emit(context.Background(), "step 1")
	h.Emit(context.Background(), "step 2")

	events, err := r.AttachSubagent(context.Background(), "sub-1", 0)
	require.NoError(t, err)

	h.Emit(context.Background(), "step 3")
	h.Complete()
	h.Complete() // idempotent

	got := collectUntilSentinel(t, events)
	assert.Equal(t, []int64{1, 2, 3}, seqsOf(got))
	assert.Equal(t, "step 3", got[2].Payload)

	close(p.feed)
}

func TestSubagentAttachAfterComplete(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	p := newScriptProducer()

	_, err := r.Start(context.Background(), "thread-1", p, StartOptions{})
	require.NoError(t, err)

	h, err := r.RegisterSubagent("thread-1", "sub-1")
	require.NoError(t, err)
	h.Emit(context.Background(), "a")
	h.Emit(context.Background(), "b")
	h.Complete()

	events, err := r.AttachSubagent(context.Background(), "sub-1", 0)
	require.NoError(t, err)

	got := collectUntilSentinel(t, events)
	assert.Equal(t, []int64{1, 2}, seqsOf(got))

	close(p.feed)
}

func TestSubagentsSurviveSoftInterruptAndGetCollected(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	p := newScriptProducer()

	_, err := r.Start(context.Background(), "thread-1", p, StartOptions{})
	require.NoError(t, err)
	waitStatus(t, r, "thread-1", StatusRunning)

	h1, err := r.RegisterSubagent("thread-1", "sub-1")
	require.NoError(t, err)
	h2, err := r.RegisterSubagent("thread-1", "sub-2")
	require.NoError(t, err)

	// The primary run is interrupted while both subagents are pending.
	require.NoError(t, r.SoftInterrupt("thread-1"))
	p.feed <- "tick"
	waitStatus(t, r, "thread-1", StatusSoftInterrupted)

	// Subagents keep producing after the turn ended, out of order.
	h2.Emit(context.Background(), "sub2 result")
	h2.Complete()
	h1.Emit(context.Background(), "sub1 result")
	h1.Emit(context.Background(), "sub1 more")
	h1.Complete()

	require.NoError(t, r.WaitForDrain(context.Background(), "thread-1", 3*time.Second))

	rec, err := r.RecordStore().GetLatestByTask(context.Background(), "thread-1")
	require.NoError(t, err)

	var payloads []string
	for _, ev := range rec.Events {
		payloads = append(payloads, ev.Payload)
	}
	assert.Contains(t, payloads, "sub2 result")
	assert.Contains(t, payloads, "sub1 result")
	assert.Contains(t, payloads, "sub1 more")

	// Collected subagents are gone from the registry.
	_, err = r.AttachSubagent(context.Background(), "sub-1", 0)
	assert.Error(t, err)
	_, err = r.AttachSubagent(context.Background(), "sub-2", 0)
	assert.Error(t, err)
}

func TestCollectTimeoutReleasesClaims(t *testing.T) {
	cfg := testConfig()
	cfg.CollectTimeout = 100 * time.Millisecond
	r, _ := newTestRegistry(t, cfg)
	p := newScriptProducer()

	_, err := r.Start(context.Background(), "thread-1", p, StartOptions{})
	require.NoError(t, err)
	waitStatus(t, r, "thread-1", StatusRunning)

	_, err = r.RegisterSubagent("thread-1", "sub-stuck")
	require.NoError(t, err)

	require.NoError(t, r.SoftInterrupt("thread-1"))
	p.feed <- "tick"
	waitStatus(t, r, "thread-1", StatusSoftInterrupted)

	// The subagent never completes; collection gives up at the deadline
	// and releases its claim so a later collector may retry.
	require.NoError(t, r.WaitForDrain(context.Background(), "thread-1", 3*time.Second))

	r.mu.Lock()
	s := r.subagents["sub-stuck"]
	r.mu.Unlock()
	require.NotNil(t, s)
	assert.True(t, s.tryClaim("another-record"),
		"expired collection must have released its claim")
}

func TestSubagentClaimIsExclusive(t *testing.T) {
	s := newSubagent("sub-1", "thread-1")

	assert.True(t, s.tryClaim("record-a"))
	assert.True(t, s.tryClaim("record-a"), "re-claim by the owner stays true")
	assert.False(t, s.tryClaim("record-b"), "competing claim must lose")

	assert.False(t, s.releaseClaim("record-b"))
	assert.True(t, s.releaseClaim("record-a"))
	assert.True(t, s.tryClaim("record-b"), "released claim is up for grabs")
}

func TestConcurrentClaimantsNeverShareASubagent(t *testing.T) {
	s := newSubagent("sub-1", "thread-1")

	const claimants = 16
	results := make(chan bool, claimants)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results <- s.tryClaim(fmt.Sprintf("record-%d", i))
		}(i)
	}
	close(start)
	wg.Wait()
	close(results)

	winners := 0
	for won := range results {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent collector may own a subagent")
}

func TestCollectorWaitsForAttachedViewers(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	p := newScriptProducer()

	_, err := r.Start(context.Background(), "thread-1", p, StartOptions{})
	require.NoError(t, err)
	waitStatus(t, r, "thread-1", StatusRunning)

	h, err := r.RegisterSubagent("thread-1", "sub-1")
	require.NoError(t, err)
	h.Emit(context.Background(), "result")

	// A viewer is attached before the turn ends.
	events, err := r.AttachSubagent(context.Background(), "sub-1", 0)
	require.NoError(t, err)

	require.NoError(t, r.SoftInterrupt("thread-1"))
	p.feed <- "tick"
	waitStatus(t, r, "thread-1", StatusSoftInterrupted)

	h.Complete()

	// The viewer reads the full stream even though collection is
	// truncating the buffers concurrently.
	got := collectUntilSentinel(t, events)
	assert.Equal(t, []int64{1}, seqsOf(got))

	require.NoError(t, r.WaitForDrain(context.Background(), "thread-1", 3*time.Second))
}

func TestSubagentCompletedBeforeTurnEndIsCollected(t *testing.T) {
	r := newMemoryRegistry(t, testConfig())
	ctx := context.Background()

	p := newScriptProducer()
	_, err := r.Start(ctx, "early-done", p, StartOptions{})
	require.NoError(t, err)

	h, err := r.RegisterSubagent("early-done", "sub-early")
	require.NoError(t, err)
	h.Emit(ctx, "sub result")
	h.Complete()

	p.feed <- "main-1"
	close(p.feed)
	waitStatus(t, r, "early-done", StatusCompleted)

	// A subagent finished during the turn is still claimed and merged,
	// and its registry entries are removed after collection.
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, still := r.subagents["sub-early"]
		return !still
	}, 3*time.Second, 5*time.Millisecond)

	rec, err := r.store.GetLatestByTask(ctx, "early-done")
	require.NoError(t, err)
	var payloads []string
	for _, ev := range rec.Events {
		payloads = append(payloads, ev.Payload)
	}
	assert.Contains(t, payloads, "main-1")
	assert.Contains(t, payloads, "sub result")
}

func TestReleasedClaimRetriedByNextRun(t *testing.T) {
	cfg := testConfig()
	cfg.CollectTimeout = 80 * time.Millisecond
	r := newMemoryRegistry(t, cfg)
	ctx := context.Background()

	p1 := newScriptProducer()
	_, err := r.Start(ctx, "retry-claims", p1, StartOptions{})
	require.NoError(t, err)
	p1.feed <- "turn-one"

	h, err := r.RegisterSubagent("retry-claims", "sub-slow")
	require.NoError(t, err)
	h.Emit(ctx, "slow result")

	require.NoError(t, r.SoftInterrupt("retry-claims"))
	p1.feed <- "post-interrupt"
	waitStatus(t, r, "retry-claims", StatusSoftInterrupted)

	r.mu.Lock()
	sub := r.subagents["sub-slow"]
	r.mu.Unlock()
	require.NotNil(t, sub)

	// The first collection gives up at its deadline and releases the
	// claim; the entry stays registered for a later run to pick up.
	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.claimedBy == ""
	}, 3*time.Second, 5*time.Millisecond)

	h.Complete()

	p2 := newScriptProducer()
	require.Eventually(t, func() bool {
		_, err := r.Start(ctx, "retry-claims", p2, StartOptions{})
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	p2.feed <- "turn-two"
	close(p2.feed)
	waitStatus(t, r, "retry-claims", StatusCompleted)

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, still := r.subagents["sub-slow"]
		return !still
	}, 3*time.Second, 5*time.Millisecond)

	rec, err := r.store.GetLatestByTask(ctx, "retry-claims")
	require.NoError(t, err)
	require.Equal(t, persistence.OutcomeCompleted, rec.Outcome)
	var payloads []string
	for _, ev := range rec.Events {
		payloads = append(payloads, ev.Payload)
	}
	assert.Contains(t, payloads, "turn-two")
	assert.Contains(t, payloads, "slow result")
}
