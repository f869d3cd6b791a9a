package orchestrator

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentrelay/types"
)

func testEvent(taskID string, seq int64) types.Event {
	return types.Event{Seq: seq, TaskID: taskID, Payload: "p", At: time.Now()}
}

func TestReplayMergesDurableAndFallback(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	b := r.buffer
	ctx := context.Background()
	key := b.taskEventsKey("t1")

	// Durable copy holds 1-3, the fallback holds 3-5: a stream that
	// partially fell back mid-run.
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, b.appendDurable(ctx, key, b.taskMetaKey("t1"), testEvent("t1", seq)))
	}
	fallback := []types.Event{testEvent("t1", 3), testEvent("t1", 4), testEvent("t1", 5)}

	got := b.replay(ctx, key, 0, fallback)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqsOf(got))

	got = b.replay(ctx, key, 3, fallback)
	assert.Equal(t, []int64{4, 5}, seqsOf(got))
}

func TestReplayCapsAtMaxBufferedEvents(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBufferedEvents = 5
	r, _ := newTestRegistry(t, cfg)
	b := r.buffer
	ctx := context.Background()
	key := b.taskEventsKey("t1")

	for seq := int64(1); seq <= 20; seq++ {
		require.NoError(t, b.appendDurable(ctx, key, "", testEvent("t1", seq)))
	}

	// Only the newest five survive the trim.
	got := b.replay(ctx, key, 0, nil)
	assert.Equal(t, []int64{16, 17, 18, 19, 20}, seqsOf(got))
}

func TestReplaySkipsCorruptEntries(t *testing.T) {
	r, mr := newTestRegistry(t, testConfig())
	b := r.buffer
	ctx := context.Background()
	key := b.taskEventsKey("t1")

	require.NoError(t, b.appendDurable(ctx, key, "", testEvent("t1", 1)))
	_, err := mr.RPush(key, "not json")
	require.NoError(t, err)
	require.NoError(t, b.appendDurable(ctx, key, "", testEvent("t1", 2)))

	got := b.replay(ctx, key, 0, nil)
	assert.Equal(t, []int64{1, 2}, seqsOf(got))
}

func TestEventsFallBackWhenRedisDies(t *testing.T) {
	r, mr := newTestRegistry(t, testConfig())
	p := newScriptProducer()

	_, err := r.Start(context.Background(), "thread-1", p, StartOptions{})
	require.NoError(t, err)

	p.feed <- "durable-1"
	p.feed <- "durable-2"
	require.Eventually(t, func() bool {
		info, err := r.Info("thread-1")
		return err == nil && info.LastSeq == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Redis dies mid-run. Later events land in the in-memory fallback
	// and still replay to a reconnecting viewer.
	mr.Close()

	p.feed <- "fallback-3"
	p.feed <- "fallback-4"
	p.feed <- "fallback-5"
	close(p.feed)
	waitStatus(t, r, "thread-1", StatusCompleted)

	events, err := r.Attach(context.Background(), "thread-1", 2)
	require.NoError(t, err)

	got := collectUntilSentinel(t, events)
	assert.Equal(t, []int64{3, 4, 5}, seqsOf(got))
	assert.Equal(t, "fallback-3", got[0].Payload)
}

func TestEveryWriteFailingStillReplaysInOrder(t *testing.T) {
	r, mr := newTestRegistry(t, testConfig())

	// Redis is gone before the task produces anything: all five events
	// exist only in the fallback, and replay returns all five in order.
	mr.Close()

	p := newScriptProducer()
	_, err := r.Start(context.Background(), "thread-1", p, StartOptions{})
	require.NoError(t, err)

	for _, payload := range []string{"e1", "e2", "e3", "e4", "e5"} {
		p.feed <- payload
	}
	close(p.feed)
	waitStatus(t, r, "thread-1", StatusCompleted)

	events, err := r.Attach(context.Background(), "thread-1", 0)
	require.NoError(t, err)

	got := collectUntilSentinel(t, events)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqsOf(got))
	assert.Equal(t, "e1", got[0].Payload)
	assert.Equal(t, "e5", got[4].Payload)
}

func TestFallbackDisabledDropsEventsFromReplay(t *testing.T) {
	cfg := testConfig()
	cfg.AllowMemoryFallback = false
	r, mr := newTestRegistry(t, cfg)
	mr.Close()

	p := newScriptProducer()
	_, err := r.Start(context.Background(), "thread-1", p, StartOptions{})
	require.NoError(t, err)

	p.feed <- "lost"
	close(p.feed)
	waitStatus(t, r, "thread-1", StatusCompleted)

	events, err := r.Attach(context.Background(), "thread-1", 0)
	require.NoError(t, err)

	got := collectUntilSentinel(t, events)
	assert.Empty(t, got, "without fallback a failed write is gone from replay")
}

func TestMemoryOnlyRegistryStillReplays(t *testing.T) {
	r := newMemoryRegistry(t, testConfig())
	p := newScriptProducer()

	_, err := r.Start(context.Background(), "thread-1", p, StartOptions{})
	require.NoError(t, err)

	p.feed <- "a"
	p.feed <- "b"
	close(p.feed)
	waitStatus(t, r, "thread-1", StatusCompleted)

	events, err := r.Attach(context.Background(), "thread-1", 0)
	require.NoError(t, err)

	got := collectUntilSentinel(t, events)
	assert.Equal(t, []int64{1, 2}, seqsOf(got))
}

func TestReplayProperties(t *testing.T) {
	cfg := testConfig()
	r, _ := newTestRegistry(t, cfg)
	b := r.buffer
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		key := b.taskEventsKey(rapid.StringMatching(`prop-[a-z0-9]{8}`).Draw(rt, "task"))

		durable := rapid.SliceOfN(rapid.Int64Range(1, 40), 0, 30).Draw(rt, "durable")
		fallbackSeqs := rapid.SliceOfN(rapid.Int64Range(1, 40), 0, 30).Draw(rt, "fallback")
		after := rapid.Int64Range(0, 40).Draw(rt, "after")

		for _, seq := range durable {
			require.NoError(rt, b.appendDurable(ctx, key, "", testEvent("t", seq)))
		}
		var fallback []types.Event
		for _, seq := range fallbackSeqs {
			fallback = append(fallback, testEvent("t", seq))
		}

		got := b.replay(ctx, key, after, fallback)

		// Strictly increasing, all beyond the cursor.
		for i, ev := range got {
			assert.Greater(rt, ev.Seq, after)
			if i > 0 {
				assert.Greater(rt, ev.Seq, got[i-1].Seq)
			}
		}

		// Every distinct sequence number past the cursor appears exactly once
		// (no trim interference: inputs stay below MaxBufferedEvents).
		want := map[int64]bool{}
		for _, seq := range append(append([]int64{}, durable...), fallbackSeqs...) {
			if seq > after {
				want[seq] = true
			}
		}
		assert.Len(rt, got, len(want))

		b.clear(ctx, key)
	})
}

func TestReplaySortIsStableAcrossSources(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	b := r.buffer
	ctx := context.Background()
	key := b.taskEventsKey("t1")

	// Durable writes land out of order relative to fallback additions.
	seqs := []int64{5, 1, 3}
	for _, seq := range seqs {
		require.NoError(t, b.appendDurable(ctx, key, "", testEvent("t1", seq)))
	}
	fallback := []types.Event{testEvent("t1", 4), testEvent("t1", 2)}

	got := b.replay(ctx, key, 0, fallback)
	gotSeqs := seqsOf(got)
	assert.True(t, sort.SliceIsSorted(gotSeqs, func(i, j int) bool { return gotSeqs[i] < gotSeqs[j] }))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, gotSeqs)
}

func TestEmitDropsStagedCopyOnceDurable(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	ctx := context.Background()

	p := newScriptProducer()
	_, err := r.Start(ctx, "staged", p, StartOptions{})
	require.NoError(t, err)
	p.feed <- "one"

	require.Eventually(t, func() bool {
		info, err := r.Info("staged")
		return err == nil && info.LastSeq == 1
	}, 3*time.Second, 5*time.Millisecond)

	r.mu.Lock()
	task := r.tasks["staged"]
	r.mu.Unlock()
	require.NotNil(t, task)

	// Once the durable write lands the staged copy goes away, and replay
	// serves the event exactly once from Redis.
	require.Eventually(t, func() bool {
		return len(r.fallbackSnapshot(task)) == 0
	}, 3*time.Second, 5*time.Millisecond)

	events := r.buffer.replay(ctx, r.buffer.taskEventsKey("staged"), 0, r.fallbackSnapshot(task))
	require.Len(t, events, 1)
	assert.Equal(t, "one", events[0].Payload)

	close(p.feed)
	waitStatus(t, r, "staged", StatusCompleted)
}
