package orchestrator

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentrelay/internal/cache"
	"github.com/BaSui01/agentrelay/internal/metrics"
	"github.com/BaSui01/agentrelay/types"
)

// scriptProducer yields payloads fed by the test through a channel.
// Closing the channel exhausts the producer; failWith, when set, is
// returned instead of io.EOF. A blocked Next respects ctx so forced
// shutdown can unstick it.
type scriptProducer struct {
	feed     chan string
	failWith error
	paused   atomic.Bool
	closes   atomic.Int32
	flushes  atomic.Int32
}

func newScriptProducer() *scriptProducer {
	return &scriptProducer{feed: make(chan string, 16)}
}

func (p *scriptProducer) Next(ctx context.Context) (string, error) {
	select {
	case payload, ok := <-p.feed:
		if !ok {
			if p.failWith != nil {
				return "", p.failWith
			}
			return "", io.EOF
		}
		return payload, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *scriptProducer) Close(ctx context.Context) error {
	p.closes.Add(1)
	return nil
}

func (p *scriptProducer) Paused() bool {
	return p.paused.Load()
}

func (p *scriptProducer) Flush(ctx context.Context) error {
	p.flushes.Add(1)
	return nil
}

var _ Producer = (*scriptProducer)(nil)
var _ Flusher = (*scriptProducer)(nil)

// testConfig shrinks the timing knobs so tests finish quickly. The
// sweeper interval stays long; sweeper tests call sweep directly.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AttachPollInterval = 20 * time.Millisecond
	cfg.SweepInterval = time.Hour
	cfg.FlushTimeout = 100 * time.Millisecond
	cfg.CollectTimeout = time.Second
	cfg.ViewerDrainTimeout = 100 * time.Millisecond
	cfg.ShutdownGrace = 300 * time.Millisecond
	cfg.ShutdownForceGrace = 300 * time.Millisecond
	return cfg
}

// newTestRegistry builds a registry backed by a miniredis instance.
func newTestRegistry(t *testing.T, cfg Config) (*Registry, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t)

	mgr, err := cache.NewManager(cache.Config{
		Addr:       mr.Addr(),
		DefaultTTL: time.Hour,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	r := NewRegistry(cfg, mgr, nil, logger,
		metrics.NewCollector("test", prometheus.NewRegistry()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})

	return r, mr
}

// newMemoryRegistry builds a registry with no durable buffer.
func newMemoryRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()

	r := NewRegistry(cfg, nil, nil, zaptest.NewLogger(t),
		metrics.NewCollector("test", prometheus.NewRegistry()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

// waitStatus polls until the task reaches the wanted status.
func waitStatus(t *testing.T, r *Registry, id string, want TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := r.Status(id)
		return err == nil && status == want
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
}

// collectUntilSentinel reads events off the channel until the sentinel
// or channel close, failing the test on timeout.
func collectUntilSentinel(t *testing.T, ch <-chan types.Event) []types.Event {
	t.Helper()

	var out []types.Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return out
			}
			if ev.IsSentinel() {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("no sentinel after %d events", len(out))
		}
	}
}

// seqsOf extracts the sequence numbers of a slice of events.
func seqsOf(events []types.Event) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.Seq
	}
	return out
}
