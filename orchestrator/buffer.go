package orchestrator

import (
	"context"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentrelay/internal/cache"
	"github.com/BaSui01/agentrelay/internal/metrics"
	"github.com/BaSui01/agentrelay/types"
)

// EventBuffer is the durable, size- and time-bounded store of emitted
// events. Writes go to Redis; when a write fails the caller may keep the
// event in the task's in-memory fallback list instead. Reads prefer the
// durable copy and merge in whatever the fallback holds.
type EventBuffer struct {
	cache   *cache.Manager // nil when no durable store is configured
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector

	// warnLimit throttles repeated write-failure warnings so a dead
	// Redis doesn't flood the log at producer pace.
	warnLimit *rate.Limiter
}

// newEventBuffer builds the buffer. cacheMgr may be nil, in which case
// every write "fails" and replay serves the fallback copies only.
func newEventBuffer(cacheMgr *cache.Manager, cfg Config, logger *zap.Logger, m *metrics.Collector) *EventBuffer {
	return &EventBuffer{
		cache:     cacheMgr,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "event_buffer")),
		metrics:   m,
		warnLimit: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// Key scheme: one ordered list per stream for its events, one hash per
// task for buffer metadata. Each key carries its own TTL.
func (b *EventBuffer) taskEventsKey(id string) string {
	return b.cfg.KeyPrefix + "task:" + id + ":events"
}

func (b *EventBuffer) taskMetaKey(id string) string {
	return b.cfg.KeyPrefix + "task:" + id + ":meta"
}

func (b *EventBuffer) subagentEventsKey(id string) string {
	return b.cfg.KeyPrefix + "subagent:" + id + ":events"
}

// appendDurable writes one event to the stream's durable list and updates
// its metadata hash. Returns an error when the durable store is missing
// or the write fails; the caller decides whether to fall back.
func (b *EventBuffer) appendDurable(ctx context.Context, eventsKey, metaKey string, ev types.Event) error {
	if b.cache == nil {
		return cache.ErrCacheMiss
	}

	encoded, err := ev.Encode()
	if err != nil {
		return err
	}

	if err := b.cache.PushList(ctx, eventsKey, b.cfg.BufferTTL, encoded); err != nil {
		return err
	}
	if err := b.cache.TrimList(ctx, eventsKey, b.cfg.MaxBufferedEvents); err != nil {
		return err
	}

	if metaKey != "" {
		fields := map[string]interface{}{
			"updated_at": ev.At.Format(time.RFC3339Nano),
			"count":      strconv.FormatInt(ev.Seq, 10),
		}
		if ev.Seq == 1 {
			fields["created_at"] = ev.At.Format(time.RFC3339Nano)
		}
		if err := b.cache.SetHash(ctx, metaKey, b.cfg.BufferTTL, fields); err != nil {
			return err
		}
	}

	return nil
}

// warnWriteFailure logs a durable-write failure, throttled.
func (b *EventBuffer) warnWriteFailure(key string, err error) {
	b.metrics.BufferWriteFailure()
	if b.warnLimit.Allow() {
		b.logger.Warn("durable buffer write failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// replay returns the buffered events with sequence number greater than
// after, in order. Durable entries and fallback entries are merged and
// de-duplicated by sequence number, so a stream that partially fell back
// still replays completely.
func (b *EventBuffer) replay(ctx context.Context, eventsKey string, after int64, fallback []types.Event) []types.Event {
	var merged []types.Event

	if b.cache != nil {
		raw, err := b.cache.RangeList(ctx, eventsKey)
		switch {
		case err == nil:
			for _, entry := range raw {
				ev, err := types.DecodeEvent(entry)
				if err != nil {
					b.logger.Warn("skipping corrupt buffered event",
						zap.String("key", eventsKey), zap.Error(err))
					continue
				}
				merged = append(merged, ev)
			}
		case cache.IsCacheMiss(err):
			// No durable copy, fallback only.
		default:
			b.logger.Warn("durable buffer read failed, serving fallback",
				zap.String("key", eventsKey), zap.Error(err))
		}
	}

	merged = append(merged, fallback...)

	sort.Slice(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })

	out := merged[:0]
	var lastSeq int64 = after
	for _, ev := range merged {
		if ev.Seq <= lastSeq {
			continue
		}
		out = append(out, ev)
		lastSeq = ev.Seq
	}

	if int64(len(out)) > b.cfg.MaxBufferedEvents {
		out = out[int64(len(out))-b.cfg.MaxBufferedEvents:]
	}

	return out
}

// clear deletes the durable keys of a stream.
func (b *EventBuffer) clear(ctx context.Context, keys ...string) {
	if b.cache == nil {
		return
	}
	if err := b.cache.Delete(ctx, keys...); err != nil {
		b.logger.Warn("failed to clear buffer keys", zap.Strings("keys", keys), zap.Error(err))
	}
}
