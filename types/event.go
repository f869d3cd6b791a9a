package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the sequence-numbered envelope for one unit of output produced
// by a running task. The payload is the producer's serialized event string,
// carried opaquely; the envelope itself is what gets buffered and fanned out.
type Event struct {
	// Seq is the per-task sequence number, strictly increasing from 1.
	// A negative value marks the end-of-stream sentinel.
	Seq int64 `json:"seq"`

	// TaskID is the task (or subagent) this event belongs to.
	TaskID string `json:"task_id,omitempty"`

	// Payload is the serialized producer output, stored verbatim.
	Payload string `json:"payload,omitempty"`

	// At is when the event was accepted by the orchestrator.
	At time.Time `json:"at,omitempty"`
}

// sentinelSeq marks the end-of-stream event pushed to subscriber channels
// on a terminal transition.
const sentinelSeq int64 = -1

// Sentinel returns the end-of-stream marker for a task.
func Sentinel(taskID string) Event {
	return Event{Seq: sentinelSeq, TaskID: taskID, At: time.Now()}
}

// IsSentinel reports whether the event is the end-of-stream marker.
func (e Event) IsSentinel() bool {
	return e.Seq == sentinelSeq
}

// Encode serializes the event envelope for the durable buffer.
func (e Event) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(data), nil
}

// DecodeEvent parses a buffered envelope back into an Event. Each entry is
// independently parseable; a corrupt entry yields an error rather than a
// zero-sequence event.
func DecodeEvent(raw string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Seq == 0 {
		return Event{}, fmt.Errorf("decode event: missing sequence number")
	}
	return e, nil
}
