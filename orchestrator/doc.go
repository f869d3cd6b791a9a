// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package orchestrator runs long-lived agent workflows in the background,
decoupled from the connection that requested them.

A task is started once per thread id and driven to completion by a
shielded runner that only the task's own stop signals can end early: a
hard cancel (the run becomes cancelled) or a soft interrupt (the primary
run stops while its subagents keep going). Every produced event gets a
per-task sequence number, is fanned out to live subscribers, and is
written to a Redis-backed buffer so any number of viewers can attach,
detach, and reattach with gap-free replay.

Core pieces:

  - Registry: the process-wide task map behind one coarse lock;
    Start / Status / Info / Cancel / SoftInterrupt / Shutdown
  - EventBuffer: durable, size- and time-bounded event store with an
    in-memory fallback when Redis is unreachable
  - Attach: replay-then-live streaming for reconnecting viewers
  - Subagents: independently scheduled side work, collected and merged
    into the run record after the turn ends
  - GC sweeper: reclaims expired terminal state and abandons idle runs

Typical use:

	reg := orchestrator.NewRegistry(orchestrator.DefaultConfig(), cacheMgr, store, logger, nil)
	info, err := reg.Start(ctx, threadID, producer, orchestrator.StartOptions{})
	stream, err := reg.Attach(ctx, threadID, 0)
	for ev := range stream {
		if ev.IsSentinel() {
			break
		}
		// deliver ev.Payload
	}
*/
package orchestrator
