// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package types provides the shared type contracts of the AgentRelay
orchestrator.

types is the lowest-level public package and depends on nothing internal;
the orchestrator, persistence and buffer layers all build on it to avoid
circular dependencies.

Core types:

  - Event: sequence-numbered envelope for one unit of task output
  - Sentinel: end-of-stream marker pushed to subscriber channels
  - Error / ErrorCode: structured error taxonomy (not-found, expired,
    already-running, ceiling-reached, drain-pending, store failures)
*/
package types
