package core

import (
	"context"
	"encoding/json"
	"time"
)

// FailOutcome reports where a Fail transition landed the instance.
type FailOutcome struct {
	InstanceID    string
	Attempt       int
	DeadLettered  bool
	NextAttemptAt time.Time
}

// ReleaseOutcome reports what a reaper Release did. Noop means the lease was
// renewed or the instance already left the running set; Release is safe to
// repeat.
type ReleaseOutcome struct {
	InstanceID   string
	Attempt      int
	Released     bool
	DeadLettered bool
	Noop         bool
}

// Broker is the ready queue and lock table. Every method that mutates state
// executes as a single atomic transaction on the broker side; callers never
// observe partial transitions. This is the sole synchronization primitive
// between workers, schedulers and reapers.
type Broker interface {
	// CreateRun registers all instances of a run as pending, builds the
	// dependency bookkeeping (remaining-dependency counts and the
	// node-to-dependents index), then atomically readies and enqueues the
	// nodes with no dependencies. Returns the enqueued instance IDs.
	CreateRun(ctx context.Context, run *Run, def *PipelineDefinition) ([]string, error)

	// Claim atomically pops the head of the ready queue, writes a lease for
	// workerID and moves the instance to running. Returns ErrQueueEmpty when
	// nothing is ready.
	Claim(ctx context.Context, workerID string, leaseTTL time.Duration) (*JobInstance, error)

	// Heartbeat extends the lease if workerID still owns it. Returns
	// ErrLeaseLost when ownership has moved, ErrRunCancelled when the run
	// was cancelled; either way the worker must stop immediately.
	Heartbeat(ctx context.Context, instanceID, workerID string, leaseTTL time.Duration) error

	// Complete verifies ownership, marks the instance succeeded and enqueues
	// every dependent whose dependency set is now satisfied. Returns the
	// newly readied instance IDs. The caller persists the result to the
	// ledger before invoking Complete; see the crash-consistency contract on
	// that ordering.
	Complete(ctx context.Context, instanceID, workerID string, result json.RawMessage) ([]string, error)

	// Fail verifies ownership and either parks the instance for a backoff
	// delay or dead-letters it once the retry budget is spent.
	Fail(ctx context.Context, instanceID, workerID string, taskErr string) (*FailOutcome, error)

	// Release returns an expired-lease instance to the ready queue,
	// consuming one retry slot. Reaper-only; idempotent.
	Release(ctx context.Context, instanceID string) (*ReleaseOutcome, error)

	// ExpiredLeases lists running instances whose lease lapsed before now.
	ExpiredLeases(ctx context.Context, now time.Time) ([]string, error)

	// PromoteDelayed moves instances whose backoff delay has elapsed back to
	// the ready queue. Returns how many were promoted.
	PromoteDelayed(ctx context.Context) (int, error)

	// RunSnapshot returns the current per-instance states of a run.
	RunSnapshot(ctx context.Context, runID string) (*RunStatus, error)

	// CancelRun dead-letters every non-terminal instance of a run and stops
	// further fan-out. In-flight workers observe the cancellation on their
	// next Heartbeat or Complete. Returns how many instances were cancelled.
	CancelRun(ctx context.Context, runID string) (int, error)

	// DeadLetters lists the dead-letter entries of a run.
	DeadLetters(ctx context.Context, runID string) ([]DeadLetterEntry, error)
}

// Ledger is the durable, consistency-first store of definitions and terminal
// results. It is never read on the hot scheduling path. All writes are
// idempotent so they can be retried after partial failures.
type Ledger interface {
	PersistDefinition(ctx context.Context, def *PipelineDefinition) error
	GetDefinition(ctx context.Context, pipelineID string) (*PipelineDefinition, error)
	GetDefinitionByName(ctx context.Context, name string) (*PipelineDefinition, error)
	CreateRun(ctx context.Context, run *Run) error
	PersistResult(ctx context.Context, inst *JobInstance) error
	PersistDeadLetter(ctx context.Context, entry *DeadLetterEntry) error
	Ping(ctx context.Context) error
}

// InstanceEvent is a lifecycle notification published on state transitions.
type InstanceEvent struct {
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	State      string `json:"state,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// EventPublisher fans lifecycle events out to external consumers. Publishing
// is best effort; scheduling never blocks on it.
type EventPublisher interface {
	Publish(event *InstanceEvent)
	Close()
}

// NopPublisher discards events. Used when no event transport is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(*InstanceEvent) {}
func (NopPublisher) Close()                 {}
