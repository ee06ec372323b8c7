package core

import (
	"encoding/json"
	"strings"
	"time"
)

// Version reported by the server and stamped on metrics.
const Version = "0.3.0"

// MediaType is the content type for all API payloads.
const MediaType = "application/json"

// JobInstance states. An instance moves pending -> ready -> running and from
// running to exactly one of succeeded, failed_retryable (parked until its
// backoff elapses, then ready again) or dead_lettered.
const (
	StatePending      = "pending"
	StateReady        = "ready"
	StateRunning      = "running"
	StateSucceeded    = "succeeded"
	StateRetryable    = "failed_retryable"
	StateDeadLettered = "dead_lettered"
)

// IsTerminalState reports whether a state is final.
func IsTerminalState(state string) bool {
	return state == StateSucceeded || state == StateDeadLettered
}

// JobNode is a definition-time node of a pipeline DAG. Task is an opaque
// payload interpreted by workers; DependsOn names nodes in the same
// definition that must succeed before this node becomes ready.
type JobNode struct {
	ID        string          `json:"id"`
	Task      json.RawMessage `json:"task"`
	DependsOn []string        `json:"depends_on,omitempty"`
}

// PipelineDefinition is immutable once accepted. The edge set implied by the
// DependsOn declarations must be acyclic.
type PipelineDefinition struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	Nodes     []JobNode `json:"nodes"`
	CreatedAt string    `json:"created_at,omitempty"`
}

// Node returns the node with the given ID, or nil.
func (d *PipelineDefinition) Node(id string) *JobNode {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// Run is one execution instance of a PipelineDefinition.
type Run struct {
	ID         string          `json:"id"`
	PipelineID string          `json:"pipeline_id"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

// JobInstance is the unit that gets scheduled and executed.
type JobInstance struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	NodeID      string          `json:"node_id"`
	Task        json.RawMessage `json:"task"`
	State       string          `json:"state"`
	Attempt     int             `json:"attempt"`
	LeaseOwner  string          `json:"lease_owner,omitempty"`
	LeaseExpiry time.Time       `json:"lease_expiry,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// InstanceID derives the scheduling identifier for a node within a run.
// The run prefix keeps IDs unique across runs; the node suffix makes
// FIFO tie-breaks deterministic.
func InstanceID(runID, nodeID string) string {
	return runID + "." + nodeID
}

// SplitInstanceID recovers the run and node parts of an instance ID. Run
// IDs are UUIDs and never contain a dot, so the first dot is the boundary
// even though node IDs may themselves be dotted.
func SplitInstanceID(instanceID string) (runID, nodeID string) {
	if i := strings.Index(instanceID, "."); i >= 0 {
		return instanceID[:i], instanceID[i+1:]
	}
	return instanceID, ""
}

// Lease is a time-bounded ownership grant. Only the owner named here may
// report the instance's outcome until ExpiresAt passes.
type Lease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// DeadLetterEntry records an instance that exhausted its retry budget.
type DeadLetterEntry struct {
	InstanceID string `json:"instance_id"`
	RunID      string `json:"run_id"`
	NodeID     string `json:"node_id"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// InstanceStatus is the per-node slice of a run snapshot.
type InstanceStatus struct {
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error,omitempty"`
}

// RunStatus is a point-in-time view of every instance in a run.
type RunStatus struct {
	RunID     string                    `json:"run_id"`
	State     string                    `json:"state"`
	Instances map[string]InstanceStatus `json:"instances"`
}

// AggregateState folds per-instance states into a run-level state:
// "succeeded" when every instance succeeded, "failed" as soon as any
// instance dead-lettered (the run can no longer fully succeed, and
// descendants of a dead node stay pending forever), "running" otherwise.
func AggregateState(instances map[string]InstanceStatus) string {
	allSucceeded := true
	for _, inst := range instances {
		switch inst.State {
		case StateSucceeded:
		case StateDeadLettered:
			return "failed"
		default:
			allSucceeded = false
		}
	}
	if allSucceeded {
		return "succeeded"
	}
	return "running"
}
