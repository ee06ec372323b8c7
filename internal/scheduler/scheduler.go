// Package scheduler holds the control-plane entry points: pipeline
// submission, run triggering and cancellation, plus the janitor that keeps
// the broker healthy.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/metropolis-io/metropolis/internal/core"
	"github.com/metropolis-io/metropolis/internal/metrics"
)

// Scheduler validates and registers pipelines and turns them into runs.
// It is stateless; all coordination happens in the broker and the ledger.
type Scheduler struct {
	broker core.Broker
	ledger core.Ledger
	events core.EventPublisher
	logger *slog.Logger
}

// New builds a Scheduler. events may be nil, in which case lifecycle
// notifications are skipped.
func New(broker core.Broker, ledger core.Ledger, events core.EventPublisher, logger *slog.Logger) *Scheduler {
	if events == nil {
		events = core.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{broker: broker, ledger: ledger, events: events, logger: logger}
}

// Submit validates and persists a pipeline definition, assigning it an ID.
// Submitting a definition whose name is already registered returns the
// existing ID when the node structure is identical, and a conflict error
// when it differs. Definitions are immutable once accepted.
func (s *Scheduler) Submit(ctx context.Context, def *core.PipelineDefinition) (string, error) {
	if err := core.ValidateDefinition(def); err != nil {
		return "", err
	}

	existing, err := s.ledger.GetDefinitionByName(ctx, def.Name)
	if err == nil {
		if nodesEqual(existing.Nodes, def.Nodes) {
			return existing.ID, nil
		}
		return "", core.NewConflictError(fmt.Sprintf(
			"Pipeline %q is already registered with a different definition.", def.Name), nil)
	}
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Code != core.ErrCodeNotFound {
		return "", err
	}

	def.ID = core.NewUUIDv7()
	def.CreatedAt = core.NowFormatted()
	if err := s.ledger.PersistDefinition(ctx, def); err != nil {
		return "", err
	}

	s.logger.Info("pipeline registered", "pipeline_id", def.ID, "name", def.Name, "nodes", len(def.Nodes))
	return def.ID, nil
}

// Trigger creates a run of a registered pipeline. The run is recorded in
// the ledger first, then materialized in the broker, which readies the
// root nodes. Both writes are idempotent for a given run ID, so a crashed
// trigger can be replayed.
func (s *Scheduler) Trigger(ctx context.Context, pipelineID string, params json.RawMessage) (*core.Run, error) {
	def, err := s.ledger.GetDefinition(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	run := &core.Run{
		ID:         core.NewUUIDv7(),
		PipelineID: def.ID,
		Parameters: params,
		CreatedAt:  core.NowFormatted(),
	}
	if err := s.ledger.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	roots, err := s.broker.CreateRun(ctx, run, def)
	if err != nil {
		return nil, err
	}

	metrics.RunsTriggered.Inc()
	s.events.Publish(&core.InstanceEvent{
		Type:      "run.triggered",
		RunID:     run.ID,
		Timestamp: core.NowFormatted(),
	})
	s.logger.Info("run triggered", "run_id", run.ID, "pipeline_id", def.ID, "roots", len(roots))
	return run, nil
}

// CancelRun stops a run: no further fan-out happens and every non-terminal
// instance is dead-lettered. Workers holding leases in the run observe the
// cancellation on their next heartbeat.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) (int, error) {
	cancelled, err := s.broker.CancelRun(ctx, runID)
	if err != nil {
		return 0, err
	}

	metrics.RunsCancelled.Inc()
	s.events.Publish(&core.InstanceEvent{
		Type:      "run.cancelled",
		RunID:     runID,
		Timestamp: core.NowFormatted(),
	})
	s.logger.Info("run cancelled", "run_id", runID, "instances_cancelled", cancelled)
	return cancelled, nil
}

// RunStatus returns the live per-instance snapshot of a run.
func (s *Scheduler) RunStatus(ctx context.Context, runID string) (*core.RunStatus, error) {
	return s.broker.RunSnapshot(ctx, runID)
}

// DeadLetters lists the dead-letter entries of a run.
func (s *Scheduler) DeadLetters(ctx context.Context, runID string) ([]core.DeadLetterEntry, error) {
	return s.broker.DeadLetters(ctx, runID)
}

// Health reports whether the ledger is reachable. The broker is checked by
// the caller where a direct handle exists.
func (s *Scheduler) Health(ctx context.Context) error {
	return s.ledger.Ping(ctx)
}

func nodesEqual(a, b []core.JobNode) bool {
	if len(a) != len(b) {
		return false
	}
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
