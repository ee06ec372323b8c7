// Package worker runs the stateless execution loop: claim a ready instance,
// execute its task under a heartbeated lease, then commit the outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/metropolis-io/metropolis/internal/core"
	"github.com/metropolis-io/metropolis/internal/metrics"
)

// TaskFunc executes one task. args is the raw task payload from the
// pipeline definition. The context is cancelled when the lease is lost or
// the run is cancelled; implementations must stop promptly when that
// happens because another worker may already be running the same instance.
type TaskFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// taskSpec is the wire shape of a node's task payload.
type taskSpec struct {
	Function string          `json:"function"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// Config holds worker loop settings.
type Config struct {
	ID           string
	LeaseTTL     time.Duration
	PollInterval time.Duration
}

// Worker claims and executes job instances. Any number of workers may run
// against the same broker; the claim transition guarantees each instance
// has at most one leaseholder at a time.
type Worker struct {
	broker   core.Broker
	ledger   core.Ledger
	events   core.EventPublisher
	logger   *slog.Logger
	cfg      Config
	handlers map[string]TaskFunc
}

// New builds a Worker. Register task functions with RegisterTask before
// calling Run.
func New(broker core.Broker, ledger core.Ledger, events core.EventPublisher, logger *slog.Logger, cfg Config) *Worker {
	if events == nil {
		events = core.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ID == "" {
		cfg.ID = "worker-" + core.NewUUIDv7()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Worker{
		broker:   broker,
		ledger:   ledger,
		events:   events,
		logger:   logger.With("worker_id", cfg.ID),
		cfg:      cfg,
		handlers: map[string]TaskFunc{},
	}
}

// RegisterTask binds a task function name to its implementation.
func (w *Worker) RegisterTask(name string, fn TaskFunc) {
	w.handlers[name] = fn
}

// Run claims and executes instances until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "lease_ttl", w.cfg.LeaseTTL, "poll_interval", w.cfg.PollInterval)

	// Polling backs off exponentially while the queue stays empty so idle
	// worker fleets do not hammer the broker.
	idlePolls := 0
	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("worker stopping")
			return nil
		}

		inst, err := w.broker.Claim(ctx, w.cfg.ID, w.cfg.LeaseTTL)
		if errors.Is(err, core.ErrQueueEmpty) {
			w.idleWait(ctx, idlePolls)
			idlePolls++
			continue
		}
		if err != nil {
			w.logger.Error("claim failed", "error", err)
			w.idleWait(ctx, idlePolls)
			idlePolls++
			continue
		}

		idlePolls = 0
		metrics.JobsClaimed.Inc()
		w.execute(ctx, inst)
	}
}

func (w *Worker) idleWait(ctx context.Context, idlePolls int) {
	delay := core.RetryBackoff(w.cfg.PollInterval, 10*w.cfg.PollInterval, idlePolls)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// execute runs one claimed instance end to end.
func (w *Worker) execute(ctx context.Context, inst *core.JobInstance) {
	logger := w.logger.With("instance_id", inst.ID, "node_id", inst.NodeID, "attempt", inst.Attempt)
	logger.Info("executing task")

	// The task must finish inside the lease it was claimed under; the
	// heartbeat loop extends the broker-side lease while this deadline
	// moves with it.
	taskCtx, cancelTask := context.WithDeadline(ctx, time.Now().Add(w.cfg.LeaseTTL))
	defer cancelTask()

	// leaseLost flips when a heartbeat learns the lease moved or the run
	// was cancelled. After that the worker must not Complete or Fail: the
	// instance belongs to someone else now.
	var leaseLost atomic.Bool
	stopHeartbeat := w.heartbeatLoop(inst.ID, &leaseLost, cancelTask)
	defer stopHeartbeat()

	start := time.Now()
	result, taskErr := w.runTask(taskCtx, inst)
	elapsed := time.Since(start)
	stopHeartbeat()

	if leaseLost.Load() {
		metrics.TaskDuration.WithLabelValues(inst.NodeID, "lost").Observe(elapsed.Seconds())
		logger.Warn("lease lost during execution, discarding outcome", "elapsed", elapsed)
		return
	}

	if taskErr != nil {
		metrics.TaskDuration.WithLabelValues(inst.NodeID, "failure").Observe(elapsed.Seconds())
		w.commitFailure(ctx, inst, taskErr, logger)
		return
	}

	metrics.TaskDuration.WithLabelValues(inst.NodeID, "success").Observe(elapsed.Seconds())
	w.commitSuccess(ctx, inst, result, logger)
}

func (w *Worker) runTask(ctx context.Context, inst *core.JobInstance) (json.RawMessage, error) {
	var spec taskSpec
	if err := json.Unmarshal(inst.Task, &spec); err != nil {
		return nil, fmt.Errorf("malformed task payload: %w", err)
	}
	fn, ok := w.handlers[spec.Function]
	if !ok {
		return nil, fmt.Errorf("no task function registered for %q", spec.Function)
	}
	return fn(ctx, spec.Args)
}

// heartbeatLoop extends the lease at a third of its TTL until stopped. The
// returned stop function is safe to call more than once.
func (w *Worker) heartbeatLoop(instanceID string, leaseLost *atomic.Bool, interrupt context.CancelFunc) func() {
	done := make(chan struct{})
	var stopped atomic.Bool

	go func() {
		ticker := time.NewTicker(w.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), w.cfg.LeaseTTL/3)
				err := w.broker.Heartbeat(ctx, instanceID, w.cfg.ID, w.cfg.LeaseTTL)
				cancel()
				if errors.Is(err, core.ErrLeaseLost) || errors.Is(err, core.ErrRunCancelled) {
					leaseLost.Store(true)
					interrupt()
					return
				}
				if err != nil {
					// Transient broker trouble. The lease may still be
					// live; keep trying until it is gone for sure.
					w.logger.Warn("heartbeat failed", "instance_id", instanceID, "error", err)
				}
			}
		}
	}()

	return func() {
		if stopped.CompareAndSwap(false, true) {
			close(done)
		}
	}
}

// commitSuccess persists the result durably, then advances the broker.
// The ledger write comes first: if the worker dies between the two, the
// janitor releases the lease, a second execution reruns the task and the
// idempotent ledger write absorbs the duplicate.
func (w *Worker) commitSuccess(ctx context.Context, inst *core.JobInstance, result json.RawMessage, logger *slog.Logger) {
	record := *inst
	record.State = core.StateSucceeded
	record.Result = result
	if err := w.persistWithRetry(ctx, &record); err != nil {
		logger.Error("persisting result failed, outcome not committed", "error", err)
		return
	}

	readied, err := w.broker.Complete(ctx, inst.ID, w.cfg.ID, result)
	if errors.Is(err, core.ErrLeaseLost) || errors.Is(err, core.ErrRunCancelled) {
		logger.Warn("ownership gone at completion", "error", err)
		return
	}
	if err != nil {
		logger.Error("complete failed", "error", err)
		return
	}

	metrics.JobsCompleted.Inc()
	w.publishState(inst, core.StateSucceeded)
	logger.Info("task succeeded", "readied", readied)
}

func (w *Worker) commitFailure(ctx context.Context, inst *core.JobInstance, taskErr error, logger *slog.Logger) {
	metrics.JobsFailed.Inc()

	outcome, err := w.broker.Fail(ctx, inst.ID, w.cfg.ID, taskErr.Error())
	if errors.Is(err, core.ErrLeaseLost) || errors.Is(err, core.ErrRunCancelled) {
		logger.Warn("ownership gone at failure commit", "error", err)
		return
	}
	if err != nil {
		logger.Error("fail transition failed", "error", err)
		return
	}

	if outcome.DeadLettered {
		metrics.JobsDeadLettered.Inc()
		w.persistDeadLetter(ctx, inst, outcome.Attempt, taskErr, logger)
		w.publishState(inst, core.StateDeadLettered)
		logger.Error("task dead-lettered", "attempts", outcome.Attempt, "error", taskErr)
		return
	}

	metrics.JobsRetried.Inc()
	w.publishState(inst, core.StateRetryable)
	logger.Warn("task failed, retry scheduled",
		"attempt", outcome.Attempt, "next_attempt_at", outcome.NextAttemptAt, "error", taskErr)
}

// persistWithRetry absorbs transient ledger outages with a short bounded
// backoff. The lease deadline on ctx caps the total time spent; past it the
// instance is left running for the janitor to re-run.
func (w *Worker) persistWithRetry(ctx context.Context, inst *core.JobInstance) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = w.ledger.PersistResult(ctx, inst); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(core.RetryBackoff(100*time.Millisecond, time.Second, attempt)):
		}
	}
	return err
}

func (w *Worker) persistDeadLetter(ctx context.Context, inst *core.JobInstance, attempts int, taskErr error, logger *slog.Logger) {
	err := w.ledger.PersistDeadLetter(ctx, &core.DeadLetterEntry{
		InstanceID: inst.ID,
		RunID:      inst.RunID,
		NodeID:     inst.NodeID,
		Attempts:   attempts,
		LastError:  taskErr.Error(),
		CreatedAt:  core.NowFormatted(),
	})
	if err != nil {
		logger.Error("persisting dead letter failed", "error", err)
	}
}

func (w *Worker) publishState(inst *core.JobInstance, state string) {
	w.events.Publish(&core.InstanceEvent{
		Type:       "job." + state,
		RunID:      inst.RunID,
		NodeID:     inst.NodeID,
		InstanceID: inst.ID,
		State:      state,
		Attempt:    inst.Attempt,
		Timestamp:  core.NowFormatted(),
	})
}
