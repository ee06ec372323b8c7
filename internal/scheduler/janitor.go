package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/metropolis-io/metropolis/internal/core"
	"github.com/metropolis-io/metropolis/internal/metrics"
)

// Janitor periodically releases expired leases back to the ready queue and
// promotes delayed retries whose backoff has elapsed. Multiple janitors can
// run concurrently; every broker transition they issue is idempotent.
type Janitor struct {
	broker   core.Broker
	ledger   core.Ledger
	events   core.EventPublisher
	logger   *slog.Logger
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewJanitor builds a Janitor sweeping at the given interval.
func NewJanitor(broker core.Broker, ledger core.Ledger, events core.EventPublisher, logger *slog.Logger, interval time.Duration) *Janitor {
	if events == nil {
		events = core.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Janitor{
		broker:   broker,
		ledger:   ledger,
		events:   events,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop. The loop exits when Stop is called.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), j.interval)
				j.Sweep(ctx)
				cancel()
			}
		}
	}()
}

// Stop shuts the sweep loop down and waits for an in-flight sweep to
// finish. Safe to call more than once.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
	j.wg.Wait()
}

// Sweep runs one pass: release expired leases, then promote due retries.
// Exported so operators can trigger a pass out of band.
func (j *Janitor) Sweep(ctx context.Context) {
	j.releaseExpired(ctx)
	j.promoteDelayed(ctx)
}

func (j *Janitor) releaseExpired(ctx context.Context) {
	expired, err := j.broker.ExpiredLeases(ctx, time.Now())
	if err != nil {
		j.logger.Error("janitor: listing expired leases failed", "error", err)
		return
	}

	for _, instanceID := range expired {
		outcome, err := j.broker.Release(ctx, instanceID)
		if err != nil {
			j.logger.Error("janitor: release failed", "instance_id", instanceID, "error", err)
			continue
		}
		switch {
		case outcome.Noop:
			// Lease was renewed or another janitor got here first.
		case outcome.DeadLettered:
			metrics.JobsDeadLettered.Inc()
			j.persistDeadLetter(ctx, instanceID, outcome.Attempt)
			j.publishState(instanceID, core.StateDeadLettered, outcome.Attempt)
			j.logger.Warn("janitor: lease expired, retry budget spent",
				"instance_id", instanceID, "attempt", outcome.Attempt)
		case outcome.Released:
			metrics.LeasesReaped.Inc()
			j.publishState(instanceID, core.StateReady, outcome.Attempt)
			j.logger.Info("janitor: released expired lease",
				"instance_id", instanceID, "attempt", outcome.Attempt)
		}
	}
}

func (j *Janitor) promoteDelayed(ctx context.Context) {
	promoted, err := j.broker.PromoteDelayed(ctx)
	if err != nil {
		j.logger.Error("janitor: promoting delayed instances failed", "error", err)
		return
	}
	if promoted > 0 {
		metrics.DelayedPromoted.Add(float64(promoted))
		j.logger.Info("janitor: promoted delayed instances", "count", promoted)
	}
}

// persistDeadLetter mirrors the broker's dead-letter record into the
// ledger. The broker entry is authoritative until this write lands, so a
// failure here only delays the durable copy until the next sweep notices
// or an operator reconciles.
func (j *Janitor) persistDeadLetter(ctx context.Context, instanceID string, attempts int) {
	runID, nodeID := core.SplitInstanceID(instanceID)
	err := j.ledger.PersistDeadLetter(ctx, &core.DeadLetterEntry{
		InstanceID: instanceID,
		RunID:      runID,
		NodeID:     nodeID,
		Attempts:   attempts,
		LastError:  "lease expired",
		CreatedAt:  core.NowFormatted(),
	})
	if err != nil {
		j.logger.Error("janitor: persisting dead letter failed", "instance_id", instanceID, "error", err)
	}
}

func (j *Janitor) publishState(instanceID, state string, attempt int) {
	runID, nodeID := core.SplitInstanceID(instanceID)
	j.events.Publish(&core.InstanceEvent{
		Type:       "job." + state,
		RunID:      runID,
		NodeID:     nodeID,
		InstanceID: instanceID,
		State:      state,
		Attempt:    attempt,
		Timestamp:  core.NowFormatted(),
	})
}
