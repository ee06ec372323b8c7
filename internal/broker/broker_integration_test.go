package broker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/metropolis-io/metropolis/internal/core"
)

// newIntegrationBroker connects to the Redis named by
// METROPOLIS_TEST_REDIS_ADDR and clears the metropolis keyspace. Tests are
// skipped when the variable is unset.
func newIntegrationBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()

	addr := os.Getenv("METROPOLIS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("METROPOLIS_TEST_REDIS_ADDR not set; skipping broker integration test")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}

	iter := rdb.Scan(ctx, 0, "metropolis:*", 0).Iterator()
	for iter.Next(ctx) {
		rdb.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		t.Fatalf("clear keyspace: %v", err)
	}

	t.Cleanup(func() { rdb.Close() })
	return New(rdb, cfg)
}

func chainDefinition(name string) *core.PipelineDefinition {
	task := json.RawMessage(`{"function":"noop"}`)
	return &core.PipelineDefinition{
		Name: name,
		Nodes: []core.JobNode{
			{ID: "a", Task: task},
			{ID: "b", Task: task, DependsOn: []string{"a"}},
			{ID: "c", Task: task, DependsOn: []string{"b"}},
		},
	}
}

func TestCreateRun_EnqueuesOnlyRoots(t *testing.T) {
	b := newIntegrationBroker(t, Config{MaxAttempts: 3, BackoffBase: 50 * time.Millisecond, BackoffCap: time.Second})
	ctx := context.Background()

	run := &core.Run{ID: core.NewUUIDv7(), PipelineID: "p", CreatedAt: core.NowFormatted()}
	enqueued, err := b.CreateRun(ctx, run, chainDefinition("chain"))
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if len(enqueued) != 1 || enqueued[0] != core.InstanceID(run.ID, "a") {
		t.Fatalf("CreateRun() enqueued %v, want only the root", enqueued)
	}

	status, err := b.RunSnapshot(ctx, run.ID)
	if err != nil {
		t.Fatalf("RunSnapshot() error = %v", err)
	}
	if status.Instances["a"].State != core.StateReady {
		t.Errorf("root state = %q, want %q", status.Instances["a"].State, core.StateReady)
	}
	for _, node := range []string{"b", "c"} {
		if status.Instances[node].State != core.StatePending {
			t.Errorf("node %s state = %q, want %q", node, status.Instances[node].State, core.StatePending)
		}
	}
}

func TestClaim_RaceOneWinner(t *testing.T) {
	b := newIntegrationBroker(t, Config{MaxAttempts: 3, BackoffBase: 50 * time.Millisecond, BackoffCap: time.Second})
	ctx := context.Background()

	run := &core.Run{ID: core.NewUUIDv7(), CreatedAt: core.NowFormatted()}
	def := &core.PipelineDefinition{
		Name:  "single",
		Nodes: []core.JobNode{{ID: "only", Task: json.RawMessage(`{"function":"noop"}`)}},
	}
	if _, err := b.CreateRun(ctx, run, def); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	empty := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := b.Claim(ctx, "worker-"+string(rune('a'+n)), 5*time.Second)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, core.ErrQueueEmpty):
				empty++
			default:
				t.Errorf("Claim() unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("claim winners = %d, want exactly 1", winners)
	}
	if empty != workers-1 {
		t.Errorf("queue-empty results = %d, want %d", empty, workers-1)
	}
}

func TestComplete_ChainFanOut(t *testing.T) {
	b := newIntegrationBroker(t, Config{MaxAttempts: 3, BackoffBase: 50 * time.Millisecond, BackoffCap: time.Second})
	ctx := context.Background()

	run := &core.Run{ID: core.NewUUIDv7(), CreatedAt: core.NowFormatted()}
	if _, err := b.CreateRun(ctx, run, chainDefinition("chain")); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	ttl := 5 * time.Second
	for i, wantNode := range []string{"a", "b", "c"} {
		inst, err := b.Claim(ctx, "worker-1", ttl)
		if err != nil {
			t.Fatalf("Claim() step %d error = %v", i, err)
		}
		if inst.NodeID != wantNode {
			t.Fatalf("Claim() step %d node = %q, want %q", i, inst.NodeID, wantNode)
		}

		ready, err := b.Complete(ctx, inst.ID, "worker-1", json.RawMessage(`{"ok":true}`))
		if err != nil {
			t.Fatalf("Complete(%s) error = %v", wantNode, err)
		}
		if wantNode == "c" {
			if len(ready) != 0 {
				t.Errorf("Complete(c) readied %v, want none", ready)
			}
		} else if len(ready) != 1 {
			t.Errorf("Complete(%s) readied %v, want exactly one dependent", wantNode, ready)
		}
	}

	if _, err := b.Claim(ctx, "worker-1", ttl); !errors.Is(err, core.ErrQueueEmpty) {
		t.Errorf("Claim() after chain = %v, want ErrQueueEmpty", err)
	}

	status, err := b.RunSnapshot(ctx, run.ID)
	if err != nil {
		t.Fatalf("RunSnapshot() error = %v", err)
	}
	if status.State != "succeeded" {
		t.Errorf("run state = %q, want succeeded", status.State)
	}
}

func TestComplete_WrongOwnerLosesLease(t *testing.T) {
	b := newIntegrationBroker(t, Config{MaxAttempts: 3, BackoffBase: 50 * time.Millisecond, BackoffCap: time.Second})
	ctx := context.Background()

	run := &core.Run{ID: core.NewUUIDv7(), CreatedAt: core.NowFormatted()}
	def := &core.PipelineDefinition{
		Name:  "single",
		Nodes: []core.JobNode{{ID: "only", Task: json.RawMessage(`{"function":"noop"}`)}},
	}
	if _, err := b.CreateRun(ctx, run, def); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	inst, err := b.Claim(ctx, "worker-1", 5*time.Second)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	if _, err := b.Complete(ctx, inst.ID, "worker-2", nil); !errors.Is(err, core.ErrLeaseLost) {
		t.Errorf("Complete() by non-owner = %v, want ErrLeaseLost", err)
	}
	if err := b.Heartbeat(ctx, inst.ID, "worker-2", 5*time.Second); !errors.Is(err, core.ErrLeaseLost) {
		t.Errorf("Heartbeat() by non-owner = %v, want ErrLeaseLost", err)
	}
	if err := b.Heartbeat(ctx, inst.ID, "worker-1", 5*time.Second); err != nil {
		t.Errorf("Heartbeat() by owner error = %v", err)
	}
}

func TestFail_BackoffThenDeadLetter(t *testing.T) {
	b := newIntegrationBroker(t, Config{MaxAttempts: 3, BackoffBase: 40 * time.Millisecond, BackoffCap: 10 * time.Second})
	ctx := context.Background()

	run := &core.Run{ID: core.NewUUIDv7(), CreatedAt: core.NowFormatted()}
	def := &core.PipelineDefinition{
		Name:  "flaky",
		Nodes: []core.JobNode{{ID: "only", Task: json.RawMessage(`{"function":"boom"}`)}},
	}
	if _, err := b.CreateRun(ctx, run, def); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	instID := core.InstanceID(run.ID, "only")

	var prevDelay time.Duration
	for attempt := 1; attempt <= 2; attempt++ {
		// Retries are parked in the delayed set; promote once due.
		waitForReady(t, b, ctx, instID)

		inst, err := b.Claim(ctx, "worker-1", 5*time.Second)
		if err != nil {
			t.Fatalf("Claim() attempt %d error = %v", attempt, err)
		}

		before := time.Now()
		out, err := b.Fail(ctx, inst.ID, "worker-1", "task exploded")
		if err != nil {
			t.Fatalf("Fail() attempt %d error = %v", attempt, err)
		}
		if out.DeadLettered {
			t.Fatalf("Fail() attempt %d dead-lettered early", attempt)
		}
		if out.Attempt != attempt {
			t.Errorf("Fail() attempt = %d, want %d", out.Attempt, attempt)
		}

		delay := out.NextAttemptAt.Sub(before)
		if delay <= prevDelay {
			t.Errorf("attempt %d: backoff %v not greater than previous %v", attempt, delay, prevDelay)
		}
		prevDelay = delay
	}

	waitForReady(t, b, ctx, instID)
	inst, err := b.Claim(ctx, "worker-1", 5*time.Second)
	if err != nil {
		t.Fatalf("Claim() final attempt error = %v", err)
	}
	out, err := b.Fail(ctx, inst.ID, "worker-1", "task exploded")
	if err != nil {
		t.Fatalf("Fail() final error = %v", err)
	}
	if !out.DeadLettered || out.Attempt != 3 {
		t.Fatalf("Fail() final outcome = %+v, want dead-lettered at attempt 3", out)
	}

	// Dead-lettered instances never come back, even after a promote sweep.
	if n, err := b.PromoteDelayed(ctx); err != nil || n != 0 {
		t.Errorf("PromoteDelayed() = %d, %v; want 0, nil", n, err)
	}
	if _, err := b.Claim(ctx, "worker-1", 5*time.Second); !errors.Is(err, core.ErrQueueEmpty) {
		t.Errorf("Claim() after dead-letter = %v, want ErrQueueEmpty", err)
	}

	entries, err := b.DeadLetters(ctx, run.ID)
	if err != nil {
		t.Fatalf("DeadLetters() error = %v", err)
	}
	if len(entries) != 1 || entries[0].NodeID != "only" || entries[0].Attempts != 3 {
		t.Errorf("DeadLetters() = %+v", entries)
	}
	if entries[0].LastError != "task exploded" {
		t.Errorf("LastError = %q", entries[0].LastError)
	}
}

// waitForReady promotes the delayed set until the instance is claimable.
func waitForReady(t *testing.T, b *Broker, ctx context.Context, instID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := b.PromoteDelayed(ctx); err != nil {
			t.Fatalf("PromoteDelayed() error = %v", err)
		}
		state, err := b.rdb.HGet(ctx, instanceKey(instID), "state").Result()
		if err != nil {
			t.Fatalf("read state: %v", err)
		}
		if state == core.StateReady {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("instance %s never became ready", instID)
}

func TestRelease_ExpiredLeaseIdempotent(t *testing.T) {
	b := newIntegrationBroker(t, Config{MaxAttempts: 5, BackoffBase: 50 * time.Millisecond, BackoffCap: time.Second})
	ctx := context.Background()

	run := &core.Run{ID: core.NewUUIDv7(), CreatedAt: core.NowFormatted()}
	def := &core.PipelineDefinition{
		Name:  "stalled",
		Nodes: []core.JobNode{{ID: "only", Task: json.RawMessage(`{"function":"noop"}`)}},
	}
	if _, err := b.CreateRun(ctx, run, def); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	inst, err := b.Claim(ctx, "worker-1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	expired, err := b.ExpiredLeases(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpiredLeases() error = %v", err)
	}
	if len(expired) != 1 || expired[0] != inst.ID {
		t.Fatalf("ExpiredLeases() = %v, want [%s]", expired, inst.ID)
	}

	out, err := b.Release(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if !out.Released || out.Attempt != 1 {
		t.Fatalf("Release() = %+v, want released with attempt 1", out)
	}

	// A concurrent reaper issuing the same Release is a no-op.
	out2, err := b.Release(ctx, inst.ID)
	if err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	if !out2.Noop {
		t.Errorf("second Release() = %+v, want noop", out2)
	}

	// The late original owner can no longer report anything.
	if err := b.Heartbeat(ctx, inst.ID, "worker-1", time.Second); !errors.Is(err, core.ErrLeaseLost) {
		t.Errorf("Heartbeat() after release = %v, want ErrLeaseLost", err)
	}
	if _, err := b.Complete(ctx, inst.ID, "worker-1", nil); !errors.Is(err, core.ErrLeaseLost) {
		t.Errorf("Complete() after release = %v, want ErrLeaseLost", err)
	}

	// The instance is claimable again with the attempt consumed.
	got, err := b.Claim(ctx, "worker-2", time.Second)
	if err != nil {
		t.Fatalf("Claim() after release error = %v", err)
	}
	if got.ID != inst.ID || got.Attempt != 1 {
		t.Errorf("reclaimed instance = %+v", got)
	}
}

func TestRelease_RenewedLeaseIsNoop(t *testing.T) {
	b := newIntegrationBroker(t, Config{MaxAttempts: 5, BackoffBase: 50 * time.Millisecond, BackoffCap: time.Second})
	ctx := context.Background()

	run := &core.Run{ID: core.NewUUIDv7(), CreatedAt: core.NowFormatted()}
	def := &core.PipelineDefinition{
		Name:  "healthy",
		Nodes: []core.JobNode{{ID: "only", Task: json.RawMessage(`{"function":"noop"}`)}},
	}
	if _, err := b.CreateRun(ctx, run, def); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	inst, err := b.Claim(ctx, "worker-1", 10*time.Second)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	out, err := b.Release(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if !out.Noop {
		t.Errorf("Release() on live lease = %+v, want noop", out)
	}
	if err := b.Heartbeat(ctx, inst.ID, "worker-1", 10*time.Second); err != nil {
		t.Errorf("Heartbeat() after noop release error = %v", err)
	}
}

func TestCancelRun(t *testing.T) {
	b := newIntegrationBroker(t, Config{MaxAttempts: 3, BackoffBase: 50 * time.Millisecond, BackoffCap: time.Second})
	ctx := context.Background()

	run := &core.Run{ID: core.NewUUIDv7(), CreatedAt: core.NowFormatted()}
	if _, err := b.CreateRun(ctx, run, chainDefinition("chain")); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	inst, err := b.Claim(ctx, "worker-1", 5*time.Second)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	cancelled, err := b.CancelRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("CancelRun() error = %v", err)
	}
	if cancelled != 3 {
		t.Errorf("CancelRun() = %d, want 3", cancelled)
	}

	// The in-flight worker learns about the cancellation on its next call.
	if err := b.Heartbeat(ctx, inst.ID, "worker-1", 5*time.Second); !errors.Is(err, core.ErrRunCancelled) {
		t.Errorf("Heartbeat() after cancel = %v, want ErrRunCancelled", err)
	}
	if _, err := b.Complete(ctx, inst.ID, "worker-1", nil); !errors.Is(err, core.ErrRunCancelled) {
		t.Errorf("Complete() after cancel = %v, want ErrRunCancelled", err)
	}

	// Nothing further is claimable and the run reports failed.
	if _, err := b.Claim(ctx, "worker-2", 5*time.Second); !errors.Is(err, core.ErrQueueEmpty) {
		t.Errorf("Claim() after cancel = %v, want ErrQueueEmpty", err)
	}
	status, err := b.RunSnapshot(ctx, run.ID)
	if err != nil {
		t.Fatalf("RunSnapshot() error = %v", err)
	}
	if status.State != "failed" {
		t.Errorf("run state after cancel = %q, want failed", status.State)
	}

	// A second cancel finds nothing left to do.
	again, err := b.CancelRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("second CancelRun() error = %v", err)
	}
	if again != 0 {
		t.Errorf("second CancelRun() = %d, want 0", again)
	}
}

func TestDiamond_FanInWaitsForAllParents(t *testing.T) {
	b := newIntegrationBroker(t, Config{MaxAttempts: 3, BackoffBase: 50 * time.Millisecond, BackoffCap: time.Second})
	ctx := context.Background()

	task := json.RawMessage(`{"function":"noop"}`)
	def := &core.PipelineDefinition{
		Name: "diamond",
		Nodes: []core.JobNode{
			{ID: "a", Task: task},
			{ID: "b", Task: task, DependsOn: []string{"a"}},
			{ID: "c", Task: task, DependsOn: []string{"a"}},
			{ID: "d", Task: task, DependsOn: []string{"b", "c"}},
		},
	}
	run := &core.Run{ID: core.NewUUIDv7(), CreatedAt: core.NowFormatted()}
	if _, err := b.CreateRun(ctx, run, def); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	a, err := b.Claim(ctx, "w", 5*time.Second)
	if err != nil {
		t.Fatalf("Claim(a) error = %v", err)
	}
	ready, err := b.Complete(ctx, a.ID, "w", nil)
	if err != nil {
		t.Fatalf("Complete(a) error = %v", err)
	}
	// Both branches become ready together, ordered by instance ID.
	if len(ready) != 2 || ready[0] != core.InstanceID(run.ID, "b") || ready[1] != core.InstanceID(run.ID, "c") {
		t.Fatalf("Complete(a) readied %v", ready)
	}

	bInst, _ := b.Claim(ctx, "w", 5*time.Second)
	ready, err = b.Complete(ctx, bInst.ID, "w", nil)
	if err != nil {
		t.Fatalf("Complete(b) error = %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("Complete(b) readied %v before c finished", ready)
	}

	cInst, _ := b.Claim(ctx, "w", 5*time.Second)
	ready, err = b.Complete(ctx, cInst.ID, "w", nil)
	if err != nil {
		t.Fatalf("Complete(c) error = %v", err)
	}
	if len(ready) != 1 || ready[0] != core.InstanceID(run.ID, "d") {
		t.Fatalf("Complete(c) readied %v, want the join node", ready)
	}
}
