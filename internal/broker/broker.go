package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/metropolis-io/metropolis/internal/core"
)

// Config carries the transition-policy knobs. Nothing here has a hidden
// default inside the scripts; callers wire the values from configuration.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Broker implements core.Broker on Redis. All mutating transitions execute
// as server-side Lua scripts; see scripts.go for the transaction semantics.
type Broker struct {
	rdb *redis.Client
	cfg Config
}

// New creates a Broker on an established Redis client.
func New(rdb *redis.Client, cfg Config) *Broker {
	return &Broker{rdb: rdb, cfg: cfg}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr string, cfg Config) (*Broker, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return New(rdb, cfg), nil
}

// Close releases the underlying connection pool.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// Ping reports broker reachability for health checks.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// CreateRun registers every node of the definition as a pending instance,
// writes the dependency counts and the node-to-dependents index, then
// atomically readies the root set. The index is built once here so each
// Complete fans out with a hash lookup instead of scanning the whole run.
func (b *Broker) CreateRun(ctx context.Context, run *core.Run, def *core.PipelineDefinition) ([]string, error) {
	now := time.Now().UnixMilli()

	children := make(map[string][]string, len(def.Nodes))
	for _, n := range def.Nodes {
		for _, dep := range n.DependsOn {
			children[dep] = append(children[dep], core.InstanceID(run.ID, n.ID))
		}
	}

	pipe := b.rdb.TxPipeline()
	for _, n := range def.Nodes {
		id := core.InstanceID(run.ID, n.ID)
		pipe.HSet(ctx, instanceKey(id), map[string]interface{}{
			"run_id":        run.ID,
			"node_id":       n.ID,
			"task":          string(n.Task),
			"state":         core.StatePending,
			"attempt":       0,
			"created_at_ms": now,
		})
		pipe.SAdd(ctx, runInstancesKey(run.ID), id)
		if len(n.DependsOn) > 0 {
			pipe.HSet(ctx, runDepsKey(run.ID), id, len(n.DependsOn))
		}
	}
	for nodeID, deps := range children {
		sort.Strings(deps)
		pipe.HSet(ctx, runChildrenKey(run.ID), nodeID, strings.Join(deps, ","))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create run %s: %w", run.ID, err)
	}

	roots := core.RootNodes(def)
	rootIDs := make([]string, len(roots))
	for i, nodeID := range roots {
		rootIDs[i] = core.InstanceID(run.ID, nodeID)
	}

	args := make([]interface{}, 0, len(rootIDs)+2)
	args = append(args, now, instancePrefix)
	for _, id := range rootIDs {
		args = append(args, id)
	}
	if err := enqueueRootsScript.Run(ctx, b.rdb, []string{keyReady}, args...).Err(); err != nil {
		return nil, fmt.Errorf("enqueue roots for run %s: %w", run.ID, err)
	}

	return rootIDs, nil
}

// Claim atomically pops the ready-queue head and leases it to workerID.
func (b *Broker) Claim(ctx context.Context, workerID string, leaseTTL time.Duration) (*core.JobInstance, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, b.rdb,
		[]string{keyReady, keyRunning},
		workerID, now.UnixMilli(), leaseTTL.Milliseconds(), instancePrefix,
	).Result()
	if err == redis.Nil {
		return nil, core.ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) < 5 {
		return nil, core.NewInternalError(fmt.Sprintf("claim returned malformed reply: %v", res))
	}

	attempt, _ := strconv.Atoi(asString(fields[4]))
	return &core.JobInstance{
		ID:          asString(fields[0]),
		RunID:       asString(fields[1]),
		NodeID:      asString(fields[2]),
		Task:        json.RawMessage(asString(fields[3])),
		State:       core.StateRunning,
		Attempt:     attempt,
		LeaseOwner:  workerID,
		LeaseExpiry: now.Add(leaseTTL),
	}, nil
}

// Heartbeat extends the lease for the current owner.
func (b *Broker) Heartbeat(ctx context.Context, instanceID, workerID string, leaseTTL time.Duration) error {
	res, err := heartbeatScript.Run(ctx, b.rdb, []string{},
		instanceID, workerID, time.Now().UnixMilli(), leaseTTL.Milliseconds(),
		instancePrefix, runPrefix,
	).Result()
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", instanceID, err)
	}
	switch asString(res) {
	case "ok":
		return nil
	case "cancelled":
		return core.ErrRunCancelled
	default:
		return core.ErrLeaseLost
	}
}

// Complete marks the instance succeeded and readies every dependent whose
// dependency count just hit zero. The caller has already written the result
// to the ledger; a crash between that write and this call leaves the lease
// to expire and the reaper re-runs the task, which is why the ledger write
// is idempotent.
func (b *Broker) Complete(ctx context.Context, instanceID, workerID string, result json.RawMessage) ([]string, error) {
	res, err := completeScript.Run(ctx, b.rdb,
		[]string{keyReady, keyRunning},
		instanceID, workerID, time.Now().UnixMilli(), instancePrefix, runPrefix,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("complete %s: %w", instanceID, err)
	}

	verdict, rest := splitVerdict(res)
	switch verdict {
	case "ok":
		return rest, nil
	case "cancelled":
		return nil, core.ErrRunCancelled
	default:
		return nil, core.ErrLeaseLost
	}
}

// Fail records a task failure and either parks the instance for its backoff
// delay or dead-letters it when the retry budget is exhausted.
func (b *Broker) Fail(ctx context.Context, instanceID, workerID string, taskErr string) (*core.FailOutcome, error) {
	res, err := failScript.Run(ctx, b.rdb,
		[]string{keyDelayed, keyRunning, keyDead},
		instanceID, workerID, time.Now().UnixMilli(),
		b.cfg.MaxAttempts, b.cfg.BackoffBase.Milliseconds(), b.cfg.BackoffCap.Milliseconds(),
		taskErr, instancePrefix, runPrefix,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("fail %s: %w", instanceID, err)
	}

	fields, _ := res.([]interface{})
	if len(fields) == 0 {
		return nil, core.NewInternalError(fmt.Sprintf("fail returned malformed reply: %v", res))
	}

	switch asString(fields[0]) {
	case "retry":
		out := &core.FailOutcome{InstanceID: instanceID}
		out.Attempt = asInt(fields[1])
		if len(fields) > 2 {
			dueMs, _ := strconv.ParseInt(asString(fields[2]), 10, 64)
			out.NextAttemptAt = time.UnixMilli(dueMs)
		}
		return out, nil
	case "dead":
		return &core.FailOutcome{
			InstanceID:   instanceID,
			Attempt:      asInt(fields[1]),
			DeadLettered: true,
		}, nil
	case "cancelled":
		return nil, core.ErrRunCancelled
	default:
		return nil, core.ErrLeaseLost
	}
}

// Release returns an expired-lease instance to the ready queue. The script
// re-checks the expiry, so duplicate reaper sweeps and already-renewed
// leases degrade to a no-op rather than an error.
func (b *Broker) Release(ctx context.Context, instanceID string) (*core.ReleaseOutcome, error) {
	res, err := releaseScript.Run(ctx, b.rdb,
		[]string{keyReady, keyRunning, keyDead},
		instanceID, time.Now().UnixMilli(), b.cfg.MaxAttempts, instancePrefix,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("release %s: %w", instanceID, err)
	}

	fields, _ := res.([]interface{})
	if len(fields) == 0 {
		return nil, core.NewInternalError(fmt.Sprintf("release returned malformed reply: %v", res))
	}

	out := &core.ReleaseOutcome{InstanceID: instanceID}
	switch asString(fields[0]) {
	case "released":
		out.Released = true
		out.Attempt = asInt(fields[1])
	case "dead":
		out.DeadLettered = true
		out.Attempt = asInt(fields[1])
	default:
		out.Noop = true
	}
	return out, nil
}

// ExpiredLeases scans the running set for leases that lapsed before now.
// Read-only; the authoritative expiry re-check happens inside Release.
func (b *Broker) ExpiredLeases(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := b.rdb.SMembers(ctx, keyRunning).Result()
	if err != nil {
		return nil, fmt.Errorf("scan running set: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := b.rdb.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.HGet(ctx, instanceKey(id), "lease_expiry_ms")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read lease expiries: %w", err)
	}

	nowMs := now.UnixMilli()
	var expired []string
	for id, cmd := range cmds {
		expMs, err := cmd.Int64()
		if err != nil {
			continue
		}
		if expMs <= nowMs {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

// PromoteDelayed moves instances whose backoff delay elapsed back to ready.
func (b *Broker) PromoteDelayed(ctx context.Context) (int, error) {
	res, err := promoteScript.Run(ctx, b.rdb,
		[]string{keyReady, keyDelayed},
		time.Now().UnixMilli(), instancePrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return res, nil
}

// RunSnapshot reads the current state of every instance in a run.
func (b *Broker) RunSnapshot(ctx context.Context, runID string) (*core.RunStatus, error) {
	ids, err := b.rdb.SMembers(ctx, runInstancesKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read run instances: %w", err)
	}
	if len(ids) == 0 {
		return nil, core.NewNotFoundError("Run", runID)
	}

	pipe := b.rdb.Pipeline()
	cmds := make(map[string]*redis.StringStringMapCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.HGetAll(ctx, instanceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read instance states: %w", err)
	}

	status := &core.RunStatus{
		RunID:     runID,
		Instances: make(map[string]core.InstanceStatus, len(ids)),
	}
	for id, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		attempt, _ := strconv.Atoi(h["attempt"])
		status.Instances[h["node_id"]] = core.InstanceStatus{
			InstanceID: id,
			State:      h["state"],
			Attempt:    attempt,
			Error:      h["error"],
		}
	}
	status.State = core.AggregateState(status.Instances)
	return status, nil
}

// CancelRun flags the run and dead-letters every non-terminal instance.
func (b *Broker) CancelRun(ctx context.Context, runID string) (int, error) {
	exists, err := b.rdb.Exists(ctx, runInstancesKey(runID)).Result()
	if err != nil {
		return 0, fmt.Errorf("check run %s: %w", runID, err)
	}
	if exists == 0 {
		return 0, core.NewNotFoundError("Run", runID)
	}

	res, err := cancelScript.Run(ctx, b.rdb,
		[]string{keyReady, keyDelayed, keyRunning, keyDead, runInstancesKey(runID), runCancelledKey(runID)},
		time.Now().UnixMilli(), instancePrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("cancel run %s: %w", runID, err)
	}
	return res, nil
}

// DeadLetters lists the dead-letter entries of a run.
func (b *Broker) DeadLetters(ctx context.Context, runID string) ([]core.DeadLetterEntry, error) {
	status, err := b.RunSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}

	var entries []core.DeadLetterEntry
	for nodeID, inst := range status.Instances {
		if inst.State != core.StateDeadLettered {
			continue
		}
		entries = append(entries, core.DeadLetterEntry{
			InstanceID: inst.InstanceID,
			RunID:      runID,
			NodeID:     nodeID,
			Attempts:   inst.Attempt,
			LastError:  inst.Error,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].InstanceID < entries[j].InstanceID
	})
	return entries, nil
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func splitVerdict(res interface{}) (string, []string) {
	fields, ok := res.([]interface{})
	if !ok || len(fields) == 0 {
		return "", nil
	}
	rest := make([]string, 0, len(fields)-1)
	for _, f := range fields[1:] {
		rest = append(rest, asString(f))
	}
	return asString(fields[0]), rest
}
