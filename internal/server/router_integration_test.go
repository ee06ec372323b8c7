package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/metropolis-io/metropolis/internal/broker"
	"github.com/metropolis-io/metropolis/internal/core"
	"github.com/metropolis-io/metropolis/internal/scheduler"
	"github.com/metropolis-io/metropolis/internal/worker"
)

// memoryLedger is an in-process core.Ledger so the end-to-end tests only
// need Redis. The ledger contract itself is covered by its own
// integration tests against Postgres.
type memoryLedger struct {
	mu          sync.Mutex
	defs        map[string]*core.PipelineDefinition
	results     map[string]*core.JobInstance
	deadLetters map[string]*core.DeadLetterEntry
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		defs:        map[string]*core.PipelineDefinition{},
		results:     map[string]*core.JobInstance{},
		deadLetters: map[string]*core.DeadLetterEntry{},
	}
}

func (m *memoryLedger) PersistDefinition(ctx context.Context, def *core.PipelineDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID] = def
	return nil
}

func (m *memoryLedger) GetDefinition(ctx context.Context, id string) (*core.PipelineDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if def, ok := m.defs[id]; ok {
		return def, nil
	}
	return nil, core.NewNotFoundError("Pipeline", id)
}

func (m *memoryLedger) GetDefinitionByName(ctx context.Context, name string) (*core.PipelineDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, def := range m.defs {
		if def.Name == name {
			return def, nil
		}
	}
	return nil, core.NewNotFoundError("Pipeline", name)
}

func (m *memoryLedger) CreateRun(ctx context.Context, run *core.Run) error { return nil }

func (m *memoryLedger) PersistResult(ctx context.Context, inst *core.JobInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[inst.ID] = inst
	return nil
}

func (m *memoryLedger) PersistDeadLetter(ctx context.Context, entry *core.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters[entry.InstanceID] = entry
	return nil
}

func (m *memoryLedger) Ping(ctx context.Context) error { return nil }

// testStack is everything one end-to-end test needs running.
type testStack struct {
	url    string
	ledger *memoryLedger
}

func newIntegrationStack(t *testing.T) *testStack {
	t.Helper()

	addr := os.Getenv("METROPOLIS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("METROPOLIS_TEST_REDIS_ADDR not set; skipping end-to-end test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := broker.Connect(ctx, addr, broker.Config{
		MaxAttempts: 2,
		BackoffBase: 20 * time.Millisecond,
		BackoffCap:  200 * time.Millisecond,
	})
	if err != nil {
		t.Skipf("skipping end-to-end test; Redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() { b.Close() })

	ledger := newMemoryLedger()
	sched := scheduler.New(b, ledger, nil, nil)

	janitor := scheduler.NewJanitor(b, ledger, nil, nil, 50*time.Millisecond)
	janitor.Start()
	t.Cleanup(janitor.Stop)

	w := worker.New(b, ledger, nil, nil, worker.Config{
		ID:           "e2e-worker",
		LeaseTTL:     2 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})
	w.RegisterBuiltins(nil)
	w.RegisterTask("fail.always", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("simulated task failure")
	})

	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(workerCtx)
	}()
	t.Cleanup(func() {
		stopWorker()
		<-workerDone
	})

	ts := httptest.NewServer(NewRouter(sched))
	t.Cleanup(ts.Close)
	return &testStack{url: ts.URL, ledger: ledger}
}

func TestEndToEnd_ChainRunSucceeds(t *testing.T) {
	stack := newIntegrationStack(t)

	pipelineID := registerPipeline(t, stack.url, map[string]any{
		"name": "it-chain-" + core.NewUUIDv7(),
		"nodes": []map[string]any{
			{"id": "extract", "task": map[string]any{"function": "noop"}},
			{"id": "transform", "task": map[string]any{"function": "noop"}, "depends_on": []string{"extract"}},
			{"id": "load", "task": map[string]any{"function": "noop"}, "depends_on": []string{"transform"}},
		},
	})

	runID := triggerRun(t, stack.url, pipelineID, nil)

	run := waitForRunState(t, stack.url, runID, "succeeded")
	instances := instanceStates(t, run)
	if len(instances) != 3 {
		t.Fatalf("instances = %d, want 3", len(instances))
	}
	for id, state := range instances {
		if state != "succeeded" {
			t.Errorf("instance %s state = %q, want succeeded", id, state)
		}
	}

	stack.ledger.mu.Lock()
	results := len(stack.ledger.results)
	stack.ledger.mu.Unlock()
	if results != 3 {
		t.Errorf("ledger results = %d, want 3", results)
	}
}

func TestEndToEnd_FailingNodeDeadLettersAndHaltsDependents(t *testing.T) {
	stack := newIntegrationStack(t)

	pipelineID := registerPipeline(t, stack.url, map[string]any{
		"name": "it-dead-" + core.NewUUIDv7(),
		"nodes": []map[string]any{
			{"id": "doomed", "task": map[string]any{"function": "fail.always"}},
			{"id": "downstream", "task": map[string]any{"function": "noop"}, "depends_on": []string{"doomed"}},
		},
	})

	runID := triggerRun(t, stack.url, pipelineID, nil)

	run := waitForRunState(t, stack.url, runID, "failed")

	states := instanceStates(t, run)
	if states["doomed"] != "dead_lettered" {
		t.Errorf("doomed state = %q, want dead_lettered", states["doomed"])
	}
	if states["downstream"] != "pending" {
		t.Errorf("downstream state = %q, want pending", states["downstream"])
	}

	resp, err := http.Get(stack.url + "/api/v1/runs/" + runID + "/dead-letters")
	if err != nil {
		t.Fatalf("GET dead-letters error: %v", err)
	}
	body := decodeJSONBody(t, resp.Body)
	if count, _ := body["count"].(float64); count != 1 {
		t.Errorf("dead letter count = %v, want 1", body["count"])
	}
}

func TestEndToEnd_CancelStopsRun(t *testing.T) {
	stack := newIntegrationStack(t)

	pipelineID := registerPipeline(t, stack.url, map[string]any{
		"name": "it-cancel-" + core.NewUUIDv7(),
		"nodes": []map[string]any{
			{"id": "slow", "task": map[string]any{"function": "sleep", "args": map[string]any{"duration": "30s"}}},
			{"id": "after", "task": map[string]any{"function": "noop"}, "depends_on": []string{"slow"}},
		},
	})

	runID := triggerRun(t, stack.url, pipelineID, nil)

	// Let the worker claim the slow node before cancelling.
	time.Sleep(200 * time.Millisecond)

	resp := postJSON(t, stack.url+"/api/v1/runs/"+runID+"/cancel", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	_ = decodeJSONBody(t, resp.Body)

	run := waitForRunState(t, stack.url, runID, "failed")
	for id, state := range instanceStates(t, run) {
		if state != "dead_lettered" {
			t.Errorf("instance %s state = %q, want dead_lettered", id, state)
		}
	}
}

func TestEndToEnd_ValidationRejectsCycle(t *testing.T) {
	stack := newIntegrationStack(t)

	resp := postJSON(t, stack.url+"/api/v1/pipelines", map[string]any{
		"name": "it-cycle-" + core.NewUUIDv7(),
		"nodes": []map[string]any{
			{"id": "a", "task": map[string]any{"function": "noop"}, "depends_on": []string{"b"}},
			{"id": "b", "task": map[string]any{"function": "noop"}, "depends_on": []string{"a"}},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func registerPipeline(t *testing.T, baseURL string, payload map[string]any) string {
	t.Helper()
	resp := postJSON(t, baseURL+"/api/v1/pipelines", payload)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("pipeline create status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	body := decodeJSONBody(t, resp.Body)
	id, _ := body["pipeline_id"].(string)
	if id == "" {
		t.Fatalf("pipeline create response missing pipeline_id: %#v", body)
	}
	return id
}

func triggerRun(t *testing.T, baseURL, pipelineID string, params map[string]any) string {
	t.Helper()
	payload := map[string]any{}
	if params != nil {
		payload["parameters"] = params
	}
	resp := postJSON(t, baseURL+"/api/v1/pipelines/"+pipelineID+"/runs", payload)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("trigger status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	body := decodeJSONBody(t, resp.Body)
	run, _ := body["run"].(map[string]any)
	id, _ := run["id"].(string)
	if id == "" {
		t.Fatalf("trigger response missing run.id: %#v", body)
	}
	return id
}

// waitForRunState polls the run endpoint until the aggregate state matches
// or the deadline passes, and returns the final run document.
func waitForRunState(t *testing.T, baseURL, runID, want string) map[string]any {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	var last map[string]any
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/api/v1/runs/" + runID)
		if err != nil {
			t.Fatalf("GET run error: %v", err)
		}
		body := decodeJSONBody(t, resp.Body)
		if run, ok := body["run"].(map[string]any); ok {
			last = run
			if state, _ := run["state"].(string); state == want {
				return run
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach state %q, last = %#v", runID, want, last)
	return nil
}

// instanceStates flattens the run document's instances object into a
// node-ID-to-state map.
func instanceStates(t *testing.T, run map[string]any) map[string]string {
	t.Helper()

	raw, ok := run["instances"].(map[string]any)
	if !ok {
		t.Fatalf("run document has no instances object: %#v", run)
	}
	states := make(map[string]string, len(raw))
	for id, item := range raw {
		inst, ok := item.(map[string]any)
		if !ok {
			t.Fatalf("instance %s is not an object: %#v", id, item)
		}
		state, _ := inst["state"].(string)
		states[id] = state
	}
	return states
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("json marshal error: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request build error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("HTTP POST error: %v", err)
	}
	return resp
}

func decodeJSONBody(t *testing.T, body io.ReadCloser) map[string]any {
	t.Helper()
	defer body.Close()

	var out map[string]any
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		t.Fatalf("decode body error: %v", err)
	}
	return out
}
