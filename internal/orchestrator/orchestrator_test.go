package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cinderlab/cinder/internal/channel"
	"github.com/cinderlab/cinder/internal/network"
	"github.com/cinderlab/cinder/internal/results"
	"github.com/cinderlab/cinder/internal/setup"
	"github.com/cinderlab/cinder/internal/vm"
)

type stubRegistry struct {
	mu       sync.Mutex
	scratch  string
	allocErr error
	next     int
	freed    []string
}

func (r *stubRegistry) Allocate() (*vm.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.allocErr != nil {
		return nil, r.allocErr
	}
	r.next++
	vmID := []string{"aaaa0000", "bbbb1111", "cccc2222", "dddd3333"}[(r.next-1)%4]
	runDir := filepath.Join(r.scratch, vmID)
	return &vm.Instance{
		VMID:           vmID,
		RunDir:         runDir,
		SharedDiskPath: filepath.Join(runDir, "shared.ext4"),
		MountPoint:     filepath.Join(runDir, "mnt"),
		Status:         vm.StatusPending,
	}, nil
}

func (r *stubRegistry) Free(vmID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freed = append(r.freed, vmID)
}

type stubChannels struct {
	mu        sync.Mutex
	createErr error
	readErr   error
	result    channel.Result
	created   int
	destroyed int
}

func (c *stubChannels) Create(ctx context.Context, ch channel.Channel, task channel.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created++
	return c.createErr
}

func (c *stubChannels) ReadResult(ctx context.Context, ch channel.Channel, taskID string, deadline time.Time) (channel.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return channel.Result{}, c.readErr
	}
	res := c.result
	res.TaskID = taskID
	return res, nil
}

func (c *stubChannels) Destroy(ch channel.Channel) []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed++
	return nil
}

type stubNetwork struct {
	mu      sync.Mutex
	bindErr error
	bound   int
	unbound int
}

func (n *stubNetwork) Bind(ctx context.Context, lease network.Lease) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bindErr != nil {
		return n.bindErr
	}
	n.bound++
	return nil
}

func (n *stubNetwork) Unbind(lease network.Lease) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unbound++
	return nil
}

type stubDriver struct {
	mu       sync.Mutex
	bootErr  error
	awaitErr error
	booted   int
	stops    int
	lastKey  string
}

func (d *stubDriver) Boot(ctx context.Context, inst *vm.Instance, apiKey, toolsISO string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bootErr != nil {
		return d.bootErr
	}
	d.booted++
	d.lastKey = apiKey
	inst.Status = vm.StatusBooting
	return nil
}

func (d *stubDriver) AwaitCompletion(ctx context.Context, inst *vm.Instance, deadline time.Time) error {
	return d.awaitErr
}

func (d *stubDriver) Stop(inst *vm.Instance) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

type stubSink struct {
	mu           sync.Mutex
	materialized []channel.Result
	manifests    []results.Manifest
}

func (s *stubSink) Materialize(res channel.Result) (results.Materialized, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.materialized = append(s.materialized, res)
	return results.Materialized{MetadataPath: "/results/" + res.VMID + ".json"}, nil
}

func (s *stubSink) WriteManifest(manifest results.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests = append(s.manifests, manifest)
	return nil
}

type testHarness struct {
	orch     *Orchestrator
	registry *stubRegistry
	channels *stubChannels
	netw     *stubNetwork
	driver   *stubDriver
	sink     *stubSink
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	cfg := setup.DefaultConfig()
	cfg.Paths.Scratch = t.TempDir()
	cfg.VM.BootWait = 0
	cfg.Limits.PollInterval = setup.Duration(10 * time.Millisecond)

	h := &testHarness{
		registry: &stubRegistry{scratch: cfg.Paths.Scratch},
		channels: &stubChannels{result: channel.Result{
			Status:          channel.StatusCompleted,
			TaskDescription: "Write a hello world program",
			GeneratedCode:   `print("Hello, World!")`,
			Language:        "python",
		}},
		netw:   &stubNetwork{},
		driver: &stubDriver{},
		sink:   &stubSink{},
	}
	h.orch = &Orchestrator{
		logger:   discardLogger(),
		cfg:      cfg,
		apiKey:   "sk-test",
		registry: h.registry,
		channels: h.channels,
		netw:     h.netw,
		driver:   h.driver,
		sink:     h.sink,
		buildISO: func(sourceDir, imagePath, volumeLabel string) error { return nil },
	}
	return h
}

func TestRunCompletesAndTearsDown(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.orch.Run(context.Background(), "Write a hello world program")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if outcome.Status != OutcomeCompleted {
		t.Errorf("status = %s, want %s", outcome.Status, OutcomeCompleted)
	}
	if outcome.Result == nil || outcome.Result.GeneratedCode == "" {
		t.Error("expected the guest result on the outcome")
	}
	if outcome.Materialized.MetadataPath == "" {
		t.Error("expected materialized metadata")
	}
	if h.driver.lastKey != "sk-test" {
		t.Errorf("api key = %q, want sk-test", h.driver.lastKey)
	}

	// Teardown released everything exactly once.
	if len(h.registry.freed) != 1 {
		t.Errorf("registry frees = %v", h.registry.freed)
	}
	if h.channels.destroyed != 1 {
		t.Errorf("channel destroys = %d", h.channels.destroyed)
	}
	if h.netw.unbound != 1 {
		t.Errorf("network unbinds = %d", h.netw.unbound)
	}
	// One explicit stop before the result read, one from teardown.
	if h.driver.stops != 2 {
		t.Errorf("driver stops = %d, want 2", h.driver.stops)
	}
}

func TestRunReportsGuestFailure(t *testing.T) {
	h := newHarness(t)
	h.channels.result = channel.Result{
		Status: channel.StatusFailed,
		Output: "no module named requests",
	}

	outcome, err := h.orch.Run(context.Background(), "broken task")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Status != OutcomeFailed {
		t.Errorf("status = %s, want %s", outcome.Status, OutcomeFailed)
	}
	if outcome.Reason != "no module named requests" {
		t.Errorf("reason = %q", outcome.Reason)
	}
	// Failed results are still persisted for inspection.
	if len(h.sink.materialized) != 1 {
		t.Errorf("materialized = %d, want 1", len(h.sink.materialized))
	}
}

func TestRunFoldsTimeoutIntoOutcome(t *testing.T) {
	h := newHarness(t)
	h.driver.awaitErr = &vm.TimeoutError{VMID: "aaaa0000", Deadline: time.Now()}

	outcome, err := h.orch.Run(context.Background(), "slow task")
	if err != nil {
		t.Fatalf("timeouts must not surface as errors, got %v", err)
	}
	if outcome.Status != OutcomeTimedOut {
		t.Errorf("status = %s, want %s", outcome.Status, OutcomeTimedOut)
	}
	if len(h.registry.freed) != 1 {
		t.Error("timed out run must still be torn down")
	}
}

func TestRunFoldsSpawnFailureIntoOutcome(t *testing.T) {
	h := newHarness(t)
	h.driver.bootErr = &vm.SpawnError{VMID: "aaaa0000", Err: errors.New("binary not found")}

	outcome, err := h.orch.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("spawn failures must not surface as errors, got %v", err)
	}
	if outcome.Status != OutcomeFailed {
		t.Errorf("status = %s, want %s", outcome.Status, OutcomeFailed)
	}
	if len(h.registry.freed) != 1 {
		t.Error("failed spawn must still be torn down")
	}
}

func TestRunFoldsUnreadableResultIntoOutcome(t *testing.T) {
	h := newHarness(t)
	h.channels.readErr = &channel.ParseError{Path: "/mnt/results/x.json", Err: errors.New("bad json")}

	outcome, err := h.orch.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("parse failures must not surface as errors, got %v", err)
	}
	if outcome.Status != OutcomeFailed {
		t.Errorf("status = %s, want %s", outcome.Status, OutcomeFailed)
	}
}

func TestRunAbortsOnBindFailureAfterCleanup(t *testing.T) {
	h := newHarness(t)
	h.netw.bindErr = &network.BindError{Op: "create tap", Err: errors.New("operation not permitted")}

	_, err := h.orch.Run(context.Background(), "task")
	if err == nil {
		t.Fatal("expected setup failure to surface as an error")
	}
	if h.driver.booted != 0 {
		t.Error("hypervisor must not boot after a bind failure")
	}
	if len(h.registry.freed) != 1 || h.channels.destroyed != 1 {
		t.Error("acquired resources must be released on the abort path")
	}
}

func TestRunPropagatesAllocationFailure(t *testing.T) {
	h := newHarness(t)
	h.registry.allocErr = &vm.AllocationError{Reason: "concurrency limit reached"}

	_, err := h.orch.Run(context.Background(), "task")
	var allocErr *vm.AllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("expected AllocationError, got %v", err)
	}
}

func TestRunAllKeepsInputOrder(t *testing.T) {
	h := newHarness(t)

	descriptions := []string{"task one", "task two", "task three"}
	outcomes := h.orch.RunAll(context.Background(), descriptions)

	if len(outcomes) != len(descriptions) {
		t.Fatalf("outcomes = %d, want %d", len(outcomes), len(descriptions))
	}
	for i, outcome := range outcomes {
		if outcome.Status != OutcomeCompleted {
			t.Errorf("outcome %d status = %s", i, outcome.Status)
		}
		if outcome.VMID == "" || outcome.TaskID == "" {
			t.Errorf("outcome %d missing identifiers: %+v", i, outcome)
		}
	}
	if len(h.registry.freed) != len(descriptions) {
		t.Errorf("frees = %d, want %d", len(h.registry.freed), len(descriptions))
	}
}

func TestManifestTracksLifecycle(t *testing.T) {
	h := newHarness(t)

	if _, err := h.orch.Run(context.Background(), "task"); err != nil {
		t.Fatalf("run: %v", err)
	}

	states := make([]string, 0, len(h.sink.manifests))
	for _, m := range h.sink.manifests {
		states = append(states, m.State)
	}
	want := []string{"pending", "running", "completed"}
	if len(states) != len(want) {
		t.Fatalf("manifest states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, states[i], want[i])
		}
	}
}
