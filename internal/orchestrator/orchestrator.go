// Package orchestrator runs untrusted tasks end to end: it leases an
// isolated microVM, hands the task over on a shared disk, supervises the
// run, collects the result, and guarantees every acquired resource is
// released again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/cinderlab/cinder/internal/channel"
	"github.com/cinderlab/cinder/internal/logging"
	"github.com/cinderlab/cinder/internal/network"
	"github.com/cinderlab/cinder/internal/results"
	"github.com/cinderlab/cinder/internal/setup"
	"github.com/cinderlab/cinder/internal/vm"
)

// Outcome statuses. Post-boot failures are reported through the outcome
// rather than as errors; only setup failures abort a run.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
)

// resultGrace bounds how long a run waits for the result file after the
// guest has signalled completion.
const resultGrace = 10 * time.Second

type resourceAllocator interface {
	Allocate() (*vm.Instance, error)
	Free(vmID string)
}

type channelBuilder interface {
	Create(ctx context.Context, ch channel.Channel, task channel.Task) error
	ReadResult(ctx context.Context, ch channel.Channel, taskID string, deadline time.Time) (channel.Result, error)
	Destroy(ch channel.Channel) []error
}

type networkBinder interface {
	Bind(ctx context.Context, lease network.Lease) error
	Unbind(lease network.Lease) error
}

type vmDriver interface {
	Boot(ctx context.Context, inst *vm.Instance, apiKey, toolsISO string) error
	AwaitCompletion(ctx context.Context, inst *vm.Instance, deadline time.Time) error
	Stop(inst *vm.Instance) error
}

type resultWriter interface {
	Materialize(res channel.Result) (results.Materialized, error)
	WriteManifest(manifest results.Manifest) error
}

// Outcome summarizes one finished run.
type Outcome struct {
	Status       string
	VMID         string
	TaskID       string
	Reason       string
	Result       *channel.Result
	Materialized results.Materialized
	Warnings     []TeardownWarning
}

// Orchestrator coordinates the per-run lifecycle across the registry, the
// shared-disk channel, the network manager and the hypervisor controller.
type Orchestrator struct {
	logger   *slog.Logger
	cfg      setup.Config
	apiKey   string
	registry resourceAllocator
	channels channelBuilder
	netw     networkBinder
	driver   vmDriver
	sink     resultWriter

	// buildISO is swapped out in tests.
	buildISO func(sourceDir, imagePath, volumeLabel string) error
}

// New wires an orchestrator from the default component implementations.
func New(cfg setup.Config, apiKey string, logger *slog.Logger) (*Orchestrator, error) {
	logger = logging.Ensure(logger)

	registry, err := vm.NewRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize registry: %w", err)
	}

	return &Orchestrator{
		logger:   logger.With("component", "orchestrator"),
		cfg:      cfg,
		apiKey:   apiKey,
		registry: registry,
		channels: channel.NewBuilder(logger, cfg.Limits.PollInterval.Get()),
		netw:     network.NewManager(logger),
		driver:   vm.NewController(cfg, logger),
		sink:     results.NewMaterializer(cfg.Paths.Results, logger),
		buildISO: channel.BuildToolsISO,
	}, nil
}

// Run executes one task in a fresh microVM. It returns an error only when
// setup fails before the hypervisor is spawned; anything after that is
// reported through the outcome. Teardown runs on every path, including
// panics and cancellation.
func (o *Orchestrator) Run(ctx context.Context, description string) (outcome Outcome, err error) {
	inst, err := o.registry.Allocate()
	if err != nil {
		return Outcome{}, err
	}

	supervisor := NewSupervisor(o.logger, o.driver, o.channels, o.netw, o.registry)
	outcome = Outcome{VMID: inst.VMID}
	defer func() {
		outcome.Warnings = supervisor.Teardown(inst)
	}()

	logger := o.logger.With("vm_id", inst.VMID)

	task := channel.Task{
		TaskID:      vm.NewID(),
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	inst.TaskID = task.TaskID
	outcome.TaskID = task.TaskID
	logger = logger.With("task_id", task.TaskID)
	logger.Info("run starting", "description", description)

	o.writeManifest(inst, "pending", logger)

	ch := channel.Channel{
		ImagePath:  inst.SharedDiskPath,
		MountPoint: inst.MountPoint,
		SizeMB:     o.cfg.VM.SharedDiskMB,
	}
	if err := o.channels.Create(ctx, ch, task); err != nil {
		return outcome, fmt.Errorf("prepare shared disk: %w", err)
	}

	if err := o.netw.Bind(ctx, inst.Lease); err != nil {
		return outcome, fmt.Errorf("bind network: %w", err)
	}

	toolsISO, err := o.prepareTools(inst)
	if err != nil {
		return outcome, err
	}

	if err := o.driver.Boot(ctx, inst, o.apiKey, toolsISO); err != nil {
		logger.Error("hypervisor failed to start", "error", err)
		outcome.Status = OutcomeFailed
		outcome.Reason = err.Error()
		o.writeManifest(inst, "failed", logger)
		return outcome, nil
	}
	o.writeManifest(inst, "running", logger)

	if err := waitWithContext(ctx, o.cfg.VM.BootWait.Get()); err != nil {
		return outcome, err
	}

	deadline := time.Now().Add(o.cfg.Limits.TaskTimeout.Get())
	if err := o.driver.AwaitCompletion(ctx, inst, deadline); err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return outcome, err
		default:
			var timeout *vm.TimeoutError
			if errors.As(err, &timeout) {
				logger.Warn("task timed out", "deadline", deadline)
				outcome.Status = OutcomeTimedOut
			} else {
				logger.Error("run did not complete", "error", err)
				outcome.Status = OutcomeFailed
			}
			outcome.Reason = err.Error()
			o.writeManifest(inst, "failed", logger)
			return outcome, nil
		}
	}

	// The disk can only be re-mounted once the hypervisor has released it.
	if err := o.driver.Stop(inst); err != nil {
		logger.Warn("stop after completion", "error", err)
	}

	res, err := o.channels.ReadResult(ctx, ch, task.TaskID, time.Now().Add(resultGrace))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return outcome, err
		}
		logger.Error("result unavailable", "error", err)
		outcome.Status = OutcomeFailed
		outcome.Reason = err.Error()
		o.writeManifest(inst, "failed", logger)
		return outcome, nil
	}

	res.VMID = inst.VMID
	if res.TaskDescription == "" {
		res.TaskDescription = description
	}
	outcome.Result = &res

	materialized, err := o.sink.Materialize(res)
	if err != nil {
		return outcome, fmt.Errorf("persist result: %w", err)
	}
	outcome.Materialized = materialized

	if res.Status == channel.StatusCompleted {
		outcome.Status = OutcomeCompleted
		inst.Status = vm.StatusCompleted
	} else {
		outcome.Status = OutcomeFailed
		outcome.Reason = res.Output
		inst.Status = vm.StatusFailed
	}
	o.writeManifest(inst, outcome.Status, logger)

	logger.Info("run finished", "status", outcome.Status)
	return outcome, nil
}

// RunAll executes the given task descriptions concurrently, bounded by the
// configured concurrency limit. Outcomes keep the input order.
func (o *Orchestrator) RunAll(ctx context.Context, descriptions []string) []Outcome {
	outcomes := make([]Outcome, len(descriptions))
	sem := make(chan struct{}, o.cfg.Limits.MaxConcurrent)

	var wg sync.WaitGroup
	for i, description := range descriptions {
		i, description := i, description
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcome, err := o.Run(ctx, description)
			if err != nil {
				o.logger.Error("run aborted", "error", err, "description", description)
				if outcome.Status == "" {
					outcome.Status = OutcomeFailed
					outcome.Reason = err.Error()
				}
			}
			outcomes[i] = outcome
		}()
	}
	wg.Wait()

	return outcomes
}

// prepareTools packages the configured tools directory into a read-only ISO
// inside the instance run directory. Returns an empty path when no tools
// are configured.
func (o *Orchestrator) prepareTools(inst *vm.Instance) (string, error) {
	if o.cfg.VM.ToolsDir == "" {
		return "", nil
	}
	imagePath := filepath.Join(inst.RunDir, "tools.iso")
	if err := o.buildISO(o.cfg.VM.ToolsDir, imagePath, "CINDER_TOOLS"); err != nil {
		return "", fmt.Errorf("build tools image: %w", err)
	}
	return imagePath, nil
}

func (o *Orchestrator) writeManifest(inst *vm.Instance, state string, logger *slog.Logger) {
	err := o.sink.WriteManifest(results.Manifest{
		VMID:     inst.VMID,
		TaskID:   inst.TaskID,
		MemoryMB: o.cfg.VM.MemoryMB,
		VCPUs:    o.cfg.VM.VCPUs,
		State:    state,
	})
	if err != nil {
		logger.Warn("manifest update failed", "state", state, "error", err)
	}
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
