package vm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/cinderlab/cinder/internal/logging"
	"github.com/cinderlab/cinder/internal/setup"
)

// CompletionMarker is the line the guest agent prints once the task result
// has been flushed to the shared disk.
const CompletionMarker = "Task completed successfully!"

const defaultHypervisorBinary = "firecracker"

// SpawnError reports a failure to launch the hypervisor process.
type SpawnError struct {
	VMID string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn hypervisor for %s: %v", e.VMID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that a run's deadline elapsed before the guest
// produced a completion marker.
type TimeoutError struct {
	VMID     string
	Deadline time.Time
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("vm %s did not complete before %s", e.VMID, e.Deadline.Format(time.RFC3339))
}

// Controller drives the hypervisor process through boot, supervision, and
// termination. It never releases leases or disks; that belongs to teardown.
type Controller struct {
	logger *slog.Logger
	cfg    setup.Config

	// Binary is the hypervisor executable; overridable for tests.
	Binary string
}

// NewController returns a controller for the given configuration.
func NewController(cfg setup.Config, logger *slog.Logger) *Controller {
	return &Controller{
		logger: logging.Ensure(logger).With("component", "vm"),
		cfg:    cfg,
		Binary: defaultHypervisorBinary,
	}
}

// Boot renders the boot configuration and spawns the hypervisor against a
// fresh control socket, redirecting its output to per-instance log files.
// The instance transitions to Booting as soon as the process starts.
func (c *Controller) Boot(ctx context.Context, inst *Instance, apiKey, toolsISO string) error {
	logger := c.logger.With("vm_id", inst.VMID)

	config := renderBootConfig(c.cfg, inst, apiKey, toolsISO)
	logger.Debug("rendered boot config",
		"kernel", config.BootSource.KernelImagePath,
		"boot_args", RedactBootArgs(config.BootSource.BootArgs),
		"drives", len(config.Drives))

	if err := writeBootConfig(inst.ConfigPath, config); err != nil {
		return &SpawnError{VMID: inst.VMID, Err: err}
	}

	// A stale socket from a previous run makes firecracker refuse to start.
	if err := os.Remove(inst.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &SpawnError{VMID: inst.VMID, Err: fmt.Errorf("remove stale socket: %w", err)}
	}

	logFile, err := os.OpenFile(inst.LogPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &SpawnError{VMID: inst.VMID, Err: fmt.Errorf("open vm log: %w", err)}
	}
	errFile, err := os.OpenFile(inst.ErrPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		logFile.Close()
		return &SpawnError{VMID: inst.VMID, Err: fmt.Errorf("open vm error log: %w", err)}
	}

	cmd := exec.CommandContext(ctx, c.Binary,
		"--api-sock", inst.SocketPath,
		"--config-file", inst.ConfigPath,
	)
	cmd.Stdout = logFile
	cmd.Stderr = errFile
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		errFile.Close()
		return &SpawnError{VMID: inst.VMID, Err: err}
	}

	inst.cmd = cmd
	inst.waitCh = make(chan error, 1)
	go func() {
		defer logFile.Close()
		defer errFile.Close()
		inst.waitCh <- cmd.Wait()
	}()

	if err := os.WriteFile(inst.PidPath, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
		logger.Warn("failed writing pid file", "error", err)
	}

	inst.Status = StatusBooting
	inst.StartedAt = time.Now().UTC()
	logger.Info("hypervisor started", "pid", cmd.Process.Pid, "socket", inst.SocketPath)
	return nil
}

// AwaitCompletion polls the instance's log output for the completion marker
// until the deadline. It is the sole suspension point exposed to callers:
// it yields between polls and exits promptly on context cancellation. The
// caller still owns teardown on every return path.
func (c *Controller) AwaitCompletion(ctx context.Context, inst *Instance, deadline time.Time) error {
	logger := c.logger.With("vm_id", inst.VMID)
	inst.Status = StatusRunning
	inst.Deadline = deadline

	interval := c.cfg.Limits.PollInterval.Get()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if c.markerPresent(inst) {
			inst.Status = StatusCompleted
			logger.Info("completion marker observed", "elapsed", time.Since(inst.StartedAt))
			return nil
		}

		select {
		case <-ctx.Done():
			inst.Status = StatusFailed
			return ctx.Err()
		case err := <-inst.waitCh:
			// Process gone; the marker may have been flushed on the way out.
			inst.waitCh = nil
			if c.markerPresent(inst) {
				inst.Status = StatusCompleted
				return nil
			}
			inst.Status = StatusFailed
			if err == nil {
				err = errors.New("clean exit")
			}
			return fmt.Errorf("hypervisor exited before completion: %w", err)
		case <-ticker.C:
			if time.Now().After(deadline) {
				inst.Status = StatusFailed
				return &TimeoutError{VMID: inst.VMID, Deadline: deadline}
			}
		}
	}
}

func (c *Controller) markerPresent(inst *Instance) bool {
	data, err := os.ReadFile(inst.LogPath)
	if err != nil {
		return false
	}
	return bytes.Contains(data, []byte(CompletionMarker))
}

// Stop terminates the hypervisor: SIGTERM, a bounded grace wait, then
// SIGKILL. Safe to call when no process was ever spawned and safe to call
// twice. Control files (socket, boot config, pid) are removed here because
// the boot config may carry a secret.
func (c *Controller) Stop(inst *Instance) error {
	logger := c.logger.With("vm_id", inst.VMID)
	defer c.removeControlFiles(inst, logger)

	if inst.cmd == nil || inst.cmd.Process == nil || inst.waitCh == nil {
		return nil
	}

	if err := inst.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Warn("terminate signal failed", "error", err)
	}

	grace := c.cfg.VM.ShutdownTimeout.Get()
	select {
	case <-inst.waitCh:
		logger.Debug("hypervisor exited gracefully")
	case <-time.After(grace):
		logger.Warn("graceful shutdown timed out, killing", "grace", grace)
		if err := inst.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill hypervisor: %w", err)
		}
		<-inst.waitCh
	}

	inst.waitCh = nil
	return nil
}

func (c *Controller) removeControlFiles(inst *Instance, logger *slog.Logger) {
	for _, path := range []string{inst.SocketPath, inst.ConfigPath, inst.PidPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed removing control file", "path", path, "error", err)
		}
	}
}
