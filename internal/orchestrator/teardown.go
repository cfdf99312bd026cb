package orchestrator

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/cinderlab/cinder/internal/channel"
	"github.com/cinderlab/cinder/internal/network"
	"github.com/cinderlab/cinder/internal/vm"
)

type vmStopper interface {
	Stop(inst *vm.Instance) error
}

type channelDestroyer interface {
	Destroy(ch channel.Channel) []error
}

type networkUnbinder interface {
	Unbind(lease network.Lease) error
}

type registryFreer interface {
	Free(vmID string)
}

// Supervisor drives one instance through teardown exactly once. Steps run
// in a fixed order and a failing step never prevents the following steps
// from running.
type Supervisor struct {
	logger   *slog.Logger
	stopper  vmStopper
	channels channelDestroyer
	netw     networkUnbinder
	registry registryFreer

	once     sync.Once
	warnings []TeardownWarning
}

// NewSupervisor returns a supervisor over the given resource owners.
func NewSupervisor(logger *slog.Logger, stopper vmStopper, channels channelDestroyer, netw networkUnbinder, registry registryFreer) *Supervisor {
	return &Supervisor{
		logger:   logger,
		stopper:  stopper,
		channels: channels,
		netw:     netw,
		registry: registry,
	}
}

// Teardown releases everything the instance holds: hypervisor process,
// shared disk, network lease, registry slot. Safe to call more than once;
// only the first call does work. Returns the warnings collected, one per
// failed step.
func (s *Supervisor) Teardown(inst *vm.Instance) []TeardownWarning {
	s.once.Do(func() {
		s.run(inst)
	})
	return s.warnings
}

func (s *Supervisor) run(inst *vm.Instance) {
	logger := s.logger.With("vm_id", inst.VMID)
	logger.Info("tearing down instance")

	s.step(logger, "stop hypervisor", func() error {
		return s.stopper.Stop(inst)
	})

	s.step(logger, "destroy channel", func() error {
		warnings := s.channels.Destroy(channel.Channel{
			ImagePath:  inst.SharedDiskPath,
			MountPoint: inst.MountPoint,
		})
		for _, w := range warnings {
			logger.Warn("channel cleanup", "error", w)
		}
		return nil
	})

	s.step(logger, "unbind network", func() error {
		return s.netw.Unbind(inst.Lease)
	})

	s.step(logger, "remove run directory", func() error {
		return os.RemoveAll(inst.RunDir)
	})

	s.step(logger, "free registry slot", func() error {
		s.registry.Free(inst.VMID)
		return nil
	})

	inst.Status = vm.StatusTornDown
	logger.Info("teardown complete", "warnings", len(s.warnings))
}

// step runs one teardown action, converting failures and panics into
// warnings so the remaining steps still run.
func (s *Supervisor) step(logger *slog.Logger, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("teardown step panicked", "step", name, "error", err)
			s.warnings = append(s.warnings, TeardownWarning{Step: name, Err: err})
		}
	}()

	if err := fn(); err != nil {
		logger.Warn("teardown step failed", "step", name, "error", err)
		s.warnings = append(s.warnings, TeardownWarning{Step: name, Err: err})
	}
}
