package vm

import (
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cinderlab/cinder/internal/network"
)

// Status tracks an instance through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBooting   Status = "booting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTornDown  Status = "torn_down"
)

// Instance is one orchestration run's exclusively-owned VM: its identifiers,
// network lease, scratch paths, and hypervisor process handle. Instances are
// created by the Registry and destroyed by the teardown supervisor.
type Instance struct {
	VMID   string
	TaskID string

	Lease network.Lease

	RunDir         string
	SharedDiskPath string
	MountPoint     string
	SocketPath     string
	ConfigPath     string
	LogPath        string
	ErrPath        string
	PidPath        string

	Status    Status
	StartedAt time.Time
	Deadline  time.Time

	cmd    *exec.Cmd
	waitCh chan error
}

// Pid returns the hypervisor process id, or 0 when no process was spawned.
func (i *Instance) Pid() int {
	if i.cmd == nil || i.cmd.Process == nil {
		return 0
	}
	return i.cmd.Process.Pid
}

func instancePaths(scratchDir, vmID string) *Instance {
	runDir := filepath.Join(scratchDir, vmID)
	return &Instance{
		VMID:           vmID,
		RunDir:         runDir,
		SharedDiskPath: filepath.Join(runDir, "shared-"+vmID+".ext4"),
		MountPoint:     filepath.Join(runDir, "mnt"),
		SocketPath:     filepath.Join(runDir, "firecracker.sock"),
		ConfigPath:     filepath.Join(runDir, "vm-config.json"),
		LogPath:        filepath.Join(runDir, "vm.log"),
		ErrPath:        filepath.Join(runDir, "vm.err"),
		PidPath:        filepath.Join(runDir, "vm.pid"),
		Status:         StatusPending,
	}
}
