package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cinderlab/cinder/internal/setup"
)

// Firecracker boot configuration document, serialized to the file handed to
// the hypervisor at spawn time.

type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type Drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type NetworkInterface struct {
	IfaceID     string `json:"iface_id"`
	GuestMAC    string `json:"guest_mac"`
	HostDevName string `json:"host_dev_name"`
}

type MachineConfig struct {
	VCPUCount  int  `json:"vcpu_count"`
	MemSizeMiB int  `json:"mem_size_mib"`
	SMT        bool `json:"smt"`
}

type BootConfig struct {
	BootSource        BootSource         `json:"boot-source"`
	Drives            []Drive            `json:"drives"`
	NetworkInterfaces []NetworkInterface `json:"network-interfaces"`
	MachineConfig     MachineConfig      `json:"machine-config"`
}

// renderBootConfig builds the boot document for an instance. The API key
// rides the kernel command line only; it never touches the shared disk.
func renderBootConfig(cfg setup.Config, inst *Instance, apiKey, toolsISO string) BootConfig {
	bootArgs := fmt.Sprintf(
		"console=ttyS0 reboot=k panic=1 pci=off init=/ssl_agent.sh VM_IP=%s GATEWAY_IP=%s",
		inst.Lease.GuestIP, inst.Lease.HostIP,
	)
	if apiKey != "" {
		bootArgs += " OPENAI_API_KEY=" + apiKey
	}

	drives := []Drive{
		{
			DriveID:      "rootfs",
			PathOnHost:   cfg.RootFSPath(),
			IsRootDevice: true,
			IsReadOnly:   false,
		},
		{
			DriveID:      "shared",
			PathOnHost:   inst.SharedDiskPath,
			IsRootDevice: false,
			IsReadOnly:   false,
		},
	}
	if toolsISO != "" {
		drives = append(drives, Drive{
			DriveID:      "tools",
			PathOnHost:   toolsISO,
			IsRootDevice: false,
			IsReadOnly:   true,
		})
	}

	return BootConfig{
		BootSource: BootSource{
			KernelImagePath: cfg.KernelPath(),
			BootArgs:        bootArgs,
		},
		Drives: drives,
		NetworkInterfaces: []NetworkInterface{
			{
				IfaceID:     "eth0",
				GuestMAC:    cfg.VM.GuestMAC,
				HostDevName: inst.Lease.InterfaceName,
			},
		},
		MachineConfig: MachineConfig{
			VCPUCount:  cfg.VM.VCPUs,
			MemSizeMiB: cfg.VM.MemoryMB,
			SMT:        false,
		},
	}
}

// writeBootConfig persists the boot document for the hypervisor to consume.
// The file is owner-only because the boot args can carry a secret; it is
// deleted again during teardown.
func writeBootConfig(path string, config BootConfig) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal boot config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write boot config: %w", err)
	}
	return nil
}

// RedactBootArgs masks secret values in a boot argument string for logging.
func RedactBootArgs(args string) string {
	fields := strings.Fields(args)
	for i, field := range fields {
		if strings.HasPrefix(field, "OPENAI_API_KEY=") {
			fields[i] = "OPENAI_API_KEY=***"
		}
	}
	return strings.Join(fields, " ")
}
