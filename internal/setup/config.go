package setup

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where the orchestrator looks for its configuration
// unless overridden on the command line.
var DefaultConfigPath = "/etc/cinder/config.yaml"

// Duration wraps time.Duration so config values can be written as "90s" or "2m".
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Get returns the wrapped time.Duration.
func (d Duration) Get() time.Duration {
	return time.Duration(d)
}

// PathsConfig locates the host directories the orchestrator reads and writes.
type PathsConfig struct {
	// Images holds the kernel and root filesystem consumed by every VM.
	Images string `yaml:"images"`
	// Scratch holds per-VM transient state: shared disks, mount points,
	// sockets, boot configs, and hypervisor logs.
	Scratch string `yaml:"scratch"`
	// Results receives the materialized metadata and artifact files.
	Results string `yaml:"results"`
}

// VMConfig sizes the machine and names the boot media.
type VMConfig struct {
	MemoryMB        int      `yaml:"memory_mb"`
	VCPUs           int      `yaml:"vcpus"`
	KernelImage     string   `yaml:"kernel_image"`
	RootFS          string   `yaml:"rootfs"`
	SharedDiskMB    int      `yaml:"shared_disk_mb"`
	GuestMAC        string   `yaml:"guest_mac"`
	BootWait        Duration `yaml:"boot_wait"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// ToolsDir, when set, is packaged into a read-only ISO attached to the
	// VM as a third drive. Used to ship guest-side agent scripts.
	ToolsDir string `yaml:"tools_dir,omitempty"`
}

// NetworkConfig describes the per-VM network leases.
type NetworkConfig struct {
	// CIDR is the block each lease's host/guest pair is drawn from.
	CIDR string `yaml:"cidr"`
	MTU  int    `yaml:"mtu"`
}

// LimitsConfig bounds concurrent runs and per-run timing.
type LimitsConfig struct {
	MaxConcurrent int      `yaml:"max_concurrent"`
	TaskTimeout   Duration `yaml:"task_timeout"`
	PollInterval  Duration `yaml:"poll_interval"`
}

// Config is the root of the orchestrator configuration file.
type Config struct {
	Paths   PathsConfig   `yaml:"paths"`
	VM      VMConfig      `yaml:"vm"`
	Network NetworkConfig `yaml:"network"`
	Limits  LimitsConfig  `yaml:"limits"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			Images:  "/var/lib/cinder/images",
			Scratch: "/tmp/cinder",
			Results: "/var/lib/cinder/results",
		},
		VM: VMConfig{
			MemoryMB:        512,
			VCPUs:           1,
			KernelImage:     "vmlinux.bin",
			RootFS:          "rootfs.ext4",
			SharedDiskMB:    50,
			GuestMAC:        "AA:FC:00:00:00:01",
			BootWait:        Duration(15 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Network: NetworkConfig{
			CIDR: "172.50.0.0/24",
			MTU:  1500,
		},
		Limits: LimitsConfig{
			MaxConcurrent: 4,
			TaskTimeout:   Duration(60 * time.Second),
			PollInterval:  Duration(2 * time.Second),
		},
	}
}

// Load reads the configuration file at path, falling back to defaults when
// the file does not exist. The result is always validated.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("no config file, using defaults", "path", path)
			cfg := DefaultConfig()
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// WriteDefault writes the default configuration to path, creating parent
// directories as needed. Refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("make config dir: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	logger.Info("wrote default config", "path", path)
	return nil
}

// Validate checks the configuration for values the orchestrator cannot run with.
func (c Config) Validate() error {
	if c.VM.MemoryMB <= 0 {
		return fmt.Errorf("vm.memory_mb must be positive, got %d", c.VM.MemoryMB)
	}
	if c.VM.VCPUs <= 0 {
		return fmt.Errorf("vm.vcpus must be positive, got %d", c.VM.VCPUs)
	}
	if c.VM.SharedDiskMB <= 0 {
		return fmt.Errorf("vm.shared_disk_mb must be positive, got %d", c.VM.SharedDiskMB)
	}
	if _, err := net.ParseMAC(c.VM.GuestMAC); err != nil {
		return fmt.Errorf("vm.guest_mac: %w", err)
	}
	ip, ipNet, err := net.ParseCIDR(c.Network.CIDR)
	if err != nil {
		return fmt.Errorf("network.cidr: %w", err)
	}
	if !ip.IsPrivate() {
		return fmt.Errorf("network.cidr %s must be a private block", ipNet)
	}
	if c.Limits.MaxConcurrent <= 0 {
		return fmt.Errorf("limits.max_concurrent must be positive, got %d", c.Limits.MaxConcurrent)
	}
	if c.Limits.TaskTimeout.Get() <= 0 {
		return fmt.Errorf("limits.task_timeout must be positive")
	}
	if c.Limits.PollInterval.Get() <= 0 {
		return fmt.Errorf("limits.poll_interval must be positive")
	}
	if c.Paths.Images == "" || c.Paths.Scratch == "" || c.Paths.Results == "" {
		return fmt.Errorf("paths.images, paths.scratch, and paths.results are required")
	}
	return nil
}

// KernelPath returns the absolute path of the kernel image.
func (c Config) KernelPath() string {
	return filepath.Join(c.Paths.Images, c.VM.KernelImage)
}

// RootFSPath returns the absolute path of the root filesystem image.
func (c Config) RootFSPath() string {
	return filepath.Join(c.Paths.Images, c.VM.RootFS)
}
