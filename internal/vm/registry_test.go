package vm

import (
	"errors"
	"sync"
	"testing"

	"github.com/cinderlab/cinder/internal/setup"
)

func testConfig(t *testing.T) setup.Config {
	t.Helper()
	cfg := setup.DefaultConfig()
	cfg.Paths.Scratch = t.TempDir()
	return cfg
}

func TestAllocateAssignsUniqueResources(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.MaxConcurrent = 10

	registry, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	const n = 10
	var (
		mu        sync.Mutex
		instances []*Instance
		wg        sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := registry.Allocate()
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			mu.Lock()
			instances = append(instances, inst)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(instances) != n {
		t.Fatalf("expected %d instances, got %d", n, len(instances))
	}

	ids := map[string]bool{}
	ifaces := map[string]bool{}
	hosts := map[string]bool{}
	for _, inst := range instances {
		if len(inst.VMID) != idLength {
			t.Errorf("vm id %q has wrong length", inst.VMID)
		}
		if ids[inst.VMID] {
			t.Errorf("duplicate vm id %s", inst.VMID)
		}
		ids[inst.VMID] = true

		if ifaces[inst.Lease.InterfaceName] {
			t.Errorf("duplicate interface %s", inst.Lease.InterfaceName)
		}
		ifaces[inst.Lease.InterfaceName] = true

		host := inst.Lease.HostIP.String()
		if hosts[host] {
			t.Errorf("duplicate host ip %s", host)
		}
		hosts[host] = true

		if !inst.Lease.Subnet.Contains(inst.Lease.GuestIP) {
			t.Errorf("guest ip %s outside lease subnet %s", inst.Lease.GuestIP, inst.Lease.Subnet)
		}
	}
}

func TestAllocateEnforcesConcurrencyLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.MaxConcurrent = 2

	registry, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	first, err := registry.Allocate()
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if _, err := registry.Allocate(); err != nil {
		t.Fatalf("second allocate: %v", err)
	}

	_, err = registry.Allocate()
	var allocErr *AllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("expected AllocationError at limit, got %v", err)
	}

	registry.Free(first.VMID)
	if _, err := registry.Allocate(); err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
}

func TestFreeIsIdempotent(t *testing.T) {
	registry, err := NewRegistry(testConfig(t))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	inst, err := registry.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	registry.Free(inst.VMID)
	registry.Free(inst.VMID)
	registry.Free("unknown")

	if registry.LiveCount() != 0 {
		t.Errorf("expected empty registry, got %d live", registry.LiveCount())
	}
}

func TestFreedSlotIsReused(t *testing.T) {
	registry, err := NewRegistry(testConfig(t))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	first, err := registry.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	firstSubnet := first.Lease.Subnet.String()
	registry.Free(first.VMID)

	second, err := registry.Allocate()
	if err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
	if second.Lease.Subnet.String() != firstSubnet {
		t.Errorf("expected freed subnet %s to be reused, got %s", firstSubnet, second.Lease.Subnet)
	}
}

func TestNewRegistryRejectsTinyBlock(t *testing.T) {
	cfg := testConfig(t)
	cfg.Network.CIDR = "172.50.0.0/30"
	if _, err := NewRegistry(cfg); err == nil {
		t.Fatal("expected error for block too small to carve leases from")
	}
}

func TestLeaseAddressing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Network.CIDR = "172.50.0.0/24"

	registry, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	lease, err := registry.leaseForSlot("abcd1234", 0)
	if err != nil {
		t.Fatalf("lease for slot 0: %v", err)
	}
	if lease.HostIP.String() != "172.50.0.1" {
		t.Errorf("slot 0 host ip = %s, want 172.50.0.1", lease.HostIP)
	}
	if lease.GuestIP.String() != "172.50.0.2" {
		t.Errorf("slot 0 guest ip = %s, want 172.50.0.2", lease.GuestIP)
	}
	if lease.InterfaceName != "tapabcd1234" {
		t.Errorf("interface = %s, want tapabcd1234", lease.InterfaceName)
	}

	lease, err = registry.leaseForSlot("ef567890", 3)
	if err != nil {
		t.Fatalf("lease for slot 3: %v", err)
	}
	if lease.HostIP.String() != "172.50.0.13" {
		t.Errorf("slot 3 host ip = %s, want 172.50.0.13", lease.HostIP)
	}
	if lease.Subnet.String() != "172.50.0.12/30" {
		t.Errorf("slot 3 subnet = %s, want 172.50.0.12/30", lease.Subnet)
	}
}
