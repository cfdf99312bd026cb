package vm

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cinderlab/cinder/internal/network"
	"github.com/cinderlab/cinder/internal/setup"
)

// Identifiers are 8 hex characters drawn from a UUID, collision-checked
// against the live registry.
const idLength = 8

const allocateAttempts = 32

// AllocationError reports exhaustion of the identifier or lease space, or a
// concurrency limit hit.
type AllocationError struct {
	Reason string
}

func (e *AllocationError) Error() string {
	return "allocate vm: " + e.Reason
}

// Registry reserves vm_ids, interface names, and network leases for live
// instances so no two concurrent runs collide. All state is in-memory and
// guarded by one lock shared across runs.
type Registry struct {
	scratchDir string
	mtu        int
	limit      int
	base       *net.IPNet

	mu    sync.Mutex
	live  map[string]*Instance
	slots map[int]string // lease slot -> vm_id
}

// NewRegistry builds a registry from the validated configuration.
func NewRegistry(cfg setup.Config) (*Registry, error) {
	_, base, err := net.ParseCIDR(cfg.Network.CIDR)
	if err != nil {
		return nil, fmt.Errorf("parse network cidr: %w", err)
	}
	ones, bits := base.Mask.Size()
	if bits != 32 || ones > 28 {
		return nil, fmt.Errorf("network cidr %s too small to carve per-vm /30 subnets", base)
	}
	return &Registry{
		scratchDir: cfg.Paths.Scratch,
		mtu:        cfg.Network.MTU,
		limit:      cfg.Limits.MaxConcurrent,
		base:       base,
		live:       map[string]*Instance{},
		slots:      map[int]string{},
	}, nil
}

// Allocate reserves a fresh vm_id, interface name, and network lease. The
// reservation stays held until Free is called with the returned vm_id.
func (r *Registry) Allocate() (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.live) >= r.limit {
		return nil, &AllocationError{Reason: fmt.Sprintf("concurrency limit of %d live instances reached", r.limit)}
	}

	vmID := ""
	for attempt := 0; attempt < allocateAttempts; attempt++ {
		candidate := NewID()
		if _, taken := r.live[candidate]; !taken {
			vmID = candidate
			break
		}
	}
	if vmID == "" {
		return nil, &AllocationError{Reason: "identifier space exhausted"}
	}

	slot, err := r.freeSlot()
	if err != nil {
		return nil, err
	}

	lease, err := r.leaseForSlot(vmID, slot)
	if err != nil {
		return nil, err
	}

	inst := instancePaths(r.scratchDir, vmID)
	inst.Lease = lease

	r.live[vmID] = inst
	r.slots[slot] = vmID
	return inst, nil
}

// Free releases the reservation for vmID. Calling it for an unknown or
// already-freed id is a no-op.
func (r *Registry) Free(vmID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[vmID]; !ok {
		return
	}
	delete(r.live, vmID)
	for slot, owner := range r.slots {
		if owner == vmID {
			delete(r.slots, slot)
			break
		}
	}
}

// LiveCount returns the number of currently reserved instances.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// LiveIDs returns a snapshot of reserved vm_ids.
func (r *Registry) LiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) freeSlot() (int, error) {
	ones, bits := r.base.Mask.Size()
	// Four addresses per lease: network, host, guest, broadcast.
	capacity := 1 << (bits - ones - 2)
	for slot := 0; slot < capacity; slot++ {
		if _, taken := r.slots[slot]; !taken {
			return slot, nil
		}
	}
	return 0, &AllocationError{Reason: fmt.Sprintf("no free subnet in %s", r.base)}
}

// leaseForSlot carves the slot's /30 out of the base block: host gets the
// first usable address, the guest the second.
func (r *Registry) leaseForSlot(vmID string, slot int) (network.Lease, error) {
	base := r.base.IP.To4()
	if base == nil {
		return network.Lease{}, fmt.Errorf("network base %s is not IPv4", r.base.IP)
	}

	networkAddr := binary.BigEndian.Uint32(base) + uint32(slot)*4
	networkIP := make(net.IP, 4)
	hostIP := make(net.IP, 4)
	guestIP := make(net.IP, 4)
	binary.BigEndian.PutUint32(networkIP, networkAddr)
	binary.BigEndian.PutUint32(hostIP, networkAddr+1)
	binary.BigEndian.PutUint32(guestIP, networkAddr+2)

	subnet := &net.IPNet{IP: networkIP, Mask: net.CIDRMask(30, 32)}
	if !r.base.Contains(hostIP) || !r.base.Contains(guestIP) {
		return network.Lease{}, &AllocationError{Reason: fmt.Sprintf("lease %s escapes block %s", subnet, r.base)}
	}

	return network.Lease{
		InterfaceName: "tap" + vmID,
		HostIP:        hostIP,
		GuestIP:       guestIP,
		Subnet:        subnet,
		MTU:           r.mtu,
	}, nil
}

// NewID returns a fresh 8-hex-character identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:idLength]
}
