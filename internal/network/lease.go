package network

import (
	"fmt"
	"net"
)

// Lease describes the network resources reserved for one VM: a TAP interface
// name unique among live instances, the host-side gateway address, and the
// guest address, all inside a per-lease subnet carved from the configured
// block.
type Lease struct {
	InterfaceName string
	HostIP        net.IP
	GuestIP       net.IP
	Subnet        *net.IPNet
	MTU           int
}

// HostAddr returns the host address in CIDR notation, e.g. "172.50.0.1/30".
func (l Lease) HostAddr() string {
	ones, _ := l.Subnet.Mask.Size()
	return fmt.Sprintf("%s/%d", l.HostIP, ones)
}

// BindError reports a failure while installing a lease's interface or NAT rules.
type BindError struct {
	Op  string
	Err error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("network bind: %s: %v", e.Op, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
