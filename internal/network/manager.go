package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/cinderlab/cinder/internal/logging"
)

const forwardingProc = "/proc/sys/net/ipv4/ip_forward"

// Seams for tests: netlink and sysctl operations are privileged.
var (
	linkAdd     = netlink.LinkAdd
	linkDel     = netlink.LinkDel
	linkByName  = netlink.LinkByName
	linkSetUp   = netlink.LinkSetUp
	addrAdd     = netlink.AddrAdd
	addrList    = netlink.AddrList
	linkByIndex = netlink.LinkByIndex
	routeList   = func() ([]netlink.Route, error) {
		return netlink.RouteList(nil, unix.AF_INET)
	}
	writeSysctl = func(path, value string) error {
		return os.WriteFile(path, []byte(value), 0o644)
	}
	readSysctl = func(path string) (string, error) {
		data, err := os.ReadFile(path)
		return strings.TrimSpace(string(data)), err
	}
)

type commandRunner interface {
	run(ctx context.Context, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// natRule is one iptables rule installed for a lease, kept so Unbind removes
// exactly what Bind added and nothing else.
type natRule struct {
	args []string
}

func (r natRule) insert() []string {
	return append([]string{}, r.args...)
}

func (r natRule) delete() []string {
	args := append([]string{}, r.args...)
	for i, a := range args {
		if a == "-A" {
			args[i] = "-D"
			break
		}
	}
	return args
}

type binding struct {
	lease Lease
	rules []natRule

	// forwarding records whether this lease took a forwarding reference,
	// so a Bind that failed before acquiring never releases one.
	forwarding bool
}

// Manager creates and destroys per-VM TAP interfaces and their NAT plumbing.
// The IP-forwarding flag and the rule table are process-wide; both are only
// touched under the manager's lock, and forwarding is reference counted so it
// is disabled only when the last lease goes away.
type Manager struct {
	logger *slog.Logger
	runner commandRunner

	mu         sync.Mutex
	forwarding int
	bindings   map[string]*binding
}

// NewManager returns a Manager logging through the provided logger.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:   logging.Ensure(logger).With("component", "network"),
		runner:   execRunner{},
		bindings: map[string]*binding{},
	}
}

// Bind creates the lease's TAP interface, assigns the host gateway address,
// brings the link up, and installs the NAT rule set. Partial progress is
// recorded so a later Unbind reverses whatever was actually installed.
func (m *Manager) Bind(ctx context.Context, lease Lease) error {
	logger := m.logger.With("interface", lease.InterfaceName)
	logger.Info("binding network lease", "host_ip", lease.HostIP.String(), "subnet", lease.Subnet.String())

	m.mu.Lock()
	m.bindings[lease.InterfaceName] = &binding{lease: lease}
	m.mu.Unlock()

	if err := m.createTap(lease); err != nil {
		return &BindError{Op: "create tap " + lease.InterfaceName, Err: err}
	}

	if err := m.acquireForwarding(); err != nil {
		return &BindError{Op: "enable ip forwarding", Err: err}
	}
	m.mu.Lock()
	m.bindings[lease.InterfaceName].forwarding = true
	m.mu.Unlock()

	egress, err := defaultEgressInterface()
	if err != nil {
		return &BindError{Op: "discover egress interface", Err: err}
	}

	rules := leaseRules(lease, egress)
	for _, rule := range rules {
		if err := m.runner.run(ctx, "iptables", rule.insert()...); err != nil {
			return &BindError{Op: "install nat rule", Err: err}
		}
		m.mu.Lock()
		m.bindings[lease.InterfaceName].rules = append(m.bindings[lease.InterfaceName].rules, rule)
		m.mu.Unlock()
	}

	logger.Info("network lease bound", "egress", egress)
	return nil
}

// Unbind reverses exactly the rules installed for the lease and deletes the
// interface. Safe to call twice and tolerant of already-removed state.
func (m *Manager) Unbind(lease Lease) error {
	logger := m.logger.With("interface", lease.InterfaceName)

	m.mu.Lock()
	bound, ok := m.bindings[lease.InterfaceName]
	delete(m.bindings, lease.InterfaceName)
	m.mu.Unlock()
	if !ok {
		logger.Debug("lease not bound, nothing to unbind")
		return nil
	}

	var errs []error
	for _, rule := range bound.rules {
		// Delete failures are expected when the rule is already gone.
		if err := m.runner.run(context.Background(), "iptables", rule.delete()...); err != nil {
			logger.Debug("nat rule removal failed", "error", err)
		}
	}

	if link, err := linkByName(lease.InterfaceName); err == nil {
		if err := linkDel(link); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", lease.InterfaceName, err))
		}
	} else if !isLinkNotFound(err) {
		errs = append(errs, fmt.Errorf("lookup %s: %w", lease.InterfaceName, err))
	}

	if bound.forwarding {
		if err := m.releaseForwarding(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.Info("network lease unbound")
	return nil
}

func (m *Manager) createTap(lease Lease) error {
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{
			Name: lease.InterfaceName,
			MTU:  lease.MTU,
		},
		Mode: netlink.TUNTAP_MODE_TAP,
	}
	if err := linkAdd(tap); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("create tap: %w", err)
	}

	link, err := linkByName(lease.InterfaceName)
	if err != nil {
		return fmt.Errorf("lookup tap: %w", err)
	}

	addr, err := netlink.ParseAddr(lease.HostAddr())
	if err != nil {
		return fmt.Errorf("parse host address: %w", err)
	}
	if err := ensureAddress(link, addr); err != nil {
		return err
	}

	if err := linkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", lease.InterfaceName, err)
	}
	return nil
}

func ensureAddress(link netlink.Link, addr *netlink.Addr) error {
	existing, err := addrList(link, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	for _, a := range existing {
		if a.IP.Equal(addr.IP) {
			return nil
		}
	}
	if err := addrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", addr, link.Attrs().Name, err)
	}
	return nil
}

// leaseRules builds the MASQUERADE plus forwarding accept pair for a lease,
// scoped to the lease's subnet so concurrent leases never share rules.
func leaseRules(lease Lease, egress string) []natRule {
	subnet := lease.Subnet.String()
	return []natRule{
		{args: []string{"-t", "nat", "-A", "POSTROUTING", "-s", subnet, "-o", egress, "-j", "MASQUERADE"}},
		{args: []string{"-A", "FORWARD", "-i", lease.InterfaceName, "-o", egress, "-j", "ACCEPT"}},
		{args: []string{"-A", "FORWARD", "-i", egress, "-o", lease.InterfaceName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"}},
	}
}

func (m *Manager) acquireForwarding() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forwarding == 0 {
		if err := writeSysctl(forwardingProc, "1"); err != nil {
			return fmt.Errorf("enable ip forwarding: %w", err)
		}
	}
	m.forwarding++
	return nil
}

func (m *Manager) releaseForwarding() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forwarding == 0 {
		return nil
	}
	m.forwarding--
	if m.forwarding == 0 {
		if err := writeSysctl(forwardingProc, "0"); err != nil {
			return fmt.Errorf("disable ip forwarding: %w", err)
		}
	}
	return nil
}

func defaultEgressInterface() (string, error) {
	routes, err := routeList()
	if err != nil {
		return "", fmt.Errorf("list routes: %w", err)
	}
	for _, route := range routes {
		if route.Dst != nil && route.Dst.IP != nil && !route.Dst.IP.IsUnspecified() {
			continue
		}
		link, err := linkByIndex(route.LinkIndex)
		if err != nil {
			continue
		}
		return link.Attrs().Name, nil
	}
	return "", errors.New("no default route found")
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

// HostState reports host-level readiness for running VMs. Used by `cinder
// net check`.
type HostState struct {
	ForwardingEnabled bool
	DefaultInterface  string
	IptablesPresent   bool
}

// InspectHost gathers the forwarding flag, the default egress interface, and
// iptables availability without modifying anything.
func InspectHost() (HostState, error) {
	state := HostState{}

	value, err := readSysctl(forwardingProc)
	if err != nil {
		return state, fmt.Errorf("read %s: %w", forwardingProc, err)
	}
	state.ForwardingEnabled = value == "1"

	if egress, err := defaultEgressInterface(); err == nil {
		state.DefaultInterface = egress
	}

	if _, err := exec.LookPath("iptables"); err == nil {
		state.IptablesPresent = true
	}
	return state, nil
}
