//go:build linux

// Package afxdp binds AF_XDP sockets to NIC queues and exposes each
// socket as one TX and one RX ring backing.
// Interface owns the XDP redirect program and the XSKMAP.
// Socket is an AF_XDP socket bound to a specific RX/TX queue.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: raw packets delivered from NIC to userspace.
//   - FQ ring: UMEM addresses userspace provides to kernel for RX.
//   - TX ring: descriptors userspace sends to NIC.
//   - CQ ring: completed TX buffers returned by kernel.
package afxdp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"

	"github.com/romshark/zcring/ring"
)

var ErrXSKMapNotInitialized = errors.New("xsks map not initialized")

// xdpPass is the action taken for queues without a bound socket.
const xdpPass = 2

// InterfaceConfig controls how AF_XDP is attached to a network interface.
type InterfaceConfig struct {
	PreferZerocopy bool
	// MaxQueues sizes the XSKMAP. Zero uses the number of RX queues.
	MaxQueues int
}

// Interface represents a NIC with an XDP program attached for AF_XDP use.
// It can create AF_XDP sockets bound to individual hardware queues.
type Interface struct {
	ifaceName      string
	ifaceIndex     int
	preferZerocopy bool

	link link.Link
	prog *ebpf.Program
	xsks *ebpf.Map
}

// Available reports whether the kernel can create AF_XDP sockets.
func Available() bool {
	_, err := os.Stat("/sys/fs/bpf")
	return err == nil && os.Geteuid() == 0
}

// MakeInterface attaches the redirect program to the given interface name
// and returns an Interface handle that can open AF_XDP sockets on its queues.
func MakeInterface(iface string, conf InterfaceConfig) (*Interface, error) {
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("%w: getting interface: %w", ring.ErrBindFail, err)
	}
	i := &Interface{
		ifaceName:      iface,
		ifaceIndex:     netIf.Index,
		preferZerocopy: conf.PreferZerocopy,
	}

	maxQueues := conf.MaxQueues
	if maxQueues == 0 {
		ids, err := i.RXQueueIDs()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ring.ErrBindFail, err)
		}
		maxQueues = max(len(ids), 1)
		if len(ids) > 0 {
			maxQueues = max(maxQueues, int(ids[len(ids)-1])+1)
		}
	}
	if err := i.attach(maxQueues); err != nil {
		_ = i.Close()
		return nil, fmt.Errorf("%w: attaching XDP program: %w", ring.ErrBindFail, err)
	}
	return i, nil
}

// redirectProgram redirects every packet to the socket registered for
// its RX queue and passes it to the stack if there is none:
//
//	return bpf_redirect_map(&xsks, ctx->rx_queue_index, XDP_PASS);
func redirectProgram(xsksFD int) asm.Instructions {
	return asm.Instructions{
		// r2 = ctx->rx_queue_index (struct xdp_md offset 16)
		asm.LoadMem(asm.R2, asm.R1, 16, asm.Word),
		asm.LoadMapPtr(asm.R1, xsksFD),
		asm.Mov.Imm(asm.R3, xdpPass),
		asm.FnRedirectMap.Call(),
		asm.Return(),
	}
}

// attach creates the XSKMAP and program and attaches it to the interface.
// When zerocopy is preferred, driver mode is requested.
func (i *Interface) attach(maxQueues int) error {
	xsks, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: uint32(maxQueues),
	})
	if err != nil {
		return fmt.Errorf("creating XSKMAP: %w", err)
	}
	i.xsks = xsks

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "xdp_sock_prog",
		Type:         ebpf.XDP,
		License:      "GPL",
		Instructions: redirectProgram(xsks.FD()),
	})
	if err != nil {
		return fmt.Errorf("loading XDP program: %w", err)
	}
	i.prog = prog

	opts := link.XDPOptions{Program: prog, Interface: i.ifaceIndex}
	if i.preferZerocopy {
		opts.Flags = link.XDPDriverMode
	}
	l, err := link.AttachXDP(opts)
	if err != nil {
		return fmt.Errorf("attaching XDP: %w", err)
	}
	i.link = l
	return nil
}

// Info returns the interface name and index.
func (i *Interface) Info() (name string, index int) { return i.ifaceName, i.ifaceIndex }

// RXQueueIDs returns the list of RX queue IDs available on the interface,
// sorted in ascending order inspecting /sys/class/net/<iface>/queues.
func (i *Interface) RXQueueIDs() (ids []uint32, err error) {
	path := "/sys/class/net/" + i.ifaceName + "/queues"
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	for _, e := range entries {
		idStr, ok := strings.CutPrefix(e.Name(), "rx-")
		if !ok {
			continue
		}
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("parsing entry %q: %w", idStr, err)
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// register points the queue's XSKMAP entry at the socket.
func (i *Interface) register(fd int, queue uint32) error {
	if i.xsks == nil {
		return ErrXSKMapNotInitialized
	}
	return i.xsks.Update(queue, uint32(fd), ebpf.UpdateAny)
}

// Close detaches the XDP program and frees the eBPF objects.
// Sockets must be closed before.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}
	if i.prog != nil {
		if err := i.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP program: %w", err))
		}
		i.prog = nil
	}
	if i.xsks != nil {
		if err := i.xsks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XSKMAP: %w", err))
		}
		i.xsks = nil
	}
	return errors.Join(errs...)
}
