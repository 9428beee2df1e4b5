// Package netmap binds NIC and host-stack rings through /dev/netmap.
//
// A Port registers an interface with NIOCREGIF, maps the shared memory
// region and exposes every bound ring as a ring.TxSlots or ring.RxSlots
// view. Notify issues NIOCTXSYNC/NIOCRXSYNC, which syncs all rings bound
// to the port's file descriptor.
package netmap

// DevicePath is the netmap control device.
const DevicePath = "/dev/netmap"

// Request describes what to bind.
type Request struct {
	// Name is the OS interface name without prefix or suffix.
	Name string
	// Host selects the host-stack rings instead of the NIC rings.
	Host bool
	// TxRings and RxRings limit how many rings are exposed.
	// Zero exposes all rings the kernel binds.
	TxRings int
	RxRings int
	// Flags are ORed into nr_flags.
	Flags uint32
}
