package zcring

import (
	"errors"
	"fmt"
	"strings"
)

// Transport prefixes accepted in targets.
const (
	TransportNetmap = "netmap"
	TransportXDP    = "xdp"
)

// maxNameLen mirrors IFNAMSIZ minus the terminating zero.
const maxNameLen = 15

// Kind is what a target address names.
type Kind int8

const (
	KindInterface Kind = iota // NIC rings of an interface
	KindHost                  // host-stack rings of an interface
	KindPipe                  // named pipe
)

func (k Kind) String() string {
	switch k {
	case KindInterface:
		return "interface"
	case KindHost:
		return "host"
	case KindPipe:
		return "pipe"
	}
	return fmt.Sprintf("Kind(%d)", int8(k))
}

// Address is a parsed target.
type Address struct {
	// Transport is TransportNetmap or TransportXDP.
	Transport string
	// Name is the interface name or the pipe id.
	Name string
	Kind Kind
}

func (a Address) String() string {
	switch a.Kind {
	case KindHost:
		return a.Transport + ":" + a.Name + "^"
	case KindPipe:
		return a.Transport + ":pipe{" + a.Name + "}"
	}
	return a.Transport + ":" + a.Name
}

// ParseAddress parses a target of the form
//
//	[netmap:|xdp:]<iface>
//	[netmap:|xdp:]<iface>^
//	[netmap:]pipe{<id>}
//
// Malformed targets fail with ErrBindFail.
func ParseAddress(s string) (Address, error) {
	a := Address{Transport: TransportNetmap}
	rest := s
	if r, ok := strings.CutPrefix(rest, TransportNetmap+":"); ok {
		rest = r
	} else if r, ok := strings.CutPrefix(rest, TransportXDP+":"); ok {
		a.Transport, rest = TransportXDP, r
	}

	switch {
	case strings.HasPrefix(rest, "pipe{"):
		id, ok := strings.CutSuffix(rest[len("pipe{"):], "}")
		if !ok {
			return Address{}, fmt.Errorf("%w: %q: unterminated pipe id", ErrBindFail, s)
		}
		if id == "" || strings.ContainsAny(id, "{}") {
			return Address{}, fmt.Errorf("%w: %q: invalid pipe id", ErrBindFail, s)
		}
		a.Kind, a.Name = KindPipe, id
	case strings.HasSuffix(rest, "^"):
		a.Kind, a.Name = KindHost, strings.TrimSuffix(rest, "^")
	default:
		a.Kind, a.Name = KindInterface, rest
	}

	if a.Kind != KindPipe {
		if err := validName(a.Name); err != nil {
			return Address{}, fmt.Errorf("%w: %q: %w", ErrBindFail, s, err)
		}
	}
	if a.Transport == TransportXDP && a.Kind != KindInterface {
		return Address{}, fmt.Errorf("%w: %q: xdp serves NIC queues only", ErrBindFail, s)
	}
	return a, nil
}

func validName(name string) error {
	if name == "" {
		return errors.New("empty interface name")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("interface name longer than %d bytes", maxNameLen)
	}
	if i := strings.IndexAny(name, "{}^:/ \t\n"); i >= 0 {
		return fmt.Errorf("invalid character %q in interface name", name[i])
	}
	return nil
}
