//go:build !linux

package netmap

// Available reports whether the netmap device exists.
func Available() bool { return false }
