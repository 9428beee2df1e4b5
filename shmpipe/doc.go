// Package shmpipe implements named packet pipes between processes over a
// memory-mapped segment file.
//
// The first process to open a name becomes the pipe's master and creates
// the segment, later openers attach as its peer. Each direction is made of
// single-producer single-consumer lanes of fixed-size slots. The master's
// TX lanes are the peer's RX lanes and vice versa, so a peer must request
// mirrored ring counts.
//
// Lanes implement ring.TxSlots, ring.RxSlots and ring.Syncer. Waiting
// uses futexes on the shared segment and is only available on Linux.
package shmpipe
