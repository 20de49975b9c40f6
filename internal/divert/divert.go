// Package divert abstracts the packet diversion layer: a filtered
// intercept handle that yields matching packets and can inject arbitrary
// packets back into the traffic path.
//
// The real platform diversion driver is out of scope here; the package
// ships an in-memory implementation used by tests and demos and an
// offline pcap replay implementation.
package divert

import (
	"errors"
	"time"
)

// Direction tells which way a packet was, or should be, travelling.
// The zero value is outbound, matching the injection default.
type Direction uint8

const (
	DirectionOutbound Direction = 0
	DirectionInbound  Direction = 1
)

func (d Direction) Flip() Direction {
	if d == DirectionInbound {
		return DirectionOutbound
	}
	return DirectionInbound
}

func (d Direction) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}

// Address is the capture metadata travelling with every diverted packet.
// A reply clones the inbound Address and adjusts the direction before
// transmission.
type Address struct {
	Timestamp time.Time
	IfIdx     uint32
	SubIfIdx  uint32
	Direction Direction
}

// Packet pairs a raw network-layer frame with its capture metadata.
type Packet struct {
	Data []byte
	Addr Address
}

// Handle is the diversion collaborator. Recv blocks until the next packet
// matching the handle's filter arrives; Send injects a packet for
// delivery according to its Address.
type Handle interface {
	Open() error
	Recv() (*Packet, error)
	Send(*Packet) error
	Close() error
}

var (
	// ErrFilterSyntax reports a malformed filter expression. Fatal at
	// startup, before any packet is processed.
	ErrFilterSyntax = errors.New("filter syntax error")

	// ErrOpen reports that the diversion handle could not be established.
	ErrOpen = errors.New("failed to open divert handle")

	// ErrClosed reports that the handle has been closed or drained; the
	// dispatch loop treats it as a clean stop, not a warning.
	ErrClosed = errors.New("divert handle closed")

	// ErrNotOpen reports Recv/Send on a handle that was never opened.
	ErrNotOpen = errors.New("divert handle not open")
)
