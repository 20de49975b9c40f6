// Package packet parses raw captured frames into typed IPv4/IPv6 and
// transport header views.
package packet

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/gopacket/layers"
)

// Family tags the network layer of a parsed packet.
type Family int

const (
	FamilyNone Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "none"
	}
}

// Transport tags the transport layer of a parsed packet.
type Transport int

const (
	TransportNone Transport = iota
	TransportTCP
	TransportUDP
	TransportICMPv4
	TransportICMPv6
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	case TransportICMPv4:
		return "icmp"
	case TransportICMPv6:
		return "icmpv6"
	default:
		return "none"
	}
}

// Packet is the parsed view of one captured frame. The layer pointers are
// views into the decoder's reusable state and the Raw buffer: they are only
// valid until the next Decode call, which matches the one-packet-at-a-time
// dispatch lifecycle.
//
// The tags are authoritative: a layer pointer is non-nil exactly when the
// corresponding tag is set, and ICMPv4 only ever rides FamilyIPv4, ICMPv6
// only FamilyIPv6.
type Packet struct {
	Raw []byte

	Family    Family
	Transport Transport

	IPv4   *layers.IPv4
	IPv6   *layers.IPv6
	TCP    *layers.TCP
	UDP    *layers.UDP
	ICMPv4 *layers.ICMPv4
	ICMPv6 *layers.ICMPv6

	// PayloadLen is the number of bytes following the transport header.
	PayloadLen int
}

// Actionable reports whether the packet carries a recognized network
// header. Non-actionable packets are skipped by the dispatch loop.
func (p *Packet) Actionable() bool {
	return p.Family != FamilyNone
}

// SrcIP returns the network-layer source address, nil for FamilyNone.
func (p *Packet) SrcIP() net.IP {
	switch p.Family {
	case FamilyIPv4:
		return p.IPv4.SrcIP
	case FamilyIPv6:
		return p.IPv6.SrcIP
	}
	return nil
}

// DstIP returns the network-layer destination address, nil for FamilyNone.
func (p *Packet) DstIP() net.IP {
	switch p.Family {
	case FamilyIPv4:
		return p.IPv4.DstIP
	case FamilyIPv6:
		return p.IPv6.DstIP
	}
	return nil
}

// Summary renders the packet the way the console block line reports it,
// e.g. "tcp 10.0.0.1:1234 > 10.0.0.2:80 [SYN]".
func (p *Packet) Summary() string {
	var b strings.Builder
	b.WriteString(p.Transport.String())
	switch p.Transport {
	case TransportTCP:
		fmt.Fprintf(&b, " %s:%d > %s:%d %s",
			p.SrcIP(), p.TCP.SrcPort, p.DstIP(), p.TCP.DstPort, tcpFlags(p.TCP))
	case TransportUDP:
		fmt.Fprintf(&b, " %s:%d > %s:%d",
			p.SrcIP(), p.UDP.SrcPort, p.DstIP(), p.UDP.DstPort)
	case TransportICMPv4:
		fmt.Fprintf(&b, " %s > %s type=%d code=%d",
			p.SrcIP(), p.DstIP(), p.ICMPv4.TypeCode.Type(), p.ICMPv4.TypeCode.Code())
	case TransportICMPv6:
		fmt.Fprintf(&b, " %s > %s type=%d code=%d",
			p.SrcIP(), p.DstIP(), p.ICMPv6.TypeCode.Type(), p.ICMPv6.TypeCode.Code())
	default:
		fmt.Fprintf(&b, " %s > %s", p.SrcIP(), p.DstIP())
	}
	return b.String()
}

func tcpFlags(tcp *layers.TCP) string {
	var b strings.Builder
	if tcp.FIN {
		b.WriteString("[FIN]")
	}
	if tcp.SYN {
		b.WriteString("[SYN]")
	}
	if tcp.RST {
		b.WriteString("[RST]")
	}
	if tcp.PSH {
		b.WriteString("[PSH]")
	}
	if tcp.ACK {
		b.WriteString("[ACK]")
	}
	if tcp.URG {
		b.WriteString("[URG]")
	}
	if b.Len() == 0 {
		return "[]"
	}
	return b.String()
}
