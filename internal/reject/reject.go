// Package reject synthesizes the reply that terminates a blocked flow:
// a TCP reset for TCP traffic, a destination-unreachable error for UDP,
// and nothing at all for ICMP, which is simply dropped.
package reject

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/edgefw/netreject/internal/divert"
	"github.com/edgefw/netreject/internal/packet"
)

// Kind classifies a synthesized reply.
type Kind int

const (
	KindNone Kind = iota
	KindTCPReset
	KindICMPUnreachable
	KindICMPv6Unreachable
)

func (k Kind) String() string {
	switch k {
	case KindTCPReset:
		return "tcp-reset"
	case KindICMPUnreachable:
		return "icmp-unreachable"
	case KindICMPv6Unreachable:
		return "icmpv6-unreachable"
	default:
		return "none"
	}
}

// Reply is a serialized reject packet together with the injection
// address it must be sent with.
type Reply struct {
	Kind Kind
	Data []byte
	Addr divert.Address
}

const (
	// replyID marks synthesized IPv4 packets; it has no protocol
	// meaning and only helps spot them in captures.
	replyID = 0xDEAD

	replyTTL = 64
)

// Synthesize builds the reject reply for a diverted packet. A nil reply
// with a nil error means policy is to drop the packet silently: ICMP and
// ICMPv6 traffic, and packets without a usable transport header.
func Synthesize(p *packet.Packet, recv divert.Address) (*Reply, error) {
	if p.Family == packet.FamilyNone {
		return nil, nil
	}

	switch p.Transport {
	case packet.TransportTCP:
		return tcpReset(p, recv)
	case packet.TransportUDP:
		if p.Family == packet.FamilyIPv4 {
			return icmpUnreachable(p, recv)
		}
		return icmpv6Unreachable(p, recv)
	default:
		return nil, nil
	}
}

// tcpReset answers a TCP segment with RST+ACK from the segment's
// destination. The sequence numbers follow RFC 793 reset generation: the
// reset's Seq echoes the segment's Ack when one was present, and its Ack
// acknowledges everything the segment carried, counting SYN as one byte.
func tcpReset(p *packet.Packet, recv divert.Address) (*Reply, error) {
	in := p.TCP

	var seq uint32
	if in.ACK {
		seq = in.Ack
	}
	ack := in.Seq + uint32(p.PayloadLen)
	if in.SYN {
		ack = in.Seq + 1
	}

	tcp := &layers.TCP{
		SrcPort: in.DstPort,
		DstPort: in.SrcPort,
		Seq:     seq,
		Ack:     ack,
		RST:     true,
		ACK:     true,
	}

	var (
		data []byte
		err  error
		kind = KindTCPReset
	)
	if p.Family == packet.FamilyIPv4 {
		data, err = serialize4(p.IPv4, layers.IPProtocolTCP, tcp, nil)
	} else {
		data, err = serialize6(p.IPv6, layers.IPProtocolTCP, tcp, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("synthesize tcp reset: %w", err)
	}

	addr := recv
	addr.Direction = recv.Direction.Flip()
	return &Reply{Kind: kind, Data: data, Addr: addr}, nil
}

// icmpUnreachable answers an IPv4 UDP datagram with ICMP destination
// unreachable, port unreachable. The error quotes the offending IPv4
// header plus the first 8 bytes past it, per RFC 792.
func icmpUnreachable(p *packet.Packet, recv divert.Address) (*Reply, error) {
	quote := int(p.IPv4.IHL)*4 + 8
	if quote > len(p.Raw) {
		quote = len(p.Raw)
	}

	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(
			layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort),
	}

	data, err := serialize4(p.IPv4, layers.IPProtocolICMPv4, icmp, p.Raw[:quote])
	if err != nil {
		return nil, fmt.Errorf("synthesize icmp unreachable: %w", err)
	}

	// ICMP errors are always injected outbound: inbound injection of
	// them is not reliably supported by the diversion layer.
	addr := recv
	addr.Direction = divert.DirectionOutbound
	return &Reply{Kind: KindICMPUnreachable, Data: data, Addr: addr}, nil
}

// icmpv6Unreachable answers an IPv6 UDP datagram with ICMPv6 destination
// unreachable, port unreachable. The message body is the 4-byte unused
// field followed by the start of the offending packet, clamped to its
// actual length.
func icmpv6Unreachable(p *packet.Packet, recv divert.Address) (*Reply, error) {
	quote := 40 + 20
	if quote > len(p.Raw) {
		quote = len(p.Raw)
	}
	body := make([]byte, 4+quote)
	copy(body[4:], p.Raw[:quote])

	icmp := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(
			layers.ICMPv6TypeDestinationUnreachable, layers.ICMPv6CodePortUnreachable),
	}

	data, err := serialize6(p.IPv6, layers.IPProtocolICMPv6, icmp, body)
	if err != nil {
		return nil, fmt.Errorf("synthesize icmpv6 unreachable: %w", err)
	}

	addr := recv
	addr.Direction = divert.DirectionOutbound
	return &Reply{Kind: KindICMPv6Unreachable, Data: data, Addr: addr}, nil
}

type checksumLayer interface {
	gopacket.SerializableLayer
	SetNetworkLayerForChecksum(l gopacket.NetworkLayer) error
}

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// serialize4 renders an IPv4 reply addressed back at the offender. A
// fresh buffer is used per reply so no state leaks between packets.
func serialize4(in *layers.IPv4, proto layers.IPProtocol, transport gopacket.SerializableLayer, payload []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		Id:       replyID,
		TTL:      replyTTL,
		Protocol: proto,
		SrcIP:    in.DstIP,
		DstIP:    in.SrcIP,
	}
	if cl, ok := transport.(checksumLayer); ok {
		if err := cl.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
	}
	return render(ip, transport, payload)
}

// serialize6 is the IPv6 counterpart of serialize4.
func serialize6(in *layers.IPv6, proto layers.IPProtocol, transport gopacket.SerializableLayer, payload []byte) ([]byte, error) {
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   replyTTL,
		NextHeader: proto,
		SrcIP:      in.DstIP,
		DstIP:      in.SrcIP,
	}
	if cl, ok := transport.(checksumLayer); ok {
		if err := cl.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
	}
	return render(ip, transport, payload)
}

func render(ip, transport gopacket.SerializableLayer, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	ls := []gopacket.SerializableLayer{ip, transport}
	if payload != nil {
		ls = append(ls, gopacket.Payload(payload))
	}
	if err := gopacket.SerializeLayers(buf, serializeOpts, ls...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
