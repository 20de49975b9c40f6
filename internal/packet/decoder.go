package packet

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Decoder turns raw network-layer frames into Packets. It keeps one
// DecodingLayerParser per address family and reuses the layer structs
// across calls, so it must not be shared between goroutines and a decoded
// Packet is invalidated by the next Decode.
type Decoder struct {
	ip4   layers.IPv4
	ip6   layers.IPv6
	tcp   layers.TCP
	udp   layers.UDP
	icmp4 layers.ICMPv4
	icmp6 layers.ICMPv6

	v4parser *gopacket.DecodingLayerParser
	v6parser *gopacket.DecodingLayerParser

	decoded []gopacket.LayerType
}

func NewDecoder() *Decoder {
	d := &Decoder{}
	d.v4parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeIPv4,
		&d.ip4,
		&d.tcp,
		&d.udp,
		&d.icmp4,
	)
	d.v6parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeIPv6,
		&d.ip6,
		&d.tcp,
		&d.udp,
		&d.icmp6,
	)
	d.v4parser.IgnoreUnsupported = true
	d.v6parser.IgnoreUnsupported = true
	return d
}

// Decode parses data, which must start at the IP header (no link-layer
// framing). It never fails: anything that cannot be parsed far enough is
// reported through the Family/Transport tags instead of an error, so that
// a truncated or garbage frame degrades to "not actionable" rather than
// stopping the dispatch loop. No header field is trusted beyond what the
// buffer length supports; gopacket bounds-checks every layer it decodes.
func (d *Decoder) Decode(data []byte) *Packet {
	pkt := &Packet{Raw: data}
	if len(data) == 0 {
		return pkt
	}

	parser := d.v4parser
	switch data[0] >> 4 {
	case 4:
	case 6:
		parser = d.v6parser
	default:
		return pkt
	}

	d.decoded = d.decoded[:0]

	// A decode error only truncates the layer list; layers decoded before
	// the failure are still usable.
	_ = parser.DecodeLayers(data, &d.decoded)

	for _, layerType := range d.decoded {
		switch layerType {
		case layers.LayerTypeIPv4:
			pkt.Family = FamilyIPv4
			pkt.IPv4 = &d.ip4
		case layers.LayerTypeIPv6:
			pkt.Family = FamilyIPv6
			pkt.IPv6 = &d.ip6
		case layers.LayerTypeTCP:
			pkt.Transport = TransportTCP
			pkt.TCP = &d.tcp
		case layers.LayerTypeUDP:
			pkt.Transport = TransportUDP
			pkt.UDP = &d.udp
		case layers.LayerTypeICMPv4:
			pkt.Transport = TransportICMPv4
			pkt.ICMPv4 = &d.icmp4
		case layers.LayerTypeICMPv6:
			pkt.Transport = TransportICMPv6
			pkt.ICMPv6 = &d.icmp6
		}
	}

	// A transport header without its network header means the parse went
	// sideways; drop back to not-actionable.
	if pkt.Family == FamilyNone {
		pkt.Transport = TransportNone
		pkt.TCP, pkt.UDP, pkt.ICMPv4, pkt.ICMPv6 = nil, nil, nil, nil
		return pkt
	}

	// The length comes from the transport layer's own payload slice, not
	// from a chained payload layer: gopacket dispatches the next layer by
	// port, so on ports with a registered application decoder the chain
	// stops before any payload layer is reached.
	switch pkt.Transport {
	case TransportTCP:
		pkt.PayloadLen = len(d.tcp.Payload)
	case TransportUDP:
		pkt.PayloadLen = len(d.udp.Payload)
	}
	return pkt
}
