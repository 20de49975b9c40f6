// Package checksum implements the RFC 1071 one's-complement checksum used
// by IPv4, TCP, UDP, ICMP and ICMPv6, including the pseudo-header rules.
package checksum

import (
	"encoding/binary"
	"net"
)

// Sum adds b as big-endian 16-bit words, padding a trailing odd byte
// with zero. The result is an unfolded intermediate sum.
func Sum(b []byte) uint32 {
	var sum uint32
	n := len(b) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	return sum
}

// Fold folds sum into 16 bits and returns its one's complement.
func Fold(sum uint32) uint16 {
	for sum>>16 > 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Checksum finishes a checksum over b given an initial sum, typically a
// pseudo-header sum. The checksum field inside b must be zeroed by the
// caller before computing.
func Checksum(initial uint32, b []byte) uint16 {
	return Fold(initial + Sum(b))
}

// PseudoHeaderSum returns the pseudo-header sum for a transport segment of
// the given length carried between src and dst with the given protocol
// number. Both the IPv4 and the IPv6 pseudo-header layouts reduce to the
// same word sum: address words, zero-extended protocol, and length.
func PseudoHeaderSum(src, dst net.IP, proto uint8, length int) uint32 {
	var sum uint32
	if s4, d4 := src.To4(), dst.To4(); s4 != nil && d4 != nil {
		sum += Sum(s4)
		sum += Sum(d4)
	} else {
		sum += Sum(src.To16())
		sum += Sum(dst.To16())
	}
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

// Transport computes the checksum of a transport or ICMPv6 segment that
// uses a pseudo-header (TCP, UDP, ICMPv6). The segment's own checksum
// field must be zeroed.
func Transport(src, dst net.IP, proto uint8, segment []byte) uint16 {
	return Checksum(PseudoHeaderSum(src, dst, proto, len(segment)), segment)
}

// ICMPv4 computes the checksum of an ICMPv4 message. ICMPv4 uses no
// pseudo-header. The message's checksum field must be zeroed.
func ICMPv4(segment []byte) uint16 {
	return Checksum(0, segment)
}

// IPv4Header computes the IPv4 header checksum over hdr with its checksum
// field (bytes 10-11) treated as zero, so it works on final buffers too.
func IPv4Header(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		if i == 10 {
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	return Fold(sum)
}

// VerifyIPv4Header reports whether hdr carries a valid header checksum.
func VerifyIPv4Header(hdr []byte) bool {
	if len(hdr) < 20 {
		return false
	}
	return IPv4Header(hdr) == binary.BigEndian.Uint16(hdr[10:12])
}

// VerifyTransport reports whether a pseudo-header-covered segment sums to
// zero with its stored checksum included, which is the receiver-side
// acceptance test.
func VerifyTransport(src, dst net.IP, proto uint8, segment []byte) bool {
	return Checksum(PseudoHeaderSum(src, dst, proto, len(segment)), segment) == 0
}

// VerifyICMPv4 is the receiver-side acceptance test for an ICMPv4 message.
func VerifyICMPv4(segment []byte) bool {
	return Checksum(0, segment) == 0
}
