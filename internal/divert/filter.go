package divert

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/bpf"
)

// The filter language is a small tcpdump-flavored conjunction, e.g.
//
//	"true"
//	"inbound and tcp and dst port 80"
//	"ip6 and udp"
//	"outbound and host 10.0.0.8"
//
// Terms are ANDed; "and" separators are optional. Packet-level terms are
// compiled to a classic BPF program over raw IP frames (no link-layer
// header, so the version nibble sits at byte 0) and executed with the
// golang.org/x/net/bpf interpreter. Direction terms are matched against
// the capture metadata instead, since BPF cannot see it.

type family int

const (
	familyAny family = iota
	family4
	family6
)

type conditions struct {
	direction *Direction
	family    family
	proto     *uint8

	srcIP, dstIP, hostIP   net.IP
	srcPort, dstPort, port *uint16
}

// Filter is a compiled filter expression.
type Filter struct {
	expr      string
	direction *Direction
	vm        *bpf.VM
}

// CompileFilter compiles expr, returning ErrFilterSyntax for anything
// malformed.
func CompileFilter(expr string) (*Filter, error) {
	cond, err := parseFilter(expr)
	if err != nil {
		return nil, err
	}

	f := &Filter{expr: expr, direction: cond.direction}
	ins, err := cond.assemble()
	if err != nil {
		return nil, err
	}
	if ins != nil {
		vm, err := bpf.NewVM(ins)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFilterSyntax, err)
		}
		f.vm = vm
	}
	return f, nil
}

// ValidateFilter compile-checks expr without building a handle.
func ValidateFilter(expr string) error {
	_, err := CompileFilter(expr)
	return err
}

func (f *Filter) String() string { return f.expr }

// DirectionTerm returns the direction the filter requires, if it has a
// direction term at all.
func (f *Filter) DirectionTerm() (Direction, bool) {
	if f.direction == nil {
		return DirectionOutbound, false
	}
	return *f.direction, true
}

// Match reports whether a frame with the given capture metadata passes
// the filter. Frames too short for the compiled program do not match.
func (f *Filter) Match(data []byte, addr Address) bool {
	if f.direction != nil && addr.Direction != *f.direction {
		return false
	}
	if f.vm == nil {
		return true
	}
	n, err := f.vm.Run(data)
	return err == nil && n > 0
}

func parseFilter(expr string) (*conditions, error) {
	c := &conditions{}
	tokens := strings.Fields(strings.ToLower(expr))

	i := 0
	next := func() (string, bool) {
		if i >= len(tokens) {
			return "", false
		}
		tok := tokens[i]
		i++
		return tok, true
	}

	for {
		tok, ok := next()
		if !ok {
			break
		}
		switch tok {
		case "and":
			// separator
		case "true", "all":
			// matches everything; nothing to record
		case "inbound":
			c.setDirection(DirectionInbound)
		case "outbound":
			c.setDirection(DirectionOutbound)
		case "ip", "ip4", "ipv4":
			if err := c.setFamily(family4); err != nil {
				return nil, err
			}
		case "ip6", "ipv6":
			if err := c.setFamily(family6); err != nil {
				return nil, err
			}
		case "tcp":
			c.setProto(6)
		case "udp":
			c.setProto(17)
		case "icmp":
			if err := c.setFamily(family4); err != nil {
				return nil, err
			}
			c.setProto(1)
		case "icmp6", "icmpv6":
			if err := c.setFamily(family6); err != nil {
				return nil, err
			}
			c.setProto(58)
		case "src", "dst":
			qual, ok := next()
			if !ok {
				return nil, fmt.Errorf("%w: %q needs an argument", ErrFilterSyntax, tok)
			}
			switch qual {
			case "host", "port":
				arg, ok := next()
				if !ok {
					return nil, fmt.Errorf("%w: %q %q needs an argument", ErrFilterSyntax, tok, qual)
				}
				if err := c.addQualified(tok, qual, arg); err != nil {
					return nil, err
				}
			default:
				// "src 10.0.0.1" shorthand
				if err := c.addQualified(tok, "host", qual); err != nil {
					return nil, err
				}
			}
		case "host":
			arg, ok := next()
			if !ok {
				return nil, fmt.Errorf("%w: host needs an address", ErrFilterSyntax)
			}
			if err := c.addHost(&c.hostIP, arg); err != nil {
				return nil, err
			}
		case "port":
			arg, ok := next()
			if !ok {
				return nil, fmt.Errorf("%w: port needs a number", ErrFilterSyntax)
			}
			if err := c.addPort(&c.port, arg); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unexpected token %q", ErrFilterSyntax, tok)
		}
	}
	return c, nil
}

func (c *conditions) setDirection(d Direction) {
	c.direction = &d
}

func (c *conditions) setProto(p uint8) {
	c.proto = &p
}

func (c *conditions) setFamily(f family) error {
	if c.family != familyAny && c.family != f {
		return fmt.Errorf("%w: conflicting address families", ErrFilterSyntax)
	}
	c.family = f
	return nil
}

func (c *conditions) addQualified(dir, qual, arg string) error {
	switch qual {
	case "host":
		if dir == "src" {
			return c.addHost(&c.srcIP, arg)
		}
		return c.addHost(&c.dstIP, arg)
	case "port":
		if dir == "src" {
			return c.addPort(&c.srcPort, arg)
		}
		return c.addPort(&c.dstPort, arg)
	}
	return fmt.Errorf("%w: unexpected token %q", ErrFilterSyntax, qual)
}

func (c *conditions) addHost(slot *net.IP, arg string) error {
	ip := net.ParseIP(arg)
	if ip == nil {
		return fmt.Errorf("%w: bad address %q", ErrFilterSyntax, arg)
	}
	if ip.To4() != nil {
		if err := c.setFamily(family4); err != nil {
			return err
		}
	} else {
		if err := c.setFamily(family6); err != nil {
			return err
		}
	}
	*slot = ip
	return nil
}

func (c *conditions) addPort(slot **uint16, arg string) error {
	n, err := strconv.ParseUint(arg, 10, 16)
	if err != nil {
		return fmt.Errorf("%w: bad port %q", ErrFilterSyntax, arg)
	}
	p := uint16(n)
	*slot = &p
	return nil
}

func (c *conditions) needsVM() bool {
	return c.family != familyAny || c.proto != nil ||
		c.srcIP != nil || c.dstIP != nil || c.hostIP != nil ||
		c.srcPort != nil || c.dstPort != nil || c.port != nil
}

// asm accumulates instructions plus the jumps that must be resolved to
// the shared reject instruction once the program length is known.
type asm struct {
	ins     []bpf.Instruction
	rejects []patch
}

type patch struct {
	idx    int
	onTrue bool
}

func (a *asm) emit(ins ...bpf.Instruction) {
	a.ins = append(a.ins, ins...)
}

// require continues when the test holds and rejects otherwise.
func (a *asm) require(test bpf.JumpTest, val uint32) {
	a.ins = append(a.ins, bpf.JumpIf{Cond: test, Val: val})
	a.rejects = append(a.rejects, patch{idx: len(a.ins) - 1})
}

func (a *asm) splice(b asm) {
	base := len(a.ins)
	a.ins = append(a.ins, b.ins...)
	for _, p := range b.rejects {
		a.rejects = append(a.rejects, patch{idx: base + p.idx, onTrue: p.onTrue})
	}
}

func (c *conditions) assemble() ([]bpf.Instruction, error) {
	if !c.needsVM() {
		return nil, nil
	}

	var a asm
	// A := version nibble, left in the high half of byte 0.
	a.emit(
		bpf.LoadAbsolute{Off: 0, Size: 1},
		bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: 0xf0},
	)

	switch c.family {
	case family4:
		a.require(bpf.JumpEqual, 0x40)
		c.assembleFamily(&a, false)
	case family6:
		a.require(bpf.JumpEqual, 0x60)
		c.assembleFamily(&a, true)
	default:
		var v4 asm
		c.assembleFamily(&v4, false)
		if len(v4.ins) > 255 {
			return nil, fmt.Errorf("%w: filter too large", ErrFilterSyntax)
		}
		// Dispatch on the version nibble: fall into the v4 block or hop
		// over it to the v6 block.
		a.emit(bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x40, SkipFalse: uint8(len(v4.ins))})
		a.splice(v4)
		a.require(bpf.JumpEqual, 0x60)
		c.assembleFamily(&a, true)
	}

	// Shared reject target for every failed check.
	a.emit(bpf.RetConstant{Val: 0})
	rejectIdx := len(a.ins) - 1
	for _, p := range a.rejects {
		d := rejectIdx - p.idx - 1
		if d > 255 {
			return nil, fmt.Errorf("%w: filter too large", ErrFilterSyntax)
		}
		j := a.ins[p.idx].(bpf.JumpIf)
		if p.onTrue {
			j.SkipTrue = uint8(d)
		} else {
			j.SkipFalse = uint8(d)
		}
		a.ins[p.idx] = j
	}
	return a.ins, nil
}

// assembleFamily emits the checks for one address family, ending with an
// accept. The caller has already verified the version nibble.
func (c *conditions) assembleFamily(a *asm, v6 bool) {
	protoOff, srcOff, dstOff := uint32(9), uint32(12), uint32(16)
	if v6 {
		protoOff, srcOff, dstOff = 6, 8, 24
	}

	if c.proto != nil {
		a.emit(bpf.LoadAbsolute{Off: protoOff, Size: 1})
		a.require(bpf.JumpEqual, uint32(*c.proto))
	}
	if c.srcIP != nil {
		requireAddr(a, srcOff, c.srcIP, v6)
	}
	if c.dstIP != nil {
		requireAddr(a, dstOff, c.dstIP, v6)
	}
	if c.hostIP != nil {
		requireEitherAddr(a, srcOff, dstOff, c.hostIP, v6)
	}

	if c.srcPort != nil || c.dstPort != nil || c.port != nil {
		if c.proto == nil {
			// A port term only makes sense for TCP or UDP; without an
			// explicit protocol term, require one of the two so random
			// bytes at the port offset of other protocols never match.
			a.emit(
				bpf.LoadAbsolute{Off: protoOff, Size: 1},
				bpf.JumpIf{Cond: bpf.JumpEqual, Val: 6, SkipTrue: 1},
			)
			a.require(bpf.JumpEqual, 17)
		}
		if !v6 {
			// X := IP header length, so indirect loads hit the transport
			// header even with IPv4 options present.
			a.emit(bpf.LoadMemShift{Off: 0})
		}
		if c.srcPort != nil {
			loadPort(a, 0, v6)
			a.require(bpf.JumpEqual, uint32(*c.srcPort))
		}
		if c.dstPort != nil {
			loadPort(a, 2, v6)
			a.require(bpf.JumpEqual, uint32(*c.dstPort))
		}
		if c.port != nil {
			loadPort(a, 0, v6)
			a.emit(bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(*c.port), SkipTrue: 2})
			loadPort(a, 2, v6)
			a.require(bpf.JumpEqual, uint32(*c.port))
		}
	}

	a.emit(bpf.RetConstant{Val: 65535})
}

func loadPort(a *asm, off uint32, v6 bool) {
	if v6 {
		// Fixed 40-byte IPv6 header; extension headers are not chased.
		a.emit(bpf.LoadAbsolute{Off: 40 + off, Size: 2})
	} else {
		a.emit(bpf.LoadIndirect{Off: off, Size: 2})
	}
}

func requireAddr(a *asm, off uint32, ip net.IP, v6 bool) {
	if !v6 {
		a.emit(bpf.LoadAbsolute{Off: off, Size: 4})
		a.require(bpf.JumpEqual, binary.BigEndian.Uint32(ip.To4()))
		return
	}
	addr := ip.To16()
	for i := 0; i < 4; i++ {
		a.emit(bpf.LoadAbsolute{Off: off + uint32(4*i), Size: 4})
		a.require(bpf.JumpEqual, binary.BigEndian.Uint32(addr[4*i:]))
	}
}

// requireEitherAddr accepts when ip matches the source or the destination
// address.
func requireEitherAddr(a *asm, srcOff, dstOff uint32, ip net.IP, v6 bool) {
	if !v6 {
		v := binary.BigEndian.Uint32(ip.To4())
		a.emit(
			bpf.LoadAbsolute{Off: srcOff, Size: 4},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: v, SkipTrue: 2},
			bpf.LoadAbsolute{Off: dstOff, Size: 4},
		)
		a.require(bpf.JumpEqual, v)
		return
	}

	addr := ip.To16()
	// Any mismatching source word hops to the destination comparison; a
	// full source match hops over it.
	for i := 0; i < 4; i++ {
		toDst := uint8((3-i)*2 + 1)
		a.emit(
			bpf.LoadAbsolute{Off: srcOff + uint32(4*i), Size: 4},
			bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: binary.BigEndian.Uint32(addr[4*i:]), SkipTrue: toDst},
		)
	}
	a.emit(bpf.Jump{Skip: 8})
	for i := 0; i < 4; i++ {
		a.emit(bpf.LoadAbsolute{Off: dstOff + uint32(4*i), Size: 4})
		a.require(bpf.JumpEqual, binary.BigEndian.Uint32(addr[4*i:]))
	}
}
