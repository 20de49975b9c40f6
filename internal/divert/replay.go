package divert

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ReplayHandle replays a pcap file through the diversion interface:
// frames matching the filter come out of Recv as if they had been
// diverted, and replies written with Send are appended to the output
// capture when one is configured.
type ReplayHandle struct {
	filterExpr string
	opts       ReplayOptions

	filter *Filter

	mu     sync.Mutex
	in     *os.File
	reader *pcapgo.Reader
	out    *os.File
	writer *pcapgo.Writer
	opened bool
	closed bool

	received atomic.Uint64
	sent     atomic.Uint64
}

// ReplayOptions selects the capture files of a replay handle.
type ReplayOptions struct {
	Input  string `mapstructure:"input"`
	Output string `mapstructure:"output"`
}

func NewReplayHandle(filter string, opts ReplayOptions) *ReplayHandle {
	return &ReplayHandle{filterExpr: filter, opts: opts}
}

func (h *ReplayHandle) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.opened {
		return nil
	}

	f, err := CompileFilter(h.filterExpr)
	if err != nil {
		return err
	}

	in, err := os.Open(h.opts.Input)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOpen, err)
	}
	reader, err := pcapgo.NewReader(in)
	if err != nil {
		in.Close()
		return fmt.Errorf("%w: %v", ErrOpen, err)
	}

	if h.opts.Output != "" {
		out, err := os.Create(h.opts.Output)
		if err != nil {
			in.Close()
			return fmt.Errorf("%w: %v", ErrOpen, err)
		}
		writer := pcapgo.NewWriter(out)
		if err := writer.WriteFileHeader(65535, layers.LinkTypeRaw); err != nil {
			in.Close()
			out.Close()
			return fmt.Errorf("%w: %v", ErrOpen, err)
		}
		h.out, h.writer = out, writer
	}

	h.filter, h.in, h.reader = f, in, reader
	h.opened = true
	return nil
}

// Recv returns the next frame in the capture that matches the filter.
// The end of the file reads as ErrClosed, which stops the dispatch loop
// cleanly.
func (h *ReplayHandle) Recv() (*Packet, error) {
	h.mu.Lock()
	opened, closed := h.opened, h.closed
	h.mu.Unlock()
	if !opened {
		return nil, ErrNotOpen
	}
	if closed {
		return nil, ErrClosed
	}

	for {
		data, ci, err := h.reader.ReadPacketData()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: end of capture", ErrClosed)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}

		frame := h.stripLink(data)
		if frame == nil {
			continue
		}

		// Replayed traffic is treated as arriving from the network.
		addr := Address{
			Timestamp: ci.Timestamp,
			Direction: DirectionInbound,
		}
		if !h.filter.Match(frame, addr) {
			continue
		}
		h.received.Add(1)
		return &Packet{Data: frame, Addr: addr}, nil
	}
}

// stripLink reduces a captured record to its raw IP frame, or nil when
// the record does not carry IP.
func (h *ReplayHandle) stripLink(data []byte) []byte {
	switch h.reader.LinkType() {
	case layers.LinkTypeEthernet:
		if len(data) < 14 {
			return nil
		}
		etherType := uint16(data[12])<<8 | uint16(data[13])
		if etherType != 0x0800 && etherType != 0x86dd {
			return nil
		}
		return data[14:]
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return data
	default:
		return nil
	}
}

func (h *ReplayHandle) Send(p *Packet) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.opened {
		return ErrNotOpen
	}
	if h.closed {
		return ErrClosed
	}
	h.sent.Add(1)
	if h.writer == nil {
		return nil
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(p.Data),
		Length:        len(p.Data),
	}
	if err := h.writer.WritePacket(ci, p.Data); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// Received reports how many frames matched the filter so far.
func (h *ReplayHandle) Received() uint64 { return h.received.Load() }

// Sent reports how many replies were injected so far.
func (h *ReplayHandle) Sent() uint64 { return h.sent.Load() }

func (h *ReplayHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.in != nil {
		h.in.Close()
	}
	if h.out != nil {
		return h.out.Close()
	}
	return nil
}
