package divert

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryHandle is a channel-backed Handle used by tests and offline
// demos. Traffic enters through Inject, which applies the compiled
// filter the way the platform driver would; replies injected with Send
// are exposed on Injected.
type MemoryHandle struct {
	filterExpr string
	priority   int16
	queueSize  int

	filter *Filter

	mu     sync.Mutex
	opened bool

	recvq chan *Packet
	sendq chan *Packet
	done  chan struct{}
	once  sync.Once
}

// MemoryOptions carries the optional knobs of a memory handle.
type MemoryOptions struct {
	QueueSize int `mapstructure:"queue_size"`
}

func NewMemoryHandle(filter string, priority int16, opts MemoryOptions) *MemoryHandle {
	size := opts.QueueSize
	if size <= 0 {
		size = 64
	}
	return &MemoryHandle{
		filterExpr: filter,
		priority:   priority,
		queueSize:  size,
		done:       make(chan struct{}),
	}
}

func (h *MemoryHandle) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.opened {
		return nil
	}
	f, err := CompileFilter(h.filterExpr)
	if err != nil {
		return err
	}
	h.filter = f
	h.recvq = make(chan *Packet, h.queueSize)
	h.sendq = make(chan *Packet, h.queueSize)
	h.opened = true
	return nil
}

func (h *MemoryHandle) Priority() int16 { return h.priority }

// Inject offers a frame to the handle as if it arrived on the wire.
// It reports whether the frame matched the filter and was diverted.
func (h *MemoryHandle) Inject(data []byte, addr Address) bool {
	h.mu.Lock()
	opened := h.opened
	h.mu.Unlock()
	if !opened || !h.filter.Match(data, addr) {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.recvq <- &Packet{Data: data, Addr: addr}:
		return true
	case <-h.done:
		return false
	}
}

func (h *MemoryHandle) Recv() (*Packet, error) {
	h.mu.Lock()
	opened := h.opened
	h.mu.Unlock()
	if !opened {
		return nil, ErrNotOpen
	}
	select {
	case p := <-h.recvq:
		return p, nil
	case <-h.done:
		return nil, ErrClosed
	}
}

func (h *MemoryHandle) Send(p *Packet) error {
	h.mu.Lock()
	opened := h.opened
	h.mu.Unlock()
	if !opened {
		return ErrNotOpen
	}
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	select {
	case h.sendq <- p:
		return nil
	default:
		// Transient: the consumer is not keeping up.
		return fmt.Errorf("inject queue full")
	}
}

// Injected exposes the packets transmitted through Send.
func (h *MemoryHandle) Injected() <-chan *Packet { return h.sendq }

func (h *MemoryHandle) Close() error {
	h.once.Do(func() { close(h.done) })
	return nil
}

// Wire joins memory handles the way the diversion driver stacks them: a
// frame is offered to handles in descending priority order and the first
// matching one diverts it.
type Wire struct {
	mu      sync.Mutex
	handles []*MemoryHandle
}

func NewWire() *Wire { return &Wire{} }

func (w *Wire) Attach(h *MemoryHandle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handles = append(w.handles, h)
	sort.SliceStable(w.handles, func(i, j int) bool {
		return w.handles[i].priority > w.handles[j].priority
	})
}

// Inject offers a frame to the attached handles and reports whether any
// of them diverted it; false means the frame would have passed through.
func (w *Wire) Inject(data []byte, addr Address) bool {
	w.mu.Lock()
	handles := append([]*MemoryHandle(nil), w.handles...)
	w.mu.Unlock()

	for _, h := range handles {
		if h.Inject(data, addr) {
			return true
		}
	}
	return false
}
