// Package dispatch runs the blocking divert-decode-reject loop.
package dispatch

import (
	"context"
	"errors"

	"github.com/edgefw/netreject/internal/divert"
	"github.com/edgefw/netreject/internal/log"
	"github.com/edgefw/netreject/internal/metrics"
	"github.com/edgefw/netreject/internal/packet"
	"github.com/edgefw/netreject/internal/reject"
)

// Loop reads diverted packets from a handle one at a time and answers
// each with its reject reply. Receive and transmit failures are logged
// and the loop keeps going; only a closed handle stops it.
type Loop struct {
	handle  divert.Handle
	decoder *packet.Decoder
	log     log.Logger
}

func New(handle divert.Handle) *Loop {
	return &Loop{
		handle:  handle,
		decoder: packet.NewDecoder(),
		log:     log.GetLogger().WithField("component", "dispatch"),
	}
}

// Run blocks until the handle is closed or ctx is cancelled. Cancelling
// ctx closes the handle, which unblocks the pending read.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		l.handle.Close()
	})
	defer stop()

	for {
		p, err := l.handle.Recv()
		if err != nil {
			if errors.Is(err, divert.ErrClosed) {
				l.log.Info("handle closed, stopping")
				return ctx.Err()
			}
			metrics.RecvErrorsTotal.Inc()
			l.log.WithError(err).Warn("failed to read packet")
			continue
		}
		l.dispatch(p)
	}
}

func (l *Loop) dispatch(p *divert.Packet) {
	parsed := l.decoder.Decode(p.Data)
	if !parsed.Actionable() {
		return
	}

	metrics.BlockedPacketsTotal.
		WithLabelValues(parsed.Family.String(), parsed.Transport.String()).Inc()
	l.log.WithFields(map[string]interface{}{
		"direction": p.Addr.Direction.String(),
		"ifidx":     p.Addr.IfIdx,
	}).Infof("BLOCK %s", parsed.Summary())

	reply, err := reject.Synthesize(parsed, p.Addr)
	if err != nil {
		l.log.WithError(err).Warn("failed to build reply")
		return
	}
	if reply == nil {
		metrics.SkippedPacketsTotal.Inc()
		return
	}

	if err := l.handle.Send(&divert.Packet{Data: reply.Data, Addr: reply.Addr}); err != nil {
		metrics.SendErrorsTotal.Inc()
		l.log.WithError(err).Warnf("failed to send %s", reply.Kind)
		return
	}
	metrics.RepliesTotal.WithLabelValues(reply.Kind.String()).Inc()
}
