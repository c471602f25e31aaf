// Package capture reads raw IPv4 datagrams from network interfaces and
// hands them to the dispatch pool.
package capture

import (
	"context"
	"errors"

	"github.com/tutu-network/immunet/internal/domain"
)

// minDatagram is the smallest datagram worth dispatching (an IPv4 header).
const minDatagram = 20

// Writer accepts captured datagrams. *dispatch.Pool satisfies it.
type Writer interface {
	Write(iface uint16, datagram []byte) error
}

// Source produces datagrams until its context is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, w Writer) error
	Close() error
}

// Static replays a fixed list of datagrams once. It stands in for a live
// interface in offline runs and tests.
type Static struct {
	name      string
	index     uint16
	datagrams [][]byte
}

// NewStatic returns a source that replays datagrams as interface index.
func NewStatic(name string, index uint16, datagrams [][]byte) *Static {
	return &Static{name: name, index: index, datagrams: datagrams}
}

// Name returns the interface name.
func (s *Static) Name() string { return s.name }

// Run writes every datagram, stopping early on cancellation or when the
// pool closes. Dropped packets are not an error.
func (s *Static) Run(ctx context.Context, w Writer) error {
	for _, d := range s.datagrams {
		if ctx.Err() != nil {
			return nil
		}
		if len(d) < minDatagram {
			continue
		}
		if err := deliver(w, s.index, d); err != nil {
			if Stopped(err) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Close is a no-op.
func (s *Static) Close() error { return nil }

// deliver writes one datagram. Saturation and oversize drops are
// recoverable; a closed pool ends the capture with errStop.
func deliver(w Writer, index uint16, d []byte) error {
	err := w.Write(index, d)
	switch {
	case err == nil,
		errors.Is(err, domain.ErrPoolSaturated),
		errors.Is(err, domain.ErrPacketTooLarge):
		return nil
	case errors.Is(err, domain.ErrPoolClosed):
		return errStop
	default:
		return err
	}
}

var errStop = errors.New("capture stopped")

// Stopped reports whether err only signals that the pool closed.
func Stopped(err error) bool { return errors.Is(err, errStop) }
