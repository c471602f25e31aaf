//go:build linux

package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Live captures IPv4 datagrams on one interface with an AF_PACKET socket.
// SOCK_DGRAM strips the link-layer header, so reads yield IP datagrams.
type Live struct {
	name    string
	index   uint16
	fd      int
	ifindex int
	promisc bool
	log     zerolog.Logger
}

// Open binds a packet socket to the named interface, optionally in
// promiscuous mode. It requires CAP_NET_RAW.
func Open(name string, index uint16, promisc bool, log zerolog.Logger) (*Live, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", name, err)
	}

	proto := htons(unix.ETH_P_IP)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return nil, fmt.Errorf("packet socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", name, err)
	}
	if promisc {
		mreq := unix.PacketMreq{Ifindex: int32(ifi.Index), Type: unix.PACKET_MR_PROMISC}
		if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("promiscuous mode on %s: %w", name, err)
		}
	}
	// Bounded reads let Run observe cancellation.
	tv := unix.Timeval{Usec: 250_000}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("receive timeout: %w", err)
	}

	l := &Live{
		name:    name,
		index:   index,
		fd:      fd,
		ifindex: ifi.Index,
		promisc: promisc,
		log:     log.With().Str("component", "capture").Str("interface", name).Logger(),
	}
	l.log.Info().Bool("promiscuous", promisc).Msg("listening on interface")
	return l, nil
}

// Name returns the interface name.
func (l *Live) Name() string { return l.name }

// Run reads datagrams into w until ctx is cancelled or the pool closes.
// Close the source only after Run has returned.
func (l *Live) Run(ctx context.Context, w Writer) error {
	buf := make([]byte, 65536)
	for ctx.Err() == nil {
		n, _, err := unix.Recvfrom(l.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || ctx.Err() != nil {
				continue
			}
			return fmt.Errorf("read %s: %w", l.name, err)
		}
		if n < minDatagram {
			continue
		}
		if err := deliver(w, l.index, buf[:n]); err != nil {
			if Stopped(err) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Close leaves promiscuous mode and closes the socket.
func (l *Live) Close() error {
	if l.promisc {
		mreq := unix.PacketMreq{Ifindex: int32(l.ifindex), Type: unix.PACKET_MR_PROMISC}
		_ = unix.SetsockoptPacketMreq(l.fd, unix.SOL_PACKET, unix.PACKET_DROP_MEMBERSHIP, &mreq)
	}
	return unix.Close(l.fd)
}

// htons returns v with the in-memory layout of network byte order on any
// host.
func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}
