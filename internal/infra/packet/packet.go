// Package packet extracts the header fields and payload the analyzers need
// from a raw IPv4 datagram.
package packet

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/tutu-network/immunet/internal/domain"
)

// IP protocol numbers.
const (
	ProtoIP      = 0
	ProtoICMP    = 1
	ProtoIGMP    = 2
	ProtoGGP     = 3
	ProtoTCP     = 6
	ProtoPUP     = 12
	ProtoUDP     = 17
	ProtoIDP     = 22
	ProtoIPv6    = 41
	ProtoICMPv6  = 58
	ProtoND      = 77
	ProtoICLFXBM = 78
)

// TCP flags.
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
	FlagURG = 0x20
)

const (
	tcpMinHeader  = 20
	udpHeader     = 8
	icmpMinHeader = 8
)

// Info is the decoded view of one datagram. Payload aliases the input.
type Info struct {
	Protocol    int
	Source      net.IP
	Destination net.IP
	TotalLen    int

	SrcPort  uint16
	DstPort  uint16
	TCPFlags uint8

	ICMPType int
	ICMPCode int
	ICMPID   int // echo request/reply only
	ICMPSeq  int

	Payload []byte
}

// ProtocolName returns the display name of the datagram's protocol.
func (i Info) ProtocolName() string { return ProtocolName(i.Protocol) }

// HasFlags reports whether every bit of mask is set in the TCP flags.
func (i Info) HasFlags(mask uint8) bool { return i.TCPFlags&mask == mask }

// FlagString renders the TCP flags as URG ACK PSH RST SYN FIN letters,
// with '_' for clear bits.
func (i Info) FlagString() string {
	b := []byte("UAPRSF")
	for j := range b {
		if i.TCPFlags&(0x20>>j) == 0 {
			b[j] = '_'
		}
	}
	return string(b)
}

// Parse decodes datagram. Transport headers are decoded for TCP, UDP and
// ICMP; for every other protocol the payload starts after the IP header.
func Parse(datagram []byte) (Info, error) {
	if len(datagram) < ipv4.HeaderLen {
		return Info{}, fmt.Errorf("%w: %d bytes", domain.ErrShortDatagram, len(datagram))
	}
	h, err := ipv4.ParseHeader(datagram)
	if err != nil {
		return Info{}, fmt.Errorf("parse ip header: %w", err)
	}
	if h.Version != ipv4.Version {
		return Info{}, fmt.Errorf("%w: version %d", domain.ErrNotIPv4, h.Version)
	}
	if h.Len < ipv4.HeaderLen {
		return Info{}, fmt.Errorf("%w: header length %d", domain.ErrShortDatagram, h.Len)
	}

	end := len(datagram)
	if h.TotalLen >= h.Len && h.TotalLen < end {
		end = h.TotalLen
	}
	body := datagram[h.Len:end]
	info := Info{
		Protocol:    h.Protocol,
		Source:      h.Src,
		Destination: h.Dst,
		TotalLen:    h.TotalLen,
		Payload:     body,
	}

	switch h.Protocol {
	case ProtoTCP:
		if len(body) < tcpMinHeader {
			return info, fmt.Errorf("%w: tcp header", domain.ErrShortDatagram)
		}
		info.SrcPort = binary.BigEndian.Uint16(body[0:2])
		info.DstPort = binary.BigEndian.Uint16(body[2:4])
		info.TCPFlags = body[13] & 0x3f
		off := int(body[12]>>4) * 4
		if off < tcpMinHeader || off > len(body) {
			return info, fmt.Errorf("%w: tcp data offset %d", domain.ErrShortDatagram, off)
		}
		info.Payload = body[off:]
	case ProtoUDP:
		if len(body) < udpHeader {
			return info, fmt.Errorf("%w: udp header", domain.ErrShortDatagram)
		}
		info.SrcPort = binary.BigEndian.Uint16(body[0:2])
		info.DstPort = binary.BigEndian.Uint16(body[2:4])
		info.Payload = body[udpHeader:]
	case ProtoICMP:
		m, err := icmp.ParseMessage(ProtoICMP, body)
		if err != nil {
			return info, fmt.Errorf("%w: icmp: %w", domain.ErrShortDatagram, err)
		}
		if t, ok := m.Type.(ipv4.ICMPType); ok {
			info.ICMPType = int(t)
		}
		info.ICMPCode = m.Code
		if e, ok := m.Body.(*icmp.Echo); ok {
			info.ICMPID, info.ICMPSeq = e.ID, e.Seq
		}
		if len(body) < icmpMinHeader {
			return info, fmt.Errorf("%w: icmp header", domain.ErrShortDatagram)
		}
		info.Payload = body[icmpMinHeader:]
	}
	return info, nil
}

// ProtocolName returns the display name for an IP protocol number.
func ProtocolName(proto int) string {
	switch proto {
	case ProtoIP:
		return "IP"
	case ProtoICMP:
		return "ICMP"
	case ProtoIGMP:
		return "IGMP"
	case ProtoGGP:
		return "GGP"
	case ProtoTCP:
		return "TCP"
	case ProtoPUP:
		return "PUP"
	case ProtoUDP:
		return "UDP"
	case ProtoIDP:
		return "IDP"
	case ProtoIPv6:
		return "IPV6"
	case ProtoND:
		return "ND"
	case ProtoICLFXBM:
		return "ICLFXBM"
	case ProtoICMPv6:
		return "ICMPV6"
	default:
		return "Unknown protocol"
	}
}

// Window returns at most n bytes of the payload; n <= 0 means all of it.
func Window(payload []byte, n int) []byte {
	if n <= 0 || len(payload) <= n {
		return payload
	}
	return payload[:n]
}
