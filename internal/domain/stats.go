package domain

import (
	"encoding/binary"
	"fmt"
	"math"
)

// StatDimensions is the dimensionality of the behavioral statistics space.
const StatDimensions = 12

// StatRecordSize is the encoded size of one NBStats record in bytes.
const StatRecordSize = StatDimensions * 2

// Indexes of the NBStats fields inside a statistics vector.
const (
	StatTCP = iota
	StatUDP
	StatICMP
	StatOtherIP
	StatHalfOpen
	StatOpened
	StatClosed
	StatReset
	StatAllowedTCPPort
	StatUnallowedTCPPort
	StatAllowedUDPPort
	StatUnallowedUDPPort
)

var statLabels = [StatDimensions]string{
	"Total number of TCP packets",
	"Total number of UDP packets",
	"Total number of ICMP packets",
	"Total number of packets of other protocols",
	"Number of half-open TCP connections",
	"Number of open TCP connections",
	"Number of closed TCP connections",
	"Number of dropped TCP connections",
	"Number of accesses to allowed TCP ports",
	"Number of accesses to unallowed TCP ports",
	"Number of accesses to allowed UDP ports",
	"Number of accesses to unallowed UDP ports",
}

// StatLabel returns the human-readable name of statistic i.
func StatLabel(i int) string {
	if i < 0 || i >= StatDimensions {
		return "Unknown statistic"
	}
	return statLabels[i]
}

// NBStats is one period of network-behavior counters. Counters saturate
// at math.MaxUint16 instead of wrapping.
type NBStats struct {
	TCPCount         uint16 `json:"tcp_count"`
	UDPCount         uint16 `json:"udp_count"`
	ICMPCount        uint16 `json:"icmp_count"`
	IPCount          uint16 `json:"ip_count"`
	SynCount         uint16 `json:"syn_count"`
	AckSynAckCount   uint16 `json:"ack_sa_count"`
	FinCount         uint16 `json:"fin_count"`
	RstCount         uint16 `json:"rst_count"`
	AllowedTCPPort   uint16 `json:"al_tcp_port_count"`
	UnallowedTCPPort uint16 `json:"un_tcp_port_count"`
	AllowedUDPPort   uint16 `json:"al_udp_port_count"`
	UnallowedUDPPort uint16 `json:"un_udp_port_count"`
}

// fields returns pointers to the counters in vector order.
func (s *NBStats) fields() [StatDimensions]*uint16 {
	return [StatDimensions]*uint16{
		&s.TCPCount, &s.UDPCount, &s.ICMPCount, &s.IPCount,
		&s.SynCount, &s.AckSynAckCount, &s.FinCount, &s.RstCount,
		&s.AllowedTCPPort, &s.UnallowedTCPPort, &s.AllowedUDPPort, &s.UnallowedUDPPort,
	}
}

// Inc increments counter i, saturating at the maximum.
func (s *NBStats) Inc(i int) {
	p := s.fields()[i]
	if *p < math.MaxUint16 {
		*p++
	}
}

// Vector returns the statistics as a point in the k=12 space.
func (s NBStats) Vector() []uint16 {
	v := make([]uint16, StatDimensions)
	for i, p := range s.fields() {
		v[i] = *p
	}
	return v
}

// NBStatsFromVector is the inverse of Vector.
func NBStatsFromVector(v []uint16) (NBStats, error) {
	var s NBStats
	if len(v) != StatDimensions {
		return s, fmt.Errorf("statistics vector has %d dimensions, want %d", len(v), StatDimensions)
	}
	for i, p := range s.fields() {
		*p = v[i]
	}
	return s, nil
}

// MarshalBinary encodes the record as 12 little-endian uint16 values.
func (s NBStats) MarshalBinary() ([]byte, error) {
	b := make([]byte, StatRecordSize)
	for i, p := range s.fields() {
		binary.LittleEndian.PutUint16(b[i*2:], *p)
	}
	return b, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (s *NBStats) UnmarshalBinary(b []byte) error {
	if len(b) != StatRecordSize {
		return fmt.Errorf("%w: statistics record is %d bytes, want %d", ErrRecordSize, len(b), StatRecordSize)
	}
	for i, p := range s.fields() {
		*p = binary.LittleEndian.Uint16(b[i*2:])
	}
	return nil
}

// DecodeVector decodes a statistics record straight into a vector.
func DecodeVector(b []byte) []uint16 {
	v := make([]uint16, len(b)/2)
	for i := range v {
		v[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return v
}

// EncodeVector encodes a vector in the statistics record layout.
func EncodeVector(v []uint16) []byte {
	b := make([]byte, len(v)*2)
	for i, x := range v {
		binary.LittleEndian.PutUint16(b[i*2:], x)
	}
	return b
}
