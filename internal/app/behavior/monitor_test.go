package behavior

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/immunet/internal/domain"
	"github.com/tutu-network/immunet/internal/infra/packet"
)

type captureSink struct {
	mu        sync.Mutex
	anomalies []domain.StatAnomaly
	snapshots []domain.StatSnapshot
}

func (c *captureSink) PackAnomaly(domain.PackAnomaly) {}

func (c *captureSink) StatAnomaly(a domain.StatAnomaly) {
	c.mu.Lock()
	c.anomalies = append(c.anomalies, a)
	c.mu.Unlock()
}

func (c *captureSink) StatSnapshot(s domain.StatSnapshot) {
	c.mu.Lock()
	c.snapshots = append(c.snapshots, s)
	c.mu.Unlock()
}

func newMonitor(t *testing.T, cfg Config) (*Monitor, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	m, err := New(cfg, sink, zerolog.Nop())
	require.NoError(t, err)
	return m, sink
}

func tcp(src string, dport uint16, flags uint8) packet.Info {
	return packet.Info{Protocol: packet.ProtoTCP, Source: net.ParseIP(src), DstPort: dport, TCPFlags: flags}
}

func udp(dport uint16) packet.Info {
	return packet.Info{Protocol: packet.ProtoUDP, Source: net.ParseIP("10.0.0.9"), DstPort: dport}
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{StatCapacity: 0, Mode: domain.ModeTrain}, &captureSink{}, zerolog.Nop())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	_, err = New(Config{StatCapacity: 1, Mode: "watch"}, &captureSink{}, zerolog.Nop())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestObserve_CountsProtocolsAndPorts(t *testing.T) {
	m, _ := newMonitor(t, Config{
		StatCapacity: 4, Depth: 3, Mode: domain.ModeTrain,
		AllowedTCPPorts: []uint16{22, 80}, AllowedUDPPorts: []uint16{53},
	})

	m.Observe(tcp("10.0.0.1", 80, packet.FlagPSH|packet.FlagACK))
	m.Observe(tcp("10.0.0.1", 23, packet.FlagPSH|packet.FlagACK))
	m.Observe(udp(53))
	m.Observe(udp(5353))
	m.Observe(udp(5353))
	m.Observe(packet.Info{Protocol: packet.ProtoICMP})
	m.Observe(packet.Info{Protocol: packet.ProtoIGMP})

	s := m.Current()
	assert.Equal(t, uint16(2), s.TCPCount)
	assert.Equal(t, uint16(3), s.UDPCount)
	assert.Equal(t, uint16(1), s.ICMPCount)
	assert.Equal(t, uint16(1), s.IPCount)
	assert.Equal(t, uint16(1), s.AllowedTCPPort)
	assert.Equal(t, uint16(1), s.UnallowedTCPPort)
	assert.Equal(t, uint16(1), s.AllowedUDPPort)
	assert.Equal(t, uint16(2), s.UnallowedUDPPort)
}

func TestObserve_TracksHandshakes(t *testing.T) {
	m, _ := newMonitor(t, Config{StatCapacity: 4, Depth: 3, Mode: domain.ModeTrain})

	m.Observe(tcp("10.0.0.1", 80, packet.FlagSYN))
	m.Observe(tcp("10.0.0.1", 80, packet.FlagSYN))
	m.Observe(tcp("10.0.0.2", 80, packet.FlagSYN))
	m.Observe(tcp("10.0.0.1", 80, packet.FlagSYN|packet.FlagACK)) // server reply, not a completion
	m.Observe(tcp("10.0.0.1", 80, packet.FlagACK))
	m.Observe(tcp("10.0.0.3", 80, packet.FlagACK)) // no outstanding SYN
	m.Observe(tcp("10.0.0.1", 80, packet.FlagFIN|packet.FlagACK))
	m.Observe(tcp("10.0.0.2", 80, packet.FlagRST))

	s := m.Current()
	assert.Equal(t, uint16(2), s.SynCount, "one SYN from .1 and one from .2 still half-open")
	assert.Equal(t, uint16(1), s.AckSynAckCount)
	assert.Equal(t, uint16(1), s.FinCount)
	assert.Equal(t, uint16(1), s.RstCount)

	snap, _ := m.Rollover(t0)
	assert.Equal(t, uint16(2), snap.Stats.SynCount)
	next := m.Current()
	assert.Equal(t, uint16(2), next.SynCount, "half-open connections outlive the period")
	assert.Zero(t, next.TCPCount)
}

func TestRollover_TrainLearnsIntoTree(t *testing.T) {
	m, sink := newMonitor(t, Config{StatCapacity: 2, Depth: 4, Mode: domain.ModeTrain})

	m.Observe(udp(1))
	m.Rollover(t0)
	info := m.Tree()
	assert.False(t, info.Built)
	assert.Equal(t, 1, info.Pending)

	m.Observe(udp(1))
	m.Observe(udp(1))
	m.Rollover(t0.Add(time.Minute))
	info = m.Tree()
	require.True(t, info.Built, "full statistics memory is drained into the tree")
	assert.Zero(t, info.Pending)
	assert.Equal(t, 2, info.Periods)
	assert.Len(t, info.Space, 2*domain.StatDimensions)

	assert.Len(t, sink.snapshots, 2)
	assert.Empty(t, sink.anomalies, "train mode never classifies")

	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, uint16(2), last.Stats.UDPCount)
}

func trainedMonitor(t *testing.T, mode domain.Mode) (*Monitor, *captureSink) {
	t.Helper()
	trainer, _ := newMonitor(t, Config{StatCapacity: 3, Depth: 4, Mode: domain.ModeTrain})
	for _, n := range []int{10, 11, 12} {
		for i := 0; i < n; i++ {
			trainer.Observe(udp(53))
		}
		trainer.Rollover(t0)
	}
	count, data := trainer.Export()
	require.NotZero(t, count)

	m, sink := newMonitor(t, Config{StatCapacity: 3, Depth: 4, Mode: mode})
	require.NoError(t, m.Restore(count, data))
	return m, sink
}

func TestRollover_DetectsOutOfSpace(t *testing.T) {
	m, sink := trainedMonitor(t, domain.ModeDetect)

	for i := 0; i < 500; i++ {
		m.Observe(udp(53))
	}
	snap, anomaly := m.Rollover(t0)
	require.NotNil(t, anomaly)
	assert.True(t, snap.Anomalous)
	assert.Equal(t, domain.OutOfSpace, anomaly.Kind)
	assert.Equal(t, domain.StatUDP, anomaly.Dimension)
	assert.Equal(t, uint16(500), anomaly.Value)
	assert.Equal(t, t0, anomaly.DetectedAt)
	assert.Len(t, sink.anomalies, 1)

	for i := 0; i < 11; i++ {
		m.Observe(udp(53))
	}
	_, anomaly = m.Rollover(t0)
	assert.Nil(t, anomaly, "learned behavior is normal")
	assert.Zero(t, m.Tree().Pending, "detect mode never learns")
}

func TestRollover_HybridSkipsAnomalousPeriods(t *testing.T) {
	m, _ := trainedMonitor(t, domain.ModeHybrid)

	for i := 0; i < 500; i++ {
		m.Observe(udp(53))
	}
	_, anomaly := m.Rollover(t0)
	require.NotNil(t, anomaly)
	assert.Zero(t, m.Tree().Pending)

	for i := 0; i < 12; i++ {
		m.Observe(udp(53))
	}
	_, anomaly = m.Rollover(t0)
	assert.Nil(t, anomaly)
	assert.Equal(t, 1, m.Tree().Pending)
}

func TestExportRestore_RoundTrip(t *testing.T) {
	m, _ := trainedMonitor(t, domain.ModeTrain)
	m.Observe(udp(1))
	m.Rollover(t0)

	count, data := m.Export()
	assert.Len(t, data, count*domain.StatRecordSize)

	other, _ := newMonitor(t, Config{StatCapacity: 3, Depth: 4, Mode: domain.ModeDetect})
	require.NoError(t, other.Restore(count, data))
	for i := 0; i < count; i++ {
		_, bad := other.Classify(domain.DecodeVector(data[i*domain.StatRecordSize : (i+1)*domain.StatRecordSize]))
		assert.False(t, bad, "exported record %d flagged after restore", i)
	}

	// Compression may fold interior points away, but a restored tree
	// exports itself unchanged.
	c2, d2 := other.Export()
	third, _ := newMonitor(t, Config{StatCapacity: 3, Depth: 4, Mode: domain.ModeDetect})
	require.NoError(t, third.Restore(c2, d2))
	c3, d3 := third.Export()
	assert.Equal(t, c2, c3)
	assert.Equal(t, d2, d3)

	assert.ErrorIs(t, other.Restore(2, data[:5]), domain.ErrRecordSize)
	require.NoError(t, other.Restore(0, nil))
	assert.False(t, other.Tree().Built)
}

func TestClassify_WithoutTree(t *testing.T) {
	m, _ := newMonitor(t, Config{StatCapacity: 3, Depth: 4, Mode: domain.ModeDetect})
	_, bad := m.Classify(make([]uint16, domain.StatDimensions))
	assert.False(t, bad)
	m.Flush()
	assert.False(t, m.Tree().Built)
}
