// Package behavior aggregates network-behavior statistics per collection
// period and learns them into the spatial index.
//
// Consumers call Observe for every analyzed datagram. On each rollover the
// period's counters become one point of the statistics space: it is
// classified against the tree, learned into statistics memory, and when
// that memory fills it is drained into the tree.
package behavior

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutu-network/immunet/internal/domain"
	"github.com/tutu-network/immunet/internal/infra/kdtree"
	"github.com/tutu-network/immunet/internal/infra/memory"
	"github.com/tutu-network/immunet/internal/infra/metrics"
	"github.com/tutu-network/immunet/internal/infra/packet"
	"github.com/tutu-network/immunet/internal/infra/report"
)

// Config is fixed for the process lifetime.
type Config struct {
	StatCapacity    int // statistics records buffered before they are learned into the tree
	Depth           int
	Mode            domain.Mode
	AllowedTCPPorts []uint16
	AllowedUDPPorts []uint16
}

// Monitor owns the current NBStats, the SynTracker, statistics memory and
// the tree. One lock guards all of them.
type Monitor struct {
	cfg      Config
	tcpPorts map[uint16]struct{}
	udpPorts map[uint16]struct{}
	sink     report.Sink
	log      zerolog.Logger

	mu      sync.Mutex
	current domain.NBStats
	syn     map[[4]byte]uint16
	mem     *memory.Memory
	tree    *kdtree.Tree
	last    *domain.StatSnapshot
	periods int
}

// New creates a monitor with an empty tree.
func New(cfg Config, sink report.Sink, log zerolog.Logger) (*Monitor, error) {
	if cfg.StatCapacity < 1 {
		return nil, fmt.Errorf("%w: statistic_count must be positive", domain.ErrInvalidConfig)
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("%w: mode %q", domain.ErrInvalidConfig, cfg.Mode)
	}
	return &Monitor{
		cfg:      cfg,
		tcpPorts: portSet(cfg.AllowedTCPPorts),
		udpPorts: portSet(cfg.AllowedUDPPorts),
		sink:     sink,
		log:      log.With().Str("component", "behavior").Logger(),
		syn:      make(map[[4]byte]uint16),
		mem:      memory.New(cfg.StatCapacity, domain.StatRecordSize),
	}, nil
}

func portSet(ports []uint16) map[uint16]struct{} {
	m := make(map[uint16]struct{}, len(ports))
	for _, p := range ports {
		m[p] = struct{}{}
	}
	return m
}

// Observe accounts one datagram in the current period.
func (m *Monitor) Observe(info packet.Info) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &m.current
	switch info.Protocol {
	case packet.ProtoTCP:
		s.Inc(domain.StatTCP)
		m.trackTCP(info)
		if _, ok := m.tcpPorts[info.DstPort]; ok {
			s.Inc(domain.StatAllowedTCPPort)
		} else {
			s.Inc(domain.StatUnallowedTCPPort)
		}
	case packet.ProtoUDP:
		s.Inc(domain.StatUDP)
		if _, ok := m.udpPorts[info.DstPort]; ok {
			s.Inc(domain.StatAllowedUDPPort)
		} else {
			s.Inc(domain.StatUnallowedUDPPort)
		}
	case packet.ProtoICMP:
		s.Inc(domain.StatICMP)
	default:
		s.Inc(domain.StatOtherIP)
	}
}

// trackTCP maintains the SynTracker: a SYN opens a half-open entry for its
// source, the source's first bare ACK completes it.
func (m *Monitor) trackTCP(info packet.Info) {
	var src [4]byte
	copy(src[:], info.Source.To4())

	switch {
	case info.HasFlags(packet.FlagRST):
		m.current.Inc(domain.StatReset)
	case info.HasFlags(packet.FlagFIN):
		m.current.Inc(domain.StatClosed)
	case info.HasFlags(packet.FlagSYN) && !info.HasFlags(packet.FlagACK):
		if n := m.syn[src]; n < ^uint16(0) {
			m.syn[src] = n + 1
		}
	case info.HasFlags(packet.FlagACK) && !info.HasFlags(packet.FlagSYN):
		n, ok := m.syn[src]
		if !ok {
			return
		}
		if n <= 1 {
			delete(m.syn, src)
		} else {
			m.syn[src] = n - 1
		}
		m.current.Inc(domain.StatOpened)
	}
}

// halfOpen requires m.mu.
func (m *Monitor) halfOpen() uint16 {
	total := 0
	for _, n := range m.syn {
		total += int(n)
	}
	return uint16(min(total, int(^uint16(0))))
}

// Rollover closes the current period. The snapshot is classified when the
// mode detects and learned when the mode learns (in hybrid mode only when
// it raised no anomaly). Both are reported to the sink.
func (m *Monitor) Rollover(now time.Time) (domain.StatSnapshot, *domain.StatAnomaly) {
	m.mu.Lock()
	stats := m.current
	stats.SynCount = m.halfOpen()
	vec := stats.Vector()

	var anomaly *domain.StatAnomaly
	if m.cfg.Mode.Detects() && m.tree != nil {
		if a, bad := m.tree.Classify(vec); bad {
			a.DetectedAt = now
			anomaly = &a
		}
	}
	if m.cfg.Mode.Learns() && (anomaly == nil || m.cfg.Mode == domain.ModeTrain) {
		m.learn(vec)
	}

	snap := domain.StatSnapshot{Stats: stats, Anomalous: anomaly != nil, TakenAt: now}
	m.current = domain.NBStats{}
	m.last = &snap
	m.periods++
	m.mu.Unlock()

	metrics.StatRollovers.Inc()
	if anomaly != nil {
		m.sink.StatAnomaly(*anomaly)
	}
	m.sink.StatSnapshot(snap)
	return snap, anomaly
}

// learn requires m.mu.
func (m *Monitor) learn(vec []uint16) {
	rec := domain.EncodeVector(vec)
	if !m.mem.Append(rec) {
		m.flush()
		m.mem.Append(rec)
	}
	if m.mem.Len() == m.mem.Cap() {
		m.flush()
	}
}

// flush drains statistics memory into the tree and resets it in place.
// Requires m.mu.
func (m *Monitor) flush() {
	points := m.pending()
	if len(points) == 0 {
		return
	}
	if m.tree == nil {
		m.tree = kdtree.Build(points, domain.StatDimensions, m.cfg.Depth)
	} else if m.tree.GrowOrRebuild(points) {
		m.log.Info().Msg("statistics space expanded, tree rebuilt")
	}
	m.tree.Compress()
	m.mem.Reset()
	metrics.TreeLeaves.Set(float64(len(m.tree.Leaves())))
	m.log.Debug().Int("points", len(points)).Int("nodes", m.tree.Nodes()).Msg("statistics learned into tree")
}

// pending requires m.mu.
func (m *Monitor) pending() [][]uint16 {
	recs := m.mem.Records()
	points := make([][]uint16, len(recs))
	for i, r := range recs {
		points[i] = domain.DecodeVector(r)
	}
	return points
}

// Flush learns any buffered statistics into the tree now.
func (m *Monitor) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flush()
}

// Classify tests a vector against the tree without learning it.
func (m *Monitor) Classify(vec []uint16) (domain.StatAnomaly, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tree == nil {
		return domain.StatAnomaly{}, false
	}
	return m.tree.Classify(vec)
}

// Export returns everything learned so far as statistics records: the
// drained tree followed by the buffered records.
func (m *Monitor) Export() (count int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var points [][]uint16
	if m.tree != nil {
		points = m.tree.Drain()
	}
	points = append(points, m.pending()...)
	data = make([]byte, 0, len(points)*domain.StatRecordSize)
	for _, p := range points {
		data = append(data, domain.EncodeVector(p)...)
	}
	return len(points), data
}

// Restore rebuilds the tree from exported statistics records.
func (m *Monitor) Restore(count int, data []byte) error {
	if len(data) != count*domain.StatRecordSize {
		return fmt.Errorf("%w: %d bytes for %d statistics records", domain.ErrRecordSize, len(data), count)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mem.Reset()
	m.tree = nil
	if count == 0 {
		return nil
	}
	points := make([][]uint16, count)
	for i := range points {
		points[i] = domain.DecodeVector(data[i*domain.StatRecordSize : (i+1)*domain.StatRecordSize])
	}
	m.tree = kdtree.Build(points, domain.StatDimensions, m.cfg.Depth)
	m.tree.Compress()
	metrics.TreeLeaves.Set(float64(len(m.tree.Leaves())))
	return nil
}

// Current returns the counters of the open period, half-open included.
func (m *Monitor) Current() domain.NBStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	s.SynCount = m.halfOpen()
	return s
}

// Last returns the most recently closed period.
func (m *Monitor) Last() (domain.StatSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return domain.StatSnapshot{}, false
	}
	return *m.last, true
}

// TreeInfo is a view of the learned statistics space.
type TreeInfo struct {
	Built   bool       `json:"built"`
	Depth   int        `json:"depth"`
	Space   []uint16   `json:"space,omitempty"`
	Leaves  [][]uint16 `json:"leaves,omitempty"`
	Nodes   int        `json:"nodes"`
	Pending int        `json:"pending"`
	Periods int        `json:"periods"`
}

// Tree describes the current tree.
func (m *Monitor) Tree() TreeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := TreeInfo{Depth: m.cfg.Depth, Pending: m.mem.Len(), Periods: m.periods}
	if m.tree == nil {
		return info
	}
	info.Built = true
	info.Space = m.tree.Hrect()
	info.Nodes = m.tree.Nodes()
	for _, l := range m.tree.Leaves() {
		info.Leaves = append(info.Leaves, l)
	}
	return info
}
