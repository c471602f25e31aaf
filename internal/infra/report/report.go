// Package report delivers anomalies and statistics periods to their
// consumers. Sinks never feed data back into the engines.
package report

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/tutu-network/immunet/internal/domain"
	"github.com/tutu-network/immunet/internal/infra/metrics"
)

// Sink receives reports. Implementations must be safe for concurrent use;
// analyzers report from their own goroutines.
type Sink interface {
	PackAnomaly(a domain.PackAnomaly)
	StatAnomaly(a domain.StatAnomaly)
	StatSnapshot(s domain.StatSnapshot)
}

// ─── Multi ──────────────────────────────────────────────────────────────────

// Multi fans every report out to each sink in order.
type Multi []Sink

func (m Multi) PackAnomaly(a domain.PackAnomaly) {
	for _, s := range m {
		s.PackAnomaly(a)
	}
}

func (m Multi) StatAnomaly(a domain.StatAnomaly) {
	for _, s := range m {
		s.StatAnomaly(a)
	}
}

func (m Multi) StatSnapshot(snap domain.StatSnapshot) {
	for _, s := range m {
		s.StatSnapshot(snap)
	}
}

// ─── Log ────────────────────────────────────────────────────────────────────

// Log writes reports as structured log lines.
type Log struct {
	log zerolog.Logger
}

// NewLog returns a sink logging under component=report.
func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("component", "report").Logger()}
}

func (l *Log) PackAnomaly(a domain.PackAnomaly) {
	l.log.Warn().
		Str("interface", a.Interface).
		Str("protocol", a.Protocol).
		Str("src", a.Source).
		Str("dst", a.Destination).
		Int("size", a.Length).
		Str("pattern", printable(a.Pattern)).
		Str("detector", printable(a.Detector)).
		Int("distance", a.Distance).
		Msg("packet anomaly")
}

func (l *Log) StatAnomaly(a domain.StatAnomaly) {
	l.log.Warn().
		Str("kind", a.Kind.String()).
		Str("statistic", a.Label()).
		Uint16("value", a.Value).
		Int("dimension", a.Dimension).
		Msg(a.Description())
}

func (l *Log) StatSnapshot(s domain.StatSnapshot) {
	l.log.Info().
		Uint16("tc", s.Stats.TCPCount).
		Uint16("uc", s.Stats.UDPCount).
		Uint16("ic", s.Stats.ICMPCount).
		Uint16("ipc", s.Stats.IPCount).
		Uint16("sc", s.Stats.SynCount).
		Uint16("ac", s.Stats.AckSynAckCount).
		Uint16("fc", s.Stats.FinCount).
		Uint16("rc", s.Stats.RstCount).
		Uint16("atc", s.Stats.AllowedTCPPort).
		Uint16("utc", s.Stats.UnallowedTCPPort).
		Uint16("auc", s.Stats.AllowedUDPPort).
		Uint16("uuc", s.Stats.UnallowedUDPPort).
		Bool("anomalous", s.Anomalous).
		Msg("statistics period")
}

// printable replaces non-printable bytes with '.'.
func printable(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c < 32 || c > 126 {
			c = '.'
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// ─── Metrics ────────────────────────────────────────────────────────────────

// Metrics counts anomalies by kind.
type Metrics struct{}

func (Metrics) PackAnomaly(domain.PackAnomaly) {
	metrics.Anomalies.WithLabelValues("PACKET").Inc()
}

func (Metrics) StatAnomaly(a domain.StatAnomaly) {
	metrics.Anomalies.WithLabelValues(a.Kind.String()).Inc()
}

func (Metrics) StatSnapshot(domain.StatSnapshot) {}
