// Package analyzer is the dispatch-pool consumer. Each datagram is decoded,
// accounted in the behavior statistics and its payload window is fed to
// the negative selection engine according to the operating mode.
package analyzer

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutu-network/immunet/internal/app/behavior"
	"github.com/tutu-network/immunet/internal/domain"
	"github.com/tutu-network/immunet/internal/infra/dispatch"
	"github.com/tutu-network/immunet/internal/infra/metrics"
	"github.com/tutu-network/immunet/internal/infra/packet"
	"github.com/tutu-network/immunet/internal/infra/report"
	"github.com/tutu-network/immunet/internal/infra/selection"
)

// Config selects what the analyzer does with payloads.
type Config struct {
	Mode          domain.Mode
	PayloadWindow int      // bytes of payload examined per packet; 0 means all
	Interfaces    []string // names by capture index
}

// Analyzer implements dispatch.Handler. It is safe for concurrent use: the
// engine and monitor carry their own locks.
type Analyzer struct {
	cfg     Config
	engine  *selection.Engine
	monitor *behavior.Monitor
	sink    report.Sink
	log     zerolog.Logger
	now     func() time.Time
}

var _ dispatch.Handler = (*Analyzer)(nil)

// New wires an analyzer.
func New(cfg Config, engine *selection.Engine, monitor *behavior.Monitor, sink report.Sink, log zerolog.Logger) *Analyzer {
	return &Analyzer{
		cfg:     cfg,
		engine:  engine,
		monitor: monitor,
		sink:    sink,
		log:     log.With().Str("component", "analyzer").Logger(),
		now:     time.Now,
	}
}

// Handle processes one datagram.
func (a *Analyzer) Handle(id int, pkt dispatch.Packet) {
	info, err := packet.Parse(pkt.Data)
	if err != nil {
		metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		a.log.Debug().Err(err).Int("analyzer", id).Int("bytes", len(pkt.Data)).Msg("undecodable datagram")
		return
	}
	metrics.PacketsAnalyzed.WithLabelValues(info.ProtocolName()).Inc()
	a.monitor.Observe(info)

	payload := packet.Window(info.Payload, a.cfg.PayloadWindow)
	if len(payload) == 0 {
		return
	}

	switch a.cfg.Mode {
	case domain.ModeTrain:
		a.engine.IngestWindow(payload)
	case domain.ModeDetect, domain.ModeHybrid:
		a.inspect(pkt.Interface, info, payload)
	}
}

// inspect classifies every window of payload. The first match is reported;
// in hybrid mode windows that matched no detector are learned as self.
func (a *Analyzer) inspect(iface uint16, info packet.Info, payload []byte) {
	reported := false
	for _, win := range a.engine.Windows(payload) {
		m, bad := a.engine.ClassifyWindow(win)
		if !bad {
			if a.cfg.Mode == domain.ModeHybrid {
				a.engine.RegisterPattern(win)
			}
			continue
		}
		if reported {
			continue
		}
		reported = true
		a.sink.PackAnomaly(domain.PackAnomaly{
			Interface:   a.interfaceName(iface),
			Source:      info.Source.String(),
			Destination: info.Destination.String(),
			Protocol:    info.ProtocolName(),
			Pattern:     m.Window,
			Detector:    m.Detector,
			Length:      info.TotalLen,
			Distance:    m.Distance,
			DetectedAt:  a.now(),
		})
	}
}

func (a *Analyzer) interfaceName(i uint16) string {
	if int(i) < len(a.cfg.Interfaces) {
		return a.cfg.Interfaces[i]
	}
	return "if" + strconv.Itoa(int(i))
}
