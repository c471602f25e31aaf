// Package dispatch implements the packet dispatch pool: a growable ring of
// analyzers, each owning a byte ring buffer drained by one consumer
// goroutine.
//
// Producers claim an analyzer under the pool-wide claim lock, copy a
// datagram into free space of its buffer and release the claim. The
// analyzer mutex guards cursors and the pending count and is held briefly
// by both sides. Within one analyzer packets are handled strictly FIFO;
// there is no ordering across analyzers.
package dispatch

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutu-network/immunet/internal/domain"
	"github.com/tutu-network/immunet/internal/infra/metrics"
)

// MaxDatagram is the largest IPv4 datagram.
const MaxDatagram = 65535

// Packet is one datagram handed to a consumer. Data aliases the analyzer
// buffer and is only valid for the duration of Handle.
type Packet struct {
	Interface uint16
	Data      []byte
}

// Handler analyzes datagrams. Each analyzer calls it from its own
// goroutine, so implementations must be safe for concurrent use.
type Handler interface {
	Handle(analyzer int, pkt Packet)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(analyzer int, pkt Packet)

// Handle calls f.
func (f HandlerFunc) Handle(analyzer int, pkt Packet) { f(analyzer, pkt) }

// Config sizes the pool.
type Config struct {
	MinAnalyzers int
	MaxAnalyzers int
	BufferSize   int // bytes per analyzer
}

// BufferSizeFor returns the buffer size that holds n maximal datagrams.
func BufferSizeFor(n int) int { return n * (HeaderSize + MaxDatagram) }

// Validate checks pool sizing.
func (c Config) Validate() error {
	switch {
	case c.MinAnalyzers < 1:
		return fmt.Errorf("%w: min_analyzer_count must be positive", domain.ErrInvalidConfig)
	case c.MaxAnalyzers < c.MinAnalyzers:
		return fmt.Errorf("%w: max_analyzer_count %d below min_analyzer_count %d",
			domain.ErrInvalidConfig, c.MaxAnalyzers, c.MinAnalyzers)
	case c.BufferSize < HeaderSize+1:
		return fmt.Errorf("%w: analyzer buffer of %d bytes holds no packet", domain.ErrInvalidConfig, c.BufferSize)
	}
	return nil
}

// AnalyzerStatus is a point-in-time view of one analyzer.
type AnalyzerStatus struct {
	ID       int  `json:"id"`
	Pending  int  `json:"pending"`
	Reading  bool `json:"reading"`
	Claimed  bool `json:"claimed"`
	Capacity int  `json:"capacity_bytes"`
}

// Pool is the set of analyzers.
type Pool struct {
	cfg     Config
	handler Handler
	log     zerolog.Logger

	listMu    sync.Mutex // guards analyzers and cursor
	analyzers []*analyzer
	cursor    int // index of the last analyzer written to

	claimMu   sync.Mutex // guards analyzer.claimed and releases
	claimCond *sync.Cond // broadcast on every release
	releases  uint64

	closeMu sync.RWMutex // held shared by producers, exclusively by Close
	closed  bool

	wg sync.WaitGroup
}

// New starts a pool with cfg.MinAnalyzers analyzers.
func New(cfg Config, h Handler, log zerolog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:     cfg,
		handler: h,
		log:     log.With().Str("component", "dispatch").Logger(),
		cursor:  -1,
	}
	p.claimCond = sync.NewCond(&p.claimMu)
	for i := 0; i < cfg.MinAnalyzers; i++ {
		p.grow(false)
	}
	return p, nil
}

// Write copies datagram into an analyzer buffer. It returns
// ErrPacketTooLarge, ErrPoolSaturated when no space could be found or
// reclaimed (the packet is dropped), or ErrPoolClosed.
func (p *Pool) Write(iface uint16, datagram []byte) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return domain.ErrPoolClosed
	}

	need := HeaderSize + len(datagram)
	if len(datagram) > MaxDatagram || need > p.cfg.BufferSize {
		metrics.PacketsDropped.WithLabelValues("too_large").Inc()
		return fmt.Errorf("%w: %d bytes", domain.ErrPacketTooLarge, len(datagram))
	}

	a, pos := p.acquire(need)
	if a == nil {
		metrics.PacketsDropped.WithLabelValues("saturated").Inc()
		p.log.Warn().Int("bytes", len(datagram)).Msg("dispatch pool saturated, packet dropped")
		return domain.ErrPoolSaturated
	}
	a.commit(pos, iface, datagram)
	p.release(a)
	metrics.PacketsEnqueued.WithLabelValues(strconv.Itoa(int(iface))).Inc()
	return nil
}

// acquire claims an analyzer with room for need bytes and returns it with
// the reserved offset. Free analyzers are scanned starting after the last
// one used; then the pool grows; then one analyzer is reclaimed. Growth
// and reclaim only happen once every analyzer was claimed and found full:
// if another producer held a claim during a pass, acquire waits for a
// release and scans again.
func (p *Pool) acquire(need int) (*analyzer, int) {
	for {
		seen := p.releaseGen()
		ring := p.ring()

		skipped := false
		for _, a := range ring {
			if !p.claim(a) {
				skipped = true
				continue
			}
			if pos := a.reserve(need); pos >= 0 {
				p.setCursor(a)
				return a, pos
			}
			p.release(a)
			seen++
		}
		if skipped {
			p.waitRelease(seen)
			continue
		}

		if a := p.grow(true); a != nil {
			p.setCursor(a)
			return a, a.reserve(need)
		}

		for _, a := range ring {
			if !p.claim(a) {
				skipped = true
				continue
			}
			pos, dropped := a.reclaim(need)
			if pos >= 0 {
				if dropped > 0 {
					metrics.PoolReclaims.Inc()
					metrics.PacketsDropped.WithLabelValues("reclaim").Add(float64(dropped))
					p.log.Warn().Int("analyzer", a.id).Int("dropped", dropped).Msg("analyzer buffer reclaimed")
				}
				p.setCursor(a)
				return a, pos
			}
			p.release(a)
			seen++
		}
		if !skipped {
			return nil, -1
		}
		p.waitRelease(seen)
	}
}

// ring returns the analyzers in scan order, starting after the cursor.
func (p *Pool) ring() []*analyzer {
	p.listMu.Lock()
	defer p.listMu.Unlock()
	ring := make([]*analyzer, 0, len(p.analyzers))
	start := p.cursor + 1
	for i := range p.analyzers {
		ring = append(ring, p.analyzers[(start+i)%len(p.analyzers)])
	}
	return ring
}

func (p *Pool) setCursor(a *analyzer) {
	p.listMu.Lock()
	p.cursor = a.id - 1
	p.listMu.Unlock()
}

// claim marks a as owned by the calling producer.
func (p *Pool) claim(a *analyzer) bool {
	p.claimMu.Lock()
	defer p.claimMu.Unlock()
	if a.claimed {
		return false
	}
	a.claimed = true
	return true
}

// release makes a eligible for producers again and wakes producers
// waiting in acquire.
func (p *Pool) release(a *analyzer) {
	p.claimMu.Lock()
	a.claimed = false
	p.releases++
	p.claimMu.Unlock()
	p.claimCond.Broadcast()
}

func (p *Pool) releaseGen() uint64 {
	p.claimMu.Lock()
	defer p.claimMu.Unlock()
	return p.releases
}

// waitRelease blocks until the release count moves past seen.
func (p *Pool) waitRelease(seen uint64) {
	p.claimMu.Lock()
	for p.releases == seen {
		p.claimCond.Wait()
	}
	p.claimMu.Unlock()
}

// grow adds an analyzer and starts its consumer. It returns nil when the
// pool is at MaxAnalyzers.
func (p *Pool) grow(claimed bool) *analyzer {
	p.listMu.Lock()
	defer p.listMu.Unlock()
	if len(p.analyzers) >= p.cfg.MaxAnalyzers {
		p.log.Debug().Int("max", p.cfg.MaxAnalyzers).Msg("maximum number of analyzers reached")
		return nil
	}
	a := newAnalyzer(len(p.analyzers)+1, p.cfg.BufferSize)
	a.claimed = claimed
	p.analyzers = append(p.analyzers, a)

	p.wg.Add(1)
	go p.consume(a)
	metrics.AnalyzersActive.Set(float64(len(p.analyzers)))
	p.log.Info().Int("analyzer", a.id).Msg("analyzer launched")
	return a
}

// consume is the consumer loop of one analyzer. It exits once the pool is
// closed and every pending packet has been handled.
func (p *Pool) consume(a *analyzer) {
	defer p.wg.Done()
	for {
		pos, ok := a.next()
		if !ok {
			return
		}
		iface, data := a.record(pos)
		start := time.Now()
		p.handler.Handle(a.id, Packet{Interface: iface, Data: data})
		metrics.AnalyzeLatency.Observe(time.Since(start).Seconds())
		a.done(pos)
	}
}

// Size returns the number of analyzers.
func (p *Pool) Size() int {
	p.listMu.Lock()
	defer p.listMu.Unlock()
	return len(p.analyzers)
}

// Pending returns the number of packets waiting across all analyzers.
func (p *Pool) Pending() int {
	n := 0
	for _, s := range p.Status() {
		n += s.Pending
	}
	return n
}

// Status reports every analyzer.
func (p *Pool) Status() []AnalyzerStatus {
	p.listMu.Lock()
	as := append([]*analyzer(nil), p.analyzers...)
	p.listMu.Unlock()

	out := make([]AnalyzerStatus, 0, len(as))
	for _, a := range as {
		p.claimMu.Lock()
		claimed := a.claimed
		p.claimMu.Unlock()
		a.mu.Lock()
		out = append(out, AnalyzerStatus{
			ID:       a.id,
			Pending:  a.count,
			Reading:  a.reading,
			Claimed:  claimed,
			Capacity: len(a.buf),
		})
		a.mu.Unlock()
	}
	return out
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	return p.closed
}

// Close stops accepting packets, lets every consumer drain its buffer and
// waits for them to exit.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()

	p.listMu.Lock()
	as := append([]*analyzer(nil), p.analyzers...)
	p.listMu.Unlock()
	for _, a := range as {
		a.stop()
	}
	p.wg.Wait()
	metrics.AnalyzersActive.Set(0)
	p.log.Info().Int("analyzers", len(as)).Msg("dispatch pool stopped")
}
