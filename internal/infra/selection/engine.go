// Package selection implements the negative-selection engine: a memory of
// self patterns taken from normal traffic and a memory of detectors that
// must never match any of them.
//
// Two byte strings are similar when their Hamming distance is below the
// affinity threshold. Patterns are kept pairwise dissimilar; detectors are
// kept dissimilar to every pattern and are regenerated whenever a newly
// accepted pattern falls within affinity of them.
//
// Lock order: pattern memory first, then detector memory.
package selection

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tutu-network/immunet/internal/domain"
	"github.com/tutu-network/immunet/internal/infra/memory"
	"github.com/tutu-network/immunet/internal/infra/metrics"
)

// DefaultMaxAttempts bounds detector generation.
const DefaultMaxAttempts = 255

// Config is fixed for the process lifetime.
type Config struct {
	PatternLength    int
	PatternShift     int
	Affinity         int
	PatternCapacity  int
	DetectorCapacity int
	MaxAttempts      int
	Seed             [4]uint32
}

// Validate checks the invariants every record size depends on.
func (c Config) Validate() error {
	switch {
	case c.PatternLength < 1 || c.PatternLength > 255:
		return fmt.Errorf("%w: pattern_length must be in [1, 255], got %d", domain.ErrInvalidConfig, c.PatternLength)
	case c.PatternShift < 1:
		return fmt.Errorf("%w: pattern_shift must be positive, got %d", domain.ErrInvalidConfig, c.PatternShift)
	case c.Affinity < 1 || c.Affinity > c.PatternLength:
		return fmt.Errorf("%w: affinity must be in [1, pattern_length], got %d", domain.ErrInvalidConfig, c.Affinity)
	case c.PatternCapacity < 1:
		return fmt.Errorf("%w: pattern_count must be positive", domain.ErrInvalidConfig)
	case c.DetectorCapacity < 1:
		return fmt.Errorf("%w: detector_count must be positive", domain.ErrInvalidConfig)
	}
	return nil
}

// Outcome is the result of registering one pattern.
type Outcome int

const (
	Duplicate Outcome = iota // similar pattern already stored
	Stored                   // appended
	Replaced                 // evicted the most distant pattern
	Reset                    // nothing evictable; memory cleared, pattern stored first
)

// String returns the outcome label.
func (o Outcome) String() string {
	switch o {
	case Duplicate:
		return "duplicate"
	case Stored:
		return "stored"
	case Replaced:
		return "replaced"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}

// Match is a detector that fired on a window.
type Match struct {
	Index    int
	Detector []byte
	Window   []byte
	Distance int
}

// Engine owns the pattern and detector memories and the detector PRNG.
type Engine struct {
	cfg       Config
	patterns  *memory.Memory
	detectors *memory.Memory
	rng       *XorShift128 // guarded by the detector memory lock
	log       zerolog.Logger
}

// New creates an engine with empty memories.
func New(cfg Config, log zerolog.Logger) (*Engine, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		patterns:  memory.New(cfg.PatternCapacity, cfg.PatternLength),
		detectors: memory.New(cfg.DetectorCapacity, cfg.PatternLength),
		rng:       NewXorShift128(cfg.Seed),
		log:       log.With().Str("component", "selection").Logger(),
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// HammingDistance counts differing byte positions over the shorter length.
func HammingDistance(a, b []byte) int {
	n := min(len(a), len(b))
	d := 0
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			d++
		}
	}
	return d
}

// Distance is the affinity metric over exactly PatternLength bytes.
func (e *Engine) Distance(a, b []byte) int {
	return HammingDistance(a[:e.cfg.PatternLength], b[:e.cfg.PatternLength])
}

// Windows splits payload into PatternLength windows at PatternShift
// stride. A short final window is right-padded with spaces.
func (e *Engine) Windows(payload []byte) [][]byte {
	var out [][]byte
	n := e.cfg.PatternLength
	for off := 0; off < len(payload); off += e.cfg.PatternShift {
		win := make([]byte, n)
		c := copy(win, payload[off:])
		for i := c; i < n; i++ {
			win[i] = ' '
		}
		out = append(out, win)
	}
	return out
}

// IngestWindow registers every window of payload and returns how many
// were accepted (stored, replaced or reset).
func (e *Engine) IngestWindow(payload []byte) int {
	accepted := 0
	for _, win := range e.Windows(payload) {
		if e.RegisterPattern(win) != Duplicate {
			accepted++
		}
	}
	return accepted
}

// RegisterPattern stores pat unless a similar pattern is already known.
// When pattern memory is full the stored pattern most distant from pat
// (distance > affinity, first seen on ties) is replaced. Detectors within
// affinity of an accepted pattern are regenerated or zeroed.
func (e *Engine) RegisterPattern(pat []byte) Outcome {
	pat = e.pad(pat)
	var out Outcome
	e.patterns.Update(func(p *memory.Tx) {
		e.detectors.Update(func(d *memory.Tx) {
			out = e.register(pat, p, d)
		})
	})
	metrics.PatternOutcomes.WithLabelValues(out.String()).Inc()
	metrics.PatternsStored.Set(float64(e.patterns.Len()))
	return out
}

func (e *Engine) register(pat []byte, p, d *memory.Tx) Outcome {
	aff := e.cfg.Affinity
	for i := 0; i < p.Len(); i++ {
		if e.Distance(p.At(i), pat) < aff {
			return Duplicate
		}
	}

	out := Stored
	if !p.Full() {
		p.Append(pat)
	} else {
		victim, best := -1, aff
		for i := 0; i < p.Len(); i++ {
			if dist := e.Distance(p.At(i), pat); dist > best {
				victim, best = i, dist
				if best == e.cfg.PatternLength {
					break
				}
			}
		}
		if victim >= 0 {
			p.OverwriteAt(victim, pat)
			out = Replaced
		} else {
			e.log.Warn().Int("patterns", p.Len()).Msg("no evictable pattern, pattern memory reset")
			p.Reset()
			p.Append(pat)
			out = Reset
		}
	}
	e.revalidate(pat, p, d)
	return out
}

// revalidate regenerates every detector now within affinity of pat.
func (e *Engine) revalidate(pat []byte, p, d *memory.Tx) {
	for i := 0; i < d.Len(); i++ {
		det := d.At(i)
		if isZero(det) || e.Distance(det, pat) >= e.cfg.Affinity {
			continue
		}
		fresh := make([]byte, e.cfg.PatternLength)
		if e.generate(fresh, p) {
			d.OverwriteAt(i, fresh)
			continue
		}
		d.OverwriteAt(i, make([]byte, e.cfg.PatternLength))
		metrics.DetectorRegenFailures.Inc()
		e.log.Warn().Int("slot", i).Msg("failed to update detector, slot zeroed")
	}
}

// GenerateDetector fills out with a printable candidate whose distance to
// every stored pattern is at least affinity. It returns false when the
// attempt ceiling is exhausted.
func (e *Engine) GenerateDetector(out []byte) bool {
	if len(out) < e.cfg.PatternLength {
		return false
	}
	var ok bool
	e.patterns.Update(func(p *memory.Tx) {
		e.detectors.Update(func(*memory.Tx) {
			ok = e.generate(out[:e.cfg.PatternLength], p)
		})
	})
	return ok
}

// generate requires both memory locks.
func (e *Engine) generate(out []byte, p *memory.Tx) bool {
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		e.rng.FillPrintable(out)
		if e.nonSelf(out, p) {
			return true
		}
	}
	return false
}

func (e *Engine) nonSelf(det []byte, p *memory.Tx) bool {
	for i := 0; i < p.Len(); i++ {
		if e.Distance(det, p.At(i)) < e.cfg.Affinity {
			return false
		}
	}
	return true
}

// FillDetectors refills zeroed slots and appends new detectors while
// detector memory has room, generating at most limit detectors (limit <= 0
// means no limit). It stops at the first generation failure.
func (e *Engine) FillDetectors(limit int) (added int, err error) {
	e.patterns.Update(func(p *memory.Tx) {
		e.detectors.Update(func(d *memory.Tx) {
			budget := func() bool { return limit <= 0 || added < limit }
			for i := 0; i < d.Len() && budget(); i++ {
				if !isZero(d.At(i)) {
					continue
				}
				fresh := make([]byte, e.cfg.PatternLength)
				if !e.generate(fresh, p) {
					err = fmt.Errorf("refill detector slot %d: attempts exhausted", i)
					return
				}
				d.OverwriteAt(i, fresh)
				added++
			}
			for !d.Full() && budget() {
				fresh := make([]byte, e.cfg.PatternLength)
				if !e.generate(fresh, p) {
					err = fmt.Errorf("generate detector %d: attempts exhausted", d.Len())
					return
				}
				d.Append(fresh)
				added++
			}
		})
	})
	e.publish()
	return added, err
}

// ClassifyWindow reports the first detector, in storage order, within
// affinity of window. Zeroed detector slots are skipped.
func (e *Engine) ClassifyWindow(window []byte) (Match, bool) {
	window = e.pad(window)
	var m Match
	found := false
	e.detectors.Update(func(d *memory.Tx) {
		for i := 0; i < d.Len(); i++ {
			det := d.At(i)
			if isZero(det) {
				continue
			}
			if dist := e.Distance(det, window); dist < e.cfg.Affinity {
				m = Match{Index: i, Detector: clone(det), Window: window, Distance: dist}
				found = true
				return
			}
		}
	})
	return m, found
}

// Patterns returns a copy of the stored patterns.
func (e *Engine) Patterns() [][]byte { return e.patterns.Records() }

// Detectors returns a copy of the detector memory, zeroed slots included.
func (e *Engine) Detectors() [][]byte { return e.detectors.Records() }

// PatternCount returns the number of stored patterns.
func (e *Engine) PatternCount() int { return e.patterns.Len() }

// DetectorCount returns the number of usable (non-zeroed) detectors.
func (e *Engine) DetectorCount() int {
	n := 0
	e.detectors.Update(func(d *memory.Tx) {
		for i := 0; i < d.Len(); i++ {
			if !isZero(d.At(i)) {
				n++
			}
		}
	})
	return n
}

// ExportDetectors returns the detector memory for persistence.
func (e *Engine) ExportDetectors() (count int, data []byte) {
	return e.detectors.Snapshot()
}

// RestoreDetectors replaces the detector memory with persisted records.
func (e *Engine) RestoreDetectors(count int, data []byte) error {
	if err := e.detectors.Restore(count, data); err != nil {
		return fmt.Errorf("restore detectors: %w", err)
	}
	e.publish()
	return nil
}

// publish refreshes the engine gauges.
func (e *Engine) publish() {
	metrics.PatternsStored.Set(float64(e.PatternCount()))
	metrics.DetectorsActive.Set(float64(e.DetectorCount()))
}

func (e *Engine) pad(b []byte) []byte {
	n := e.cfg.PatternLength
	if len(b) == n {
		return b
	}
	out := make([]byte, n)
	c := copy(out, b)
	for i := c; i < n; i++ {
		out[i] = ' '
	}
	return out
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
