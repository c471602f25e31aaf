package dispatch

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/immunet/internal/domain"
)

// recorder collects handled packets. When gate is non-nil every Handle
// call waits for one value from it.
type recorder struct {
	mu   sync.Mutex
	got  []string
	ids  []int
	gate chan struct{}
}

func (r *recorder) Handle(analyzer int, pkt Packet) {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	r.got = append(r.got, string(pkt.Data))
	r.ids = append(r.ids, analyzer)
	r.mu.Unlock()
}

func (r *recorder) packets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func newTestPool(t *testing.T, cfg Config, h Handler) *Pool {
	t.Helper()
	p, err := New(cfg, h, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func rec(n int) int { return HeaderSize + n }

// ─── Configuration ──────────────────────────────────────────────────────────

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{MinAnalyzers: 1, MaxAnalyzers: 2, BufferSize: 64}, true},
		{"no analyzers", Config{MinAnalyzers: 0, MaxAnalyzers: 2, BufferSize: 64}, false},
		{"max below min", Config{MinAnalyzers: 3, MaxAnalyzers: 2, BufferSize: 64}, false},
		{"tiny buffer", Config{MinAnalyzers: 1, MaxAnalyzers: 1, BufferSize: HeaderSize}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrInvalidConfig)
			}
		})
	}
	assert.Equal(t, 2*(HeaderSize+MaxDatagram), BufferSizeFor(2))
}

// ─── Analyzer Ring Buffer ───────────────────────────────────────────────────

func TestAnalyzer_WrapsAroundInOrder(t *testing.T) {
	a := newAnalyzer(1, 3*rec(10))
	need := rec(10)
	payload := func(c byte) []byte {
		b := make([]byte, 10)
		for i := range b {
			b[i] = c
		}
		return b
	}
	put := func(c byte) {
		pos := a.reserve(need)
		require.GreaterOrEqual(t, pos, 0, "no room for %c", c)
		a.commit(pos, 0, payload(c))
	}
	take := func() string {
		pos, ok := a.next()
		require.True(t, ok)
		_, data := a.record(pos)
		s := string(data[:1])
		a.done(pos)
		return s
	}

	put('A')
	put('B')
	put('C')
	assert.Equal(t, -1, a.reserve(need), "buffer full")

	assert.Equal(t, "A", take())
	assert.Equal(t, 0, a.reserve(need), "space before the read cursor")
	put('D')
	assert.Equal(t, -1, a.reserve(need), "wrapped writer must not pass the reader")

	assert.Equal(t, "B", take())
	assert.Equal(t, rec(10), a.reserve(need))
	put('E')

	var order []string
	for i := 0; i < 3; i++ {
		order = append(order, take())
	}
	assert.Equal(t, []string{"C", "D", "E"}, order)
	assert.Equal(t, 0, a.count)
	assert.Equal(t, 0, a.reserve(need), "empty buffer restarts at the base")
}

func TestAnalyzer_ReclaimKeepsOldest(t *testing.T) {
	a := newAnalyzer(1, 3*rec(4))
	for _, s := range []string{"p1..", "p2..", "p3.."} {
		a.commit(a.reserve(rec(4)), 7, []byte(s))
	}
	pos, dropped := a.reclaim(rec(4))
	assert.Equal(t, rec(4), pos)
	assert.Equal(t, 2, dropped)
	a.commit(pos, 7, []byte("p4.."))

	var got []string
	for a.count > 0 {
		p, _ := a.next()
		iface, data := a.record(p)
		assert.Equal(t, uint16(7), iface)
		got = append(got, string(data))
		a.done(p)
	}
	assert.Equal(t, []string{"p1..", "p4.."}, got)
}

func TestAnalyzer_ReclaimUsesFreeSpaceFirst(t *testing.T) {
	a := newAnalyzer(1, 1000)
	for _, s := range []string{"first.....", "second....", "third....."} {
		a.commit(a.reserve(rec(10)), 0, []byte(s))
	}
	pos, dropped := a.reclaim(rec(10))
	assert.Equal(t, 3*rec(10), pos)
	assert.Equal(t, 0, dropped)
	assert.Equal(t, 3, a.count)
}

func TestAnalyzer_ReclaimImpossible(t *testing.T) {
	a := newAnalyzer(1, rec(4))
	a.commit(a.reserve(rec(4)), 0, []byte("only"))
	pos, dropped := a.reclaim(rec(4))
	assert.Equal(t, -1, pos)
	assert.Equal(t, 0, dropped)
	assert.Equal(t, 1, a.count)
}

// ─── Pool ───────────────────────────────────────────────────────────────────

func TestPool_FIFOWithinAnalyzer(t *testing.T) {
	r := &recorder{}
	p := newTestPool(t, Config{MinAnalyzers: 1, MaxAnalyzers: 1, BufferSize: 1 << 16}, r)

	var want []string
	for i := 0; i < 200; i++ {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(i))
		want = append(want, string(b))
		require.NoError(t, p.Write(0, b))
	}
	p.Close()
	assert.Equal(t, want, r.packets())
}

func TestPool_GrowsUpToMax(t *testing.T) {
	r := &recorder{gate: make(chan struct{})}
	p := newTestPool(t, Config{MinAnalyzers: 1, MaxAnalyzers: 3, BufferSize: rec(4)}, r)
	require.Equal(t, 1, p.Size())

	for _, s := range []string{"aaaa", "bbbb", "cccc"} {
		require.NoError(t, p.Write(1, []byte(s)))
	}
	assert.Equal(t, 3, p.Size())

	err := p.Write(1, []byte("dddd"))
	assert.ErrorIs(t, err, domain.ErrPoolSaturated)

	close(r.gate)
	p.Close()
	assert.ElementsMatch(t, []string{"aaaa", "bbbb", "cccc"}, r.packets())
}

func TestPool_EmergencyReclaim(t *testing.T) {
	r := &recorder{gate: make(chan struct{})}
	p := newTestPool(t, Config{MinAnalyzers: 1, MaxAnalyzers: 1, BufferSize: 3 * rec(4)}, r)

	for _, s := range []string{"p1..", "p2..", "p3..", "p4.."} {
		require.NoError(t, p.Write(0, []byte(s)))
	}
	close(r.gate)
	p.Close()
	assert.Equal(t, []string{"p1..", "p4.."}, r.packets())
}

func TestPool_WaitsForClaimInsteadOfDropping(t *testing.T) {
	r := &recorder{}
	p := newTestPool(t, Config{MinAnalyzers: 1, MaxAnalyzers: 2, BufferSize: 1 << 16}, r)
	a := p.analyzers[0]
	require.True(t, p.claim(a))

	done := make(chan error, 1)
	go func() { done <- p.Write(0, []byte("hello")) }()

	select {
	case err := <-done:
		t.Fatalf("Write returned %v while the only analyzer with room was claimed", err)
	case <-time.After(50 * time.Millisecond):
	}

	p.release(a)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Write did not resume after the claim was released")
	}
	assert.Equal(t, 1, p.Size(), "an analyzer with room must not trigger growth")

	p.Close()
	assert.Equal(t, []string{"hello"}, r.packets())
}

func TestPool_RejectsOversizedPacket(t *testing.T) {
	p := newTestPool(t, Config{MinAnalyzers: 1, MaxAnalyzers: 1, BufferSize: rec(12)}, &recorder{})
	err := p.Write(0, make([]byte, 13))
	assert.ErrorIs(t, err, domain.ErrPacketTooLarge)
	assert.NoError(t, p.Write(0, make([]byte, 12)))
}

func TestPool_CloseDrainsAndRejects(t *testing.T) {
	r := &recorder{}
	p := newTestPool(t, Config{MinAnalyzers: 2, MaxAnalyzers: 2, BufferSize: 4096}, r)
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Write(0, []byte{byte(i)}))
	}
	p.Close()
	assert.Len(t, r.packets(), 50)
	assert.True(t, p.Closed())
	assert.Equal(t, 0, p.Pending())
	assert.ErrorIs(t, p.Write(0, []byte{1}), domain.ErrPoolClosed)
	p.Close()
}

func TestPool_ConcurrentProducers(t *testing.T) {
	const producers, perProducer = 4, 500

	var mu sync.Mutex
	seen := make(map[uint32]bool)
	corrupt := 0
	h := HandlerFunc(func(_ int, pkt Packet) {
		// Payload: 4-byte id followed by the id's low byte repeated.
		id := binary.BigEndian.Uint32(pkt.Data[:4])
		ok := true
		for _, c := range pkt.Data[4:] {
			if c != byte(id) {
				ok = false
			}
		}
		mu.Lock()
		if !ok || seen[id] {
			corrupt++
		}
		seen[id] = true
		mu.Unlock()
	})
	p := newTestPool(t, Config{MinAnalyzers: 2, MaxAnalyzers: 4, BufferSize: 1 << 18}, h)

	var wg sync.WaitGroup
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				id := uint32(w*perProducer + i)
				b := make([]byte, 4+(i%60))
				binary.BigEndian.PutUint32(b, id)
				for j := 4; j < len(b); j++ {
					b[j] = byte(id)
				}
				if err := p.Write(uint16(w), b); err != nil {
					t.Errorf("Write: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, corrupt)
	assert.Len(t, seen, producers*perProducer, "no packet may be dropped while buffers have room")
	for _, s := range p.Status() {
		assert.Zero(t, s.Pending)
		assert.False(t, s.Claimed)
	}
}
