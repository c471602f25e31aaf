package report

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/immunet/internal/domain"
	"github.com/tutu-network/immunet/internal/infra/sqlite"
)

type fakeRepo struct {
	mu    sync.Mutex
	packs []domain.PackAnomaly
	stats []domain.StatAnomaly
	snaps []domain.StatSnapshot
	err   error
}

func (f *fakeRepo) InsertPackAnomaly(a domain.PackAnomaly) (domain.PackAnomaly, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packs = append(f.packs, a)
	return a, f.err
}

func (f *fakeRepo) InsertStatAnomaly(a domain.StatAnomaly) (domain.StatAnomaly, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, a)
	return a, f.err
}

func (f *fakeRepo) InsertStatSnapshot(s domain.StatSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, s)
	return f.err
}

func TestMulti_FansOut(t *testing.T) {
	a, b := &fakeRepo{}, &fakeRepo{}
	sink := Multi{NewStore(a, zerolog.Nop()), NewStore(b, zerolog.Nop()), Metrics{}}

	sink.PackAnomaly(domain.PackAnomaly{Protocol: "TCP"})
	sink.StatAnomaly(domain.StatAnomaly{Kind: domain.InGap})
	sink.StatSnapshot(domain.StatSnapshot{})

	for _, r := range []*fakeRepo{a, b} {
		assert.Len(t, r.packs, 1)
		assert.Len(t, r.stats, 1)
		assert.Len(t, r.snaps, 1)
	}
}

func TestStore_LogsFailures(t *testing.T) {
	var buf bytes.Buffer
	repo := &fakeRepo{err: errors.New("disk full")}
	NewStore(repo, zerolog.New(&buf)).PackAnomaly(domain.PackAnomaly{})
	assert.Contains(t, buf.String(), "disk full")
}

func TestStore_SQLite(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	sink := NewStore(db, zerolog.Nop())
	sink.StatAnomaly(domain.StatAnomaly{Kind: domain.OutOfSpace, K: 12, Space: make([]uint16, 24)})
	sink.PackAnomaly(domain.PackAnomaly{Pattern: []byte("x"), Detector: []byte("y")})

	pack, stat, err := db.CountAnomalies()
	require.NoError(t, err)
	assert.Equal(t, 1, pack)
	assert.Equal(t, 1, stat)
}

func TestLog_Lines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLog(zerolog.New(&buf))

	sink.PackAnomaly(domain.PackAnomaly{Protocol: "UDP", Pattern: []byte{'a', 0, 'b'}})
	assert.Contains(t, buf.String(), `"pattern":"a.b"`)
	assert.Contains(t, buf.String(), `"component":"report"`)

	buf.Reset()
	sink.StatAnomaly(domain.StatAnomaly{
		Kind: domain.OutOfSpace, Value: 7, Dimension: domain.StatUDP, K: 12,
		Space: make([]uint16, 24),
	})
	assert.Contains(t, buf.String(), "Total number of UDP packets: 7 space valid range: [0, 0]")

	buf.Reset()
	sink.StatSnapshot(domain.StatSnapshot{Stats: domain.NBStats{TCPCount: 3}})
	assert.Contains(t, buf.String(), `"tc":3`)
}

// ─── Breaker ────────────────────────────────────────────────────────────────

func TestBreaker_TripsAndRecovers(t *testing.T) {
	var buf bytes.Buffer
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: 20 * time.Millisecond, HalfOpenProbes: 2}, zerolog.New(&buf))

	for i := 0; i < 2; i++ {
		done, err := b.Allow()
		require.NoError(t, err)
		done(false)
	}
	assert.Equal(t, Open, b.State())
	_, err := b.Allow()
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Contains(t, buf.String(), "report store tripped")

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())
	first, err := b.Allow()
	require.NoError(t, err)
	second, err := b.Allow()
	require.NoError(t, err)
	_, err = b.Allow()
	assert.ErrorIs(t, err, domain.ErrCircuitOpen, "probe budget exhausted")

	first(true)
	assert.Equal(t, HalfOpen, b.State())
	second(true)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 1, b.Trips())
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour, HalfOpenProbes: 1}, zerolog.Nop())
	for _, ok := range []bool{false, true, false, true, false} {
		done, err := b.Allow()
		require.NoError(t, err)
		done(ok)
	}
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Trips())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond, HalfOpenProbes: 1}, zerolog.Nop())

	done, err := b.Allow()
	require.NoError(t, err)
	done(false)
	time.Sleep(30 * time.Millisecond)

	done, err = b.Allow()
	require.NoError(t, err)
	done(false)
	assert.Equal(t, Open, b.State())
	assert.Equal(t, 2, b.Trips())
}

func TestStore_SkipsWritesWhileOpen(t *testing.T) {
	repo := &fakeRepo{err: errors.New("database is locked")}
	var buf bytes.Buffer
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour, HalfOpenProbes: 1}, zerolog.New(&buf))
	sink := NewStoreWithBreaker(repo, b, zerolog.New(&buf))

	for i := 0; i < 10; i++ {
		sink.PackAnomaly(domain.PackAnomaly{})
	}
	assert.Len(t, repo.packs, 3, "writes stop once the breaker opens")
	assert.Equal(t, Open, sink.Breaker().State())
	assert.Contains(t, buf.String(), "report store tripped")
}
