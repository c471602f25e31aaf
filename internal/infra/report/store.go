package report

import (
	"github.com/rs/zerolog"

	"github.com/tutu-network/immunet/internal/domain"
	"github.com/tutu-network/immunet/internal/infra/metrics"
)

// Repository is the subset of the sqlite store the Store sink writes to.
type Repository interface {
	InsertPackAnomaly(a domain.PackAnomaly) (domain.PackAnomaly, error)
	InsertStatAnomaly(a domain.StatAnomaly) (domain.StatAnomaly, error)
	InsertStatSnapshot(s domain.StatSnapshot) error
}

// Store persists reports. Write failures are logged and dropped; after
// repeated failures the breaker opens and reports are skipped until the
// store recovers.
type Store struct {
	repo    Repository
	breaker *Breaker
	log     zerolog.Logger
}

// NewStore returns a sink writing to repo behind a default breaker.
func NewStore(repo Repository, log zerolog.Logger) *Store {
	b := NewBreaker(DefaultBreakerConfig(), log.With().Str("component", "report").Logger())
	return NewStoreWithBreaker(repo, b, log)
}

// NewStoreWithBreaker returns a sink writing to repo behind b.
func NewStoreWithBreaker(repo Repository, b *Breaker, log zerolog.Logger) *Store {
	return &Store{repo: repo, breaker: b, log: log.With().Str("component", "report").Logger()}
}

// Breaker returns the breaker guarding the store.
func (s *Store) Breaker() *Breaker { return s.breaker }

func (s *Store) PackAnomaly(a domain.PackAnomaly) {
	s.write("packet anomaly", func() error {
		_, err := s.repo.InsertPackAnomaly(a)
		return err
	})
}

func (s *Store) StatAnomaly(a domain.StatAnomaly) {
	s.write("statistics anomaly", func() error {
		_, err := s.repo.InsertStatAnomaly(a)
		return err
	})
}

func (s *Store) StatSnapshot(snap domain.StatSnapshot) {
	s.write("statistics period", func() error {
		return s.repo.InsertStatSnapshot(snap)
	})
}

func (s *Store) write(what string, fn func() error) {
	done, err := s.breaker.Allow()
	if err != nil {
		metrics.ReportsDropped.WithLabelValues("circuit_open").Inc()
		return
	}
	err = fn()
	done(err == nil)
	if err != nil {
		metrics.ReportsDropped.WithLabelValues("error").Inc()
		s.log.Error().Err(err).Msg("store " + what)
	}
}
