package snapshot

import "time"

// Schedule walks the configured save intervals in order and tracks the
// cumulative training time.
type Schedule struct {
	periods []time.Duration
	elapsed time.Duration
}

// NewSchedule starts at elapsed with the given intervals in minutes.
// Non-positive intervals are skipped.
func NewSchedule(elapsed time.Duration, minutes []int) *Schedule {
	s := &Schedule{elapsed: elapsed}
	for _, m := range minutes {
		if m > 0 {
			s.periods = append(s.periods, time.Duration(m)*time.Minute)
		}
	}
	return s
}

// Next returns the wait before the next save, or false when the schedule
// is exhausted.
func (s *Schedule) Next() (time.Duration, bool) {
	if len(s.periods) == 0 {
		return 0, false
	}
	return s.periods[0], true
}

// Advance consumes the current interval and returns the new elapsed time.
func (s *Schedule) Advance() time.Duration {
	if len(s.periods) == 0 {
		return s.elapsed
	}
	s.elapsed += s.periods[0]
	s.periods = s.periods[1:]
	return s.elapsed
}

// Elapsed returns the cumulative training time.
func (s *Schedule) Elapsed() time.Duration { return s.elapsed }

// Remaining returns the number of pending saves.
func (s *Schedule) Remaining() int { return len(s.periods) }
