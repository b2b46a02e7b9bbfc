package alloclog

import "time"

// Stats aggregates every Export call since the exporter was created or
// ResetStats was last called.
type Stats struct {
	Conversions int
	Successes   int
	Failures    int
	Recoveries  int
	Timeouts    int

	// Strategies counts successful conversions by the strategy that
	// produced them.
	Strategies map[Strategy]int

	TotalRecords  int
	TotalBytes    int64
	TotalDuration time.Duration
	PeakMemory    int64
}

// SuccessRate returns the fraction of conversions that succeeded.
func (s Stats) SuccessRate() float64 {
	if s.Conversions == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Conversions)
}

// AverageThroughput returns records per second over all successful conversions.
func (s Stats) AverageThroughput() float64 {
	if s.TotalDuration <= 0 {
		return 0
	}
	return float64(s.TotalRecords) / s.TotalDuration.Seconds()
}

// MostUsedStrategy returns the strategy with the most successful conversions.
// Ties go to the cheaper strategy. ok is false before the first success.
func (s Stats) MostUsedStrategy() (strategy Strategy, ok bool) {
	best := 0
	for st := Strategy(0); st < numStrategies; st++ {
		if n := s.Strategies[st]; n > best {
			strategy, best, ok = st, n, true
		}
	}
	return strategy, ok
}

func (s Stats) clone() Stats {
	out := s
	out.Strategies = make(map[Strategy]int, len(s.Strategies))
	for k, v := range s.Strategies {
		out.Strategies[k] = v
	}
	return out
}
