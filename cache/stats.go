package cache

import "time"

// Stats counts cache activity since the cache was opened.
type Stats struct {
	TotalRequests uint64
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Expirations   uint64
	Invalidations uint64

	// TimeSaved accumulates recorded build time minus load time over all hits.
	TimeSaved time.Duration
}

// HitRate returns Hits / TotalRequests, or 0 before the first request.
func (s Stats) HitRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.TotalRequests)
}
