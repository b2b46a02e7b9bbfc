// Package resource bounds the memory, parallelism and IO of one exporter.
//
//	┌──────────────────────────────────────────────────────┐
//	│                     Controller                       │
//	├────────────────┬──────────────────┬──────────────────┤
//	│ Memory ceiling │ Worker slots     │ IO token bucket  │
//	│ (semaphore)    │ (semaphore)      │ (x/time/rate)    │
//	├────────────────┼──────────────────┼──────────────────┤
//	│ AcquireMemory  │ AcquireWorker    │ WaitIO           │
//	│ WaitMemory     │ TryAcquireWorker │ Writer           │
//	│ PeakMemory     │ ReleaseWorker    │                  │
//	└────────────────┴──────────────────┴──────────────────┘
//
// Memory reservations track a high-water mark that the exporter reports as
// peak memory. A nil *Controller turns every method into a no-op, so
// packages accept an optional controller without nil checks.
package resource
