package testutil

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/hupe1980/alloclog/model"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

var (
	threads   = []string{"main", "worker-1", "worker-2", "io", "ThreadId(7)"}
	typeNames = []string{
		"Vec<u8>", "String", "HashMap<String, u64>", "Box<Node>", "Rc<RefCell<State>>",
		"Arc<Mutex<Queue>>", "u64", "i32", "Option<Box<Tree>>", "Config",
	}
	scopes = []string{"main", "parse_input", "handle_request", "worker_loop", "global"}
)

// Records generates n records with deterministic content.
//
// Pointers and timestamps increase with the record index, so callers can
// reason about ranges. Every fourth record carries the full set of optional
// sub-records; the rest mix presence and absence of the scalar optionals.
func (r *RNG) Records(n int) []model.AllocationRecord {
	recs := make([]model.AllocationRecord, n)
	for i := range recs {
		recs[i] = r.Record(i)
	}
	return recs
}

// Record generates the record at position i.
func (r *RNG) Record(i int) model.AllocationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rnd := r.rand
	rec := model.AllocationRecord{
		Ptr:            0x10000 + uint64(i)*0x40 + uint64(rnd.Intn(0x20)),
		Size:           uint64(1 + rnd.Intn(4096)),
		TimestampAlloc: 1_000_000 + uint64(i)*1000 + uint64(rnd.Intn(500)),
		ThreadID:       threads[rnd.Intn(len(threads))],
		BorrowCount:    uint32(rnd.Intn(8)),
		IsLeaked:       rnd.Intn(5) == 0,
	}
	if rnd.Intn(3) != 0 {
		rec.VarName = model.Ptr(fmt.Sprintf("var_%d", i))
	}
	if rnd.Intn(4) != 0 {
		rec.TypeName = model.Ptr(typeNames[rnd.Intn(len(typeNames))])
	}
	if rnd.Intn(2) == 0 {
		rec.ScopeName = model.Ptr(scopes[rnd.Intn(len(scopes))])
	}
	if !rec.IsLeaked {
		lifetime := uint64(rnd.Intn(10_000))
		rec.TimestampDealloc = model.Ptr(rec.TimestampAlloc + lifetime*1000)
		rec.LifetimeMs = model.Ptr(lifetime)
	}
	if rnd.Intn(3) == 0 {
		rec.StackTrace = []string{"alloc::alloc", fmt.Sprintf("app::fn_%d", rnd.Intn(16)), "main"}
	}

	if i%4 == 0 {
		rec.BorrowInfo = &model.BorrowInfo{
			ImmutableBorrows:     uint32(rnd.Intn(10)),
			MutableBorrows:       uint32(rnd.Intn(3)),
			MaxConcurrentBorrows: uint32(1 + rnd.Intn(3)),
			LastBorrowTimestamp:  rec.TimestampAlloc + uint64(rnd.Intn(1000)),
		}
		rec.CloneInfo = &model.CloneInfo{CloneCount: uint32(rnd.Intn(4)), IsClone: rnd.Intn(2) == 0, OriginalPtr: rec.Ptr - 0x40}
		rec.OwnershipHistoryAvailable = true
		rec.SmartPointer = &model.SmartPointerInfo{Kind: model.SmartPointerKind(rnd.Intn(5)), StrongCount: 1, WeakCount: uint32(rnd.Intn(2))}
		rec.MemoryLayout = &model.MemoryLayout{Size: rec.Size, Alignment: 8, Padding: uint64(rnd.Intn(8))}
		rec.GenericInfo = &model.GenericInfo{BaseType: "Vec", TypeParams: []string{"u8"}}
		rec.FFI = &model.FFIInfo{
			Library:  "libc",
			Function: "malloc",
			Crossings: []model.BoundaryEvent{
				{Timestamp: rec.TimestampAlloc, Direction: model.ToForeign, Context: "malloc"},
				{Timestamp: rec.TimestampAlloc + 7, Direction: model.FromForeign, Context: "return"},
			},
		}
		rec.Lifecycle = []model.LifecycleEvent{
			{Timestamp: rec.TimestampAlloc, Kind: model.EventCreation, ThreadID: rec.ThreadID, Size: rec.Size},
			{Timestamp: rec.TimestampAlloc + 3, Kind: model.EventBorrow, ThreadID: rec.ThreadID},
			{Timestamp: rec.TimestampAlloc + 90, Kind: model.EventMove, ThreadID: "worker-1", Size: rec.Size},
		}
		rec.Access = []model.AccessEvent{
			{Timestamp: rec.TimestampAlloc + 1, Address: rec.Ptr, Size: 8, Kind: model.AccessWrite},
			{Timestamp: rec.TimestampAlloc + 2, Address: rec.Ptr + 8, Size: 8, Kind: model.AccessRead},
			{Timestamp: rec.TimestampAlloc + 5, Address: rec.Ptr, Size: 16, Kind: model.AccessReadModifyWrite},
		}
	}
	return rec
}

// Scenario returns the three-record fixture used across packages: sizes
// 1024, 2048 and 512 on threads main, worker and main.
func Scenario() []model.AllocationRecord {
	return []model.AllocationRecord{
		{Ptr: 0x1000, Size: 1024, TimestampAlloc: 100, ThreadID: "main", VarName: model.Ptr("a"), TypeName: model.Ptr("Vec<u8>")},
		{Ptr: 0x2000, Size: 2048, TimestampAlloc: 200, ThreadID: "worker", VarName: model.Ptr("b"), TypeName: model.Ptr("String")},
		{Ptr: 0x3000, Size: 512, TimestampAlloc: 300, ThreadID: "main", VarName: model.Ptr("c"), TypeName: model.Ptr("Box<Node>")},
	}
}
