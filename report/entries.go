package report

import (
	"fmt"

	"github.com/hupe1980/alloclog/model"
)

type allocationJSON struct {
	Ptr              string            `json:"ptr"`
	Size             uint64            `json:"size"`
	TimestampAlloc   uint64            `json:"timestamp_alloc"`
	ThreadID         string            `json:"thread_id"`
	VarName          string            `json:"var_name,omitempty"`
	TypeName         string            `json:"type_name,omitempty"`
	ScopeName        *string           `json:"scope_name,omitempty"`
	TimestampDealloc *uint64           `json:"timestamp_dealloc,omitempty"`
	BorrowCount      *uint32           `json:"borrow_count,omitempty"`
	IsLeaked         *bool             `json:"is_leaked,omitempty"`
	LifetimeMs       *uint64           `json:"lifetime_ms,omitempty"`
	StackTrace       []string          `json:"stack_trace,omitempty"`
	BorrowInfo       *borrowInfoJSON   `json:"borrow_info,omitempty"`
	CloneInfo        *cloneInfoJSON    `json:"clone_info,omitempty"`
	SmartPointer     *smartPointerJSON `json:"smart_pointer_info,omitempty"`
	MemoryLayout     *memoryLayoutJSON `json:"memory_layout,omitempty"`
	GenericInfo      *genericInfoJSON  `json:"generic_info,omitempty"`
	FFI              *ffiJSON          `json:"ffi_info,omitempty"`
	Access           []accessJSON      `json:"access_tracking,omitempty"`
}

type borrowInfoJSON struct {
	ImmutableBorrows     uint32 `json:"immutable_borrows"`
	MutableBorrows       uint32 `json:"mutable_borrows"`
	MaxConcurrentBorrows uint32 `json:"max_concurrent_borrows"`
	LastBorrowTimestamp  uint64 `json:"last_borrow_timestamp"`
}

type cloneInfoJSON struct {
	CloneCount  uint32 `json:"clone_count"`
	IsClone     bool   `json:"is_clone"`
	OriginalPtr string `json:"original_ptr,omitempty"`
}

type smartPointerJSON struct {
	Type        string `json:"pointer_type"`
	StrongCount uint32 `json:"strong_count"`
	WeakCount   uint32 `json:"weak_count"`
}

type memoryLayoutJSON struct {
	Size      uint64 `json:"total_size"`
	Alignment uint64 `json:"alignment"`
	Padding   uint64 `json:"padding_bytes"`
}

type genericInfoJSON struct {
	BaseType   string   `json:"base_type"`
	TypeParams []string `json:"type_parameters"`
}

type ffiJSON struct {
	Library   string `json:"library"`
	Function  string `json:"function"`
	Crossings int    `json:"boundary_crossings"`
}

type accessJSON struct {
	Timestamp uint64 `json:"timestamp"`
	Address   string `json:"address"`
	Size      uint64 `json:"size"`
	Kind      string `json:"access_type"`
}

type lifecycleJSON struct {
	Event      string  `json:"event"`
	Ptr        string  `json:"ptr"`
	Timestamp  uint64  `json:"timestamp"`
	ThreadID   string  `json:"thread_id"`
	Size       uint64  `json:"size"`
	VarName    string  `json:"var_name,omitempty"`
	TypeName   string  `json:"type_name,omitempty"`
	ScopeName  *string `json:"scope_name,omitempty"`
	LifetimeMs *uint64 `json:"lifetime_ms,omitempty"`
}

type boundaryJSON struct {
	Ptr       string `json:"ptr"`
	Timestamp uint64 `json:"timestamp"`
	Direction string `json:"direction"`
	Context   string `json:"context"`
	Library   string `json:"library"`
	Function  string `json:"function"`
}

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }

// newAllocation renders the fields of r selected by fs. Missing names are
// inferred from the allocation size.
func newAllocation(r *model.AllocationRecord, fs model.FieldSet) allocationJSON {
	a := allocationJSON{
		Ptr:            hex(r.Ptr),
		Size:           r.Size,
		TimestampAlloc: r.TimestampAlloc,
		ThreadID:       r.ThreadID,
	}
	if fs.Has(model.FieldVarName) {
		a.VarName = varName(r)
	}
	if fs.Has(model.FieldTypeName) {
		a.TypeName = typeName(r)
	}
	if fs.Has(model.FieldScopeName) {
		a.ScopeName = r.ScopeName
	}
	if fs.Has(model.FieldTimestampDealloc) {
		a.TimestampDealloc = r.TimestampDealloc
	}
	if fs.Has(model.FieldBorrowCount) {
		a.BorrowCount = model.Ptr(r.BorrowCount)
	}
	if fs.Has(model.FieldIsLeaked) {
		a.IsLeaked = model.Ptr(r.IsLeaked)
	}
	if fs.Has(model.FieldLifetimeMs) {
		a.LifetimeMs = r.LifetimeMs
	}
	if fs.Has(model.FieldStackTrace) {
		a.StackTrace = r.StackTrace
	}
	if b := r.BorrowInfo; b != nil && fs.Has(model.FieldBorrowInfo) {
		a.BorrowInfo = &borrowInfoJSON{
			ImmutableBorrows:     b.ImmutableBorrows,
			MutableBorrows:       b.MutableBorrows,
			MaxConcurrentBorrows: b.MaxConcurrentBorrows,
			LastBorrowTimestamp:  b.LastBorrowTimestamp,
		}
	}
	if c := r.CloneInfo; c != nil && fs.Has(model.FieldCloneInfo) {
		a.CloneInfo = &cloneInfoJSON{CloneCount: c.CloneCount, IsClone: c.IsClone}
		if c.OriginalPtr != 0 {
			a.CloneInfo.OriginalPtr = hex(c.OriginalPtr)
		}
	}
	if s := r.SmartPointer; s != nil && fs.Has(model.FieldSmartPointer) {
		a.SmartPointer = &smartPointerJSON{Type: s.Kind.String(), StrongCount: s.StrongCount, WeakCount: s.WeakCount}
	}
	if l := r.MemoryLayout; l != nil && fs.Has(model.FieldMemoryLayout) {
		a.MemoryLayout = &memoryLayoutJSON{Size: l.Size, Alignment: l.Alignment, Padding: l.Padding}
	}
	if g := r.GenericInfo; g != nil && fs.Has(model.FieldGenericInfo) {
		a.GenericInfo = &genericInfoJSON{BaseType: g.BaseType, TypeParams: g.TypeParams}
	}
	if f := r.FFI; f != nil && fs.Has(model.FieldFFI) {
		a.FFI = &ffiJSON{Library: f.Library, Function: f.Function, Crossings: len(f.Crossings)}
	}
	if fs.Has(model.FieldAccess) && len(r.Access) > 0 {
		a.Access = make([]accessJSON, len(r.Access))
		for i, e := range r.Access {
			a.Access[i] = accessJSON{Timestamp: e.Timestamp, Address: hex(e.Address), Size: e.Size, Kind: e.Kind.String()}
		}
	}
	return a
}

// lifecycleEvents expands r into its allocation event, its recorded
// transitions and, when the record was freed without a recorded
// deallocation event, a synthesized one.
func lifecycleEvents(r *model.AllocationRecord) []lifecycleJSON {
	ptr := hex(r.Ptr)
	out := make([]lifecycleJSON, 0, len(r.Lifecycle)+2)
	out = append(out, lifecycleJSON{
		Event:     "allocation",
		Ptr:       ptr,
		Timestamp: r.TimestampAlloc,
		ThreadID:  r.ThreadID,
		Size:      r.Size,
		VarName:   varName(r),
		TypeName:  typeName(r),
		ScopeName: r.ScopeName,
	})

	freed := false
	for _, e := range r.Lifecycle {
		ev := lifecycleJSON{
			Event:     e.Kind.String(),
			Ptr:       ptr,
			Timestamp: e.Timestamp,
			ThreadID:  e.ThreadID,
			Size:      e.Size,
		}
		if e.Kind == model.EventDeallocation {
			freed = true
			ev.LifetimeMs = r.LifetimeMs
		}
		out = append(out, ev)
	}
	if r.TimestampDealloc != nil && !freed {
		out = append(out, lifecycleJSON{
			Event:      model.EventDeallocation.String(),
			Ptr:        ptr,
			Timestamp:  *r.TimestampDealloc,
			ThreadID:   r.ThreadID,
			Size:       r.Size,
			LifetimeMs: r.LifetimeMs,
		})
	}
	return out
}
