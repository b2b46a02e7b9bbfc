package model

import "fmt"

// AllocationRecord is one tracked heap allocation.
//
// Ptr, Size, TimestampAlloc and ThreadID are always populated. Pointer and
// slice fields are nil when absent from the source or withheld by a
// selective read. BorrowCount, IsLeaked and OwnershipHistoryAvailable read
// as their zero value when withheld.
type AllocationRecord struct {
	Ptr            uint64
	Size           uint64
	TimestampAlloc uint64
	ThreadID       string

	TimestampDealloc *uint64
	VarName          *string
	TypeName         *string
	ScopeName        *string
	BorrowCount      uint32
	IsLeaked         bool
	LifetimeMs       *uint64
	StackTrace       []string

	BorrowInfo                *BorrowInfo
	CloneInfo                 *CloneInfo
	OwnershipHistoryAvailable bool
	SmartPointer              *SmartPointerInfo
	MemoryLayout              *MemoryLayout
	GenericInfo               *GenericInfo
	FFI                       *FFIInfo

	Lifecycle []LifecycleEvent
	Access    []AccessEvent
}

// BorrowInfo summarizes borrow activity on an allocation.
type BorrowInfo struct {
	ImmutableBorrows     uint32
	MutableBorrows       uint32
	MaxConcurrentBorrows uint32
	LastBorrowTimestamp  uint64
}

// CloneInfo describes clone relationships. OriginalPtr is 0 when the
// allocation is not itself a clone.
type CloneInfo struct {
	CloneCount  uint32
	IsClone     bool
	OriginalPtr uint64
}

// SmartPointerKind identifies the owning wrapper of an allocation.
type SmartPointerKind uint8

const (
	SmartPointerBox SmartPointerKind = iota
	SmartPointerRc
	SmartPointerArc
	SmartPointerRefCell
	SmartPointerWeak
)

var smartPointerNames = [...]string{"Box", "Rc", "Arc", "RefCell", "Weak"}

func (k SmartPointerKind) String() string {
	if int(k) < len(smartPointerNames) {
		return smartPointerNames[k]
	}
	return fmt.Sprintf("SmartPointer(%d)", uint8(k))
}

// SmartPointerInfo carries reference counts for counted pointers.
type SmartPointerInfo struct {
	Kind        SmartPointerKind
	StrongCount uint32
	WeakCount   uint32
}

// MemoryLayout is the size, alignment and padding of the allocated type.
type MemoryLayout struct {
	Size      uint64
	Alignment uint64
	Padding   uint64
}

// GenericInfo records the instantiation of a generic type.
type GenericInfo struct {
	BaseType   string
	TypeParams []string
}

// BoundaryDirection is the direction of a crossing between managed and foreign code.
type BoundaryDirection uint8

const (
	ToForeign BoundaryDirection = iota
	FromForeign
)

func (d BoundaryDirection) String() string {
	if d == FromForeign {
		return "from_foreign"
	}
	return "to_foreign"
}

// BoundaryEvent is a single crossing of an allocation over the FFI boundary.
type BoundaryEvent struct {
	Timestamp uint64
	Direction BoundaryDirection
	Context   string
}

// FFIInfo describes allocations that originate in or escape to foreign code.
type FFIInfo struct {
	Library   string
	Function  string
	Crossings []BoundaryEvent
}

// LifecycleEventKind enumerates lifecycle transitions.
type LifecycleEventKind uint8

const (
	EventCreation LifecycleEventKind = iota
	EventInitialization
	EventFirstUse
	EventMove
	EventCopy
	EventClone
	EventBorrow
	EventMutableBorrow
	EventBorrowRelease
	EventModification
	EventDeallocation
)

var lifecycleNames = [...]string{
	"creation", "initialization", "first_use", "move", "copy", "clone",
	"borrow", "mutable_borrow", "borrow_release", "modification", "deallocation",
}

func (k LifecycleEventKind) String() string {
	if int(k) < len(lifecycleNames) {
		return lifecycleNames[k]
	}
	return fmt.Sprintf("lifecycle(%d)", uint8(k))
}

// LifecycleEvent is one lifecycle transition of an allocation.
type LifecycleEvent struct {
	Timestamp uint64
	Kind      LifecycleEventKind
	ThreadID  string
	Size      uint64
}

// AccessKind enumerates memory access types.
type AccessKind uint8

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessReadModifyWrite
	AccessPrefetch
	AccessFlush
)

var accessNames = [...]string{"read", "write", "read_modify_write", "prefetch", "flush"}

func (k AccessKind) String() string {
	if int(k) < len(accessNames) {
		return accessNames[k]
	}
	return fmt.Sprintf("access(%d)", uint8(k))
}

// AccessEvent is one observed memory access inside an allocation.
type AccessEvent struct {
	Timestamp uint64
	Address   uint64
	Size      uint64
	Kind      AccessKind
}

// Project clears every optional field not in fs. The core fields are kept.
func (r *AllocationRecord) Project(fs FieldSet) {
	if !fs.Has(FieldTimestampDealloc) {
		r.TimestampDealloc = nil
	}
	if !fs.Has(FieldVarName) {
		r.VarName = nil
	}
	if !fs.Has(FieldTypeName) {
		r.TypeName = nil
	}
	if !fs.Has(FieldScopeName) {
		r.ScopeName = nil
	}
	if !fs.Has(FieldBorrowCount) {
		r.BorrowCount = 0
	}
	if !fs.Has(FieldIsLeaked) {
		r.IsLeaked = false
	}
	if !fs.Has(FieldLifetimeMs) {
		r.LifetimeMs = nil
	}
	if !fs.Has(FieldStackTrace) {
		r.StackTrace = nil
	}
	if !fs.Has(FieldBorrowInfo) {
		r.BorrowInfo = nil
	}
	if !fs.Has(FieldCloneInfo) {
		r.CloneInfo = nil
	}
	if !fs.Has(FieldOwnershipHistory) {
		r.OwnershipHistoryAvailable = false
	}
	if !fs.Has(FieldSmartPointer) {
		r.SmartPointer = nil
	}
	if !fs.Has(FieldMemoryLayout) {
		r.MemoryLayout = nil
	}
	if !fs.Has(FieldGenericInfo) {
		r.GenericInfo = nil
	}
	if !fs.Has(FieldFFI) {
		r.FFI = nil
	}
	if !fs.Has(FieldLifecycle) {
		r.Lifecycle = nil
	}
	if !fs.Has(FieldAccess) {
		r.Access = nil
	}
}

// Ptr returns a pointer to v. It keeps optional-field literals short.
func Ptr[T any](v T) *T { return &v }

// StringOr returns *s, or def when s is nil.
func StringOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// Uint64Or returns *v, or def when v is nil.
func Uint64Or(v *uint64, def uint64) uint64 {
	if v == nil {
		return def
	}
	return *v
}
