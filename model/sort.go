package model

import (
	"cmp"
	"fmt"
	"slices"
)

// SortField selects the key used to order records.
type SortField uint8

const (
	SortByPtr SortField = iota
	SortBySize
	SortByTimestampAlloc
	SortByTimestampDealloc
	SortByLifetimeMs
	SortByBorrowCount
	SortByThreadID
	SortByTypeName
	SortByVarName
)

var sortFieldNames = [...]string{
	"ptr", "size", "timestamp_alloc", "timestamp_dealloc", "lifetime_ms",
	"borrow_count", "thread_id", "type_name", "var_name",
}

func (f SortField) String() string {
	if int(f) < len(sortFieldNames) {
		return sortFieldNames[f]
	}
	return fmt.Sprintf("sort(%d)", uint8(f))
}

// Field returns the record field the sort key is read from.
func (f SortField) Field() Field {
	switch f {
	case SortByPtr:
		return FieldPtr
	case SortBySize:
		return FieldSize
	case SortByTimestampAlloc:
		return FieldTimestampAlloc
	case SortByTimestampDealloc:
		return FieldTimestampDealloc
	case SortByLifetimeMs:
		return FieldLifetimeMs
	case SortByBorrowCount:
		return FieldBorrowCount
	case SortByThreadID:
		return FieldThreadID
	case SortByTypeName:
		return FieldTypeName
	default:
		return FieldVarName
	}
}

// SortOrder is the direction of a sort.
type SortOrder uint8

const (
	Ascending SortOrder = iota
	Descending
)

func (o SortOrder) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}

// SortSpec pairs a key with a direction.
type SortSpec struct {
	Field SortField
	Order SortOrder
}

// Validate rejects unknown keys and directions.
func (s SortSpec) Validate() error {
	if int(s.Field) >= len(sortFieldNames) {
		return Invalid("sort", "unknown field %d", uint8(s.Field))
	}
	if s.Order > Descending {
		return Invalid("sort", "unknown order %d", uint8(s.Order))
	}
	return nil
}

// Compare orders a and b ascending by f. Absent optional values compare as
// 0 or the empty string.
func (f SortField) Compare(a, b *AllocationRecord) int {
	switch f {
	case SortByPtr:
		return cmp.Compare(a.Ptr, b.Ptr)
	case SortBySize:
		return cmp.Compare(a.Size, b.Size)
	case SortByTimestampAlloc:
		return cmp.Compare(a.TimestampAlloc, b.TimestampAlloc)
	case SortByTimestampDealloc:
		return cmp.Compare(Uint64Or(a.TimestampDealloc, 0), Uint64Or(b.TimestampDealloc, 0))
	case SortByLifetimeMs:
		return cmp.Compare(Uint64Or(a.LifetimeMs, 0), Uint64Or(b.LifetimeMs, 0))
	case SortByBorrowCount:
		return cmp.Compare(a.BorrowCount, b.BorrowCount)
	case SortByThreadID:
		return cmp.Compare(a.ThreadID, b.ThreadID)
	case SortByTypeName:
		return cmp.Compare(StringOr(a.TypeName, ""), StringOr(b.TypeName, ""))
	case SortByVarName:
		return cmp.Compare(StringOr(a.VarName, ""), StringOr(b.VarName, ""))
	default:
		return 0
	}
}

// SortRecords sorts recs in place. Equal keys keep their input order in
// both directions.
func SortRecords(recs []AllocationRecord, s SortSpec) {
	if s.Order == Descending {
		slices.SortStableFunc(recs, func(a, b AllocationRecord) int {
			return s.Field.Compare(&b, &a)
		})
		return
	}
	slices.SortStableFunc(recs, func(a, b AllocationRecord) int {
		return s.Field.Compare(&a, &b)
	})
}
