package model

import (
	"fmt"
	"math/bits"
	"strings"
)

// Field identifies one projectable part of an AllocationRecord.
type Field uint8

const (
	FieldPtr Field = iota
	FieldSize
	FieldTimestampAlloc
	FieldThreadID
	FieldTimestampDealloc
	FieldVarName
	FieldTypeName
	FieldScopeName
	FieldBorrowCount
	FieldIsLeaked
	FieldLifetimeMs
	FieldStackTrace
	FieldBorrowInfo
	FieldCloneInfo
	FieldOwnershipHistory
	FieldSmartPointer
	FieldMemoryLayout
	FieldGenericInfo
	FieldFFI
	FieldLifecycle
	FieldAccess

	numFields
)

var fieldNames = [numFields]string{
	"ptr", "size", "timestamp_alloc", "thread_id", "timestamp_dealloc",
	"var_name", "type_name", "scope_name", "borrow_count", "is_leaked",
	"lifetime_ms", "stack_trace", "borrow_info", "clone_info",
	"ownership_history_available", "smart_pointer_info", "memory_layout",
	"generic_info", "ffi_info", "lifecycle_tracking", "access_tracking",
}

// String returns the field's JSON name.
func (f Field) String() string {
	if f < numFields {
		return fieldNames[f]
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// ParseField resolves a field by its JSON name.
func ParseField(name string) (Field, error) {
	for i, n := range fieldNames {
		if n == name {
			return Field(i), nil
		}
	}
	return 0, Invalid("field", "unknown field %q", name)
}

// FieldSet is a bitmask of Fields.
type FieldSet uint64

// Fields builds a FieldSet from individual fields.
func Fields(fs ...Field) FieldSet {
	var s FieldSet
	for _, f := range fs {
		s |= 1 << f
	}
	return s
}

// Predefined projections.
var (
	// CoreFields are present in every decoded record.
	CoreFields = Fields(FieldPtr, FieldSize, FieldTimestampAlloc, FieldThreadID)

	AllFields = FieldSet(1<<numFields - 1)

	BasicFields = CoreFields | Fields(FieldVarName, FieldTypeName)

	MemoryAnalysisFields = CoreFields | Fields(
		FieldVarName, FieldTypeName, FieldScopeName, FieldTimestampDealloc,
		FieldBorrowCount, FieldIsLeaked, FieldMemoryLayout,
	)

	LifetimeFields = CoreFields | Fields(
		FieldVarName, FieldTypeName, FieldScopeName, FieldTimestampDealloc,
		FieldLifetimeMs, FieldIsLeaked, FieldLifecycle,
	)

	PerformanceFields = CoreFields | Fields(
		FieldTypeName, FieldBorrowCount, FieldBorrowInfo, FieldCloneInfo,
		FieldLifetimeMs, FieldAccess,
	)

	ComplexTypesFields = CoreFields | Fields(
		FieldVarName, FieldTypeName, FieldSmartPointer, FieldMemoryLayout,
		FieldGenericInfo,
	)

	UnsafeFFIFields = CoreFields | Fields(
		FieldVarName, FieldTypeName, FieldStackTrace, FieldIsLeaked, FieldFFI,
	)
)

// Has reports whether f is in the set.
func (s FieldSet) Has(f Field) bool { return s&(1<<f) != 0 }

// With returns the set with fs added.
func (s FieldSet) With(fs ...Field) FieldSet { return s | Fields(fs...) }

// Union returns the union of both sets.
func (s FieldSet) Union(o FieldSet) FieldSet { return s | o }

// IsEmpty reports whether no field is selected.
func (s FieldSet) IsEmpty() bool { return s == 0 }

// Len returns the number of selected fields.
func (s FieldSet) Len() int { return bits.OnesCount64(uint64(s)) }

// List returns the selected fields in declaration order.
func (s FieldSet) List() []Field {
	out := make([]Field, 0, s.Len())
	for f := Field(0); f < numFields; f++ {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (s FieldSet) String() string {
	fs := s.List()
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}
