package model

import (
	"fmt"
	"strings"
)

// FilterKind is the shape of a Filter.
type FilterKind uint8

const (
	FilterPtrRange FilterKind = iota + 1
	FilterSizeRange
	FilterTimestampRange
	FilterThreadEquals
	FilterThreadContains
	FilterTypeEquals
	FilterTypeContains
	FilterVarNameContains
	FilterScopeNameContains
	FilterHasStackTrace
	FilterNoStackTrace
	FilterLeakedOnly
	FilterNotLeaked
	FilterMinBorrowCount
	FilterMaxBorrowCount
	FilterLifetimeRange
)

var filterNames = map[FilterKind]string{
	FilterPtrRange:          "ptr_range",
	FilterSizeRange:         "size_range",
	FilterTimestampRange:    "timestamp_range",
	FilterThreadEquals:      "thread_equals",
	FilterThreadContains:    "thread_contains",
	FilterTypeEquals:        "type_equals",
	FilterTypeContains:      "type_contains",
	FilterVarNameContains:   "var_name_contains",
	FilterScopeNameContains: "scope_name_contains",
	FilterHasStackTrace:     "has_stack_trace",
	FilterNoStackTrace:      "no_stack_trace",
	FilterLeakedOnly:        "leaked_only",
	FilterNotLeaked:         "not_leaked",
	FilterMinBorrowCount:    "min_borrow_count",
	FilterMaxBorrowCount:    "max_borrow_count",
	FilterLifetimeRange:     "lifetime_range",
}

func (k FilterKind) String() string {
	if n, ok := filterNames[k]; ok {
		return n
	}
	return fmt.Sprintf("filter(%d)", uint8(k))
}

// Filter is a record predicate. Ranges are inclusive on both ends.
//
// Use the constructor functions rather than building the struct by hand.
type Filter struct {
	Kind FilterKind
	Min  uint64
	Max  uint64
	Text string
}

func PtrRange(min, max uint64) Filter {
	return Filter{Kind: FilterPtrRange, Min: min, Max: max}
}

func SizeRange(min, max uint64) Filter {
	return Filter{Kind: FilterSizeRange, Min: min, Max: max}
}

func TimestampRange(min, max uint64) Filter {
	return Filter{Kind: FilterTimestampRange, Min: min, Max: max}
}

func ThreadEquals(id string) Filter { return Filter{Kind: FilterThreadEquals, Text: id} }

func ThreadContains(s string) Filter { return Filter{Kind: FilterThreadContains, Text: s} }

func TypeEquals(name string) Filter { return Filter{Kind: FilterTypeEquals, Text: name} }

func TypeContains(s string) Filter { return Filter{Kind: FilterTypeContains, Text: s} }

func VarNameContains(s string) Filter { return Filter{Kind: FilterVarNameContains, Text: s} }

func ScopeNameContains(s string) Filter { return Filter{Kind: FilterScopeNameContains, Text: s} }

func HasStackTrace() Filter { return Filter{Kind: FilterHasStackTrace} }

func NoStackTrace() Filter { return Filter{Kind: FilterNoStackTrace} }

func LeakedOnly() Filter { return Filter{Kind: FilterLeakedOnly} }

func NotLeaked() Filter { return Filter{Kind: FilterNotLeaked} }

func MinBorrowCount(n uint32) Filter { return Filter{Kind: FilterMinBorrowCount, Min: uint64(n)} }

func MaxBorrowCount(n uint32) Filter { return Filter{Kind: FilterMaxBorrowCount, Max: uint64(n)} }

func LifetimeRange(minMs, maxMs uint64) Filter {
	return Filter{Kind: FilterLifetimeRange, Min: minMs, Max: maxMs}
}

// Validate rejects unknown kinds and inverted ranges.
func (f Filter) Validate() error {
	switch f.Kind {
	case FilterPtrRange, FilterSizeRange, FilterTimestampRange, FilterLifetimeRange:
		if f.Min > f.Max {
			return Invalid("filter", "%s: min %d greater than max %d", f.Kind, f.Min, f.Max)
		}
	case FilterThreadEquals, FilterThreadContains, FilterTypeEquals, FilterTypeContains,
		FilterVarNameContains, FilterScopeNameContains, FilterHasStackTrace, FilterNoStackTrace,
		FilterLeakedOnly, FilterNotLeaked, FilterMinBorrowCount, FilterMaxBorrowCount:
	default:
		return Invalid("filter", "unknown kind %d", uint8(f.Kind))
	}
	return nil
}

// Fields returns the fields that must be loaded to evaluate f.
func (f Filter) Fields() FieldSet {
	switch f.Kind {
	case FilterPtrRange:
		return Fields(FieldPtr)
	case FilterSizeRange:
		return Fields(FieldSize)
	case FilterTimestampRange:
		return Fields(FieldTimestampAlloc)
	case FilterThreadEquals, FilterThreadContains:
		return Fields(FieldThreadID)
	case FilterTypeEquals, FilterTypeContains:
		return Fields(FieldTypeName)
	case FilterVarNameContains:
		return Fields(FieldVarName)
	case FilterScopeNameContains:
		return Fields(FieldScopeName)
	case FilterHasStackTrace, FilterNoStackTrace:
		return Fields(FieldStackTrace)
	case FilterLeakedOnly, FilterNotLeaked:
		return Fields(FieldIsLeaked)
	case FilterMinBorrowCount, FilterMaxBorrowCount:
		return Fields(FieldBorrowCount)
	case FilterLifetimeRange:
		return Fields(FieldLifetimeMs)
	default:
		return 0
	}
}

// Prefilterable reports whether an index can prune candidates for f.
// Pruning is approximate; Match must still run on loaded records.
func (f Filter) Prefilterable() bool {
	switch f.Kind {
	case FilterPtrRange, FilterSizeRange, FilterTimestampRange, FilterThreadEquals, FilterTypeEquals:
		return true
	default:
		return false
	}
}

// Match evaluates f exactly against r. Absent optional values never match
// a positive predicate.
func (f Filter) Match(r *AllocationRecord) bool {
	switch f.Kind {
	case FilterPtrRange:
		return inRange(r.Ptr, f.Min, f.Max)
	case FilterSizeRange:
		return inRange(r.Size, f.Min, f.Max)
	case FilterTimestampRange:
		return inRange(r.TimestampAlloc, f.Min, f.Max)
	case FilterThreadEquals:
		return r.ThreadID == f.Text
	case FilterThreadContains:
		return strings.Contains(r.ThreadID, f.Text)
	case FilterTypeEquals:
		return r.TypeName != nil && *r.TypeName == f.Text
	case FilterTypeContains:
		return r.TypeName != nil && strings.Contains(*r.TypeName, f.Text)
	case FilterVarNameContains:
		return r.VarName != nil && strings.Contains(*r.VarName, f.Text)
	case FilterScopeNameContains:
		return r.ScopeName != nil && strings.Contains(*r.ScopeName, f.Text)
	case FilterHasStackTrace:
		return r.StackTrace != nil
	case FilterNoStackTrace:
		return r.StackTrace == nil
	case FilterLeakedOnly:
		return r.IsLeaked
	case FilterNotLeaked:
		return !r.IsLeaked
	case FilterMinBorrowCount:
		return uint64(r.BorrowCount) >= f.Min
	case FilterMaxBorrowCount:
		return uint64(r.BorrowCount) <= f.Max
	case FilterLifetimeRange:
		return r.LifetimeMs != nil && inRange(*r.LifetimeMs, f.Min, f.Max)
	default:
		return false
	}
}

func (f Filter) String() string {
	switch f.Kind {
	case FilterPtrRange, FilterSizeRange, FilterTimestampRange, FilterLifetimeRange:
		return fmt.Sprintf("%s[%d,%d]", f.Kind, f.Min, f.Max)
	case FilterMinBorrowCount:
		return fmt.Sprintf("%s(%d)", f.Kind, f.Min)
	case FilterMaxBorrowCount:
		return fmt.Sprintf("%s(%d)", f.Kind, f.Max)
	case FilterHasStackTrace, FilterNoStackTrace, FilterLeakedOnly, FilterNotLeaked:
		return f.Kind.String()
	default:
		return fmt.Sprintf("%s(%q)", f.Kind, f.Text)
	}
}

// MatchAll reports whether r satisfies every filter.
func MatchAll(filters []Filter, r *AllocationRecord) bool {
	for _, f := range filters {
		if !f.Match(r) {
			return false
		}
	}
	return true
}

// FilterFields returns the union of fields required by filters.
func FilterFields(filters []Filter) FieldSet {
	var s FieldSet
	for _, f := range filters {
		s |= f.Fields()
	}
	return s
}

func inRange(v, min, max uint64) bool { return v >= min && v <= max }
