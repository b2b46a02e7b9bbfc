package report

import (
	"fmt"
	"strings"

	"github.com/hupe1980/alloclog/model"
)

// InferTypeName guesses a type name from an allocation size. It is used for
// records that carry no type name.
func InferTypeName(size uint64) string {
	switch {
	case size == 0:
		return "ZeroSizedType"
	case size == 1:
		return "u8_or_bool"
	case size == 2:
		return "u16_or_char"
	case size == 4:
		return "u32_or_f32_or_i32"
	case size == 8:
		return "u64_or_f64_or_i64_or_usize"
	case size == 16:
		return "u128_or_i128_or_complex_struct"
	case size == 24:
		return "Vec_or_String_header"
	case size == 32:
		return "HashMap_or_BTreeMap_header"
	case size >= 1024:
		return fmt.Sprintf("LargeAllocation_%dbytes", size)
	case size%8 == 0:
		return fmt.Sprintf("AlignedStruct_%dbytes", size)
	default:
		return fmt.Sprintf("CustomType_%dbytes", size)
	}
}

// InferVarName builds a variable name from the size bucket of an allocation
// and its address, e.g. "small_struct_var_7f001000".
func InferVarName(size, ptr uint64) string {
	var bucket string
	switch {
	case size == 0:
		bucket = "zero_sized_var"
	case size <= 8:
		bucket = "primitive_var"
	case size <= 32:
		bucket = "small_struct_var"
	case size <= 256:
		bucket = "medium_struct_var"
	case size <= 1024:
		bucket = "large_struct_var"
	default:
		bucket = "heap_allocated_var"
	}
	return fmt.Sprintf("%s_%x", bucket, ptr)
}

// Category is a bucket of the complex types report.
type Category uint8

const (
	CategoryPrimitive Category = iota
	CategoryCollections
	CategorySmartPointers
	CategoryGeneric
	CategoryUserDefined
	numCategories
)

var categoryNames = [numCategories]string{
	"primitive", "collections", "smart_pointers", "generic", "user_defined",
}

func (c Category) String() string {
	if c < numCategories {
		return categoryNames[c]
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

var (
	primitiveTypes = map[string]struct{}{
		"u8": {}, "u16": {}, "u32": {}, "u64": {}, "u128": {}, "usize": {},
		"i8": {}, "i16": {}, "i32": {}, "i64": {}, "i128": {}, "isize": {},
		"f32": {}, "f64": {}, "bool": {}, "char": {}, "str": {}, "()": {},
		"ZeroSizedType":                  {},
		"u8_or_bool":                     {},
		"u16_or_char":                    {},
		"u32_or_f32_or_i32":              {},
		"u64_or_f64_or_i64_or_usize":     {},
		"u128_or_i128_or_complex_struct": {},
	}
	collectionTypes = map[string]struct{}{
		"Vec": {}, "VecDeque": {}, "LinkedList": {}, "BinaryHeap": {},
		"HashMap": {}, "BTreeMap": {}, "HashSet": {}, "BTreeSet": {},
		"String": {}, "Vec_or_String_header": {}, "HashMap_or_BTreeMap_header": {},
	}
	smartPointerTypes = map[string]struct{}{
		"Box": {}, "Rc": {}, "Arc": {}, "Weak": {}, "RefCell": {}, "Cell": {},
		"Mutex": {}, "RwLock": {},
	}
)

// Categorize assigns a type name to a complex types bucket by its outermost
// type constructor: "Rc<RefCell<T>>" is a smart pointer, "Option<Box<T>>" is
// generic. Arrays and slices count as collections.
func Categorize(typeName string) Category {
	name := strings.TrimSpace(typeName)
	name = strings.TrimLeft(name, "&*")
	for _, p := range []string{"mut ", "const ", "dyn "} {
		name = strings.TrimPrefix(name, p)
	}
	if strings.HasPrefix(name, "[") {
		return CategoryCollections
	}

	outer, generic := name, false
	if i := strings.IndexByte(name, '<'); i >= 0 {
		outer, generic = name[:i], true
	}
	if i := strings.LastIndex(outer, "::"); i >= 0 {
		outer = outer[i+2:]
	}

	if _, ok := smartPointerTypes[outer]; ok {
		return CategorySmartPointers
	}
	if _, ok := collectionTypes[outer]; ok {
		return CategoryCollections
	}
	if _, ok := primitiveTypes[outer]; ok {
		return CategoryPrimitive
	}
	if generic {
		return CategoryGeneric
	}
	return CategoryUserDefined
}

// categorizeRecord prefers recorded smart pointer metadata over the type name.
func categorizeRecord(r *model.AllocationRecord) Category {
	if r.SmartPointer != nil {
		return CategorySmartPointers
	}
	return Categorize(typeName(r))
}

func typeName(r *model.AllocationRecord) string {
	if r.TypeName != nil && *r.TypeName != "" {
		return *r.TypeName
	}
	return InferTypeName(r.Size)
}

func varName(r *model.AllocationRecord) string {
	if r.VarName != nil && *r.VarName != "" {
		return *r.VarName
	}
	return InferVarName(r.Size, r.Ptr)
}
