package format

import (
	"github.com/hupe1980/alloclog/model"
	"github.com/tinylib/msgp/msgp"
)

const msgpackVersion = 1

// Top-level keys of the MessagePack document.
const (
	keyVersion = "version"
	keyRecords = "records"
)

// appendMessagePack appends {"version": 1, "records": [...]} to b.
func appendMessagePack(b []byte, recs []model.AllocationRecord) []byte {
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, keyVersion)
	b = msgp.AppendUint32(b, msgpackVersion)
	b = msgp.AppendString(b, keyRecords)
	b = msgp.AppendArrayHeader(b, uint32(len(recs)))
	for i := range recs {
		b = appendRecordMsg(b, &recs[i])
	}
	return b
}

func decodeMessagePack(b []byte) ([]model.AllocationRecord, error) {
	const op = "format.messagepack"
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, model.SerializationError(op, err)
	}
	var (
		recs    []model.AllocationRecord
		version uint32
		seen    bool
	)
	for range sz {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return nil, model.SerializationError(op, err)
		}
		switch string(key) {
		case keyVersion:
			version, b, err = msgp.ReadUint32Bytes(b)
		case keyRecords:
			seen = true
			recs, b, err = readRecordsMsg(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return nil, model.SerializationError(op, msgp.WrapError(err, string(key)))
		}
	}
	if version == 0 || version > msgpackVersion {
		return nil, model.Unsupportedf(op, "document version %d", version)
	}
	if !seen {
		return nil, model.Corruptedf(op, "missing %q", keyRecords)
	}
	if len(b) != 0 {
		return nil, model.Corruptedf(op, "%d trailing bytes", len(b))
	}
	return recs, nil
}

func readRecordsMsg(b []byte) ([]model.AllocationRecord, []byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	// Each record is at least a one-byte map header.
	if uint64(n) > uint64(len(b)) {
		return nil, b, msgp.ErrShortBytes
	}
	recs := make([]model.AllocationRecord, n)
	for i := range recs {
		if recs[i], b, err = readRecordMsg(b); err != nil {
			return nil, b, msgp.WrapError(err, i)
		}
	}
	return recs, b, nil
}

var (
	keyPtr          = model.FieldPtr.String()
	keySize         = model.FieldSize.String()
	keyTsAlloc      = model.FieldTimestampAlloc.String()
	keyThread       = model.FieldThreadID.String()
	keyTsDealloc    = model.FieldTimestampDealloc.String()
	keyVarName      = model.FieldVarName.String()
	keyTypeName     = model.FieldTypeName.String()
	keyScopeName    = model.FieldScopeName.String()
	keyBorrowCount  = model.FieldBorrowCount.String()
	keyIsLeaked     = model.FieldIsLeaked.String()
	keyLifetime     = model.FieldLifetimeMs.String()
	keyStackTrace   = model.FieldStackTrace.String()
	keyBorrowInfo   = model.FieldBorrowInfo.String()
	keyCloneInfo    = model.FieldCloneInfo.String()
	keyOwnership    = model.FieldOwnershipHistory.String()
	keySmartPointer = model.FieldSmartPointer.String()
	keyLayout       = model.FieldMemoryLayout.String()
	keyGeneric      = model.FieldGenericInfo.String()
	keyFFI          = model.FieldFFI.String()
	keyLifecycle    = model.FieldLifecycle.String()
	keyAccess       = model.FieldAccess.String()
)

// appendRecordMsg writes r as a map holding the core fields and every
// present optional. Absent optionals and zero flags are omitted; a present
// but empty stack trace or event series is written as an empty array.
func appendRecordMsg(b []byte, r *model.AllocationRecord) []byte {
	present := [...]bool{
		r.TimestampDealloc != nil, r.VarName != nil, r.TypeName != nil, r.ScopeName != nil,
		r.BorrowCount != 0, r.IsLeaked, r.LifetimeMs != nil, r.StackTrace != nil,
		r.BorrowInfo != nil, r.CloneInfo != nil, r.OwnershipHistoryAvailable,
		r.SmartPointer != nil, r.MemoryLayout != nil, r.GenericInfo != nil, r.FFI != nil,
		r.Lifecycle != nil, r.Access != nil,
	}
	n := uint32(4)
	for _, p := range present {
		if p {
			n++
		}
	}

	b = msgp.AppendMapHeader(b, n)
	b = msgp.AppendUint64(msgp.AppendString(b, keyPtr), r.Ptr)
	b = msgp.AppendUint64(msgp.AppendString(b, keySize), r.Size)
	b = msgp.AppendUint64(msgp.AppendString(b, keyTsAlloc), r.TimestampAlloc)
	b = msgp.AppendString(msgp.AppendString(b, keyThread), r.ThreadID)

	if r.TimestampDealloc != nil {
		b = msgp.AppendUint64(msgp.AppendString(b, keyTsDealloc), *r.TimestampDealloc)
	}
	if r.VarName != nil {
		b = msgp.AppendString(msgp.AppendString(b, keyVarName), *r.VarName)
	}
	if r.TypeName != nil {
		b = msgp.AppendString(msgp.AppendString(b, keyTypeName), *r.TypeName)
	}
	if r.ScopeName != nil {
		b = msgp.AppendString(msgp.AppendString(b, keyScopeName), *r.ScopeName)
	}
	if r.BorrowCount != 0 {
		b = msgp.AppendUint32(msgp.AppendString(b, keyBorrowCount), r.BorrowCount)
	}
	if r.IsLeaked {
		b = msgp.AppendBool(msgp.AppendString(b, keyIsLeaked), true)
	}
	if r.LifetimeMs != nil {
		b = msgp.AppendUint64(msgp.AppendString(b, keyLifetime), *r.LifetimeMs)
	}
	if r.StackTrace != nil {
		b = appendStrings(msgp.AppendString(b, keyStackTrace), r.StackTrace)
	}
	if bi := r.BorrowInfo; bi != nil {
		b = msgp.AppendString(b, keyBorrowInfo)
		b = msgp.AppendMapHeader(b, 4)
		b = msgp.AppendUint32(msgp.AppendString(b, "immutable_borrows"), bi.ImmutableBorrows)
		b = msgp.AppendUint32(msgp.AppendString(b, "mutable_borrows"), bi.MutableBorrows)
		b = msgp.AppendUint32(msgp.AppendString(b, "max_concurrent_borrows"), bi.MaxConcurrentBorrows)
		b = msgp.AppendUint64(msgp.AppendString(b, "last_borrow_timestamp"), bi.LastBorrowTimestamp)
	}
	if ci := r.CloneInfo; ci != nil {
		b = msgp.AppendString(b, keyCloneInfo)
		b = msgp.AppendMapHeader(b, 3)
		b = msgp.AppendUint32(msgp.AppendString(b, "clone_count"), ci.CloneCount)
		b = msgp.AppendBool(msgp.AppendString(b, "is_clone"), ci.IsClone)
		b = msgp.AppendUint64(msgp.AppendString(b, "original_ptr"), ci.OriginalPtr)
	}
	if r.OwnershipHistoryAvailable {
		b = msgp.AppendBool(msgp.AppendString(b, keyOwnership), true)
	}
	if sp := r.SmartPointer; sp != nil {
		b = msgp.AppendString(b, keySmartPointer)
		b = msgp.AppendMapHeader(b, 3)
		b = msgp.AppendString(msgp.AppendString(b, "pointer_type"), sp.Kind.String())
		b = msgp.AppendUint32(msgp.AppendString(b, "strong_count"), sp.StrongCount)
		b = msgp.AppendUint32(msgp.AppendString(b, "weak_count"), sp.WeakCount)
	}
	if ml := r.MemoryLayout; ml != nil {
		b = msgp.AppendString(b, keyLayout)
		b = msgp.AppendMapHeader(b, 3)
		b = msgp.AppendUint64(msgp.AppendString(b, "size"), ml.Size)
		b = msgp.AppendUint64(msgp.AppendString(b, "alignment"), ml.Alignment)
		b = msgp.AppendUint64(msgp.AppendString(b, "padding"), ml.Padding)
	}
	if gi := r.GenericInfo; gi != nil {
		b = msgp.AppendString(b, keyGeneric)
		b = msgp.AppendMapHeader(b, 2)
		b = msgp.AppendString(msgp.AppendString(b, "base_type"), gi.BaseType)
		b = appendStrings(msgp.AppendString(b, "type_params"), gi.TypeParams)
	}
	if ffi := r.FFI; ffi != nil {
		b = msgp.AppendString(b, keyFFI)
		b = msgp.AppendMapHeader(b, 3)
		b = msgp.AppendString(msgp.AppendString(b, "library"), ffi.Library)
		b = msgp.AppendString(msgp.AppendString(b, "function"), ffi.Function)
		b = msgp.AppendArrayHeader(msgp.AppendString(b, "crossings"), uint32(len(ffi.Crossings)))
		for _, e := range ffi.Crossings {
			b = msgp.AppendMapHeader(b, 3)
			b = msgp.AppendUint64(msgp.AppendString(b, "timestamp"), e.Timestamp)
			b = msgp.AppendString(msgp.AppendString(b, "direction"), e.Direction.String())
			b = msgp.AppendString(msgp.AppendString(b, "context"), e.Context)
		}
	}
	if r.Lifecycle != nil {
		b = msgp.AppendArrayHeader(msgp.AppendString(b, keyLifecycle), uint32(len(r.Lifecycle)))
		for _, e := range r.Lifecycle {
			b = msgp.AppendMapHeader(b, 4)
			b = msgp.AppendUint64(msgp.AppendString(b, "timestamp"), e.Timestamp)
			b = msgp.AppendString(msgp.AppendString(b, "event"), e.Kind.String())
			b = msgp.AppendString(msgp.AppendString(b, "thread_id"), e.ThreadID)
			b = msgp.AppendUint64(msgp.AppendString(b, "size"), e.Size)
		}
	}
	if r.Access != nil {
		b = msgp.AppendArrayHeader(msgp.AppendString(b, keyAccess), uint32(len(r.Access)))
		for _, e := range r.Access {
			b = msgp.AppendMapHeader(b, 4)
			b = msgp.AppendUint64(msgp.AppendString(b, "timestamp"), e.Timestamp)
			b = msgp.AppendUint64(msgp.AppendString(b, "address"), e.Address)
			b = msgp.AppendUint64(msgp.AppendString(b, "size"), e.Size)
			b = msgp.AppendString(msgp.AppendString(b, "kind"), e.Kind.String())
		}
	}
	return b
}

func appendStrings(b []byte, ss []string) []byte {
	b = msgp.AppendArrayHeader(b, uint32(len(ss)))
	for _, s := range ss {
		b = msgp.AppendString(b, s)
	}
	return b
}

func readRecordMsg(b []byte) (r model.AllocationRecord, _ []byte, err error) {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return r, b, err
	}
	var core int
	for range sz {
		var key []byte
		if key, b, err = msgp.ReadMapKeyZC(b); err != nil {
			return r, b, err
		}
		switch string(key) {
		case keyPtr:
			r.Ptr, b, err = msgp.ReadUint64Bytes(b)
			core++
		case keySize:
			r.Size, b, err = msgp.ReadUint64Bytes(b)
			core++
		case keyTsAlloc:
			r.TimestampAlloc, b, err = msgp.ReadUint64Bytes(b)
			core++
		case keyThread:
			r.ThreadID, b, err = msgp.ReadStringBytes(b)
			core++
		case keyTsDealloc:
			r.TimestampDealloc, b, err = readOptUint64(b)
		case keyVarName:
			r.VarName, b, err = readOptString(b)
		case keyTypeName:
			r.TypeName, b, err = readOptString(b)
		case keyScopeName:
			r.ScopeName, b, err = readOptString(b)
		case keyBorrowCount:
			r.BorrowCount, b, err = msgp.ReadUint32Bytes(b)
		case keyIsLeaked:
			r.IsLeaked, b, err = msgp.ReadBoolBytes(b)
		case keyLifetime:
			r.LifetimeMs, b, err = readOptUint64(b)
		case keyStackTrace:
			r.StackTrace, b, err = readStrings(b)
		case keyBorrowInfo:
			r.BorrowInfo = new(model.BorrowInfo)
			b, err = readFields(b, func(k string, b []byte) ([]byte, error) {
				var err error
				switch k {
				case "immutable_borrows":
					r.BorrowInfo.ImmutableBorrows, b, err = msgp.ReadUint32Bytes(b)
				case "mutable_borrows":
					r.BorrowInfo.MutableBorrows, b, err = msgp.ReadUint32Bytes(b)
				case "max_concurrent_borrows":
					r.BorrowInfo.MaxConcurrentBorrows, b, err = msgp.ReadUint32Bytes(b)
				case "last_borrow_timestamp":
					r.BorrowInfo.LastBorrowTimestamp, b, err = msgp.ReadUint64Bytes(b)
				default:
					b, err = msgp.Skip(b)
				}
				return b, err
			})
		case keyCloneInfo:
			r.CloneInfo = new(model.CloneInfo)
			b, err = readFields(b, func(k string, b []byte) ([]byte, error) {
				var err error
				switch k {
				case "clone_count":
					r.CloneInfo.CloneCount, b, err = msgp.ReadUint32Bytes(b)
				case "is_clone":
					r.CloneInfo.IsClone, b, err = msgp.ReadBoolBytes(b)
				case "original_ptr":
					r.CloneInfo.OriginalPtr, b, err = msgp.ReadUint64Bytes(b)
				default:
					b, err = msgp.Skip(b)
				}
				return b, err
			})
		case keyOwnership:
			r.OwnershipHistoryAvailable, b, err = msgp.ReadBoolBytes(b)
		case keySmartPointer:
			r.SmartPointer = new(model.SmartPointerInfo)
			b, err = readFields(b, func(k string, b []byte) ([]byte, error) {
				var err error
				switch k {
				case "pointer_type":
					var s string
					if s, b, err = msgp.ReadStringBytes(b); err == nil {
						r.SmartPointer.Kind, err = parseEnum[model.SmartPointerKind](s, 5)
					}
				case "strong_count":
					r.SmartPointer.StrongCount, b, err = msgp.ReadUint32Bytes(b)
				case "weak_count":
					r.SmartPointer.WeakCount, b, err = msgp.ReadUint32Bytes(b)
				default:
					b, err = msgp.Skip(b)
				}
				return b, err
			})
		case keyLayout:
			r.MemoryLayout = new(model.MemoryLayout)
			b, err = readFields(b, func(k string, b []byte) ([]byte, error) {
				var err error
				switch k {
				case "size":
					r.MemoryLayout.Size, b, err = msgp.ReadUint64Bytes(b)
				case "alignment":
					r.MemoryLayout.Alignment, b, err = msgp.ReadUint64Bytes(b)
				case "padding":
					r.MemoryLayout.Padding, b, err = msgp.ReadUint64Bytes(b)
				default:
					b, err = msgp.Skip(b)
				}
				return b, err
			})
		case keyGeneric:
			r.GenericInfo = new(model.GenericInfo)
			b, err = readFields(b, func(k string, b []byte) ([]byte, error) {
				var err error
				switch k {
				case "base_type":
					r.GenericInfo.BaseType, b, err = msgp.ReadStringBytes(b)
				case "type_params":
					var params []string
					if params, b, err = readStrings(b); len(params) > 0 {
						r.GenericInfo.TypeParams = params
					}
				default:
					b, err = msgp.Skip(b)
				}
				return b, err
			})
		case keyFFI:
			r.FFI, b, err = readFFI(b)
		case keyLifecycle:
			r.Lifecycle, b, err = readLifecycle(b)
		case keyAccess:
			r.Access, b, err = readAccess(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return r, b, msgp.WrapError(err, string(key))
		}
	}
	if core != 4 {
		return r, b, model.Corruptedf("format.messagepack", "record has %d of 4 core fields", core)
	}
	return r, b, nil
}

// readFields iterates a map, handing each key and the remaining input to fn.
func readFields(b []byte, fn func(key string, b []byte) ([]byte, error)) ([]byte, error) {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for range sz {
		var key []byte
		if key, b, err = msgp.ReadMapKeyZC(b); err != nil {
			return b, err
		}
		if b, err = fn(string(key), b); err != nil {
			return b, msgp.WrapError(err, string(key))
		}
	}
	return b, nil
}

// readArray reads an array header and calls fn once per element.
func readArray(b []byte, fn func(i int, b []byte) ([]byte, error)) (int, []byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return 0, b, err
	}
	if uint64(n) > uint64(len(b)) {
		return 0, b, msgp.ErrShortBytes
	}
	for i := range int(n) {
		if b, err = fn(i, b); err != nil {
			return 0, b, msgp.WrapError(err, i)
		}
	}
	return int(n), b, nil
}

// readStrings returns a non-nil slice for an empty array.
func readStrings(b []byte) ([]string, []byte, error) {
	out := []string{}
	_, b, err := readArray(b, func(_ int, b []byte) ([]byte, error) {
		s, b, err := msgp.ReadStringBytes(b)
		out = append(out, s)
		return b, err
	})
	return out, b, err
}

func readOptUint64(b []byte) (*uint64, []byte, error) {
	if msgp.IsNil(b) {
		b, err := msgp.ReadNilBytes(b)
		return nil, b, err
	}
	v, b, err := msgp.ReadUint64Bytes(b)
	return &v, b, err
}

func readOptString(b []byte) (*string, []byte, error) {
	if msgp.IsNil(b) {
		b, err := msgp.ReadNilBytes(b)
		return nil, b, err
	}
	s, b, err := msgp.ReadStringBytes(b)
	return &s, b, err
}

func readFFI(b []byte) (*model.FFIInfo, []byte, error) {
	ffi := new(model.FFIInfo)
	b, err := readFields(b, func(k string, b []byte) ([]byte, error) {
		var err error
		switch k {
		case "library":
			ffi.Library, b, err = msgp.ReadStringBytes(b)
		case "function":
			ffi.Function, b, err = msgp.ReadStringBytes(b)
		case "crossings":
			_, b, err = readArray(b, func(_ int, b []byte) ([]byte, error) {
				var e model.BoundaryEvent
				b, err := readFields(b, func(k string, b []byte) ([]byte, error) {
					var err error
					switch k {
					case "timestamp":
						e.Timestamp, b, err = msgp.ReadUint64Bytes(b)
					case "direction":
						var s string
						if s, b, err = msgp.ReadStringBytes(b); err == nil {
							e.Direction, err = parseEnum[model.BoundaryDirection](s, 2)
						}
					case "context":
						e.Context, b, err = msgp.ReadStringBytes(b)
					default:
						b, err = msgp.Skip(b)
					}
					return b, err
				})
				ffi.Crossings = append(ffi.Crossings, e)
				return b, err
			})
		default:
			b, err = msgp.Skip(b)
		}
		return b, err
	})
	return ffi, b, err
}

func readLifecycle(b []byte) ([]model.LifecycleEvent, []byte, error) {
	out := []model.LifecycleEvent{}
	_, b, err := readArray(b, func(_ int, b []byte) ([]byte, error) {
		var e model.LifecycleEvent
		b, err := readFields(b, func(k string, b []byte) ([]byte, error) {
			var err error
			switch k {
			case "timestamp":
				e.Timestamp, b, err = msgp.ReadUint64Bytes(b)
			case "event":
				var s string
				if s, b, err = msgp.ReadStringBytes(b); err == nil {
					e.Kind, err = parseEnum[model.LifecycleEventKind](s, 11)
				}
			case "thread_id":
				e.ThreadID, b, err = msgp.ReadStringBytes(b)
			case "size":
				e.Size, b, err = msgp.ReadUint64Bytes(b)
			default:
				b, err = msgp.Skip(b)
			}
			return b, err
		})
		out = append(out, e)
		return b, err
	})
	return out, b, err
}

func readAccess(b []byte) ([]model.AccessEvent, []byte, error) {
	out := []model.AccessEvent{}
	_, b, err := readArray(b, func(_ int, b []byte) ([]byte, error) {
		var e model.AccessEvent
		b, err := readFields(b, func(k string, b []byte) ([]byte, error) {
			var err error
			switch k {
			case "timestamp":
				e.Timestamp, b, err = msgp.ReadUint64Bytes(b)
			case "address":
				e.Address, b, err = msgp.ReadUint64Bytes(b)
			case "size":
				e.Size, b, err = msgp.ReadUint64Bytes(b)
			case "kind":
				var s string
				if s, b, err = msgp.ReadStringBytes(b); err == nil {
					e.Kind, err = parseEnum[model.AccessKind](s, 5)
				}
			default:
				b, err = msgp.Skip(b)
			}
			return b, err
		})
		out = append(out, e)
		return b, err
	})
	return out, b, err
}

// parseEnum maps a name back to one of the first n values of T.
func parseEnum[T interface {
	~uint8
	String() string
}](name string, n int) (T, error) {
	for i := range n {
		if v := T(i); v.String() == name {
			return v, nil
		}
	}
	return 0, model.Corruptedf("format.messagepack", "unknown enum value %q", name)
}
