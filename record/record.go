package record

import (
	"encoding/binary"
	"math"

	"github.com/hupe1980/alloclog/model"
)

const (
	// KindAllocation tags an allocation record.
	KindAllocation byte = 0x01

	// FrameHeaderSize is the [kind u8][body length u32] prefix of every record.
	FrameHeaderSize = 5

	// coreSize covers ptr, size and alloc timestamp at fixed body offsets.
	coreSize = 24
)

// AppendRecord encodes r as one framed record and appends it to dst.
func AppendRecord(dst []byte, r *model.AllocationRecord) []byte {
	start := len(dst)
	dst = append(dst, KindAllocation, 0, 0, 0, 0)

	dst = appendU64(dst, r.Ptr)
	dst = appendU64(dst, r.Size)
	dst = appendU64(dst, r.TimestampAlloc)
	dst = appendStr(dst, r.ThreadID)

	if r.TimestampDealloc != nil {
		dst = appendU64(append(dst, 1), *r.TimestampDealloc)
	} else {
		dst = append(dst, 0)
	}
	dst = appendOptStr(dst, r.VarName)
	dst = appendOptStr(dst, r.TypeName)
	dst = appendOptStr(dst, r.ScopeName)
	dst = appendU32(dst, r.BorrowCount)
	dst = appendBool(dst, r.IsLeaked)
	if r.LifetimeMs != nil {
		dst = AppendUvarint(append(dst, 1), *r.LifetimeMs)
	} else {
		dst = append(dst, 0)
	}
	dst = appendBool(dst, r.OwnershipHistoryAvailable)

	dst = appendSection(dst, r.StackTrace != nil, func(b []byte) []byte {
		b = AppendUvarint(b, uint64(len(r.StackTrace)))
		for _, frame := range r.StackTrace {
			b = appendStr(b, frame)
		}
		return b
	})
	dst = appendSection(dst, r.BorrowInfo != nil, func(b []byte) []byte {
		bi := r.BorrowInfo
		b = AppendUvarint(b, uint64(bi.ImmutableBorrows))
		b = AppendUvarint(b, uint64(bi.MutableBorrows))
		b = AppendUvarint(b, uint64(bi.MaxConcurrentBorrows))
		return AppendUvarint(b, bi.LastBorrowTimestamp)
	})
	dst = appendSection(dst, r.CloneInfo != nil, func(b []byte) []byte {
		ci := r.CloneInfo
		b = AppendUvarint(b, uint64(ci.CloneCount))
		b = appendBool(b, ci.IsClone)
		return AppendUvarint(b, ci.OriginalPtr)
	})
	dst = appendSection(dst, r.SmartPointer != nil, func(b []byte) []byte {
		sp := r.SmartPointer
		b = append(b, byte(sp.Kind))
		b = AppendUvarint(b, uint64(sp.StrongCount))
		return AppendUvarint(b, uint64(sp.WeakCount))
	})
	dst = appendSection(dst, r.MemoryLayout != nil, func(b []byte) []byte {
		ml := r.MemoryLayout
		b = AppendUvarint(b, ml.Size)
		b = AppendUvarint(b, ml.Alignment)
		return AppendUvarint(b, ml.Padding)
	})
	dst = appendSection(dst, r.GenericInfo != nil, func(b []byte) []byte {
		gi := r.GenericInfo
		b = appendStr(b, gi.BaseType)
		b = AppendUvarint(b, uint64(len(gi.TypeParams)))
		for _, p := range gi.TypeParams {
			b = appendStr(b, p)
		}
		return b
	})
	dst = appendSection(dst, r.FFI != nil, func(b []byte) []byte {
		b = appendStr(b, r.FFI.Library)
		b = appendStr(b, r.FFI.Function)
		return appendCrossings(b, r.FFI.Crossings)
	})
	dst = appendSection(dst, r.Lifecycle != nil, func(b []byte) []byte {
		return AppendLifecycleEvents(b, r.Lifecycle)
	})
	dst = appendSection(dst, r.Access != nil, func(b []byte) []byte {
		return AppendAccessEvents(b, r.Access)
	})

	bodyLen := len(dst) - start - FrameHeaderSize
	binary.LittleEndian.PutUint32(dst[start+1:], uint32(bodyLen))
	return dst
}

// FrameLen returns the total length of the record framed at the front of buf.
func FrameLen(buf []byte) (int, error) {
	if len(buf) < FrameHeaderSize {
		return 0, model.Corruptedf("record.frame", "truncated frame header (%d bytes)", len(buf))
	}
	if buf[0] != KindAllocation {
		return 0, model.Corruptedf("record.frame", "unknown record kind 0x%02x", buf[0])
	}
	bodyLen := binary.LittleEndian.Uint32(buf[1:])
	if bodyLen < coreSize+1 || uint64(bodyLen) > uint64(math.MaxInt32) {
		return 0, model.Corruptedf("record.frame", "invalid body length %d", bodyLen)
	}
	total := FrameHeaderSize + int(bodyLen)
	if total > len(buf) {
		return 0, model.Corruptedf("record.frame", "record of %d bytes exceeds %d available", total, len(buf))
	}
	return total, nil
}

// PeekCore reads the fixed-position ptr, size and alloc timestamp of the
// record framed at the front of buf without decoding the rest.
func PeekCore(buf []byte) (ptr, size, ts uint64, err error) {
	if _, err = FrameLen(buf); err != nil {
		return 0, 0, 0, err
	}
	body := buf[FrameHeaderSize:]
	return binary.LittleEndian.Uint64(body[0:]),
		binary.LittleEndian.Uint64(body[8:]),
		binary.LittleEndian.Uint64(body[16:]),
		nil
}

// DecodeRecord decodes the record framed at the front of buf and returns it
// with the number of bytes consumed. Only optional fields in mask are
// materialized; the rest are skipped without allocating. Core fields are
// always decoded.
func DecodeRecord(buf []byte, mask model.FieldSet) (model.AllocationRecord, int, error) {
	var r model.AllocationRecord
	total, err := FrameLen(buf)
	if err != nil {
		return r, 0, err
	}
	d := &decoder{buf: buf[FrameHeaderSize:total]}

	r.Ptr = d.u64()
	r.Size = d.u64()
	r.TimestampAlloc = d.u64()
	r.ThreadID = d.str()

	if d.present() {
		ts := d.u64()
		if mask.Has(model.FieldTimestampDealloc) {
			r.TimestampDealloc = &ts
		}
	}
	r.VarName = d.optStr(mask.Has(model.FieldVarName))
	r.TypeName = d.optStr(mask.Has(model.FieldTypeName))
	r.ScopeName = d.optStr(mask.Has(model.FieldScopeName))
	if bc := d.u32(); mask.Has(model.FieldBorrowCount) {
		r.BorrowCount = bc
	}
	if leaked := d.u8(); mask.Has(model.FieldIsLeaked) {
		r.IsLeaked = leaked != 0
	}
	if d.present() {
		ms := d.uvarint()
		if mask.Has(model.FieldLifetimeMs) {
			r.LifetimeMs = &ms
		}
	}
	if own := d.u8(); mask.Has(model.FieldOwnershipHistory) {
		r.OwnershipHistoryAvailable = own != 0
	}

	if s := d.section(); s != nil && mask.Has(model.FieldStackTrace) {
		n := s.count(1)
		frames := make([]string, n)
		for i := range frames {
			frames[i] = s.str()
		}
		d.adopt(s.end("stack_trace"))
		r.StackTrace = frames
	}
	if s := d.section(); s != nil && mask.Has(model.FieldBorrowInfo) {
		r.BorrowInfo = &model.BorrowInfo{
			ImmutableBorrows:     uint32(s.uvarint()),
			MutableBorrows:       uint32(s.uvarint()),
			MaxConcurrentBorrows: uint32(s.uvarint()),
			LastBorrowTimestamp:  s.uvarint(),
		}
		d.adopt(s.end("borrow_info"))
	}
	if s := d.section(); s != nil && mask.Has(model.FieldCloneInfo) {
		r.CloneInfo = &model.CloneInfo{
			CloneCount:  uint32(s.uvarint()),
			IsClone:     s.u8() != 0,
			OriginalPtr: s.uvarint(),
		}
		d.adopt(s.end("clone_info"))
	}
	if s := d.section(); s != nil && mask.Has(model.FieldSmartPointer) {
		r.SmartPointer = &model.SmartPointerInfo{
			Kind:        model.SmartPointerKind(s.u8()),
			StrongCount: uint32(s.uvarint()),
			WeakCount:   uint32(s.uvarint()),
		}
		d.adopt(s.end("smart_pointer"))
	}
	if s := d.section(); s != nil && mask.Has(model.FieldMemoryLayout) {
		r.MemoryLayout = &model.MemoryLayout{
			Size:      s.uvarint(),
			Alignment: s.uvarint(),
			Padding:   s.uvarint(),
		}
		d.adopt(s.end("memory_layout"))
	}
	if s := d.section(); s != nil && mask.Has(model.FieldGenericInfo) {
		gi := &model.GenericInfo{BaseType: s.str()}
		if n := s.count(1); n > 0 {
			gi.TypeParams = make([]string, n)
			for i := range gi.TypeParams {
				gi.TypeParams[i] = s.str()
			}
		}
		d.adopt(s.end("generic_info"))
		r.GenericInfo = gi
	}
	if s := d.section(); s != nil && mask.Has(model.FieldFFI) {
		r.FFI = &model.FFIInfo{
			Library:   s.str(),
			Function:  s.str(),
			Crossings: s.crossings(),
		}
		d.adopt(s.end("ffi"))
	}
	if s := d.section(); s != nil && mask.Has(model.FieldLifecycle) {
		r.Lifecycle = s.lifecycle()
		d.adopt(s.end("lifecycle"))
	}
	if s := d.section(); s != nil && mask.Has(model.FieldAccess) {
		r.Access = s.access()
		d.adopt(s.end("access"))
	}

	if err := d.end("record"); err != nil {
		return model.AllocationRecord{}, 0, err
	}
	return r, total, nil
}

func (d *decoder) optStr(keep bool) *string {
	if !d.present() {
		return nil
	}
	if !keep {
		d.skipStr()
		return nil
	}
	s := d.str()
	return &s
}

// adopt folds the error of a scoped decoder into d.
func (d *decoder) adopt(err error) {
	if d.err == nil && err != nil {
		d.err = err
	}
}
