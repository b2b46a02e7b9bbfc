package record

import "github.com/hupe1980/alloclog/model"

// AppendLifecycleEvents encodes events with delta-encoded timestamps:
// count, then per event [Δts][kind][thread id][size].
func AppendLifecycleEvents(dst []byte, events []model.LifecycleEvent) []byte {
	dst = AppendUvarint(dst, uint64(len(events)))
	var prev uint64
	for _, e := range events {
		dst = AppendUvarint(dst, e.Timestamp-prev)
		prev = e.Timestamp
		dst = append(dst, byte(e.Kind))
		dst = appendStr(dst, e.ThreadID)
		dst = AppendUvarint(dst, e.Size)
	}
	return dst
}

// DecodeLifecycleEvents is the inverse of AppendLifecycleEvents.
func DecodeLifecycleEvents(buf []byte) ([]model.LifecycleEvent, int, error) {
	d := &decoder{buf: buf}
	events := d.lifecycle()
	return events, d.off, d.err
}

func (d *decoder) lifecycle() []model.LifecycleEvent {
	// Δts, kind, thread length and size take at least one byte each.
	n := d.count(4)
	if d.err != nil {
		return nil
	}
	events := make([]model.LifecycleEvent, n)
	var ts uint64
	for i := range events {
		ts += d.uvarint()
		events[i] = model.LifecycleEvent{
			Timestamp: ts,
			Kind:      model.LifecycleEventKind(d.u8()),
			ThreadID:  d.str(),
			Size:      d.uvarint(),
		}
	}
	if d.err != nil {
		return nil
	}
	return events
}

// AppendAccessEvents encodes events with delta-encoded timestamps and
// addresses: count, then per event [Δts][Δaddress][size][kind].
func AppendAccessEvents(dst []byte, events []model.AccessEvent) []byte {
	dst = AppendUvarint(dst, uint64(len(events)))
	var prevTS, prevAddr uint64
	for _, e := range events {
		dst = AppendUvarint(dst, e.Timestamp-prevTS)
		dst = AppendUvarint(dst, e.Address-prevAddr)
		prevTS, prevAddr = e.Timestamp, e.Address
		dst = AppendUvarint(dst, e.Size)
		dst = append(dst, byte(e.Kind))
	}
	return dst
}

// DecodeAccessEvents is the inverse of AppendAccessEvents.
func DecodeAccessEvents(buf []byte) ([]model.AccessEvent, int, error) {
	d := &decoder{buf: buf}
	events := d.access()
	return events, d.off, d.err
}

func (d *decoder) access() []model.AccessEvent {
	n := d.count(4)
	if d.err != nil {
		return nil
	}
	events := make([]model.AccessEvent, n)
	var ts, addr uint64
	for i := range events {
		ts += d.uvarint()
		addr += d.uvarint()
		events[i] = model.AccessEvent{
			Timestamp: ts,
			Address:   addr,
			Size:      d.uvarint(),
			Kind:      model.AccessKind(d.u8()),
		}
	}
	if d.err != nil {
		return nil
	}
	return events
}

func appendCrossings(dst []byte, events []model.BoundaryEvent) []byte {
	dst = AppendUvarint(dst, uint64(len(events)))
	var prev uint64
	for _, e := range events {
		dst = AppendUvarint(dst, e.Timestamp-prev)
		prev = e.Timestamp
		dst = append(dst, byte(e.Direction))
		dst = appendStr(dst, e.Context)
	}
	return dst
}

func (d *decoder) crossings() []model.BoundaryEvent {
	n := d.count(3)
	if d.err != nil || n == 0 {
		return nil
	}
	events := make([]model.BoundaryEvent, n)
	var ts uint64
	for i := range events {
		ts += d.uvarint()
		events[i] = model.BoundaryEvent{
			Timestamp: ts,
			Direction: model.BoundaryDirection(d.u8()),
			Context:   d.str(),
		}
	}
	if d.err != nil {
		return nil
	}
	return events
}
