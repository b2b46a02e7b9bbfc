// Package record implements the allocation log wire format.
//
// A log file is a 16-byte header followed by framed records:
//
//	[kind u8][body length u32][ptr u64][size u64][ts_alloc u64][thread id]...
//
// The three leading body fields sit at fixed offsets so index builders can
// read them with PeekCore. Scalar optionals carry a presence byte; heavier
// sub-records are length-prefixed blocks that DecodeRecord skips without
// allocating when they fall outside the requested FieldSet.
//
// Time-series sub-records (lifecycle, access and FFI boundary events) store
// each timestamp, and each access address, as the wrapping difference from
// the previous event, written as a little-endian base-128 varint.
package record
