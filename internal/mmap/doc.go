// Package mmap maps allocation log files read-only so the index builder and
// the selective reader can slice records by offset without copying.
//
//	m, err := mmap.Open("session.memscope")
//	if err != nil { ... }
//	defer m.Close()
//	_ = m.Advise(mmap.AccessSequential)
//	rec, err := m.Slice(off, n)
//
// Unix uses mmap(2) with madvise(2) hints. Windows uses
// CreateFileMapping/MapViewOfFile and ignores hints.
//
// A Mapping is safe for concurrent reads. Close is idempotent, but callers
// must not touch slices obtained from it afterwards.
package mmap
