// Package persistence provides the file primitives shared by the index
// cache, the record writer and the local artifact store: atomic
// write-then-rename and CRC32 integrity trailers.
package persistence
