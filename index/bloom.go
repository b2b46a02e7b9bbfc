package index

import (
	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultBloomBits sizes each per-batch filter.
	DefaultBloomBits = 8192
	// DefaultBloomHashes is the number of hash positions set per value.
	DefaultBloomHashes = 3
)

// Bloom is a fixed-size Bloom filter over strings. It never reports a false
// negative: if MayContain returns false the value was never added.
type Bloom struct {
	bits    []uint64
	numBits uint64
	k       uint32
	count   uint32
}

// NewBloom creates a filter with numBits rounded up to a multiple of 64 and
// k hash positions clamped to [1, 16].
func NewBloom(numBits uint64, k uint32) *Bloom {
	numBits = max(64, (numBits+63)/64*64)
	k = min(max(k, 1), 16)
	return &Bloom{
		bits:    make([]uint64, numBits/64),
		numBits: numBits,
		k:       k,
	}
}

// Add inserts a value.
func (b *Bloom) Add(value string) {
	h1, h2 := bloomHash(value)
	for i := uint32(0); i < b.k; i++ {
		bit := (h1 + uint64(i)*h2) % b.numBits
		b.bits[bit/64] |= 1 << (bit % 64)
	}
	b.count++
}

// MayContain reports false only for values that were never added.
func (b *Bloom) MayContain(value string) bool {
	h1, h2 := bloomHash(value)
	for i := uint32(0); i < b.k; i++ {
		bit := (h1 + uint64(i)*h2) % b.numBits
		if b.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of values added.
func (b *Bloom) Count() uint32 { return b.count }

// bloomHash derives the two hashes for double hashing from one xxhash
// digest. h2 is forced odd so positions cycle through distinct bits.
func bloomHash(s string) (h1, h2 uint64) {
	h1 = xxhash.Sum64String(s)
	h2 = (h1>>33 | h1<<31) ^ 0x9e3779b97f4a7c15
	return h1, h2 | 1
}
