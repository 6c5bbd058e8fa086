package inmemory

import (
	"encoding/binary"
	"hash/fnv"
)

// DefaultHashSeed perturbs the FNV mapping so directory indexes are not
// trivially predictable from small integer keys. Arbitrary odd 64-bit
// constant (related to the golden ratio).
const DefaultHashSeed uint64 = 0x9e3779b97f4a7c15

// HashBytes runs seeded FNV-1a over the given bytes.
func HashBytes(seed uint64, p []byte) uint64 {
	h := fnv.New64a()

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], seed)
	_, _ = h.Write(b[:])
	_, _ = h.Write(p)

	return h.Sum64()
}

// HashUint64 hashes a single integer key with the seeded FNV-1a mapping.
func HashUint64(seed uint64, x uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	return HashBytes(seed, b[:])
}
