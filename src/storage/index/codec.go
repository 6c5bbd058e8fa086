package index

import "encoding/binary"

// KeyCodec fixes the on-page width of a key type. All keys of one index
// instantiation share the width, so node slots stay addressable by
// offset arithmetic.
type KeyCodec[K any] interface {
	Size() int
	Encode(dst []byte, key K)
	Decode(src []byte) K
}

// Comparator reports -1/0/1 for a<b, a==b, a>b.
type Comparator[K any] func(a, b K) int

type Int64Codec struct{}

func (Int64Codec) Size() int { return 8 }

func (Int64Codec) Encode(dst []byte, key int64) {
	binary.LittleEndian.PutUint64(dst, uint64(key))
}

func (Int64Codec) Decode(src []byte) int64 {
	return int64(binary.LittleEndian.Uint64(src))
}

func Int64Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
