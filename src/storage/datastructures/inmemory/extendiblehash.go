package inmemory

import (
	"sync"

	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/optional"
)

// ExtendibleHashTable is a concurrent K -> V map built as a directory of
// shared bucket references. It backs the buffer pool's page table and is
// generally useful for executor-side hash maps.
//
// A single table-wide mutex guards the whole structure. The table is not
// on the hot path of page I/O, so per-bucket locking would buy nothing.
type ExtendibleHashTable[K comparable, V any] struct {
	mu sync.Mutex

	globalDepth int
	bucketSize  int
	numBuckets  int
	dir         []*bucket[K, V]

	hash func(K) uint64
}

type entry[K comparable, V any] struct {
	key K
	val V
}

type bucket[K comparable, V any] struct {
	localDepth int
	maxSize    int
	items      []entry[K, V]
}

func newBucket[K comparable, V any](size, depth int) *bucket[K, V] {
	return &bucket[K, V]{
		localDepth: depth,
		maxSize:    size,
		items:      make([]entry[K, V], 0, size),
	}
}

func (b *bucket[K, V]) isFull() bool {
	return len(b.items) >= b.maxSize
}

func (b *bucket[K, V]) find(key K) optional.Optional[V] {
	for i := range b.items {
		if b.items[i].key == key {
			return optional.Some(b.items[i].val)
		}
	}
	return optional.None[V]()
}

// insert updates in place on duplicate keys. The bucket may transiently
// exceed maxSize by one element; the caller must split before the table
// mutex is released.
func (b *bucket[K, V]) insert(key K, val V) {
	for i := range b.items {
		if b.items[i].key == key {
			b.items[i].val = val
			return
		}
	}
	b.items = append(b.items, entry[K, V]{key: key, val: val})
}

func (b *bucket[K, V]) remove(key K) bool {
	for i := range b.items {
		if b.items[i].key == key {
			b.items[i] = b.items[len(b.items)-1]
			b.items = b.items[:len(b.items)-1]
			return true
		}
	}
	return false
}

func NewExtendibleHashTable[K comparable, V any](
	bucketSize int,
	hash func(K) uint64,
) *ExtendibleHashTable[K, V] {
	assert.Assert(bucketSize > 0, "bucket size must be positive")
	assert.Assert(hash != nil, "hash function is required")

	return &ExtendibleHashTable[K, V]{
		globalDepth: 0,
		bucketSize:  bucketSize,
		numBuckets:  1,
		dir:         []*bucket[K, V]{newBucket[K, V](bucketSize, 0)},
		hash:        hash,
	}
}

func (t *ExtendibleHashTable[K, V]) indexOf(key K) int {
	mask := uint64(1)<<t.globalDepth - 1
	return int(t.hash(key) & mask)
}

func (t *ExtendibleHashTable[K, V]) Find(key K) optional.Optional[V] {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.dir[t.indexOf(key)].find(key)
}

func (t *ExtendibleHashTable[K, V]) Remove(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.dir[t.indexOf(key)].remove(key)
}

func (t *ExtendibleHashTable[K, V]) Insert(key K, val V) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		b := t.dir[t.indexOf(key)]

		if !b.isFull() {
			b.insert(key, val)
			return
		}
		found := b.find(key)
		if found.IsSome() {
			// update in place, no split needed
			b.insert(key, val)
			return
		}

		// Split path. Pathological hash collisions may leave one side
		// still overflowing; the loop recurses on it.
		t.splitBucket(b)
	}
}

// splitBucket doubles the directory if needed, allocates a sibling at
// localDepth+1 and redistributes entries by the newly significant bit.
func (t *ExtendibleHashTable[K, V]) splitBucket(b *bucket[K, V]) {
	if b.localDepth == t.globalDepth {
		t.dir = append(t.dir, t.dir...)
		t.globalDepth++
	}

	b.localDepth++
	sibling := newBucket[K, V](t.bucketSize, b.localDepth)
	t.numBuckets++

	highBit := uint64(1) << (b.localDepth - 1)

	oldItems := b.items
	b.items = make([]entry[K, V], 0, t.bucketSize)
	for _, it := range oldItems {
		if t.hash(it.key)&highBit != 0 {
			sibling.items = append(sibling.items, it)
		} else {
			b.items = append(b.items, it)
		}
	}

	// rewire every directory slot matching the sibling's pattern
	for i := range t.dir {
		if t.dir[i] != b {
			continue
		}
		if uint64(i)&highBit != 0 {
			t.dir[i] = sibling
		}
	}
}

func (t *ExtendibleHashTable[K, V]) GlobalDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.globalDepth
}

func (t *ExtendibleHashTable[K, V]) LocalDepth(dirIndex int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	assert.Assert(dirIndex < len(t.dir), "directory index %d out of range", dirIndex)
	return t.dir[dirIndex].localDepth
}

func (t *ExtendibleHashTable[K, V]) NumBuckets() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.numBuckets
}

// Range calls fn for every entry until fn returns false. The table mutex
// is held for the duration.
func (t *ExtendibleHashTable[K, V]) Range(fn func(key K, val V) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[*bucket[K, V]]struct{}, t.numBuckets)
	for _, b := range t.dir {
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}

		for i := range b.items {
			if !fn(b.items[i].key, b.items[i].val) {
				return
			}
		}
	}
}
