package bufferpool

import (
	"sync"

	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/pkg/optional"
)

// LRUKReplacer picks the evictable frame whose k-th most recent access
// lies furthest in the past. Frames with fewer than k recorded accesses
// have an infinite backward k-distance; ties among them fall back to
// classical LRU on the earliest recorded access.
//
// A single internal mutex guards all state: the replacer is never the
// bottleneck next to disk I/O.
type LRUKReplacer struct {
	mu sync.Mutex

	k        int
	capacity int

	// logical clock, bumped on every RecordAccess
	currentTS uint64

	nodes         map[common.FrameID]*lruKNode
	evictableSize int
}

type lruKNode struct {
	// access timestamps, oldest first, at most k entries
	history   []uint64
	evictable bool
}

func NewLRUKReplacer(capacity int, k int) *LRUKReplacer {
	assert.Assert(capacity > 0, "replacer capacity must be positive")
	assert.Assert(k > 0, "k must be positive")

	return &LRUKReplacer{
		k:        k,
		capacity: capacity,
		nodes:    make(map[common.FrameID]*lruKNode, capacity),
	}
}

// RecordAccess appends the current logical timestamp to the frame's
// history, keeping the k most recent entries.
func (r *LRUKReplacer) RecordAccess(frameID common.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.assertValid(frameID)

	node, ok := r.nodes[frameID]
	if !ok {
		node = &lruKNode{history: make([]uint64, 0, r.k)}
		r.nodes[frameID] = node
	}

	r.currentTS++
	if len(node.history) == r.k {
		copy(node.history, node.history[1:])
		node.history = node.history[:r.k-1]
	}
	node.history = append(node.history, r.currentTS)
}

// SetEvictable toggles the eviction flag. Unknown frames are a no-op.
func (r *LRUKReplacer) SetEvictable(frameID common.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.assertValid(frameID)

	node, ok := r.nodes[frameID]
	if !ok {
		return
	}

	if node.evictable != evictable {
		if evictable {
			r.evictableSize++
		} else {
			r.evictableSize--
		}
		node.evictable = evictable
	}
}

// Evict removes and returns the evictable frame with the largest
// backward k-distance, or None when nothing is evictable.
func (r *LRUKReplacer) Evict() optional.Optional[common.FrameID] {
	r.mu.Lock()
	defer r.mu.Unlock()

	victim := common.FrameID(-1)
	victimInf := false
	var victimKey uint64

	for frameID, node := range r.nodes {
		if !node.evictable {
			continue
		}

		inf := len(node.history) < r.k

		var key uint64
		if inf {
			// earliest access wins among +inf frames
			key = node.history[0]
		} else {
			// smallest k-th recent timestamp == largest k-distance
			key = node.history[len(node.history)-r.k]
		}

		better := false
		switch {
		case victim == common.FrameID(-1):
			better = true
		case inf && !victimInf:
			better = true
		case inf == victimInf && key < victimKey:
			better = true
		}

		if better {
			victim = frameID
			victimInf = inf
			victimKey = key
		}
	}

	if victim == common.FrameID(-1) {
		return optional.None[common.FrameID]()
	}

	delete(r.nodes, victim)
	r.evictableSize--

	return optional.Some(victim)
}

// Remove force-drops an evictable frame's history. Removing a
// non-evictable frame is a bug in the caller.
func (r *LRUKReplacer) Remove(frameID common.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.assertValid(frameID)

	node, ok := r.nodes[frameID]
	if !ok {
		return
	}

	assert.Assert(node.evictable, "removing a non-evictable frame %d", frameID)

	delete(r.nodes, frameID)
	r.evictableSize--
}

// Size reports the number of evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.evictableSize
}

func (r *LRUKReplacer) assertValid(frameID common.FrameID) {
	assert.Assert(
		frameID >= 0 && int(frameID) < r.capacity,
		"frame id %d is outside of [0, %d)",
		frameID,
		r.capacity,
	)
}
