package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

func TestEvictPrefersInfiniteDistance(t *testing.T) {
	r := NewLRUKReplacer(7, 2)

	// frame 1 gets two accesses, frames 2 and 3 only one
	r.RecordAccess(1)
	r.RecordAccess(1)
	r.RecordAccess(2)
	r.RecordAccess(3)

	for _, f := range []common.FrameID{1, 2, 3} {
		r.SetEvictable(f, true)
	}
	require.Equal(t, 3, r.Size())

	// +inf frames go first, earliest first access breaking the tie
	v := r.Evict()
	require.True(t, v.IsSome())
	require.Equal(t, common.FrameID(2), v.Unwrap())

	v = r.Evict()
	require.Equal(t, common.FrameID(3), v.Unwrap())

	v = r.Evict()
	require.Equal(t, common.FrameID(1), v.Unwrap())

	require.True(t, r.Evict().IsNone())
	require.Equal(t, 0, r.Size())
}

func TestEvictLargestBackwardKDistance(t *testing.T) {
	r := NewLRUKReplacer(4, 2)

	// ts: 1=(1,4), 2=(2,5), 3=(3,6)
	r.RecordAccess(1)
	r.RecordAccess(2)
	r.RecordAccess(3)
	r.RecordAccess(1)
	r.RecordAccess(2)
	r.RecordAccess(3)

	for _, f := range []common.FrameID{1, 2, 3} {
		r.SetEvictable(f, true)
	}

	// frame 1 has the oldest k-th recent access
	v := r.Evict()
	require.Equal(t, common.FrameID(1), v.Unwrap())
	v = r.Evict()
	require.Equal(t, common.FrameID(2), v.Unwrap())
}

func TestNonEvictableFramesAreSkipped(t *testing.T) {
	r := NewLRUKReplacer(3, 2)

	r.RecordAccess(0)
	r.RecordAccess(1)
	r.SetEvictable(0, false)
	r.SetEvictable(1, true)

	v := r.Evict()
	require.Equal(t, common.FrameID(1), v.Unwrap())
	require.True(t, r.Evict().IsNone())

	r.SetEvictable(0, true)
	v = r.Evict()
	require.Equal(t, common.FrameID(0), v.Unwrap())
}

func TestHistoryTruncatesToK(t *testing.T) {
	r := NewLRUKReplacer(2, 2)

	// frame 0 is accessed a lot early, frame 1 recently but rarely
	for range 10 {
		r.RecordAccess(0)
	}
	r.RecordAccess(1)

	r.SetEvictable(0, true)
	r.SetEvictable(1, true)

	// frame 1 has < k accesses => +inf distance, evicted first
	v := r.Evict()
	require.Equal(t, common.FrameID(1), v.Unwrap())
}

func TestRemove(t *testing.T) {
	r := NewLRUKReplacer(3, 2)

	r.RecordAccess(0)
	r.SetEvictable(0, true)
	require.Equal(t, 1, r.Size())

	r.Remove(0)
	require.Equal(t, 0, r.Size())
	require.True(t, r.Evict().IsNone())

	// unknown frame: silent no-op
	r.Remove(1)

	r.RecordAccess(2)
	require.Panics(t, func() { r.Remove(2) }, "removing a pinned frame must abort")
}

func TestInvalidFrameIDPanics(t *testing.T) {
	r := NewLRUKReplacer(3, 2)

	require.Panics(t, func() { r.RecordAccess(3) })
	require.Panics(t, func() { r.RecordAccess(-1) })
}
