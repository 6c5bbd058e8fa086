package index

import (
	"github.com/Blackdeer1524/RelDB/src/bufferpool"
	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

// Iterator walks leaf pages in key order while holding a read guard on
// the current leaf. The end sentinel is an invalid page id with cursor
// zero.
type Iterator[K any] struct {
	pool  *bufferpool.Manager
	codec KeyCodec[K]

	guard  bufferpool.ReadPageGuard
	pageID common.PageID
	idx    int
}

// Begin positions an iterator at the leftmost key.
func (t *BPlusTree[K]) Begin() (*Iterator[K], error) {
	t.rootMu.RLock()

	if t.rootID == common.InvalidPageID {
		t.rootMu.RUnlock()
		return t.endIterator(), nil
	}

	g, err := t.pool.FetchPageRead(t.rootID)
	t.rootMu.RUnlock()
	if err != nil {
		return nil, err
	}

	n := asNode[K](g.Data(), t.codec)
	for !n.isLeaf() {
		childID := n.childAt(0)

		cg, err := t.pool.FetchPageRead(childID)
		g.Drop()
		if err != nil {
			return nil, err
		}
		g = cg
		n = asNode[K](g.Data(), t.codec)
	}

	if n.size() == 0 {
		g.Drop()
		return t.endIterator(), nil
	}

	return &Iterator[K]{
		pool:   t.pool,
		codec:  t.codec,
		guard:  g,
		pageID: n.self(),
		idx:    0,
	}, nil
}

// BeginAt positions an iterator at the first key >= the probe.
func (t *BPlusTree[K]) BeginAt(key K) (*Iterator[K], error) {
	t.rootMu.RLock()

	if t.rootID == common.InvalidPageID {
		t.rootMu.RUnlock()
		return t.endIterator(), nil
	}

	g, err := t.pool.FetchPageRead(t.rootID)
	t.rootMu.RUnlock()
	if err != nil {
		return nil, err
	}

	n := asNode[K](g.Data(), t.codec)
	for !n.isLeaf() {
		childID := n.childAt(n.childIndexFor(t.cmp, key))

		cg, err := t.pool.FetchPageRead(childID)
		g.Drop()
		if err != nil {
			return nil, err
		}
		g = cg
		n = asNode[K](g.Data(), t.codec)
	}

	idx, _ := n.leafLowerBound(t.cmp, key)
	it := &Iterator[K]{
		pool:   t.pool,
		codec:  t.codec,
		guard:  g,
		pageID: n.self(),
		idx:    idx,
	}

	if idx >= n.size() {
		// the probe falls past this leaf's last key
		if err := it.Next(); err != nil {
			return nil, err
		}
	}

	return it, nil
}

func (t *BPlusTree[K]) endIterator() *Iterator[K] {
	return &Iterator[K]{pool: t.pool, codec: t.codec, pageID: common.InvalidPageID}
}

func (it *Iterator[K]) IsEnd() bool {
	return it.pageID == common.InvalidPageID
}

func (it *Iterator[K]) Key() K {
	assert.Assert(!it.IsEnd(), "key of the end iterator")
	return asNode[K](it.guard.Data(), it.codec).leafKeyAt(it.idx)
}

func (it *Iterator[K]) Value() common.RID {
	assert.Assert(!it.IsEnd(), "value of the end iterator")
	return asNode[K](it.guard.Data(), it.codec).leafRIDAt(it.idx)
}

// Next advances the cursor, hopping to the successor leaf through the
// sibling pointer. The current guard is released before the successor is
// latched: holding both would invert the left-to-right order writers use
// when merging siblings.
func (it *Iterator[K]) Next() error {
	assert.Assert(!it.IsEnd(), "advancing the end iterator")

	n := asNode[K](it.guard.Data(), it.codec)

	it.idx++
	if it.idx < n.size() {
		return nil
	}

	nextID := n.next()
	it.guard.Drop()
	it.pageID = common.InvalidPageID
	it.idx = 0

	if nextID == common.InvalidPageID {
		return nil
	}

	ng, err := it.pool.FetchPageRead(nextID)
	if err != nil {
		return err
	}

	next := asNode[K](ng.Data(), it.codec)
	if !next.isLeaf() || next.size() == 0 {
		// the successor got merged away between the hops
		ng.Drop()
		return nil
	}

	it.guard = ng
	it.pageID = nextID
	it.idx = 0

	return nil
}

// Close drops the current leaf guard. Safe to call on the end iterator.
func (it *Iterator[K]) Close() {
	if !it.IsEnd() {
		it.guard.Drop()
		it.pageID = common.InvalidPageID
	}
}
