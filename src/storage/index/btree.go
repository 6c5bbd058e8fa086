package index

import (
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/bufferpool"
	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

// BPlusTree is a unique-key ordered index over buffer-pool pages. Keys
// are generic; values are row ids. Concurrent operations use latch
// crabbing: a traversal holds the latch on the current node, latches the
// child, and releases every ancestor once the operation is provably safe
// at the child. Root-id changes additionally hold the tree-wide rootMu.
type BPlusTree[K any] struct {
	name  string
	pool  *bufferpool.Manager
	cmp   Comparator[K]
	codec KeyCodec[K]

	leafMax     int
	internalMax int

	headerPageID common.PageID

	// rootMu guards rootID; held exclusively across any operation that
	// may change the root
	rootMu sync.RWMutex
	rootID common.PageID

	log *zap.SugaredLogger
}

func NewBPlusTree[K any](
	name string,
	pool *bufferpool.Manager,
	headerPageID common.PageID,
	cmp Comparator[K],
	codec KeyCodec[K],
	leafMax int,
	internalMax int,
	log *zap.SugaredLogger,
) (*BPlusTree[K], error) {
	if leafMax == 0 {
		leafMax = (common.PageSize - leafHeaderSize) / (codec.Size() + ridSize)
	}
	if internalMax == 0 {
		internalMax = (common.PageSize-nodeHeaderSize)/(codec.Size()+childSize) - 1
	}
	assert.Assert(leafMax >= 3, "leaf fanout %d is too small", leafMax)
	assert.Assert(internalMax >= 3, "internal fanout %d is too small", internalMax)

	root, err := loadOrRegisterRoot(pool, headerPageID, name)
	if err != nil {
		return nil, err
	}

	return &BPlusTree[K]{
		name:         name,
		pool:         pool,
		cmp:          cmp,
		codec:        codec,
		leafMax:      leafMax,
		internalMax:  internalMax,
		headerPageID: headerPageID,
		rootID:       root,
		log:          log,
	}, nil
}

func (t *BPlusTree[K]) minLeafKeys() int {
	return t.leafMax / 2 // == ceil((leafMax-1)/2)
}

func (t *BPlusTree[K]) minInternalChildren() int {
	return (t.internalMax + 1) / 2
}

// setRoot must be called with rootMu held exclusively.
func (t *BPlusTree[K]) setRoot(id common.PageID) error {
	t.log.Debugw("root changed", "index", t.name, "rootPageID", id)

	t.rootID = id
	return persistRoot(t.pool, t.headerPageID, t.name, id)
}

// opContext tracks the retained write guards along the descent path,
// root first. Released ancestors stay in the slice as dropped guards so
// parent lookups by index remain stable.
type opContext struct {
	guards      []bufferpool.WritePageGuard
	rootLatched bool

	pendingDeletes []common.PageID
}

func (t *BPlusTree[K]) ctxReleaseAncestors(ctx *opContext) {
	for i := 0; i < len(ctx.guards)-1; i++ {
		ctx.guards[i].Drop()
	}
	if ctx.rootLatched {
		t.rootMu.Unlock()
		ctx.rootLatched = false
	}
}

func (t *BPlusTree[K]) ctxReleaseAll(ctx *opContext) {
	for i := range ctx.guards {
		ctx.guards[i].Drop()
	}
	if ctx.rootLatched {
		t.rootMu.Unlock()
		ctx.rootLatched = false
	}

	for _, id := range ctx.pendingDeletes {
		t.pool.DeletePage(id)
	}
	ctx.pendingDeletes = nil
}

const (
	opInsert = iota
	opRemove
)

func (t *BPlusTree[K]) nodeSafe(n node[K], op int, isRoot bool) bool {
	switch op {
	case opInsert:
		if n.isLeaf() {
			return n.size() < n.maxSize()-1
		}
		return n.size() < n.maxSize()
	case opRemove:
		if isRoot {
			if n.isLeaf() {
				return n.size() > 1
			}
			return n.size() > 2
		}
		if n.isLeaf() {
			return n.size() > t.minLeafKeys()
		}
		return n.size() > t.minInternalChildren()
	}

	assert.Assert(false, "unknown operation %d", op)
	return false
}

// descendForWrite crabs write latches from the root down to the leaf
// covering the key, releasing ancestors as safety is proven. On return
// ctx's last guard is the target leaf.
func (t *BPlusTree[K]) descendForWrite(ctx *opContext, key K, op int) error {
	g, err := t.pool.FetchPageWrite(t.rootID)
	if err != nil {
		return errors.Wrap(err, "failed to latch the root")
	}
	ctx.guards = append(ctx.guards, g)

	n := asNode[K](ctx.guards[0].DataMut(), t.codec)
	if t.nodeSafe(n, op, true) {
		t.ctxReleaseAncestors(ctx)
	}

	for !n.isLeaf() {
		childID := n.childAt(n.childIndexFor(t.cmp, key))

		cg, err := t.pool.FetchPageWrite(childID)
		if err != nil {
			return errors.Wrapf(err, "failed to latch page %d", childID)
		}
		ctx.guards = append(ctx.guards, cg)

		cn := asNode[K](ctx.guards[len(ctx.guards)-1].DataMut(), t.codec)
		if t.nodeSafe(cn, op, false) {
			t.ctxReleaseAncestors(ctx)
		}
		n = cn
	}

	return nil
}

// GetValue performs a point lookup with read-latch crabbing.
func (t *BPlusTree[K]) GetValue(key K) (common.RID, bool, error) {
	t.rootMu.RLock()

	if t.rootID == common.InvalidPageID {
		t.rootMu.RUnlock()
		return common.RID{}, false, nil
	}

	g, err := t.pool.FetchPageRead(t.rootID)
	t.rootMu.RUnlock()
	if err != nil {
		return common.RID{}, false, err
	}

	n := asNode[K](g.Data(), t.codec)
	for !n.isLeaf() {
		childID := n.childAt(n.childIndexFor(t.cmp, key))

		cg, err := t.pool.FetchPageRead(childID)
		g.Drop()
		if err != nil {
			return common.RID{}, false, err
		}
		g = cg
		n = asNode[K](g.Data(), t.codec)
	}
	defer g.Drop()

	idx, found := n.leafLowerBound(t.cmp, key)
	if !found {
		return common.RID{}, false, nil
	}

	return n.leafRIDAt(idx), true, nil
}

// Insert adds a unique key. Returns false without modification when the
// key already exists.
func (t *BPlusTree[K]) Insert(key K, rid common.RID) (bool, error) {
	ctx := &opContext{}
	t.rootMu.Lock()
	ctx.rootLatched = true
	defer t.ctxReleaseAll(ctx)

	if t.rootID == common.InvalidPageID {
		g, err := t.pool.NewPageGuarded()
		if err != nil {
			return false, errors.Wrap(err, "failed to allocate the root leaf")
		}
		wg := g.UpgradeWrite()
		ctx.guards = append(ctx.guards, wg)

		last := &ctx.guards[len(ctx.guards)-1]
		n := asNode[K](last.DataMut(), t.codec)
		n.initLeaf(last.ID(), common.InvalidPageID, t.leafMax)
		n.leafInsertAt(0, key, rid)

		if err := t.setRoot(last.ID()); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := t.descendForWrite(ctx, key, opInsert); err != nil {
		return false, err
	}

	leafGuard := &ctx.guards[len(ctx.guards)-1]
	leaf := asNode[K](leafGuard.DataMut(), t.codec)

	idx, found := leaf.leafLowerBound(t.cmp, key)
	if found {
		return false, nil
	}

	leaf.leafInsertAt(idx, key, rid)
	if leaf.size() < t.leafMax {
		return true, nil
	}

	// the leaf reached leafMax entries: split. The first ceil(max/2)
	// stay left, the rest move right; the right node's first key is
	// posted to the parent.
	leftCount := (t.leafMax + 1) / 2
	moveCount := t.leafMax - leftCount

	ng, err := t.pool.NewPageGuarded()
	if err != nil {
		return false, errors.Wrap(err, "failed to allocate a leaf during split")
	}
	rightGuard := ng.UpgradeWrite()
	right := asNode[K](rightGuard.DataMut(), t.codec)
	right.initLeaf(rightGuard.ID(), leaf.parent(), t.leafMax)

	leaf.leafCopyRange(right, leftCount, t.leafMax, 0)
	right.setSize(moveCount)
	leaf.setSize(leftCount)

	right.setNext(leaf.next())
	leaf.setNext(rightGuard.ID())

	sep := right.leafKeyAt(0)
	if err := t.insertIntoParent(ctx, len(ctx.guards)-1, sep, &rightGuard); err != nil {
		rightGuard.Drop()
		return false, err
	}
	rightGuard.Drop()

	return true, nil
}

// insertIntoParent posts (key, right) above the node at ctx.guards[leftIdx].
// The caller's ancestor guards are still held whenever this is reached:
// splits only happen on paths where no node was insert-safe.
func (t *BPlusTree[K]) insertIntoParent(
	ctx *opContext,
	leftIdx int,
	key K,
	rightGuard *bufferpool.WritePageGuard,
) error {
	leftGuard := &ctx.guards[leftIdx]
	left := asNode[K](leftGuard.DataMut(), t.codec)
	right := asNode[K](rightGuard.DataMut(), t.codec)

	if left.parent() == common.InvalidPageID {
		// split of the root: grow the tree by one level
		assert.Assert(leftIdx == 0, "the root must be the first retained guard")
		assert.Assert(ctx.rootLatched, "root split without the tree latch")

		g, err := t.pool.NewPageGuarded()
		if err != nil {
			return errors.Wrap(err, "failed to allocate a new root")
		}
		rootGuard := g.UpgradeWrite()
		defer rootGuard.Drop()

		root := asNode[K](rootGuard.DataMut(), t.codec)
		root.initInternal(rootGuard.ID(), common.InvalidPageID, t.internalMax)
		root.setSize(2)
		root.setChildAt(0, left.self())
		root.internalSetKeyAt(1, key)
		root.setChildAt(1, right.self())

		left.setParent(rootGuard.ID())
		right.setParent(rootGuard.ID())

		return t.setRoot(rootGuard.ID())
	}

	parentGuard := &ctx.guards[leftIdx-1]
	assert.Assert(parentGuard.IsValid(), "parent guard was released on an unsafe path")
	parent := asNode[K](parentGuard.DataMut(), t.codec)

	if parent.size() < t.internalMax {
		parent.internalInsertAfter(left.self(), key, right.self())
		right.setParent(parent.self())
		return nil
	}

	return t.splitInternal(ctx, leftIdx-1, parent, left.self(), key, rightGuard)
}

// splitInternal splits the full internal node at ctx.guards[parentIdx]
// while inserting (key, newChild) after the slot of afterChild. The
// middle key is elevated to the next level.
func (t *BPlusTree[K]) splitInternal(
	ctx *opContext,
	parentIdx int,
	parent node[K],
	afterChild common.PageID,
	key K,
	newChildGuard *bufferpool.WritePageGuard,
) error {
	total := t.internalMax + 1

	keys := make([]K, total) // keys[0] unused
	children := make([]common.PageID, total)

	insertAt := parent.indexOfChild(afterChild) + 1
	pos := 0
	for i := 0; i < parent.size(); i++ {
		if i == insertAt {
			keys[pos] = key
			children[pos] = newChildGuard.ID()
			pos++
		}
		if i > 0 {
			keys[pos] = parent.internalKeyAt(i)
		}
		children[pos] = parent.childAt(i)
		pos++
	}
	if insertAt == parent.size() {
		keys[pos] = key
		children[pos] = newChildGuard.ID()
		pos++
	}
	assert.Assert(pos == total, "internal split miscounted: %d != %d", pos, total)

	leftCount := (total + 1) / 2
	midKey := keys[leftCount]

	ng, err := t.pool.NewPageGuarded()
	if err != nil {
		return errors.Wrap(err, "failed to allocate an internal node during split")
	}
	siblingGuard := ng.UpgradeWrite()
	sibling := asNode[K](siblingGuard.DataMut(), t.codec)
	sibling.initInternal(siblingGuard.ID(), parent.parent(), t.internalMax)

	parent.setSize(leftCount)
	for i := 0; i < leftCount; i++ {
		parent.setChildAt(i, children[i])
		if i > 0 {
			parent.internalSetKeyAt(i, keys[i])
		}
	}

	sibling.setSize(total - leftCount)
	for i := leftCount; i < total; i++ {
		j := i - leftCount
		sibling.setChildAt(j, children[i])
		if j > 0 {
			sibling.internalSetKeyAt(j, keys[i])
		}
	}

	// children that moved right now belong to the sibling
	for i := range sibling.size() {
		childID := sibling.childAt(i)

		if childID == newChildGuard.ID() {
			asNode[K](newChildGuard.DataMut(), t.codec).setParent(siblingGuard.ID())
			continue
		}

		if err := t.reparent(ctx, childID, siblingGuard.ID()); err != nil {
			siblingGuard.Drop()
			return err
		}
	}

	// the new child may also have stayed in the left half
	stayedLeft := true
	for i := range sibling.size() {
		if sibling.childAt(i) == newChildGuard.ID() {
			stayedLeft = false
			break
		}
	}
	if stayedLeft {
		asNode[K](newChildGuard.DataMut(), t.codec).setParent(parent.self())
	}

	err = t.insertIntoParent(ctx, parentIdx, midKey, &siblingGuard)
	siblingGuard.Drop()

	return err
}

// Remove deletes the key if present. Removing an absent key is a no-op.
func (t *BPlusTree[K]) Remove(key K) error {
	ctx := &opContext{}
	t.rootMu.Lock()
	ctx.rootLatched = true
	defer t.ctxReleaseAll(ctx)

	if t.rootID == common.InvalidPageID {
		return nil
	}

	if err := t.descendForWrite(ctx, key, opRemove); err != nil {
		return err
	}

	leafIdx := len(ctx.guards) - 1
	leafGuard := &ctx.guards[leafIdx]
	leaf := asNode[K](leafGuard.DataMut(), t.codec)

	idx, found := leaf.leafLowerBound(t.cmp, key)
	if !found {
		return nil
	}
	leaf.leafRemoveAt(idx)

	if leaf.parent() == common.InvalidPageID {
		// leaf root: the tree becomes empty when its last key goes
		if leaf.size() == 0 {
			ctx.pendingDeletes = append(ctx.pendingDeletes, leaf.self())
			return t.setRoot(common.InvalidPageID)
		}
		return nil
	}

	if leaf.size() >= t.minLeafKeys() {
		return nil
	}

	return t.handleUnderflow(ctx, leafIdx)
}

// handleUnderflow restores the occupancy invariant for the node at
// ctx.guards[nodeIdx]: redistribute from a sibling with spare entries,
// else merge, always keeping the left node.
func (t *BPlusTree[K]) handleUnderflow(ctx *opContext, nodeIdx int) error {
	nGuard := &ctx.guards[nodeIdx]
	n := asNode[K](nGuard.DataMut(), t.codec)

	parentGuard := &ctx.guards[nodeIdx-1]
	assert.Assert(parentGuard.IsValid(), "underflow with a released parent guard")
	parent := asNode[K](parentGuard.DataMut(), t.codec)

	ci := parent.indexOfChild(n.self())

	minSize := t.minLeafKeys()
	if !n.isLeaf() {
		minSize = t.minInternalChildren()
	}

	// redistribute from the left sibling
	if ci > 0 {
		lg, err := t.pool.FetchPageWrite(parent.childAt(ci - 1))
		if err != nil {
			return errors.Wrap(err, "failed to latch the left sibling")
		}
		left := asNode[K](lg.DataMut(), t.codec)

		if left.size() > minSize {
			err := t.borrowFromLeft(ctx, parent, left, n, ci)
			lg.Drop()
			return err
		}
		lg.Drop()
	}

	// redistribute from the right sibling
	if ci < parent.size()-1 {
		rg, err := t.pool.FetchPageWrite(parent.childAt(ci + 1))
		if err != nil {
			return errors.Wrap(err, "failed to latch the right sibling")
		}
		right := asNode[K](rg.DataMut(), t.codec)

		if right.size() > minSize {
			err := t.borrowFromRight(ctx, parent, n, right, ci)
			rg.Drop()
			return err
		}
		rg.Drop()
	}

	// merge
	var keptGuard *bufferpool.WritePageGuard
	var localGuard bufferpool.WritePageGuard

	if ci > 0 {
		// merge n into the left sibling, keep the left node
		lg, err := t.pool.FetchPageWrite(parent.childAt(ci - 1))
		if err != nil {
			return errors.Wrap(err, "failed to latch the left sibling")
		}
		localGuard = lg
		keptGuard = &localGuard

		left := asNode[K](localGuard.DataMut(), t.codec)
		if err := t.mergeInto(ctx, parent, left, n, ci); err != nil {
			localGuard.Drop()
			return err
		}
		ctx.pendingDeletes = append(ctx.pendingDeletes, n.self())
	} else {
		// n is the leftmost child: merge the right sibling into n
		rg, err := t.pool.FetchPageWrite(parent.childAt(ci + 1))
		if err != nil {
			return errors.Wrap(err, "failed to latch the right sibling")
		}
		localGuard = rg

		right := asNode[K](localGuard.DataMut(), t.codec)
		if err := t.mergeInto(ctx, parent, n, right, ci+1); err != nil {
			localGuard.Drop()
			return err
		}
		ctx.pendingDeletes = append(ctx.pendingDeletes, right.self())
		localGuard.Drop()
		localGuard = bufferpool.WritePageGuard{}
		keptGuard = nGuard
	}

	defer func() {
		if keptGuard == &localGuard {
			localGuard.Drop()
		}
	}()

	if parent.parent() == common.InvalidPageID {
		// internal root with a single child left: that child becomes
		// the new root
		if parent.size() == 1 {
			kept := asNode[K](keptGuard.DataMut(), t.codec)
			kept.setParent(common.InvalidPageID)
			ctx.pendingDeletes = append(ctx.pendingDeletes, parent.self())

			assert.Assert(ctx.rootLatched, "root collapse without the tree latch")
			return t.setRoot(kept.self())
		}
		return nil
	}

	if parent.size() < t.minInternalChildren() {
		return t.handleUnderflow(ctx, nodeIdx-1)
	}

	return nil
}

// borrowFromLeft shifts the left sibling's last entry into n and fixes
// the separator at parent slot ci.
func (t *BPlusTree[K]) borrowFromLeft(ctx *opContext, parent, left, n node[K], ci int) error {
	if n.isLeaf() {
		last := left.size() - 1
		n.leafInsertAt(0, left.leafKeyAt(last), left.leafRIDAt(last))
		left.setSize(last)
		parent.internalSetKeyAt(ci, n.leafKeyAt(0))
		return nil
	}

	// internal: rotate through the parent separator
	last := left.size() - 1
	movedChild := left.childAt(last)

	w := n.internalPairWidth()
	start := n.internalSlot(0)
	end := n.internalSlot(n.size())
	copy(n.data[start+w:end+w], n.data[start:end])
	n.setSize(n.size() + 1)

	n.setChildAt(0, movedChild)
	n.internalSetKeyAt(1, parent.internalKeyAt(ci))
	parent.internalSetKeyAt(ci, left.internalKeyAt(last))
	left.setSize(last)

	return t.reparent(ctx, movedChild, n.self())
}

// borrowFromRight shifts the right sibling's first entry into n and
// fixes the separator at parent slot ci+1.
func (t *BPlusTree[K]) borrowFromRight(ctx *opContext, parent, n, right node[K], ci int) error {
	if n.isLeaf() {
		n.leafInsertAt(n.size(), right.leafKeyAt(0), right.leafRIDAt(0))
		right.leafRemoveAt(0)
		parent.internalSetKeyAt(ci+1, right.leafKeyAt(0))
		return nil
	}

	movedChild := right.childAt(0)

	n.setSize(n.size() + 1)
	n.setChildAt(n.size()-1, movedChild)
	n.internalSetKeyAt(n.size()-1, parent.internalKeyAt(ci+1))

	parent.internalSetKeyAt(ci+1, right.internalKeyAt(1))
	right.internalRemoveAt(0)

	return t.reparent(ctx, movedChild, n.self())
}

// mergeInto folds src (parent slot srcSlot) into dst, dst being the left
// node. The separator key at srcSlot is pulled down for internal nodes
// and the slot is removed from the parent.
func (t *BPlusTree[K]) mergeInto(ctx *opContext, parent, dst, src node[K], srcSlot int) error {
	if dst.isLeaf() {
		src.leafCopyRange(dst, 0, src.size(), dst.size())
		dst.setSize(dst.size() + src.size())
		dst.setNext(src.next())
		parent.internalRemoveAt(srcSlot)
		return nil
	}

	sep := parent.internalKeyAt(srcSlot)

	base := dst.size()
	src.internalCopyRange(dst, 0, src.size(), base)
	dst.setSize(base + src.size())
	dst.internalSetKeyAt(base, sep)

	for i := base; i < dst.size(); i++ {
		if err := t.reparent(ctx, dst.childAt(i), dst.self()); err != nil {
			return err
		}
	}

	parent.internalRemoveAt(srcSlot)
	return nil
}

// reparent updates a child's parent pointer. The child may be latched by
// this very operation further down the descent path; in that case the
// held guard is reused instead of re-latching.
func (t *BPlusTree[K]) reparent(ctx *opContext, child, newParent common.PageID) error {
	for i := range ctx.guards {
		g := &ctx.guards[i]
		if g.IsValid() && g.ID() == child {
			asNode[K](g.DataMut(), t.codec).setParent(newParent)
			return nil
		}
	}

	g, err := t.pool.FetchPageWrite(child)
	if err != nil {
		return errors.Wrapf(err, "failed to reparent page %d", child)
	}
	asNode[K](g.DataMut(), t.codec).setParent(newParent)
	g.Drop()

	return nil
}
