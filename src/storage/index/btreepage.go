package index

import (
	"encoding/binary"
	"unsafe"

	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

const (
	pageTypeInvalid int32 = iota
	pageTypeLeaf
	pageTypeInternal
)

// nodeHeader is the 24-byte header at the start of every tree page:
// type, lsn, current size, max size, parent id, self id. Leaves carry an
// extra 4-byte sibling pointer right after it.
type nodeHeader struct {
	pageType int32
	lsn      uint32
	size     int32
	maxSize  int32
	parentID int32
	selfID   int32
}

const (
	nodeHeaderSize = int(unsafe.Sizeof(nodeHeader{}))
	leafHeaderSize = nodeHeaderSize + 4

	ridSize   = 8
	childSize = 4
)

// node is a typed view over a page buffer obtained from a guard. It owns
// nothing: dropping the guard invalidates the view.
type node[K any] struct {
	data  []byte
	codec KeyCodec[K]
}

func asNode[K any](data []byte, codec KeyCodec[K]) node[K] {
	assert.Assert(len(data) == common.PageSize, "node view over a short buffer")
	return node[K]{data: data, codec: codec}
}

func (n node[K]) hdr() *nodeHeader {
	return (*nodeHeader)(unsafe.Pointer(&n.data[0]))
}

func (n node[K]) isLeaf() bool {
	return n.hdr().pageType == pageTypeLeaf
}

func (n node[K]) size() int {
	return int(n.hdr().size)
}

func (n node[K]) setSize(size int) {
	n.hdr().size = int32(size)
}

func (n node[K]) maxSize() int {
	return int(n.hdr().maxSize)
}

func (n node[K]) self() common.PageID {
	return common.PageID(n.hdr().selfID)
}

func (n node[K]) parent() common.PageID {
	return common.PageID(n.hdr().parentID)
}

func (n node[K]) setParent(id common.PageID) {
	n.hdr().parentID = int32(id)
}

func (n node[K]) initLeaf(self common.PageID, parent common.PageID, maxSize int) {
	h := n.hdr()
	h.pageType = pageTypeLeaf
	h.lsn = uint32(common.NilLSN)
	h.size = 0
	h.maxSize = int32(maxSize)
	h.parentID = int32(parent)
	h.selfID = int32(self)
	n.setNext(common.InvalidPageID)
}

func (n node[K]) initInternal(self common.PageID, parent common.PageID, maxSize int) {
	h := n.hdr()
	h.pageType = pageTypeInternal
	h.lsn = uint32(common.NilLSN)
	h.size = 0
	h.maxSize = int32(maxSize)
	h.parentID = int32(parent)
	h.selfID = int32(self)
}

// ---- leaf accessors: size counts (key, rid) pairs ----

func (n node[K]) next() common.PageID {
	return common.PageID(int32(binary.LittleEndian.Uint32(n.data[nodeHeaderSize:])))
}

func (n node[K]) setNext(id common.PageID) {
	binary.LittleEndian.PutUint32(n.data[nodeHeaderSize:], uint32(int32(id)))
}

func (n node[K]) leafPairWidth() int {
	return n.codec.Size() + ridSize
}

func (n node[K]) leafSlot(i int) int {
	return leafHeaderSize + i*n.leafPairWidth()
}

func (n node[K]) leafKeyAt(i int) K {
	off := n.leafSlot(i)
	return n.codec.Decode(n.data[off : off+n.codec.Size()])
}

func (n node[K]) leafRIDAt(i int) common.RID {
	off := n.leafSlot(i) + n.codec.Size()
	return common.RID{
		PageID:  common.PageID(int32(binary.LittleEndian.Uint32(n.data[off:]))),
		SlotNum: binary.LittleEndian.Uint32(n.data[off+4:]),
	}
}

func (n node[K]) leafSetAt(i int, key K, rid common.RID) {
	off := n.leafSlot(i)
	n.codec.Encode(n.data[off:off+n.codec.Size()], key)
	binary.LittleEndian.PutUint32(n.data[off+n.codec.Size():], uint32(int32(rid.PageID)))
	binary.LittleEndian.PutUint32(n.data[off+n.codec.Size()+4:], rid.SlotNum)
}

// leafLowerBound returns the first index whose key is >= the probe and
// whether that key is an exact match.
func (n node[K]) leafLowerBound(cmp Comparator[K], key K) (int, bool) {
	lo, hi := 0, n.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(n.leafKeyAt(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	found := lo < n.size() && cmp(n.leafKeyAt(lo), key) == 0
	return lo, found
}

func (n node[K]) leafInsertAt(i int, key K, rid common.RID) {
	w := n.leafPairWidth()
	start := n.leafSlot(i)
	end := n.leafSlot(n.size())
	copy(n.data[start+w:end+w], n.data[start:end])
	n.leafSetAt(i, key, rid)
	n.setSize(n.size() + 1)
}

func (n node[K]) leafRemoveAt(i int) {
	w := n.leafPairWidth()
	start := n.leafSlot(i)
	end := n.leafSlot(n.size())
	copy(n.data[start:end-w], n.data[start+w:end])
	n.setSize(n.size() - 1)
}

// leafCopyRange moves pairs [from, to) of n to dst starting at dstIdx.
func (n node[K]) leafCopyRange(dst node[K], from, to, dstIdx int) {
	w := n.leafPairWidth()
	copy(
		dst.data[dst.leafSlot(dstIdx):dst.leafSlot(dstIdx)+(to-from)*w],
		n.data[n.leafSlot(from):n.leafSlot(to)],
	)
}

// ---- internal accessors: size counts children; slot 0's key is unused ----

func (n node[K]) internalPairWidth() int {
	return n.codec.Size() + childSize
}

func (n node[K]) internalSlot(i int) int {
	return nodeHeaderSize + i*n.internalPairWidth()
}

func (n node[K]) internalKeyAt(i int) K {
	assert.Assert(i > 0, "slot 0 of an internal node has no key")
	off := n.internalSlot(i)
	return n.codec.Decode(n.data[off : off+n.codec.Size()])
}

func (n node[K]) internalSetKeyAt(i int, key K) {
	off := n.internalSlot(i)
	n.codec.Encode(n.data[off:off+n.codec.Size()], key)
}

func (n node[K]) childAt(i int) common.PageID {
	off := n.internalSlot(i) + n.codec.Size()
	return common.PageID(int32(binary.LittleEndian.Uint32(n.data[off:])))
}

func (n node[K]) setChildAt(i int, id common.PageID) {
	off := n.internalSlot(i) + n.codec.Size()
	binary.LittleEndian.PutUint32(n.data[off:], uint32(int32(id)))
}

// childIndexFor picks the child subtree for the probe key: the last
// separator K_i with K_i <= key routes right of K_i.
func (n node[K]) childIndexFor(cmp Comparator[K], key K) int {
	lo, hi := 1, n.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(n.internalKeyAt(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// indexOfChild finds which slot points at the given child page.
func (n node[K]) indexOfChild(child common.PageID) int {
	for i := range n.size() {
		if n.childAt(i) == child {
			return i
		}
	}
	assert.Assert(false, "page %d is not a child of page %d", child, n.self())
	return -1
}

// internalInsertAfter places (key, child) right after the slot holding
// 'after'.
func (n node[K]) internalInsertAfter(after common.PageID, key K, child common.PageID) {
	idx := n.indexOfChild(after) + 1
	w := n.internalPairWidth()
	start := n.internalSlot(idx)
	end := n.internalSlot(n.size())
	copy(n.data[start+w:end+w], n.data[start:end])
	n.internalSetKeyAt(idx, key)
	n.setChildAt(idx, child)
	n.setSize(n.size() + 1)
}

func (n node[K]) internalRemoveAt(i int) {
	w := n.internalPairWidth()
	start := n.internalSlot(i)
	end := n.internalSlot(n.size())
	copy(n.data[start:end-w], n.data[start+w:end])
	n.setSize(n.size() - 1)
}

// internalCopyRange moves slots [from, to) of n to dst starting at
// dstIdx. Keys travel with their children; dst slot 0's key is simply
// never read.
func (n node[K]) internalCopyRange(dst node[K], from, to, dstIdx int) {
	w := n.internalPairWidth()
	copy(
		dst.data[dst.internalSlot(dstIdx):dst.internalSlot(dstIdx)+(to-from)*w],
		n.data[n.internalSlot(from):n.internalSlot(to)],
	)
}
