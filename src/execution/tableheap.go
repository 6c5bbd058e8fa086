package execution

import (
	"encoding/binary"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/RelDB/src/bufferpool"
	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

// Heap pages hold fixed-width tuples in status-tagged slots:
//
//	next int32 | tupleSize uint16 | slotCount uint16 | slots...
//
// Each slot is one status byte followed by the tuple bytes.
const (
	heapHeaderSize = 8

	slotFree    byte = 0
	slotInUse   byte = 1
	slotDeleted byte = 2
)

type heapView struct {
	data []byte
}

func (h heapView) next() common.PageID {
	return common.PageID(int32(binary.LittleEndian.Uint32(h.data)))
}

func (h heapView) setNext(id common.PageID) {
	binary.LittleEndian.PutUint32(h.data, uint32(int32(id)))
}

func (h heapView) tupleSize() int {
	return int(binary.LittleEndian.Uint16(h.data[4:]))
}

func (h heapView) slotCount() int {
	return int(binary.LittleEndian.Uint16(h.data[6:]))
}

func (h heapView) init(tupleSize int) {
	h.setNext(common.InvalidPageID)
	binary.LittleEndian.PutUint16(h.data[4:], uint16(tupleSize))
	binary.LittleEndian.PutUint16(h.data[6:], uint16((common.PageSize-heapHeaderSize)/(tupleSize+1)))
}

func (h heapView) slotOffset(slot int) int {
	return heapHeaderSize + slot*(h.tupleSize()+1)
}

func (h heapView) status(slot int) byte {
	return h.data[h.slotOffset(slot)]
}

func (h heapView) setStatus(slot int, s byte) {
	h.data[h.slotOffset(slot)] = s
}

func (h heapView) tuple(slot int) []byte {
	off := h.slotOffset(slot) + 1
	return h.data[off : off+h.tupleSize()]
}

// TableHeap is a linked list of heap pages, just enough surface for the
// executors to demonstrate lock and guard discipline.
type TableHeap struct {
	pool      *bufferpool.Manager
	tableID   common.TableID
	firstPage common.PageID
	tupleSize int
}

func NewTableHeap(
	pool *bufferpool.Manager,
	tableID common.TableID,
	tupleSize int,
) (*TableHeap, error) {
	assert.Assert(tupleSize > 0 && tupleSize < common.PageSize/4,
		"unsupported tuple size %d", tupleSize)

	g, err := pool.NewPageGuarded()
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate the first heap page")
	}
	defer g.Drop()

	heapView{data: g.DataMut()}.init(tupleSize)

	return &TableHeap{
		pool:      pool,
		tableID:   tableID,
		firstPage: g.ID(),
		tupleSize: tupleSize,
	}, nil
}

func (t *TableHeap) TableID() common.TableID {
	return t.tableID
}

func (t *TableHeap) FirstPage() common.PageID {
	return t.firstPage
}

// InsertTuple places the tuple on the first page with a free slot,
// growing the chain when every page is full.
func (t *TableHeap) InsertTuple(data []byte) (common.RID, error) {
	assert.Assert(len(data) == t.tupleSize, "tuple size mismatch: %d != %d",
		len(data), t.tupleSize)

	pageID := t.firstPage
	for {
		g, err := t.pool.FetchPageWrite(pageID)
		if err != nil {
			return common.RID{}, err
		}

		h := heapView{data: g.DataMut()}
		for slot := range h.slotCount() {
			if h.status(slot) != slotFree {
				continue
			}

			h.setStatus(slot, slotInUse)
			copy(h.tuple(slot), data)
			g.Drop()

			return common.RID{PageID: pageID, SlotNum: uint32(slot)}, nil
		}

		next := h.next()
		if next == common.InvalidPageID {
			ng, err := t.pool.NewPageGuarded()
			if err != nil {
				g.Drop()
				return common.RID{}, errors.Wrap(err, "failed to grow the heap")
			}
			nw := ng.UpgradeWrite()
			heapView{data: nw.DataMut()}.init(t.tupleSize)

			next = nw.ID()
			h.setNext(next)
			nw.Drop()
		}

		g.Drop()
		pageID = next
	}
}

// GetTuple copies the tuple out under a read guard. Returns false for
// free or deleted slots.
func (t *TableHeap) GetTuple(rid common.RID) ([]byte, bool, error) {
	g, err := t.pool.FetchPageRead(rid.PageID)
	if err != nil {
		return nil, false, err
	}
	defer g.Drop()

	h := heapView{data: g.Data()}
	if int(rid.SlotNum) >= h.slotCount() || h.status(int(rid.SlotNum)) != slotInUse {
		return nil, false, nil
	}

	out := make([]byte, t.tupleSize)
	copy(out, h.tuple(int(rid.SlotNum)))

	return out, true, nil
}

// MarkDelete tombstones the slot.
func (t *TableHeap) MarkDelete(rid common.RID) (bool, error) {
	g, err := t.pool.FetchPageWrite(rid.PageID)
	if err != nil {
		return false, err
	}
	defer g.Drop()

	h := heapView{data: g.DataMut()}
	if int(rid.SlotNum) >= h.slotCount() || h.status(int(rid.SlotNum)) != slotInUse {
		return false, nil
	}

	h.setStatus(int(rid.SlotNum), slotDeleted)
	return true, nil
}
