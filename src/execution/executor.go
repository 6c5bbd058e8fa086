package execution

import (
	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/txns"
)

// ExecutorContext bundles what every executor needs: the transaction it
// runs under and the lock manager it asks for table/row locks.
type ExecutorContext struct {
	Txn *txns.Transaction
	Lm  *txns.LockManager
	Log *zap.SugaredLogger
}

// Executor is the usual volcano-style pair: Init prepares (and takes
// table locks), Next produces one row id at a time.
type Executor interface {
	Init() error
	Next() (common.RID, bool, error)
}

// SeqScanExecutor walks the heap in physical order. Under
// READ_UNCOMMITTED no locks are taken at all; otherwise the table is
// intention-share locked and every visited row is share locked. Under
// READ_COMMITTED the row lock is dropped right after the read.
type SeqScanExecutor struct {
	ctx  *ExecutorContext
	heap *TableHeap

	pageID common.PageID
	slot   int
}

func NewSeqScanExecutor(ctx *ExecutorContext, heap *TableHeap) *SeqScanExecutor {
	return &SeqScanExecutor{ctx: ctx, heap: heap}
}

func (e *SeqScanExecutor) Init() error {
	if e.ctx.Txn.Isolation() != txns.ReadUncommitted &&
		!e.ctx.Txn.HoldsTableLock(e.heap.TableID()) {
		if err := e.ctx.Lm.LockTable(e.ctx.Txn, txns.LockIntentionShared, e.heap.TableID()); err != nil {
			return err
		}
	}

	e.pageID = e.heap.FirstPage()
	e.slot = 0

	return nil
}

func (e *SeqScanExecutor) Next() (common.RID, bool, error) {
	for e.pageID != common.InvalidPageID {
		g, err := e.heap.pool.FetchPageRead(e.pageID)
		if err != nil {
			return common.RID{}, false, err
		}

		h := heapView{data: g.Data()}
		for ; e.slot < h.slotCount(); e.slot++ {
			if h.status(e.slot) != slotInUse {
				continue
			}

			rid := common.RID{PageID: e.pageID, SlotNum: uint32(e.slot)}
			e.slot++
			g.Drop()

			if err := e.lockRow(rid); err != nil {
				return common.RID{}, false, err
			}

			return rid, true, nil
		}

		next := h.next()
		g.Drop()

		e.pageID = next
		e.slot = 0
	}

	return common.RID{}, false, nil
}

func (e *SeqScanExecutor) lockRow(rid common.RID) error {
	txn := e.ctx.Txn
	if txn.Isolation() == txns.ReadUncommitted {
		return nil
	}
	if _, held := txn.HoldsRowLock(e.heap.TableID(), rid); held {
		return nil
	}

	if err := e.ctx.Lm.LockRow(txn, txns.LockShared, e.heap.TableID(), rid); err != nil {
		return err
	}

	if txn.Isolation() == txns.ReadCommitted {
		// dropping an S lock does not shrink under READ_COMMITTED
		return e.ctx.Lm.UnlockRow(txn, e.heap.TableID(), rid)
	}

	return nil
}

// InsertExecutor appends tuples, exclusive-locking each new row under an
// intention-exclusive table lock.
type InsertExecutor struct {
	ctx    *ExecutorContext
	heap   *TableHeap
	tuples [][]byte
	pos    int
}

func NewInsertExecutor(ctx *ExecutorContext, heap *TableHeap, tuples [][]byte) *InsertExecutor {
	return &InsertExecutor{ctx: ctx, heap: heap, tuples: tuples}
}

func (e *InsertExecutor) Init() error {
	return e.ctx.Lm.LockTable(e.ctx.Txn, txns.LockIntentionExclusive, e.heap.TableID())
}

func (e *InsertExecutor) Next() (common.RID, bool, error) {
	if e.pos >= len(e.tuples) {
		return common.RID{}, false, nil
	}

	rid, err := e.heap.InsertTuple(e.tuples[e.pos])
	if err != nil {
		return common.RID{}, false, err
	}
	e.pos++

	if err := e.ctx.Lm.LockRow(e.ctx.Txn, txns.LockExclusive, e.heap.TableID(), rid); err != nil {
		return common.RID{}, false, err
	}

	return rid, true, nil
}

// DeleteExecutor tombstones the rows produced by its child, taking X
// row locks under an IX table lock.
type DeleteExecutor struct {
	ctx   *ExecutorContext
	heap  *TableHeap
	child Executor
}

func NewDeleteExecutor(ctx *ExecutorContext, heap *TableHeap, child Executor) *DeleteExecutor {
	return &DeleteExecutor{ctx: ctx, heap: heap, child: child}
}

func (e *DeleteExecutor) Init() error {
	if err := e.ctx.Lm.LockTable(e.ctx.Txn, txns.LockIntentionExclusive, e.heap.TableID()); err != nil {
		return err
	}
	return e.child.Init()
}

func (e *DeleteExecutor) Next() (common.RID, bool, error) {
	rid, ok, err := e.child.Next()
	if err != nil || !ok {
		return common.RID{}, false, err
	}

	if err := e.ctx.Lm.LockRow(e.ctx.Txn, txns.LockExclusive, e.heap.TableID(), rid); err != nil {
		return common.RID{}, false, err
	}

	if _, err := e.heap.MarkDelete(rid); err != nil {
		return common.RID{}, false, err
	}

	return rid, true, nil
}
