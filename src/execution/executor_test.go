package execution

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/bufferpool"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/storage/disk"
	"github.com/Blackdeer1524/RelDB/src/txns"
)

const testTupleSize = 16

func newTestEnv(t *testing.T) (*TableHeap, *txns.LockManager, *txns.TxnManager) {
	t.Helper()

	fs := afero.NewMemMapFs()
	dm, err := disk.New(fs, uuid.NewString()+".db")
	require.NoError(t, err)

	pool := bufferpool.New(16, 2, dm, zap.NewNop().Sugar())

	heap, err := NewTableHeap(pool, 1, testTupleSize)
	require.NoError(t, err)

	lm := txns.NewLockManager(zap.NewNop().Sugar())
	return heap, lm, txns.NewTxnManager(lm, zap.NewNop().Sugar())
}

func execCtx(txn *txns.Transaction, lm *txns.LockManager) *ExecutorContext {
	return &ExecutorContext{Txn: txn, Lm: lm, Log: zap.NewNop().Sugar()}
}

func tuple(b byte) []byte {
	out := make([]byte, testTupleSize)
	for i := range out {
		out[i] = b
	}
	return out
}

func drain(t *testing.T, e Executor) []common.RID {
	t.Helper()

	require.NoError(t, e.Init())

	var rids []common.RID
	for {
		rid, ok, err := e.Next()
		require.NoError(t, err)
		if !ok {
			return rids
		}
		rids = append(rids, rid)
	}
}

func TestInsertThenSeqScan(t *testing.T) {
	heap, lm, mgr := newTestEnv(t)

	writer := mgr.Begin(txns.RepeatableRead)
	ins := NewInsertExecutor(execCtx(writer, lm), heap,
		[][]byte{tuple(1), tuple(2), tuple(3)})

	inserted := drain(t, ins)
	require.Len(t, inserted, 3)

	// the writer holds IX + row X locks until commit
	require.True(t, writer.HoldsTableLock(heap.TableID()))
	mode, held := writer.HoldsRowLock(heap.TableID(), inserted[0])
	require.True(t, held)
	require.Equal(t, txns.LockExclusive, mode)

	mgr.Commit(writer)

	reader := mgr.Begin(txns.RepeatableRead)
	scan := NewSeqScanExecutor(execCtx(reader, lm), heap)
	seen := drain(t, scan)
	require.Equal(t, inserted, seen)

	for i, rid := range seen {
		data, ok, err := heap.GetTuple(rid)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, tuple(byte(i+1)), data)
	}
	mgr.Commit(reader)
}

func TestScanLockDisciplinePerIsolation(t *testing.T) {
	heap, lm, mgr := newTestEnv(t)

	seed := mgr.Begin(txns.RepeatableRead)
	drain(t, NewInsertExecutor(execCtx(seed, lm), heap, [][]byte{tuple(1), tuple(2)}))
	mgr.Commit(seed)

	// REPEATABLE_READ keeps its S row locks after the scan
	rr := mgr.Begin(txns.RepeatableRead)
	rids := drain(t, NewSeqScanExecutor(execCtx(rr, lm), heap))
	for _, rid := range rids {
		mode, held := rr.HoldsRowLock(heap.TableID(), rid)
		require.True(t, held)
		require.Equal(t, txns.LockShared, mode)
	}
	mgr.Commit(rr)

	// READ_COMMITTED drops each row lock right after the read
	rc := mgr.Begin(txns.ReadCommitted)
	rids = drain(t, NewSeqScanExecutor(execCtx(rc, lm), heap))
	for _, rid := range rids {
		_, held := rc.HoldsRowLock(heap.TableID(), rid)
		require.False(t, held)
	}
	require.True(t, rc.HoldsTableLock(heap.TableID()))
	mgr.Commit(rc)

	// READ_UNCOMMITTED takes no locks at all
	ru := mgr.Begin(txns.ReadUncommitted)
	rids = drain(t, NewSeqScanExecutor(execCtx(ru, lm), heap))
	require.Len(t, rids, 2)
	require.False(t, ru.HoldsTableLock(heap.TableID()))
	mgr.Commit(ru)
}

func TestDeleteThroughScan(t *testing.T) {
	heap, lm, mgr := newTestEnv(t)

	seed := mgr.Begin(txns.RepeatableRead)
	drain(t, NewInsertExecutor(execCtx(seed, lm), heap,
		[][]byte{tuple(1), tuple(2), tuple(3)}))
	mgr.Commit(seed)

	deleter := mgr.Begin(txns.RepeatableRead)
	del := NewDeleteExecutor(execCtx(deleter, lm), heap,
		NewSeqScanExecutor(execCtx(deleter, lm), heap))
	deleted := drain(t, del)
	require.Len(t, deleted, 3)
	mgr.Commit(deleter)

	reader := mgr.Begin(txns.RepeatableRead)
	require.Empty(t, drain(t, NewSeqScanExecutor(execCtx(reader, lm), heap)))
	mgr.Commit(reader)
}

func TestWriterBlocksWriter(t *testing.T) {
	heap, lm, mgr := newTestEnv(t)

	seed := mgr.Begin(txns.RepeatableRead)
	rids := drain(t, NewInsertExecutor(execCtx(seed, lm), heap, [][]byte{tuple(9)}))
	mgr.Commit(seed)

	t1 := mgr.Begin(txns.RepeatableRead)
	require.NoError(t, lm.LockTable(t1, txns.LockIntentionExclusive, heap.TableID()))
	require.NoError(t, lm.LockRow(t1, txns.LockExclusive, heap.TableID(), rids[0]))

	t2 := mgr.Begin(txns.RepeatableRead)
	require.NoError(t, lm.LockTable(t2, txns.LockIntentionExclusive, heap.TableID()))

	done := make(chan error, 1)
	go func() {
		done <- lm.LockRow(t2, txns.LockExclusive, heap.TableID(), rids[0])
	}()

	select {
	case err := <-done:
		t.Fatalf("row X granted while another writer holds it: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	mgr.Commit(t1)
	require.NoError(t, <-done)
	mgr.Commit(t2)
}

func TestHeapGrowsAcrossPages(t *testing.T) {
	heap, lm, mgr := newTestEnv(t)

	perPage := (common.PageSize - 8) / (testTupleSize + 1)

	writer := mgr.Begin(txns.ReadUncommitted)

	var tuples [][]byte
	for range perPage + 5 {
		tuples = append(tuples, tuple(0x55))
	}
	rids := drain(t, NewInsertExecutor(execCtx(writer, lm), heap, tuples))
	require.Len(t, rids, perPage+5)
	mgr.Commit(writer)

	pages := map[common.PageID]struct{}{}
	for _, rid := range rids {
		pages[rid.PageID] = struct{}{}
	}
	require.Len(t, pages, 2, "tuples must spill to a second heap page")
}
