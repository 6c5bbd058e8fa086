package txns

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

func TestTwoTxnDeadlock(t *testing.T) {
	lm, mgr := newTestLockManager()

	t1 := mgr.Begin(RepeatableRead)
	t2 := mgr.Begin(RepeatableRead)

	require.NoError(t, lm.LockTable(t1, LockExclusive, 1))
	require.NoError(t, lm.LockTable(t2, LockExclusive, 2))

	w1 := lockTableAsync(lm, t1, LockExclusive, 2)
	expectBlocked(t, w1, "t1 must wait for t2's table")
	w2 := lockTableAsync(lm, t2, LockExclusive, 1)
	expectBlocked(t, w2, "t2 must wait for t1's table")

	lm.DetectDeadlocks()

	// the youngest transaction of the cycle dies; the other proceeds
	err := expectResolved(t, w2)
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, TxnAborted, t2.State())

	require.NoError(t, expectResolved(t, w1))
	require.Equal(t, TxnGrowing, t1.State())
}

func TestDeterministicVictimChoice(t *testing.T) {
	// three-way cycle: 0 -> 1 -> 2 -> 0 across three tables
	lm, mgr := newTestLockManager()

	txns := []*Transaction{
		mgr.Begin(RepeatableRead),
		mgr.Begin(RepeatableRead),
		mgr.Begin(RepeatableRead),
	}
	for i, txn := range txns {
		require.NoError(t, lm.LockTable(txn, LockExclusive, common.TableID(i)))
	}

	waits := make([]<-chan error, 3)
	for i, txn := range txns {
		waits[i] = lockTableAsync(lm, txn, LockExclusive, common.TableID((i+1)%3))
		expectBlocked(t, waits[i], "cycle edge must block")
	}

	lm.DetectDeadlocks()

	// the highest txn id in the cycle is always the victim
	require.Equal(t, TxnAborted, txns[2].State())
	require.Equal(t, TxnGrowing, txns[0].State())
	require.Equal(t, TxnGrowing, txns[1].State())

	err := expectResolved(t, waits[2])
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)

	// with the victim's locks gone txn 1 gets table 2; txn 0 still
	// waits for table 1 until txn 1 releases it
	require.NoError(t, expectResolved(t, waits[1]))
	expectBlocked(t, waits[0], "no deadlock remains, just plain contention")

	require.NoError(t, lm.UnlockTable(txns[1], common.TableID(1)))
	require.NoError(t, expectResolved(t, waits[0]))
}

func TestNoFalsePositives(t *testing.T) {
	lm, mgr := newTestLockManager()

	t1 := mgr.Begin(RepeatableRead)
	t2 := mgr.Begin(RepeatableRead)

	require.NoError(t, lm.LockTable(t1, LockExclusive, 1))
	w := lockTableAsync(lm, t2, LockExclusive, 1)
	expectBlocked(t, w, "plain contention is not a deadlock")

	lm.DetectDeadlocks()

	require.Equal(t, TxnGrowing, t1.State())
	require.Equal(t, TxnGrowing, t2.State())

	require.NoError(t, lm.UnlockTable(t1, 1))
	require.NoError(t, expectResolved(t, w))
}

func TestRowLevelDeadlock(t *testing.T) {
	lm, mgr := newTestLockManager()

	r1 := common.RID{PageID: 1, SlotNum: 1}
	r2 := common.RID{PageID: 1, SlotNum: 2}

	t1 := mgr.Begin(RepeatableRead)
	t2 := mgr.Begin(RepeatableRead)

	require.NoError(t, lm.LockTable(t1, LockIntentionExclusive, 1))
	require.NoError(t, lm.LockTable(t2, LockIntentionExclusive, 1))

	require.NoError(t, lm.LockRow(t1, LockExclusive, 1, r1))
	require.NoError(t, lm.LockRow(t2, LockExclusive, 1, r2))

	w1 := make(chan error, 1)
	go func() { w1 <- lm.LockRow(t1, LockExclusive, 1, r2) }()
	w2 := make(chan error, 1)
	go func() { w2 <- lm.LockRow(t2, LockExclusive, 1, r1) }()

	// give both waiters time to enqueue, then detect
	time.Sleep(100 * time.Millisecond)
	lm.DetectDeadlocks()

	err := expectResolved(t, w2)
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, TxnAborted, t2.State())

	require.NoError(t, expectResolved(t, w1))
}

func TestBackgroundDetectorBreaksDeadlocks(t *testing.T) {
	lm, mgr := newTestLockManager()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lm.RunDeadlockDetection(ctx, 50*time.Millisecond)

	t1 := mgr.Begin(RepeatableRead)
	t2 := mgr.Begin(RepeatableRead)

	require.NoError(t, lm.LockTable(t1, LockExclusive, 1))
	require.NoError(t, lm.LockTable(t2, LockExclusive, 2))

	w1 := lockTableAsync(lm, t1, LockExclusive, 2)
	w2 := lockTableAsync(lm, t2, LockExclusive, 1)

	// the detector tick resolves both wait sites on its own
	err1 := expectResolved(t, w1)
	err2 := expectResolved(t, w2)

	require.NoError(t, err1)
	var abortErr *TxnAbortError
	require.ErrorAs(t, err2, &abortErr)
}
