package txns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

func newTestLockManager() (*LockManager, *TxnManager) {
	lm := NewLockManager(zap.NewNop().Sugar())
	return lm, NewTxnManager(lm, zap.NewNop().Sugar())
}

// lockTableAsync runs the lock call on its own goroutine and returns a
// channel carrying the result, so tests can assert on blocking.
func lockTableAsync(
	lm *LockManager,
	txn *Transaction,
	mode LockMode,
	table common.TableID,
) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- lm.LockTable(txn, mode, table)
	}()
	return done
}

func expectBlocked(t *testing.T, done <-chan error, msg string) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("%s (returned %v)", msg, err)
	case <-time.After(100 * time.Millisecond):
	}
}

func expectResolved(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("lock call never returned")
		return nil
	}
}

func TestCompatibilityMatrix(t *testing.T) {
	compatible := map[[2]LockMode]bool{
		{LockIntentionShared, LockIntentionShared}:             true,
		{LockIntentionShared, LockIntentionExclusive}:          true,
		{LockIntentionShared, LockShared}:                      true,
		{LockIntentionShared, LockSharedIntentionExclusive}:    true,
		{LockIntentionShared, LockExclusive}:                   false,
		{LockIntentionExclusive, LockIntentionExclusive}:       true,
		{LockIntentionExclusive, LockShared}:                   false,
		{LockIntentionExclusive, LockSharedIntentionExclusive}: false,
		{LockIntentionExclusive, LockExclusive}:                false,
		{LockShared, LockShared}:                               true,
		{LockShared, LockSharedIntentionExclusive}:             false,
		{LockShared, LockExclusive}:                            false,
		{LockSharedIntentionExclusive, LockSharedIntentionExclusive}: false,
		{LockSharedIntentionExclusive, LockExclusive}:                false,
		{LockExclusive, LockExclusive}:                               false,
	}

	for pair, want := range compatible {
		require.Equal(t, want, pair[0].Compatible(pair[1]),
			"%s vs %s", pair[0], pair[1])
		require.Equal(t, want, pair[1].Compatible(pair[0]),
			"compatibility must be commutative: %s vs %s", pair[1], pair[0])
	}
}

func TestSharedLocksGrantTogether(t *testing.T) {
	lm, mgr := newTestLockManager()

	t1 := mgr.Begin(RepeatableRead)
	t2 := mgr.Begin(RepeatableRead)

	require.NoError(t, lm.LockTable(t1, LockShared, 1))
	require.NoError(t, lm.LockTable(t2, LockShared, 1))
}

func TestExclusiveBlocksUntilUnlock(t *testing.T) {
	lm, mgr := newTestLockManager()

	t1 := mgr.Begin(RepeatableRead)
	t2 := mgr.Begin(RepeatableRead)

	require.NoError(t, lm.LockTable(t1, LockShared, 1))

	done := lockTableAsync(lm, t2, LockExclusive, 1)
	expectBlocked(t, done, "X must wait behind a granted S")

	require.NoError(t, lm.UnlockTable(t1, 1))
	require.Equal(t, TxnShrinking, t1.State(),
		"unlocking S under REPEATABLE_READ starts the shrinking phase")

	require.NoError(t, expectResolved(t, done))

	// strict 2PL: the shrinking transaction cannot lock again
	err := lm.LockTable(t1, LockShared, 1)
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, LockOnShrinking, abortErr.Reason)
	require.Equal(t, TxnAborted, t1.State())
}

func TestRowLocksRequireTableLock(t *testing.T) {
	lm, mgr := newTestLockManager()
	rid := common.RID{PageID: 1, SlotNum: 1}

	t1 := mgr.Begin(ReadCommitted)

	err := lm.LockRow(t1, LockShared, 1, rid)
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, TableLockNotPresent, abortErr.Reason)

	// row X needs the table in X/IX/SIX: IS is not enough
	t2 := mgr.Begin(ReadCommitted)
	require.NoError(t, lm.LockTable(t2, LockIntentionShared, 1))
	err = lm.LockRow(t2, LockExclusive, 1, rid)
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, TableLockNotPresent, abortErr.Reason)

	t3 := mgr.Begin(ReadCommitted)
	require.NoError(t, lm.LockTable(t3, LockIntentionExclusive, 1))
	require.NoError(t, lm.LockRow(t3, LockExclusive, 1, rid))
}

func TestIntentionLockOnRowIsRejected(t *testing.T) {
	lm, mgr := newTestLockManager()

	t1 := mgr.Begin(ReadCommitted)
	require.NoError(t, lm.LockTable(t1, LockIntentionShared, 1))

	err := lm.LockRow(t1, LockIntentionShared, 1, common.RID{PageID: 1})
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, AttemptedIntentionLockOnRow, abortErr.Reason)
}

func TestTableUnlockedBeforeUnlockingRows(t *testing.T) {
	lm, mgr := newTestLockManager()
	rid := common.RID{PageID: 3, SlotNum: 7}

	t1 := mgr.Begin(ReadCommitted)
	require.NoError(t, lm.LockTable(t1, LockIntentionShared, 1))
	require.NoError(t, lm.LockRow(t1, LockShared, 1, rid))

	err := lm.UnlockTable(t1, 1)
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, TableUnlockedBeforeUnlockingRows, abortErr.Reason)

	// the failure is recoverable: unlock the row first, then the table
	require.NoError(t, lm.UnlockRow(t1, 1, rid))
	require.NoError(t, lm.UnlockTable(t1, 1))
	require.Equal(t, TxnGrowing, t1.State())
}

func TestReadCommittedRowUnlockKeepsGrowing(t *testing.T) {
	lm, mgr := newTestLockManager()
	rid := common.RID{PageID: 3, SlotNum: 7}

	t1 := mgr.Begin(ReadCommitted)
	require.NoError(t, lm.LockTable(t1, LockIntentionShared, 1))
	require.NoError(t, lm.LockRow(t1, LockShared, 1, rid))

	require.NoError(t, lm.UnlockRow(t1, 1, rid))
	require.NoError(t, lm.UnlockTable(t1, 1))

	// unlocking S and IS under READ_COMMITTED never shrinks
	require.Equal(t, TxnGrowing, t1.State())
}

func TestReadUncommittedForbidsSharedLocks(t *testing.T) {
	lm, mgr := newTestLockManager()

	for _, mode := range []LockMode{LockShared, LockIntentionShared, LockSharedIntentionExclusive} {
		txn := mgr.Begin(ReadUncommitted)

		err := lm.LockTable(txn, mode, 1)
		var abortErr *TxnAbortError
		require.ErrorAs(t, err, &abortErr)
		require.Equal(t, LockSharedOnReadUncommitted, abortErr.Reason)
	}

	txn := mgr.Begin(ReadUncommitted)
	require.NoError(t, lm.LockTable(txn, LockExclusive, 1))
}

func TestUnlockWithoutLock(t *testing.T) {
	lm, mgr := newTestLockManager()

	t1 := mgr.Begin(RepeatableRead)

	err := lm.UnlockTable(t1, 9)
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, AttemptedUnlockButNoLockHeld, abortErr.Reason)
}

func TestLockUpgrade(t *testing.T) {
	lm, mgr := newTestLockManager()

	t1 := mgr.Begin(RepeatableRead)
	require.NoError(t, lm.LockTable(t1, LockIntentionShared, 1))
	require.NoError(t, lm.LockTable(t1, LockIntentionExclusive, 1))
	require.NoError(t, lm.LockTable(t1, LockExclusive, 1))

	// re-requesting the held mode is a success no-op
	require.NoError(t, lm.LockTable(t1, LockExclusive, 1))
}

func TestIncompatibleUpgrade(t *testing.T) {
	lm, mgr := newTestLockManager()

	t1 := mgr.Begin(RepeatableRead)
	require.NoError(t, lm.LockTable(t1, LockExclusive, 1))

	err := lm.LockTable(t1, LockShared, 1)
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, IncompatibleUpgrade, abortErr.Reason)
}

func TestUpgradeJumpsTheQueue(t *testing.T) {
	lm, mgr := newTestLockManager()

	t1 := mgr.Begin(RepeatableRead)
	t2 := mgr.Begin(RepeatableRead)
	t3 := mgr.Begin(RepeatableRead)

	require.NoError(t, lm.LockTable(t1, LockShared, 1))
	require.NoError(t, lm.LockTable(t2, LockShared, 1))

	// t3 queues for X behind both granted S locks
	waiter := lockTableAsync(lm, t3, LockExclusive, 1)
	expectBlocked(t, waiter, "X must queue behind granted S locks")

	// t2's upgrade to X goes ahead of t3 but waits for t1's S
	upgrade := lockTableAsync(lm, t2, LockExclusive, 1)
	expectBlocked(t, upgrade, "upgrade must wait for the other S holder")

	require.NoError(t, lm.UnlockTable(t1, 1))

	require.NoError(t, expectResolved(t, upgrade))
	expectBlocked(t, waiter, "plain waiter must not pass the upgraded lock")

	require.NoError(t, lm.UnlockTable(t2, 1))
	require.NoError(t, expectResolved(t, waiter))
}

func TestSecondUpgradeConflicts(t *testing.T) {
	lm, mgr := newTestLockManager()

	t1 := mgr.Begin(RepeatableRead)
	t2 := mgr.Begin(RepeatableRead)
	t3 := mgr.Begin(RepeatableRead)

	require.NoError(t, lm.LockTable(t1, LockShared, 1))
	require.NoError(t, lm.LockTable(t2, LockShared, 1))
	require.NoError(t, lm.LockTable(t3, LockShared, 1))

	upgrade := lockTableAsync(lm, t2, LockExclusive, 1)
	expectBlocked(t, upgrade, "upgrade must wait for the other S holders")

	err := lm.LockTable(t3, LockExclusive, 1)
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, UpgradeConflict, abortErr.Reason)

	// the aborted t3's S grant is released with it
	mgr.Abort(t3)
	require.NoError(t, lm.UnlockTable(t1, 1))
	require.NoError(t, expectResolved(t, upgrade))
}

func TestFIFOFairness(t *testing.T) {
	lm, mgr := newTestLockManager()

	t1 := mgr.Begin(RepeatableRead)
	t2 := mgr.Begin(RepeatableRead)
	t3 := mgr.Begin(RepeatableRead)

	require.NoError(t, lm.LockTable(t1, LockExclusive, 1))

	w2 := lockTableAsync(lm, t2, LockExclusive, 1)
	expectBlocked(t, w2, "t2 must queue")
	w3 := lockTableAsync(lm, t3, LockShared, 1)
	expectBlocked(t, w3, "t3 must queue behind t2")

	require.NoError(t, lm.UnlockTable(t1, 1))

	// t2 is first in line; t3's S is incompatible and keeps waiting
	require.NoError(t, expectResolved(t, w2))
	expectBlocked(t, w3, "S must not overtake the granted X")

	require.NoError(t, lm.UnlockTable(t2, 1))
	require.NoError(t, expectResolved(t, w3))
}

func TestUnlockRelockRestoresBookkeeping(t *testing.T) {
	lm, mgr := newTestLockManager()

	t1 := mgr.Begin(ReadCommitted)
	require.NoError(t, lm.LockTable(t1, LockIntentionShared, 5))
	require.True(t, t1.HoldsTableLock(5))

	require.NoError(t, lm.UnlockTable(t1, 5))
	require.False(t, t1.HoldsTableLock(5))

	require.NoError(t, lm.LockTable(t1, LockIntentionShared, 5))
	require.True(t, t1.HoldsTableLock(5))
	require.Equal(t, TxnGrowing, t1.State())
}

func TestCommitReleasesEverything(t *testing.T) {
	lm, mgr := newTestLockManager()
	rid := common.RID{PageID: 2, SlotNum: 4}

	t1 := mgr.Begin(RepeatableRead)
	require.NoError(t, lm.LockTable(t1, LockIntentionExclusive, 1))
	require.NoError(t, lm.LockRow(t1, LockExclusive, 1, rid))

	t2 := mgr.Begin(RepeatableRead)
	blocked := lockTableAsync(lm, t2, LockExclusive, 1)
	expectBlocked(t, blocked, "X must wait behind IX")

	mgr.Commit(t1)
	require.Equal(t, TxnCommitted, t1.State())
	require.False(t, t1.HoldsTableLock(1))

	require.NoError(t, expectResolved(t, blocked))
}

func TestTryWrappersSwallowAbortErrors(t *testing.T) {
	lm, mgr := newTestLockManager()

	t1 := mgr.Begin(ReadUncommitted)
	require.False(t, lm.TryLockTable(t1, LockShared, 1))

	t2 := mgr.Begin(ReadUncommitted)
	require.True(t, lm.TryLockTable(t2, LockExclusive, 1))
	require.True(t, lm.TryUnlockTable(t2, 1))
	require.False(t, lm.TryUnlockTable(t2, 1))
}
