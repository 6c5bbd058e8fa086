package txns

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

// rowKey identifies a row resource: rows of distinct tables never share
// a queue.
type rowKey struct {
	table common.TableID
	rid   common.RID
}

// LockRequest is one entry of a LockRequestQueue.
type LockRequest struct {
	txn     *Transaction
	mode    LockMode
	tableID common.TableID
	rid     common.RID
	granted bool
}

// LockRequestQueue is the per-resource FIFO of lock requests. Granted
// requests form a prefix of the queue and are mutually compatible; at
// most one upgrade may be in flight.
type LockRequestQueue struct {
	mu sync.Mutex
	cv *sync.Cond

	requests  []*LockRequest
	upgrading common.TxnID
}

func newLockRequestQueue() *LockRequestQueue {
	q := &LockRequestQueue{upgrading: common.InvalidTxnID}
	q.cv = sync.NewCond(&q.mu)
	return q
}

// grantCompatiblePrefix performs the single left-to-right grant pass: a
// request becomes granted iff every earlier non-aborted request is
// already granted (or became grantable in this pass) and compatible with
// it. Requests of aborted transactions are ignored; the aborting path
// removes them promptly. Called with q.mu held.
func (q *LockRequestQueue) grantCompatiblePrefix() bool {
	changed := false
	var granted []LockMode

	for _, r := range q.requests {
		if r.txn.State() == TxnAborted {
			continue
		}
		if r.granted {
			granted = append(granted, r.mode)
			continue
		}

		compatible := true
		for _, g := range granted {
			if !g.Compatible(r.mode) {
				compatible = false
				break
			}
		}
		if !compatible {
			break // FIFO: nothing behind an ungrantable request wakes
		}

		r.granted = true
		changed = true
		granted = append(granted, r.mode)
	}

	return changed
}

// findRequest returns the request of the given transaction, if any.
// Called with q.mu held.
func (q *LockRequestQueue) findRequest(txnID common.TxnID) (int, *LockRequest) {
	for i, r := range q.requests {
		if r.txn.ID() == txnID {
			return i, r
		}
	}
	return -1, nil
}

func (q *LockRequestQueue) removeAt(i int) {
	q.requests = append(q.requests[:i], q.requests[i+1:]...)
}

// insertBeforeFirstUngranted gives an authorized upgrade priority over
// every plain waiter. Called with q.mu held.
func (q *LockRequestQueue) insertBeforeFirstUngranted(r *LockRequest) {
	pos := len(q.requests)
	for i, existing := range q.requests {
		if !existing.granted {
			pos = i
			break
		}
	}

	q.requests = append(q.requests, nil)
	copy(q.requests[pos+1:], q.requests[pos:])
	q.requests[pos] = r
}

// LockManager hands out table and row locks in five multi-granularity
// modes with FIFO fair queueing, lock upgrades and background
// cycle-based deadlock detection.
type LockManager struct {
	tableQueuesMu sync.Mutex
	tableQueues   map[common.TableID]*LockRequestQueue

	rowQueuesMu sync.Mutex
	rowQueues   map[rowKey]*LockRequestQueue

	log *zap.SugaredLogger

	aborts    metric.Int64Counter
	deadlocks metric.Int64Counter
}

func NewLockManager(log *zap.SugaredLogger) *LockManager {
	meter := otel.Meter("reldb/txns")
	aborts, _ := meter.Int64Counter("lockmanager.aborts")
	deadlocks, _ := meter.Int64Counter("lockmanager.deadlocks")

	return &LockManager{
		tableQueues: map[common.TableID]*LockRequestQueue{},
		rowQueues:   map[rowKey]*LockRequestQueue{},
		log:         log,
		aborts:      aborts,
		deadlocks:   deadlocks,
	}
}

// Queues, once created for a resource, are retained forever: dropping
// and re-creating them under concurrent waiters would race.
func (lm *LockManager) tableQueue(table common.TableID) *LockRequestQueue {
	lm.tableQueuesMu.Lock()
	defer lm.tableQueuesMu.Unlock()

	q, ok := lm.tableQueues[table]
	if !ok {
		q = newLockRequestQueue()
		lm.tableQueues[table] = q
	}
	return q
}

func (lm *LockManager) rowQueue(key rowKey) *LockRequestQueue {
	lm.rowQueuesMu.Lock()
	defer lm.rowQueuesMu.Unlock()

	q, ok := lm.rowQueues[key]
	if !ok {
		q = newLockRequestQueue()
		lm.rowQueues[key] = q
	}
	return q
}

// abort flips the transaction to ABORTED first and then materializes the
// typed error.
func (lm *LockManager) abort(txn *Transaction, reason AbortReason) error {
	txn.SetState(TxnAborted)
	lm.aborts.Add(context.Background(), 1)
	lm.log.Warnw("transaction aborted",
		"txnID", txn.ID(), "reason", reason.String())

	return &TxnAbortError{TxnID: txn.ID(), Reason: reason}
}

// checkAcquisitionAllowed enforces the isolation/state rules shared by
// table and row locks.
func (lm *LockManager) checkAcquisitionAllowed(txn *Transaction, mode LockMode) error {
	switch txn.State() {
	case TxnAborted, TxnCommitted:
		return &TxnAbortError{TxnID: txn.ID(), Reason: LockOnShrinking}
	case TxnShrinking:
		if txn.Isolation() == RepeatableRead {
			return lm.abort(txn, LockOnShrinking)
		}
		if mode == LockExclusive || mode == LockIntentionExclusive ||
			mode == LockSharedIntentionExclusive {
			return lm.abort(txn, LockOnShrinking)
		}
	case TxnGrowing:
	}

	if txn.Isolation() == ReadUncommitted &&
		(mode == LockShared || mode == LockIntentionShared ||
			mode == LockSharedIntentionExclusive) {
		return lm.abort(txn, LockSharedOnReadUncommitted)
	}

	return nil
}

// LockTable acquires (or upgrades to) the given mode on the table,
// blocking until granted or until the transaction is aborted.
func (lm *LockManager) LockTable(txn *Transaction, mode LockMode, table common.TableID) error {
	if err := lm.checkAcquisitionAllowed(txn, mode); err != nil {
		return err
	}

	q := lm.tableQueue(table)

	q.mu.Lock()

	req := &LockRequest{txn: txn, mode: mode, tableID: table}

	if _, existing := q.findRequest(txn.ID()); existing != nil {
		assert.Assert(existing.granted,
			"transaction %d re-requested table %d while already waiting on it",
			txn.ID(), table)

		if existing.mode == mode {
			q.mu.Unlock()
			return nil
		}

		if q.upgrading != common.InvalidTxnID {
			q.mu.Unlock()
			return lm.abort(txn, UpgradeConflict)
		}
		if !existing.mode.UpgradableTo(mode) {
			q.mu.Unlock()
			return lm.abort(txn, IncompatibleUpgrade)
		}

		q.upgrading = txn.ID()
		i, _ := q.findRequest(txn.ID())
		q.removeAt(i)
		txn.dropTableLock(existing.mode, table)
		q.insertBeforeFirstUngranted(req)
	} else {
		q.requests = append(q.requests, req)
	}

	err := lm.waitGranted(q, req)
	if err != nil {
		return err
	}

	txn.recordTableLock(mode, table)
	return nil
}

// waitGranted blocks on the queue's condition variable until the request
// is granted or the transaction is aborted from outside. Called with
// q.mu held; returns with it released.
func (lm *LockManager) waitGranted(q *LockRequestQueue, req *LockRequest) error {
	defer q.mu.Unlock()

	for {
		if q.grantCompatiblePrefix() {
			// the pass may have granted other waiters too
			q.cv.Broadcast()
		}

		if req.granted {
			if q.upgrading == req.txn.ID() {
				q.upgrading = common.InvalidTxnID
			}
			q.cv.Broadcast()
			return nil
		}

		if req.txn.State() == TxnAborted {
			if i, _ := q.findRequest(req.txn.ID()); i >= 0 {
				q.removeAt(i)
			}
			if q.upgrading == req.txn.ID() {
				q.upgrading = common.InvalidTxnID
			}
			q.cv.Broadcast()

			return &TxnAbortError{TxnID: req.txn.ID(), Reason: DeadlockVictim}
		}

		q.cv.Wait()
	}
}

// UnlockTable releases the table lock and applies the isolation level's
// phase transition. Row locks on the table must be released first.
func (lm *LockManager) UnlockTable(txn *Transaction, table common.TableID) error {
	if lm.holdsRowLocksOnTable(txn, table) {
		// recoverable: the caller unlocks the rows and retries, the
		// transaction itself stays alive
		return &TxnAbortError{TxnID: txn.ID(), Reason: TableUnlockedBeforeUnlockingRows}
	}

	q := lm.tableQueue(table)

	q.mu.Lock()

	i, req := q.findRequest(txn.ID())
	if req == nil || !req.granted {
		q.mu.Unlock()
		return lm.abort(txn, AttemptedUnlockButNoLockHeld)
	}

	q.removeAt(i)
	q.grantCompatiblePrefix()
	q.cv.Broadcast()
	q.mu.Unlock()

	txn.dropTableLock(req.mode, table)
	lm.applyUnlockTransition(txn, req.mode)

	return nil
}

// holdsRowLocksOnTable scans the row queues for a granted request owned
// by the transaction that targets the table.
func (lm *LockManager) holdsRowLocksOnTable(txn *Transaction, table common.TableID) bool {
	lm.rowQueuesMu.Lock()
	defer lm.rowQueuesMu.Unlock()

	for key, q := range lm.rowQueues {
		if key.table != table {
			continue
		}

		q.mu.Lock()
		_, req := q.findRequest(txn.ID())
		held := req != nil && req.granted
		q.mu.Unlock()

		if held {
			return true
		}
	}
	return false
}

// applyUnlockTransition moves GROWING transactions into SHRINKING
// according to the isolation level: X always shrinks; S shrinks only
// under REPEATABLE_READ; intention modes never do.
func (lm *LockManager) applyUnlockTransition(txn *Transaction, mode LockMode) {
	if txn.State() != TxnGrowing {
		return
	}

	switch mode {
	case LockExclusive:
		txn.SetState(TxnShrinking)
	case LockShared:
		if txn.Isolation() == RepeatableRead {
			txn.SetState(TxnShrinking)
		}
	case LockIntentionShared, LockIntentionExclusive, LockSharedIntentionExclusive:
	}
}

// LockRow acquires (or upgrades to) an S or X lock on the row.
func (lm *LockManager) LockRow(
	txn *Transaction,
	mode LockMode,
	table common.TableID,
	rid common.RID,
) error {
	if mode != LockShared && mode != LockExclusive {
		return lm.abort(txn, AttemptedIntentionLockOnRow)
	}

	if err := lm.checkAcquisitionAllowed(txn, mode); err != nil {
		return err
	}

	// row X needs the table in X/IX/SIX; row S needs any table lock
	if mode == LockExclusive {
		if !txn.holdsTableLockIn(table,
			LockExclusive, LockIntentionExclusive, LockSharedIntentionExclusive) {
			return lm.abort(txn, TableLockNotPresent)
		}
	} else if !txn.holdsAnyTableLock(table) {
		return lm.abort(txn, TableLockNotPresent)
	}

	q := lm.rowQueue(rowKey{table: table, rid: rid})

	q.mu.Lock()

	req := &LockRequest{txn: txn, mode: mode, tableID: table, rid: rid}

	if _, existing := q.findRequest(txn.ID()); existing != nil {
		assert.Assert(existing.granted,
			"transaction %d re-requested row %v while already waiting on it",
			txn.ID(), rid)

		if existing.mode == mode {
			q.mu.Unlock()
			return nil
		}

		if q.upgrading != common.InvalidTxnID {
			q.mu.Unlock()
			return lm.abort(txn, UpgradeConflict)
		}
		if !existing.mode.UpgradableTo(mode) {
			q.mu.Unlock()
			return lm.abort(txn, IncompatibleUpgrade)
		}

		q.upgrading = txn.ID()
		i, _ := q.findRequest(txn.ID())
		q.removeAt(i)
		txn.dropRowLock(existing.mode, table, rid)
		q.insertBeforeFirstUngranted(req)
	} else {
		q.requests = append(q.requests, req)
	}

	err := lm.waitGranted(q, req)
	if err != nil {
		return err
	}

	txn.recordRowLock(mode, table, rid)
	return nil
}

// UnlockRow releases the row lock and applies the phase transition.
func (lm *LockManager) UnlockRow(
	txn *Transaction,
	table common.TableID,
	rid common.RID,
) error {
	q := lm.rowQueue(rowKey{table: table, rid: rid})

	q.mu.Lock()

	i, req := q.findRequest(txn.ID())
	if req == nil || !req.granted {
		q.mu.Unlock()
		return lm.abort(txn, AttemptedUnlockButNoLockHeld)
	}

	q.removeAt(i)
	q.grantCompatiblePrefix()
	q.cv.Broadcast()
	q.mu.Unlock()

	txn.dropRowLock(req.mode, table, rid)
	lm.applyUnlockTransition(txn, req.mode)

	return nil
}

// TryLockTable is the boolean wrapper for executors that only need
// success/failure.
func (lm *LockManager) TryLockTable(txn *Transaction, mode LockMode, table common.TableID) bool {
	return lm.LockTable(txn, mode, table) == nil
}

func (lm *LockManager) TryLockRow(
	txn *Transaction,
	mode LockMode,
	table common.TableID,
	rid common.RID,
) bool {
	return lm.LockRow(txn, mode, table, rid) == nil
}

func (lm *LockManager) TryUnlockTable(txn *Transaction, table common.TableID) bool {
	return lm.UnlockTable(txn, table) == nil
}

func (lm *LockManager) TryUnlockRow(
	txn *Transaction,
	table common.TableID,
	rid common.RID,
) bool {
	return lm.UnlockRow(txn, table, rid) == nil
}

// ReleaseAll removes every request of the transaction from every queue:
// rows first, then tables. Used at commit/abort (the deadlock detector
// strips its victims through purgeTxn instead); it bypasses the 2PL
// phase transitions.
func (lm *LockManager) ReleaseAll(txn *Transaction) {
	tables, rows := txn.snapshotLocks()

	for mode, perTable := range rows {
		for table, rids := range perTable {
			for _, rid := range rids {
				lm.removeFromQueue(lm.rowQueue(rowKey{table: table, rid: rid}), txn.ID())
				txn.dropRowLock(mode, table, rid)
			}
		}
	}

	for mode, tableIDs := range tables {
		for _, table := range tableIDs {
			lm.removeFromQueue(lm.tableQueue(table), txn.ID())
			txn.dropTableLock(mode, table)
		}
	}
}

func (lm *LockManager) removeFromQueue(q *LockRequestQueue, txnID common.TxnID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i, _ := q.findRequest(txnID); i >= 0 {
		q.removeAt(i)
	}
	if q.upgrading == txnID {
		q.upgrading = common.InvalidTxnID
	}

	q.grantCompatiblePrefix()
	q.cv.Broadcast()
}
