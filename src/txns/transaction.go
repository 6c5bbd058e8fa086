package txns

import (
	"sync"
	"sync/atomic"

	"github.com/Blackdeer1524/RelDB/src/pkg/assert"
	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

// Transaction carries the per-transaction lock bookkeeping: per mode the
// set of locked tables and, for S and X, the row ids held per table.
//
// The bookkeeping mutex serializes concurrent callers mutating the
// transaction's own state; it is never held across a lock wait. The 2PL
// state lives in an atomic so the deadlock detector can flip a waiter to
// ABORTED without touching the mutex the waiter might hold.
type Transaction struct {
	id  common.TxnID
	iso IsolationLevel

	state atomic.Int32

	mu sync.Mutex

	tableLocks map[LockMode]map[common.TableID]struct{}

	sharedRowLocks    map[common.TableID]map[common.RID]struct{}
	exclusiveRowLocks map[common.TableID]map[common.RID]struct{}
}

func newTransaction(id common.TxnID, iso IsolationLevel) *Transaction {
	t := &Transaction{
		id:  id,
		iso: iso,
		tableLocks: map[LockMode]map[common.TableID]struct{}{
			LockIntentionShared:          {},
			LockIntentionExclusive:       {},
			LockShared:                   {},
			LockSharedIntentionExclusive: {},
			LockExclusive:                {},
		},
		sharedRowLocks:    map[common.TableID]map[common.RID]struct{}{},
		exclusiveRowLocks: map[common.TableID]map[common.RID]struct{}{},
	}
	t.state.Store(int32(TxnGrowing))

	return t
}

func (t *Transaction) ID() common.TxnID {
	return t.id
}

func (t *Transaction) Isolation() IsolationLevel {
	return t.iso
}

func (t *Transaction) State() TxnState {
	return TxnState(t.state.Load())
}

// SetState advances the state machine. Transitions are one-way:
// regressing is a bug.
func (t *Transaction) SetState(s TxnState) {
	for {
		old := t.state.Load()
		if TxnState(old) == TxnCommitted || TxnState(old) == TxnAborted {
			return // terminal
		}

		assert.Assert(int32(s) >= old, "transaction state regression: %s -> %s",
			TxnState(old), s)

		if t.state.CompareAndSwap(old, int32(s)) {
			return
		}
	}
}

func (t *Transaction) recordTableLock(mode LockMode, table common.TableID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tableLocks[mode][table] = struct{}{}
}

func (t *Transaction) dropTableLock(mode LockMode, table common.TableID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.tableLocks[mode], table)
}

// tableLockMode reports the mode this transaction holds on the table.
func (t *Transaction) tableLockMode(table common.TableID) (LockMode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for mode, set := range t.tableLocks {
		if _, ok := set[table]; ok {
			return mode, true
		}
	}
	return 0, false
}

func (t *Transaction) holdsAnyTableLock(table common.TableID) bool {
	_, ok := t.tableLockMode(table)
	return ok
}

// HoldsTableLock reports whether the transaction holds any lock mode on
// the table. Executors use it to avoid re-locking a table they already
// cover with a stronger mode.
func (t *Transaction) HoldsTableLock(table common.TableID) bool {
	return t.holdsAnyTableLock(table)
}

// HoldsRowLock reports the row lock held, if any.
func (t *Transaction) HoldsRowLock(table common.TableID, rid common.RID) (LockMode, bool) {
	return t.rowLockMode(table, rid)
}

func (t *Transaction) holdsTableLockIn(table common.TableID, modes ...LockMode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, mode := range modes {
		if _, ok := t.tableLocks[mode][table]; ok {
			return true
		}
	}
	return false
}

func (t *Transaction) rowLockSet(mode LockMode) map[common.TableID]map[common.RID]struct{} {
	switch mode {
	case LockShared:
		return t.sharedRowLocks
	case LockExclusive:
		return t.exclusiveRowLocks
	}

	assert.Assert(false, "rows are only locked in S or X, got %s", mode)
	return nil
}

func (t *Transaction) recordRowLock(mode LockMode, table common.TableID, rid common.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.rowLockSet(mode)
	rows, ok := set[table]
	if !ok {
		rows = map[common.RID]struct{}{}
		set[table] = rows
	}
	rows[rid] = struct{}{}
}

func (t *Transaction) dropRowLock(mode LockMode, table common.TableID, rid common.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rows, ok := t.rowLockSet(mode)[table]; ok {
		delete(rows, rid)
	}
}

func (t *Transaction) rowLockMode(table common.TableID, rid common.RID) (LockMode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rows, ok := t.sharedRowLocks[table]; ok {
		if _, held := rows[rid]; held {
			return LockShared, true
		}
	}
	if rows, ok := t.exclusiveRowLocks[table]; ok {
		if _, held := rows[rid]; held {
			return LockExclusive, true
		}
	}
	return 0, false
}

// snapshotLocks returns every held lock for release at commit/abort.
func (t *Transaction) snapshotLocks() (
	tables map[LockMode][]common.TableID,
	rows map[LockMode]map[common.TableID][]common.RID,
) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tables = map[LockMode][]common.TableID{}
	for mode, set := range t.tableLocks {
		for table := range set {
			tables[mode] = append(tables[mode], table)
		}
	}

	rows = map[LockMode]map[common.TableID][]common.RID{
		LockShared:    {},
		LockExclusive: {},
	}
	for table, set := range t.sharedRowLocks {
		for rid := range set {
			rows[LockShared][table] = append(rows[LockShared][table], rid)
		}
	}
	for table, set := range t.exclusiveRowLocks {
		for rid := range set {
			rows[LockExclusive][table] = append(rows[LockExclusive][table], rid)
		}
	}

	return tables, rows
}
