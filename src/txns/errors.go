package txns

import (
	"fmt"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

// AbortReason names why the lock manager aborted a transaction.
type AbortReason int

const (
	LockOnShrinking AbortReason = iota
	LockSharedOnReadUncommitted
	AttemptedIntentionLockOnRow
	TableLockNotPresent
	IncompatibleUpgrade
	UpgradeConflict
	AttemptedUnlockButNoLockHeld
	TableUnlockedBeforeUnlockingRows
	// DeadlockVictim marks a wait interrupted because the detector
	// picked this transaction.
	DeadlockVictim
)

func (r AbortReason) String() string {
	switch r {
	case LockOnShrinking:
		return "lock requested in the shrinking phase"
	case LockSharedOnReadUncommitted:
		return "shared lock requested under READ_UNCOMMITTED"
	case AttemptedIntentionLockOnRow:
		return "intention lock requested on a row"
	case TableLockNotPresent:
		return "row lock requested without the table lock"
	case IncompatibleUpgrade:
		return "incompatible lock upgrade"
	case UpgradeConflict:
		return "another upgrade is already pending on the queue"
	case AttemptedUnlockButNoLockHeld:
		return "unlock of a lock that is not held"
	case TableUnlockedBeforeUnlockingRows:
		return "table unlocked while row locks are still held"
	case DeadlockVictim:
		return "picked as a deadlock victim"
	default:
		return fmt.Sprintf("unknown abort reason %d", int(r))
	}
}

// TxnAbortError is raised after the transaction's state has already been
// flipped to ABORTED, with two exceptions that leave the state as it is:
// TableUnlockedBeforeUnlockingRows, and a lock request from a transaction
// that is already COMMITTED or ABORTED. Executors translate it into an
// execution failure.
type TxnAbortError struct {
	TxnID  common.TxnID
	Reason AbortReason
}

func (e *TxnAbortError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.TxnID, e.Reason)
}
