package txns

import "github.com/Blackdeer1524/RelDB/src/pkg/assert"

// LockMode is one of the five multi-granularity lock modes.
type LockMode int

const (
	LockIntentionShared LockMode = iota
	LockIntentionExclusive
	LockShared
	LockSharedIntentionExclusive
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockIntentionShared:
		return "IS"
	case LockIntentionExclusive:
		return "IX"
	case LockShared:
		return "S"
	case LockSharedIntentionExclusive:
		return "SIX"
	case LockExclusive:
		return "X"
	}

	assert.Assert(false, "unknown lock mode %d", int(m))
	return ""
}

// Compatible implements the standard multiple-granularity matrix. The
// relation is commutative.
func (m LockMode) Compatible(other LockMode) bool {
	switch m {
	case LockIntentionShared:
		return other != LockExclusive
	case LockIntentionExclusive:
		return other == LockIntentionShared || other == LockIntentionExclusive
	case LockShared:
		return other == LockIntentionShared || other == LockShared
	case LockSharedIntentionExclusive:
		return other == LockIntentionShared
	case LockExclusive:
		return false
	}

	assert.Assert(false, "unknown lock mode %d", int(m))
	return false
}

// UpgradableTo reports whether a held lock of mode m may be upgraded to
// the requested mode: IS -> {S, X, IX, SIX}; S -> {X, SIX};
// IX -> {X, SIX}; SIX -> {X}.
func (m LockMode) UpgradableTo(to LockMode) bool {
	switch m {
	case LockIntentionShared:
		return to == LockShared || to == LockExclusive ||
			to == LockIntentionExclusive || to == LockSharedIntentionExclusive
	case LockShared:
		return to == LockExclusive || to == LockSharedIntentionExclusive
	case LockIntentionExclusive:
		return to == LockExclusive || to == LockSharedIntentionExclusive
	case LockSharedIntentionExclusive:
		return to == LockExclusive
	case LockExclusive:
		return false
	}

	assert.Assert(false, "unknown lock mode %d", int(m))
	return false
}

type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	}

	assert.Assert(false, "unknown isolation level %d", int(l))
	return ""
}

// TxnState is the strict-2PL state machine:
// GROWING -> SHRINKING -> (COMMITTED | ABORTED). State never reverts.
type TxnState int32

const (
	TxnGrowing TxnState = iota
	TxnShrinking
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnGrowing:
		return "GROWING"
	case TxnShrinking:
		return "SHRINKING"
	case TxnCommitted:
		return "COMMITTED"
	case TxnAborted:
		return "ABORTED"
	}

	assert.Assert(false, "unknown transaction state %d", int(s))
	return ""
}
