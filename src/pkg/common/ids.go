package common

import "fmt"

// PageID addresses a page inside the database file. Page ids are handed
// out by the buffer pool via a monotonic counter and are never reused
// within a process lifetime.
type PageID int32

const InvalidPageID PageID = -1

// FrameID is a dense index into the buffer pool's frame array,
// always in [0, poolSize).
type FrameID int32

// TxnID is a monotonically increasing transaction identifier. A smaller
// id means an older transaction.
type TxnID uint64

const InvalidTxnID TxnID = ^TxnID(0)

// TableID identifies a table (and its lock queue) in the lock manager.
type TableID uint32

// LSN is the log sequence number stored in every page header. Recovery
// is out of scope here; the field is carried so on-disk layouts stay
// compatible with a WAL-enabled build.
type LSN uint32

const NilLSN LSN = 0

// RID is a row id: the disk address of a tuple.
type RID struct {
	PageID  PageID
	SlotNum uint32
}

func (r RID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageID, r.SlotNum)
}
