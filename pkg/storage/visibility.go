package storage

import (
	"slices"
	"sync/atomic"

	"github.com/daviszhen/strom/pkg/util"
)

type Snapshot struct {
	Xmin   TransactionId
	Xmax   TransactionId
	Xip    []TransactionId
	CurXid TransactionId
	//set while replaying a point-in-time recovery; all-visible hints are
	//not trusted then
	TakenDuringRecovery bool
}

// XidInSnapshot reports whether xid was still running when the snapshot
// was taken.
func (snap *Snapshot) XidInSnapshot(xid TransactionId) bool {
	if xid < snap.Xmin {
		return false
	}
	if xid >= snap.Xmax {
		return true
	}
	_, found := slices.BinarySearch(snap.Xip, xid)
	return found
}

// HeapTupleSatisfiesVisibility is the MVCC test of tup under snap.
// It never writes hint bits; PrunePage sets them under the exclusive lock.
func HeapTupleSatisfiesVisibility(tup *HeapTuple, snap *Snapshot, clog *CommitLog) bool {
	hdr := tup.Header()
	xmin := TransactionId(hdr.Xmin)
	xmax := TransactionId(hdr.Xmax)

	if util.FlagIsSet(hdr.Infomask, HEAP_XMIN_INVALID) {
		return false
	}
	if !util.FlagIsSet(hdr.Infomask, HEAP_XMIN_COMMITTED) {
		if snap.CurXid.IsNormal() && xmin == snap.CurXid {
			//own insert
			return xmax == InvalidTransactionId ||
				util.FlagIsSet(hdr.Infomask, HEAP_XMAX_INVALID) ||
				xmax != snap.CurXid
		}
		if !clog.DidCommit(xmin) {
			return false
		}
	}
	if snap.XidInSnapshot(xmin) {
		return false
	}

	if xmax == InvalidTransactionId || util.FlagIsSet(hdr.Infomask, HEAP_XMAX_INVALID) {
		return true
	}
	if snap.CurXid.IsNormal() && xmax == snap.CurXid {
		return false
	}
	if !util.FlagIsSet(hdr.Infomask, HEAP_XMAX_COMMITTED) && !clog.DidCommit(xmax) {
		return true
	}
	return snap.XidInSnapshot(xmax)
}

// SerializableChecker is notified of every tuple a serializable scan reads,
// visible or not.
type SerializableChecker interface {
	CheckForSerializableConflictOut(visible bool, rel *Relation, tup *HeapTuple, buf *Buffer, snap *Snapshot)
}

type NoopSerializableChecker struct{}

func (NoopSerializableChecker) CheckForSerializableConflictOut(bool, *Relation, *HeapTuple, *Buffer, *Snapshot) {
}

// CountingSerializableChecker counts the calls. It is handy for scans
// that only need to prove the hook ran.
type CountingSerializableChecker struct {
	Checked atomic.Int64
	Visible atomic.Int64
}

func (c *CountingSerializableChecker) CheckForSerializableConflictOut(visible bool, _ *Relation, _ *HeapTuple, _ *Buffer, _ *Snapshot) {
	c.Checked.Add(1)
	if visible {
		c.Visible.Add(1)
	}
}
