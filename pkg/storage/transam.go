package storage

import (
	"slices"
	"sync"
)

type TransactionId uint32

const (
	InvalidTransactionId     TransactionId = 0
	BootstrapTransactionId   TransactionId = 1
	FrozenTransactionId      TransactionId = 2
	FirstNormalTransactionId TransactionId = 3
)

func (xid TransactionId) IsNormal() bool {
	return xid >= FirstNormalTransactionId
}

type XidStatus uint8

const (
	XID_IN_PROGRESS XidStatus = iota
	XID_COMMITTED
	XID_ABORTED
)

// CommitLog keeps the status of every assigned transaction id and hands
// out snapshots. A snapshot stays registered until ReleaseSnapshot and
// holds back OldestXmin meanwhile.
type CommitLog struct {
	mu        sync.RWMutex
	nextXid   TransactionId
	status    map[TransactionId]XidStatus
	running   []TransactionId
	snapshots map[*Snapshot]struct{}
}

func NewCommitLog() *CommitLog {
	return &CommitLog{
		nextXid:   FirstNormalTransactionId,
		status:    make(map[TransactionId]XidStatus),
		snapshots: make(map[*Snapshot]struct{}),
	}
}

func (clog *CommitLog) Begin() TransactionId {
	clog.mu.Lock()
	defer clog.mu.Unlock()
	xid := clog.nextXid
	clog.nextXid++
	clog.status[xid] = XID_IN_PROGRESS
	clog.running = append(clog.running, xid)
	return xid
}

func (clog *CommitLog) finish(xid TransactionId, st XidStatus) {
	clog.mu.Lock()
	defer clog.mu.Unlock()
	clog.status[xid] = st
	if i := slices.Index(clog.running, xid); i >= 0 {
		clog.running = slices.Delete(clog.running, i, i+1)
	}
}

func (clog *CommitLog) Commit(xid TransactionId) {
	clog.finish(xid, XID_COMMITTED)
}

func (clog *CommitLog) Abort(xid TransactionId) {
	clog.finish(xid, XID_ABORTED)
}

func (clog *CommitLog) Status(xid TransactionId) XidStatus {
	if !xid.IsNormal() {
		if xid == InvalidTransactionId {
			return XID_ABORTED
		}
		return XID_COMMITTED
	}
	clog.mu.RLock()
	defer clog.mu.RUnlock()
	st, ok := clog.status[xid]
	if !ok {
		//never assigned
		return XID_ABORTED
	}
	return st
}

func (clog *CommitLog) DidCommit(xid TransactionId) bool {
	return clog.Status(xid) == XID_COMMITTED
}

func (clog *CommitLog) DidAbort(xid TransactionId) bool {
	return clog.Status(xid) == XID_ABORTED
}

func (clog *CommitLog) IsInProgress(xid TransactionId) bool {
	return clog.Status(xid) == XID_IN_PROGRESS
}

// GetSnapshot returns a registered MVCC snapshot for curXid. curXid may be
// invalid for read-only scans. Release it with ReleaseSnapshot.
func (clog *CommitLog) GetSnapshot(curXid TransactionId) *Snapshot {
	clog.mu.Lock()
	defer clog.mu.Unlock()
	snap := &Snapshot{
		Xmax:   clog.nextXid,
		Xmin:   clog.nextXid,
		CurXid: curXid,
	}
	for _, xid := range clog.running {
		if xid == curXid {
			continue
		}
		snap.Xip = append(snap.Xip, xid)
		if xid < snap.Xmin {
			snap.Xmin = xid
		}
	}
	slices.Sort(snap.Xip)
	clog.snapshots[snap] = struct{}{}
	return snap
}

// ReleaseSnapshot unregisters snap. Releasing it twice is a no-op.
func (clog *CommitLog) ReleaseSnapshot(snap *Snapshot) {
	clog.mu.Lock()
	defer clog.mu.Unlock()
	delete(clog.snapshots, snap)
}

func (clog *CommitLog) NumSnapshots() int {
	clog.mu.RLock()
	defer clog.mu.RUnlock()
	return len(clog.snapshots)
}

// OldestXmin is the horizon before which committed insertions are visible
// and committed deletions are dead to every snapshot: the least of the
// running xids and the xmin of the registered snapshots.
func (clog *CommitLog) OldestXmin() TransactionId {
	clog.mu.RLock()
	defer clog.mu.RUnlock()
	oldest := clog.nextXid
	for _, xid := range clog.running {
		if xid < oldest {
			oldest = xid
		}
	}
	for snap := range clog.snapshots {
		if snap.Xmin < oldest {
			oldest = snap.Xmin
		}
	}
	return oldest
}
