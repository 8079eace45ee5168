// Copyright 2022 Kestrel DB
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cachetable

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kestreldb/pagecache/pkg/logutil"
)

// The write-back paths shared by the evictor, the checkpointer, the
// cleaner and the pin paths. A flush or clone callback failing mid
// write-back leaves the pair in a state nothing can roll back, so these
// paths treat a callback error as fatal.

// removePair unlinks p from every index and subtracts its attr from
// the evictor accounting. Requires the list write lock.
func removePair(list *pairList, ev *evictor, p *Pair) {
	list.evict(p)
	ev.removePairAttr(p.attr)
}

// freePair tells the upper layer to release the value (writeMe and
// keepMe both false). The pair has already been removed from the table,
// so the callback gets no cache file and a dead fd.
func freePair(p *Pair) {
	atomic.AddUint64(&p.ev.ct.evictions, 1)
	_, _, err := p.wc.Flush(nil, -1, p.key, p.valueData, p.diskData, p.wc.Extra, p.attr, false, false, true, false)
	if err != nil {
		logutil.Fatal("flush callback failed while releasing pair",
			zap.Int64("key", int64(p.key)),
			zap.Error(err))
	}
}

// maybeRemoveAndFreePair removes and frees p unless someone still holds
// or waits on its value lock (a client that blocked on it while the pair
// was being written out, for instance).
//
// On entry the list write lock and p's mutex are held; on exit only the
// list write lock is.
func maybeRemoveAndFreePair(pl *pairList, ev *evictor, p *Pair) {
	if p.valueMu.users() == 0 {
		if p.diskMu.users() != 0 || p.clonedValueData != nil {
			panic("cachetable: freeing a pair with disk-side work in flight")
		}
		removePair(pl, ev, p)
		pairUnlock(p)
		freePair(p)
	} else {
		pairUnlock(p)
	}
}

// onlyWriteLockedData writes p's value (or clone) through the flush
// callback and nothing else. Write-back callers hold both nb mutexes,
// the clone writer holds only the disk lock, and flush-for-close holds
// neither (it only writes pairs nobody is using); neither the list lock
// nor p's mutex may be held, the callback does real io.
func onlyWriteLockedData(ev *evictor, p *Pair, forCheckpoint bool, isClone bool) (newAttr Attr) {
	value := p.valueData
	oldAttr := p.attr
	if isClone {
		// With only the disk lock held, p.attr belongs to the client
		// still mutating the live value; the clone's size is all the
		// callback may rely on.
		value = p.clonedValueData
		oldAttr = MakeAttr(p.clonedValueSize)
	}
	newDiskData, newAttr, err := p.wc.Flush(
		p.cachefile,
		p.cachefile.fd,
		p.key,
		value,
		p.diskData,
		p.wc.Extra,
		oldAttr,
		true,     // writeMe
		!isClone, // keepMe: a written clone is dropped
		forCheckpoint,
		isClone,
	)
	if err != nil {
		logutil.Fatal("flush callback failed during write-back",
			zap.Int64("key", int64(p.key)),
			zap.Bool("clone", isClone),
			zap.Error(err))
	}
	p.diskData = newDiskData
	if isClone {
		p.clonedValueData = nil
		ev.removeFromSizeCurrent(p.clonedValueSize)
		p.clonedValueSize = 0
	}
	return newAttr
}

// writeLockedPair writes p out if dirty and marks it clean. The value
// lock is held by the caller; the disk lock is taken here, which also
// waits out any clone writer so the no-clone assumption below holds.
// p's mutex must NOT be held on entry.
func writeLockedPair(ev *evictor, p *Pair, forCheckpoint bool) {
	oldAttr := p.attr
	pairLock(p)
	p.diskMu.lock()
	pairUnlock(p)
	if p.clonedValueData != nil {
		panic("cachetable: clone survived disk lock acquisition")
	}
	if p.dirty == Dirty {
		newAttr := onlyWriteLockedData(ev, p, forCheckpoint, false)
		if newAttr.Valid {
			p.attr = newAttr
			ev.changePairAttr(oldAttr, newAttr)
		}
	}
	p.dirty = Clean
	pairLock(p)
	p.diskMu.unlock()
	pairUnlock(p)
}

// clonePair runs the clone callback and accounts the clone as extra
// cache size. The value lock and disk lock are held; pending-bit
// clearing is the caller's business.
func clonePair(ev *evictor, p *Pair) {
	oldAttr := p.attr
	cloned, newAttr, err := p.wc.Clone(p.valueData, true, p.wc.Extra)
	if err != nil {
		logutil.Fatal("clone callback failed",
			zap.Int64("key", int64(p.key)),
			zap.Error(err))
	}
	p.clonedValueData = cloned

	// The same bookkeeping as a write-out: the live value is now clean
	// relative to the checkpoint.
	p.dirty = Clean
	if newAttr.Valid {
		p.attr = newAttr
		ev.changePairAttr(oldAttr, newAttr)
	}
	p.clonedValueSize = p.attr.Size
	ev.addToSizeCurrent(p.clonedValueSize)
}

// writeLockedPairForCheckpoint resolves a pending pair from a client
// thread that holds its value lock: clone and hand the write to the
// checkpoint pool when possible, write synchronously when not. p's
// mutex is not held on entry.
func writeLockedPairForCheckpoint(ct *CacheTable, p *Pair, checkpointPending bool) {
	if p.dirty == Dirty && checkpointPending {
		if p.wc.Clone != nil {
			pairLock(p)
			p.diskMu.lock()
			pairUnlock(p)
			if p.clonedValueData != nil {
				panic("cachetable: stale clone at checkpoint")
			}
			clonePair(&ct.ev, p)
			// The clone writer releases the disk lock.
			ct.cp.addBackgroundJob()
			ct.submit(ct.checkpointPool, func() {
				checkpointClonedPair(ct, p)
			})
		} else {
			writeLockedPair(&ct.ev, p, true)
		}
	}
}

// checkpointClonedPair is the clone-writer job. The pending locks are
// not needed: a new begin-checkpoint cannot start while the previous
// end-checkpoint still owns clone jobs.
func checkpointClonedPair(ct *CacheTable, p *Pair) {
	onlyWriteLockedData(&ct.ev, p, true, true)
	pairLock(p)
	p.diskMu.unlock()
	pairUnlock(p)
	ct.cp.removeBackgroundJob()
}

// writePairForCheckpointThread is the end-checkpoint path for one
// pending pair. p's mutex is held on entry and exit.
func writePairForCheckpointThread(ev *evictor, p *Pair) {
	p.valueMu.lock()
	if p.dirty == Dirty && p.checkpointPending {
		if p.wc.Clone != nil {
			p.diskMu.lock()
			if p.clonedValueData != nil {
				panic("cachetable: stale clone at checkpoint")
			}
			clonePair(ev, p)
		} else {
			pairUnlock(p)
			writeLockedPair(ev, p, true)
			pairLock(p)
		}
		p.checkpointPending = false

		// Release the value lock before the clone write so clients can
		// mutate while the pre-image goes to disk.
		p.valueMu.unlock()
		if p.wc.Clone != nil {
			pairUnlock(p)
			onlyWriteLockedData(ev, p, true, true)
			pairLock(p)
			p.diskMu.unlock()
		}
	} else {
		// Holding the pair lock is enough to clear the bit here: the
		// pair has already been unlinked from the pending list, and no
		// new checkpoint can begin until this one ends.
		p.checkpointPending = false
		p.valueMu.unlock()
	}
}

// checkpointDependentPairs writes out whichever of the caller's pinned
// dependent pairs were snapshot as pending, refreshing their dirtiness
// first.
func checkpointDependentPairs(ct *CacheTable, deps []DepPair, depPairs []*Pair, pending []bool) {
	for i, dp := range depPairs {
		if deps[i].Dirty == Dirty {
			dp.dirty = Dirty
		}
		if pending[i] {
			writeLockedPairForCheckpoint(ct, dp, true)
		}
	}
}
