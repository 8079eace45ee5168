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
	"time"

	"go.uber.org/zap"

	"github.com/kestreldb/pagecache/pkg/common/moerr"
	"github.com/kestreldb/pagecache/pkg/logutil"
)

// FetchCallback is the read-side capability set for one pin call. Extra
// is not retained past the call, unlike WriteCallback.Extra.
type FetchCallback struct {
	Fetch FetchFunc
	PfReq PartialFetchRequiredFunc
	Pf    PartialFetchFunc
	Extra any
}

// fetchPair reads a pair into memory through the fetch callback. The
// pair is pinned; its mutex is not held. A fetch failure is fatal for
// the pair, there is nothing to roll a half-materialized page back to.
func (ct *CacheTable) fetchPair(cf *CacheFile, p *Pair, fc FetchCallback, keepPairLocked bool) {
	pairLock(p)
	p.diskMu.lock()
	pairUnlock(p)

	value, diskData, attr, dirty, err := fc.Fetch(cf, p, cf.fd, p.key, p.fullhash, fc.Extra)
	if err != nil {
		logutil.Error("fetch callback failed",
			zap.Int64("key", int64(p.key)),
			zap.Uint32("filenum", uint32(cf.filenum)))
		panic(moerr.NewIOError(err, "fetch pair %d", p.key))
	}
	if dirty == Dirty {
		p.dirty = Dirty
	}
	p.valueData = value
	p.diskData = diskData
	p.attr = attr
	ct.ev.addPairAttr(attr)
	pairLock(p)
	p.diskMu.unlock()
	if !keepPairLocked {
		p.valueMu.unlock()
	}
	pairUnlock(p)
}

// doPartialFetch loads missing pieces of a clean pair. The pair is
// pinned; the disk lock is taken around the io.
func (ct *CacheTable) doPartialFetch(cf *CacheFile, p *Pair, fc FetchCallback, keepPairLocked bool) {
	oldAttr := p.attr
	// only clean pairs may have pieces missing
	if p.dirty == Dirty {
		panic("cachetable: partial fetch of a dirty pair")
	}
	pairLock(p)
	p.diskMu.lock()
	pairUnlock(p)
	newAttr, err := fc.Pf(p.valueData, p.diskData, fc.Extra, cf.fd)
	if err != nil {
		panic(moerr.NewIOError(err, "partial fetch pair %d", p.key))
	}
	p.attr = newAttr
	ct.ev.changePairAttr(oldAttr, newAttr)
	pairLock(p)
	p.diskMu.unlock()
	if !keepPairLocked {
		p.valueMu.unlock()
	}
	pairUnlock(p)
}

// PartialFetchPinned runs the partial-fetch callback on a pair the
// caller already holds pinned.
func (ct *CacheTable) PartialFetchPinned(cf *CacheFile, key Key, fullhash uint32, value any, fc FetchCallback) {
	ct.list.readListLock()
	p := ct.list.findPair(cf, key, fullhash)
	if p == nil || p.valueData != value || p.valueMu.writers() == 0 {
		panic("cachetable: partial fetch of a pair that is not pinned")
	}
	ct.list.readListUnlock()

	pairLock(p)
	p.diskMu.lock()
	pairUnlock(p)

	if _, err := fc.Pf(value, p.diskData, fc.Extra, cf.fd); err != nil {
		panic(moerr.NewIOError(err, "partial fetch pair %d", key))
	}

	pairLock(p)
	p.diskMu.unlock()
	pairUnlock(p)
}

// getCheckpointPending snapshots and clears a pair's pending bit under
// the cheap pending lock. The caller holds the pair's mutex or its
// value lock, which keeps other clearers away; the cheap lock
// serializes against the checkpointer setting bits.
func getCheckpointPending(p *Pair, pl *pairList) bool {
	pl.readPendingCheapLock()
	pending := p.checkpointPending
	p.checkpointPending = false
	pl.readPendingCheapUnlock()
	return pending
}

// resolveCheckpointingFast reports whether writing p for checkpoint
// would stall the caller: a clean or non-pending pair costs nothing,
// and a cloneable pair is written on a background thread.
func resolveCheckpointingFast(p *Pair, checkpointPending bool) bool {
	return !(checkpointPending && p.dirty == Dirty && p.wc.Clone == nil)
}

// checkpointPairAndDepPairs writes p and the dependent pairs for
// checkpoint as needed. A checkpoint cannot begin meanwhile: every pair
// involved is locked, so a running checkpoint cannot pass its pending
// list, and the pending bits were snapshot under the cheap lock.
func checkpointPairAndDepPairs(
	ct *CacheTable,
	p *Pair,
	pPending bool,
	deps []DepPair,
	depPairs []*Pair,
	depPending []bool,
) {
	writeLockedPairForCheckpoint(ct, p, pPending)
	checkpointDependentPairs(ct, deps, depPairs, depPending)
}

// tryPinPair pins a found pair, resolves checkpoint pending state, and
// runs a partial fetch when required. On entry p's mutex is held and
// the list read lock may be (per haveReadListLock); on exit p's mutex
// is not held and the read list lock is. Returns true when the caller
// must wait out cache pressure and retry.
func (ct *CacheTable) tryPinPair(
	p *Pair,
	cf *CacheFile,
	haveReadListLock bool,
	mayModifyValue bool,
	deps []DepPair,
	depPairs []*Pair,
	fc FetchCallback,
) (tryAgain bool) {
	reacquireLock := !haveReadListLock
	if haveReadListLock && p.valueMu.writers() > 0 {
		// drop the read list lock before a blocking lock acquire
		reacquireLock = true
		ct.list.readListUnlock()
	}
	p.valueMu.lock()
	p.touch()
	pairUnlock(p)
	if reacquireLock {
		ct.list.readListLock()
	}

	if mayModifyValue {
		ct.list.readPendingCheapLock()
		pPending := p.checkpointPending
		p.checkpointPending = false
		depPending := make([]bool, len(depPairs))
		for i, dp := range depPairs {
			depPending[i] = dp.checkpointPending
			dp.checkpointPending = false
		}
		ct.list.readPendingCheapUnlock()
		checkpointPairAndDepPairs(ct, p, pPending, deps, depPairs, depPending)
	}

	partialFetchRequired := fc.PfReq != nil && fc.PfReq(p.valueData, fc.Extra)
	// shortcut straight to the data; helps in-memory workloads
	if !partialFetchRequired {
		return false
	}
	if ct.ev.shouldClientThreadSleep() {
		pairLock(p)
		p.valueMu.unlock()
		pairUnlock(p)
		return true
	}
	if ct.ev.shouldClientWakeEvictionThread() {
		ct.ev.signalEvictionThread()
	}

	// The fetch is slow; let go of the read list lock around it.
	ct.list.readListUnlock()
	ct.doPartialFetch(cf, p, fc, true)
	ct.list.readListLock()
	return false
}

// BeginBatchedPin opens a window in which a run of *Batched pin calls
// share one hold of the list read lock.
func (ct *CacheTable) BeginBatchedPin(cf *CacheFile) {
	ct.list.readListLock()
}

func (ct *CacheTable) EndBatchedPin(cf *CacheFile) {
	ct.list.readListUnlock()
}

// GetAndPin finds or fetches a pair and returns it pinned.
func (ct *CacheTable) GetAndPin(
	cf *CacheFile,
	key Key,
	fullhash uint32,
	wc WriteCallback,
	fc FetchCallback,
	mayModifyValue bool,
) (*Pair, any, error) {
	return ct.GetAndPinWithDepPairs(cf, key, fullhash, wc, fc, mayModifyValue, nil)
}

// GetAndPinWithDepPairs additionally resolves the checkpoint-pending
// state of up to N dependent pairs the caller already holds pinned, in
// the same critical section as the pin.
func (ct *CacheTable) GetAndPinWithDepPairs(
	cf *CacheFile,
	key Key,
	fullhash uint32,
	wc WriteCallback,
	fc FetchCallback,
	mayModifyValue bool,
	deps []DepPair,
) (*Pair, any, error) {
	ct.BeginBatchedPin(cf)
	p, value, err := ct.GetAndPinWithDepPairsBatched(cf, key, fullhash, wc, fc, mayModifyValue, deps)
	ct.EndBatchedPin(cf)
	return p, value, err
}

// GetAndPinWithDepPairsBatched requires the list read lock (a batched
// pin window) on entry and returns holding it.
func (ct *CacheTable) GetAndPinWithDepPairsBatched(
	cf *CacheFile,
	key Key,
	fullhash uint32,
	wc WriteCallback,
	fc FetchCallback,
	mayModifyValue bool,
	deps []DepPair,
) (*Pair, any, error) {
	wait := false
	for {
		if wait {
			// Don't hold the read list lock while waiting for the
			// evictor to make room.
			ct.list.readListUnlock()
			ct.ev.waitForCachePressureToSubside()
			ct.list.readListLock()
			wait = false
		}

		depPairs := ct.getPairs(deps)

		p := ct.list.findPair(cf, key, fullhash)
		if p != nil {
			pairLock(p)
			if ct.tryPinPair(p, cf, true, mayModifyValue, deps, depPairs, fc) {
				wait = true
				continue
			}
			return p, p.valueData, nil
		}

		if ct.ev.shouldClientThreadSleep() {
			wait = true
			continue
		}
		if ct.ev.shouldClientWakeEvictionThread() {
			ct.ev.signalEvictionThread()
		}

		// Miss: trade the read lock for the write lock, rechecking for
		// a racing insert in the window between the two.
		ct.list.readListUnlock()
		ct.list.writeListLock()
		p = ct.list.findPair(cf, key, fullhash)
		if p != nil {
			pairLock(p)
			ct.list.writeListUnlock()
			if ct.tryPinPair(p, cf, false, mayModifyValue, deps, depPairs, fc) {
				wait = true
				continue
			}
			return p, p.valueData, nil
		}

		p = ct.insertAt(cf, key, nil, fullhash, zeroAttr, wc, Clean)
		pairLock(p)
		p.valueMu.lock()
		pairUnlock(p)

		var depPending []bool
		if mayModifyValue {
			ct.list.readPendingCheapLock()
			if p.checkpointPending {
				panic("cachetable: fresh pair is checkpoint pending")
			}
			depPending = make([]bool, len(depPairs))
			for i, dp := range depPairs {
				depPending[i] = dp.checkpointPending
				dp.checkpointPending = false
			}
			ct.list.readPendingCheapUnlock()
		}

		// The checkpointing and the fetch are expensive; release the
		// write list lock first.
		ct.list.writeListUnlock()

		if mayModifyValue {
			checkpointDependentPairs(ct, deps, depPairs, depPending)
		}

		t0 := time.Now()
		// A checkpoint beginning during the fetch marks this pair
		// pending even though it is clean; that is handled like any
		// other pin.
		ct.fetchPair(cf, p, fc, true)
		atomic.AddUint64(&ct.miss, 1)
		atomic.AddUint64(&ct.missTime, uint64(time.Since(t0).Microseconds()))

		ct.list.readListLock()
		return p, p.valueData, nil
	}
}

// MaybeGetAndPin try-pins a pair, succeeding only if it is present,
// uncontended, dirty, and not checkpoint pending. Dirty-only because
// callers use it when they have an alternative to modifying the pair,
// and gratuitously dirtying a clean page costs an io; not pending
// because resolving a checkpoint is not worth blocking on here.
func (ct *CacheTable) MaybeGetAndPin(cf *CacheFile, key Key, fullhash uint32) (*Pair, any, bool) {
	ct.list.readListLock()
	p := ct.list.findPair(cf, key, fullhash)
	if p == nil {
		ct.list.readListUnlock()
		return nil, nil, false
	}
	pairLock(p)
	ct.list.readListUnlock()
	defer pairUnlock(p)
	if p.dirty == Dirty && p.valueMu.users() == 0 {
		// users is 0, this lock is fast
		p.valueMu.lock()
		ct.list.readPendingCheapLock()
		defer ct.list.readPendingCheapUnlock()
		if p.checkpointPending {
			p.valueMu.unlock()
			return nil, nil, false
		}
		return p, p.valueData, true
	}
	return nil, nil, false
}

// MaybeGetAndPinClean is MaybeGetAndPin without the dirty requirement,
// used where pinning is cheap regardless of cleanliness.
func (ct *CacheTable) MaybeGetAndPinClean(cf *CacheFile, key Key, fullhash uint32) (*Pair, any, bool) {
	ct.list.readListLock()
	p := ct.list.findPair(cf, key, fullhash)
	if p == nil {
		ct.list.readListUnlock()
		return nil, nil, false
	}
	pairLock(p)
	ct.list.readListUnlock()
	defer pairUnlock(p)
	if p.valueMu.users() == 0 {
		p.valueMu.lock()
		ct.list.readPendingCheapLock()
		defer ct.list.readPendingCheapUnlock()
		if p.checkpointPending {
			p.valueMu.unlock()
			return nil, nil, false
		}
		return p, p.valueData, true
	}
	return nil, nil, false
}

// pinAndReleasePair waits out whatever slow operation holds p, resolves
// its checkpoint state, and lets go again; the nonblocking path uses it
// after running the caller's unlockers. On entry p's mutex is held and
// the list read lock is held; on exit the mutex is not and the read
// lock is.
func (ct *CacheTable) pinAndReleasePair(p *Pair, mayModifyValue bool, unlockers *Unlockers) {
	// The contract says unlockers run with the list lock held.
	runUnlockers(unlockers)
	ct.list.readListUnlock()

	// Now wait for the io to finish.
	p.valueMu.lock()
	if mayModifyValue {
		pending := getCheckpointPending(p, &ct.list)
		pairUnlock(p)
		writeLockedPairForCheckpoint(ct, p, pending)
		pairLock(p)
	}
	p.valueMu.unlock()
	pairUnlock(p)

	ct.list.readListLock()
}

// GetAndPinNonblocking never waits on io or a checkpoint write while the
// caller's root-to-leaf pins are held: if the pin cannot complete
// immediately, the caller's unlocker chain is run first, the wait (a
// miss fetch, a busy pair, a checkpoint write-out or a partial fetch)
// then happens on the calling goroutine, and ErrTryAgain is returned;
// the caller restarts from the root. A miss is fetched inline here, not
// by a background reader.
//
// The caller must not hold the value lock of any pair this call could
// itself need.
func (ct *CacheTable) GetAndPinNonblocking(
	cf *CacheFile,
	key Key,
	fullhash uint32,
	wc WriteCallback,
	fc FetchCallback,
	mayModifyValue bool,
	unlockers *Unlockers,
) (*Pair, any, error) {
	ct.BeginBatchedPin(cf)
	p, value, err := ct.GetAndPinNonblockingBatched(cf, key, fullhash, wc, fc, mayModifyValue, unlockers)
	ct.EndBatchedPin(cf)
	return p, value, err
}

// GetAndPinNonblockingBatched requires the list read lock on entry and
// returns holding it.
func (ct *CacheTable) GetAndPinNonblockingBatched(
	cf *CacheFile,
	key Key,
	fullhash uint32,
	wc WriteCallback,
	fc FetchCallback,
	mayModifyValue bool,
	unlockers *Unlockers,
) (*Pair, any, error) {
	for {
		p := ct.list.findPair(cf, key, fullhash)
		if p == nil {
			ct.list.readListUnlock()
			ct.list.writeListLock()
			p = ct.list.findPair(cf, key, fullhash)
			if p != nil {
				// Another thread slipped the pair in between our two
				// lock holds; restart from the top.
				ct.list.writeListUnlock()
				ct.list.readListLock()
				continue
			}

			p = ct.insertAt(cf, key, nil, fullhash, zeroAttr, wc, Clean)
			pairLock(p)
			p.valueMu.lock()
			pairUnlock(p)
			runUnlockers(unlockers) // holding the write list lock
			ct.list.writeListUnlock()

			// Only the pin is held now; do the fetch on this thread and
			// let the caller come back for the result.
			t0 := time.Now()
			ct.fetchPair(cf, p, fc, false)
			atomic.AddUint64(&ct.miss, 1)
			atomic.AddUint64(&ct.missTime, uint64(time.Since(t0).Microseconds()))

			if ct.ev.shouldClientThreadSleep() {
				ct.ev.waitForCachePressureToSubside()
			}
			if ct.ev.shouldClientWakeEvictionThread() {
				ct.ev.signalEvictionThread()
			}

			ct.list.readListLock()
			return nil, nil, moerr.GetTryAgain()
		}

		// While a query runs, its root-to-leaf path stays pinned, so a
		// held write lock here means something expensive is happening
		// to the pair (fetch, write-back, flush); release the caller's
		// chain and wait it out. An idle pair is pinned on the spot.
		pairLock(p)
		if p.valueMu.writers() > 0 {
			ct.pinAndReleasePair(p, mayModifyValue, unlockers)
			return nil, nil, moerr.GetTryAgain()
		}
		p.valueMu.lock()
		p.touch()
		pairUnlock(p)
		if mayModifyValue {
			pending := getCheckpointPending(p, &ct.list)
			fast := resolveCheckpointingFast(p, pending)
			if !fast {
				runUnlockers(unlockers)
			}
			writeLockedPairForCheckpoint(ct, p, pending)
			if !fast {
				pairLock(p)
				p.valueMu.unlock()
				pairUnlock(p)
				return nil, nil, moerr.GetTryAgain()
			}
		}

		// Pinned and checkpoint-resolved; last hurdle is a partial
		// fetch.
		partialFetchRequired := fc.PfReq != nil && fc.PfReq(p.valueData, fc.Extra)
		if partialFetchRequired {
			runUnlockers(unlockers)
			ct.list.readListUnlock()

			ct.doPartialFetch(cf, p, fc, false)

			if ct.ev.shouldClientThreadSleep() {
				ct.ev.waitForCachePressureToSubside()
			}
			if ct.ev.shouldClientWakeEvictionThread() {
				ct.ev.signalEvictionThread()
			}

			ct.list.readListLock()
			return nil, nil, moerr.GetTryAgain()
		}
		return p, p.valueData, nil
	}
}
