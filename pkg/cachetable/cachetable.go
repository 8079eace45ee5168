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

	"github.com/panjf2000/ants/v2"

	"github.com/kestreldb/pagecache/pkg/common/moerr"
	"github.com/kestreldb/pagecache/pkg/wal"
)

// CacheTable is the page cache of the storage engine: it mediates all
// access between index code and disk files, holds the pairs, and runs
// the evictor, cleaner and checkpointer.
type CacheTable struct {
	list   pairList
	cfList cachefileList
	ev     evictor
	cp     checkpointer
	cl     cleaner

	// clientPool runs work enqueued on behalf of client threads,
	// ctPool runs write-back / reader / partial-eviction jobs, and
	// checkpointPool runs clone writers.
	clientPool     *ants.Pool
	ctPool         *ants.Pool
	checkpointPool *ants.Pool

	envDir string
	logger wal.Logger

	// counters, snapshot through Status
	miss              uint64
	missTime          uint64 // µs spent waiting on fetch callbacks
	puts              uint64
	prefetches        uint64
	evictions         uint64
	cleanerExecutions uint64
}

// New creates a cache table and starts its background threads. logger
// may be nil for cache tables that do not participate in logging.
func New(opts *Options, logger wal.Logger) (*CacheTable, error) {
	opts = opts.FillDefaults()
	if logger == nil {
		logger = &wal.NopLogger{}
	}

	ct := &CacheTable{
		envDir: opts.EnvDir,
		logger: logger,
	}
	ct.list.init()

	var err error
	if ct.clientPool, err = ants.NewPool(opts.ClientWorkers); err != nil {
		return nil, moerr.NewInternalError("create client pool: %v", err)
	}
	if ct.ctPool, err = ants.NewPool(opts.CachetableWorkers); err != nil {
		ct.clientPool.Release()
		return nil, moerr.NewInternalError("create cachetable pool: %v", err)
	}
	if ct.checkpointPool, err = ants.NewPool(opts.CheckpointWorkers); err != nil {
		ct.clientPool.Release()
		ct.ctPool.Release()
		return nil, moerr.NewInternalError("create checkpoint pool: %v", err)
	}

	// evictor first, the others schedule work through its accounting
	ct.ev.init(opts.SizeLimit, &ct.list, ct.ctPool, ct, opts.EvictionPeriod)
	ct.cp.init(ct, logger, &ct.cfList, opts.CheckpointPeriod)
	ct.cl.init(opts.CleanerIterations, &ct.list, ct, opts.CleanerPeriod)
	return ct, nil
}

// submit schedules f on pool. The pools are sized by worker count and
// Submit blocks while every worker is busy; submission only fails after
// release, which would be a shutdown ordering bug.
func (ct *CacheTable) submit(pool *ants.Pool, f func()) {
	if err := pool.Submit(f); err != nil {
		panic(moerr.NewInternalError("submit to worker pool: %v", err))
	}
}

// Logger returns the injected write-ahead log.
func (ct *CacheTable) Logger() wal.Logger {
	return ct.logger
}

// SetEnvDir changes the prefix applied to relative inames.
func (ct *CacheTable) SetEnvDir(envDir string) {
	ct.envDir = envDir
}

// ShutdownCrons stops the checkpointer and cleaner threads. Must not be
// called while holding any checkpoint-relevant lock.
func (ct *CacheTable) ShutdownCrons() {
	ct.cp.shutdown()
	ct.cl.destroy()
}

// Close flushes everything and tears the cache table down. All pairs
// must be unpinned.
func (ct *CacheTable) Close() error {
	ct.cp.destroy()
	ct.cl.destroy()
	ct.flushCachefile(nil)
	ct.ev.destroy()
	if err := ct.list.destroy(); err != nil {
		return err
	}
	ct.clientPool.Release()
	ct.ctPool.Release()
	ct.checkpointPool.Release()
	return nil
}

// ReserveMemory carves out a fraction of the evictor's reservable
// budget and returns the number of bytes reserved.
func (ct *CacheTable) ReserveMemory(fraction float64) int64 {
	return ct.ev.reserveMemory(fraction)
}

func (ct *CacheTable) ReleaseReservedMemory(reserved int64) {
	ct.ev.releaseReservedMemory(reserved)
}

// MaybeFlushSome nudges the eviction thread.
func (ct *CacheTable) MaybeFlushSome() {
	ct.ev.signalEvictionThread()
}

// insertAt allocates a pair and links it into the table. Requires the
// list write lock; must not release it, put-with-dependent-pairs counts
// on that. The pair's mutex is NOT held on return.
func (ct *CacheTable) insertAt(
	cachefile *CacheFile,
	key Key,
	value any,
	fullhash uint32,
	attr Attr,
	wc WriteCallback,
	dirty Dirtiness,
) *Pair {
	p := &Pair{}
	pairInit(p, cachefile, key, value, attr, dirty, fullhash, wc, &ct.ev, &ct.list)
	ct.list.put(p)
	ct.ev.addPairAttr(attr)
	return p
}

// putInternal inserts a fresh dirty pair, pins it, and lets the caller
// wire back-pointers through putCb. Requires the list write lock.
// ErrKeyAlreadyExists if the key is present (and then nothing is
// pinned).
func (ct *CacheTable) putInternal(
	cachefile *CacheFile,
	key Key,
	fullhash uint32,
	value any,
	attr Attr,
	wc WriteCallback,
	putCb PutFunc,
) (*Pair, error) {
	if p := ct.list.findPair(cachefile, key, fullhash); p != nil {
		// Two puts of one key must agree on the write capabilities; in
		// practice the callbacks better be the same.
		if !sameCallbacks(p.wc, wc) {
			panic("cachetable: duplicate put with different callbacks")
		}
		return nil, moerr.NewKeyAlreadyExists()
	}
	atomic.AddUint64(&ct.puts, 1)
	p := ct.insertAt(cachefile, key, value, fullhash, attr, wc, Dirty)
	pairLock(p)
	p.valueMu.lock()
	pairUnlock(p)
	if putCb == nil {
		panic("cachetable: put requires a put callback")
	}
	putCb(value, p)
	return p, nil
}

// Put inserts a new dirty pair and returns it pinned. The caller must
// hold no cache table locks.
func (ct *CacheTable) Put(
	cachefile *CacheFile,
	key Key,
	fullhash uint32,
	value any,
	attr Attr,
	wc WriteCallback,
	putCb PutFunc,
) (*Pair, error) {
	if ct.ev.shouldClientThreadSleep() {
		ct.ev.waitForCachePressureToSubside()
	}
	if ct.ev.shouldClientWakeEvictionThread() {
		ct.ev.signalEvictionThread()
	}
	ct.list.writeListLock()
	p, err := ct.putInternal(cachefile, key, fullhash, value, attr, wc, putCb)
	ct.list.writeListUnlock()
	return p, err
}

// PutWithDepPairs inserts a new pair whose key is chosen under the list
// write lock, and resolves the checkpoint-pending state of the caller's
// already-pinned dependent pairs in the same critical section.
func (ct *CacheTable) PutWithDepPairs(
	cachefile *CacheFile,
	getKeyAndFullhash KeyAndFullhashFunc,
	value any,
	attr Attr,
	wc WriteCallback,
	getKeyExtra any,
	deps []DepPair,
	putCb PutFunc,
) (Key, uint32, *Pair, error) {
	if ct.ev.shouldClientThreadSleep() {
		ct.ev.waitForCachePressureToSubside()
	}
	if ct.ev.shouldClientWakeEvictionThread() {
		ct.ev.signalEvictionThread()
	}

	ct.list.writeListLock()
	key, fullhash := getKeyAndFullhash(getKeyExtra)
	p, err := ct.putInternal(cachefile, key, fullhash, value, attr, wc, putCb)
	depPairs := ct.getPairs(deps)
	pending := make([]bool, len(deps))
	ct.list.writePendingCheapLock()
	for i, dp := range depPairs {
		pending[i] = dp.checkpointPending
		dp.checkpointPending = false
	}
	ct.list.writePendingCheapUnlock()
	ct.list.writeListUnlock()

	// The new row is in; now write out whichever dependents a running
	// checkpoint still needs.
	checkpointDependentPairs(ct, deps, depPairs, pending)
	return key, fullhash, p, err
}

// getPairs resolves the caller's dependent pairs, which must exist and
// be value-locked by the caller. Requires a lock on the pair list.
func (ct *CacheTable) getPairs(deps []DepPair) []*Pair {
	if len(deps) == 0 {
		return nil
	}
	out := make([]*Pair, len(deps))
	for i, d := range deps {
		p := ct.list.findPair(d.CF, d.Key, d.Fullhash)
		if p == nil {
			panic("cachetable: dependent pair is not in the table")
		}
		if p.valueMu.writers() == 0 {
			panic("cachetable: dependent pair is not pinned")
		}
		out[i] = p
	}
	return out
}

// unpinInternal releases a pin, merging the dirtiness and attr the
// caller observed. haveCtLock and flush mirror the two legal call
// sites: unlocker callbacks run with the list lock held and must not
// trigger flow control.
func (ct *CacheTable) unpinInternal(p *Pair, dirty Dirtiness, attr Attr, haveCtLock, flush bool) {
	if p == nil {
		panic("cachetable: unpin of nil pair")
	}
	addedData := false
	oldAttr := p.attr
	pairLock(p)
	if p.valueMu.writers() == 0 {
		panic("cachetable: unpin of unpinned pair")
	}
	if dirty == Dirty {
		p.dirty = Dirty
	}
	if attr.Valid {
		p.attr = attr
	}
	p.valueMu.unlock()
	pairUnlock(p)

	if attr.Valid {
		if attr.Size > oldAttr.Size {
			addedData = true
		}
		ct.ev.changePairAttr(oldAttr, attr)
	}

	if flush && addedData && !haveCtLock {
		if ct.ev.shouldClientThreadSleep() {
			ct.ev.waitForCachePressureToSubside()
		}
		if ct.ev.shouldClientWakeEvictionThread() {
			ct.ev.signalEvictionThread()
		}
	}
}

// Unpin releases a pin taken by put or one of the pin operations.
func (ct *CacheTable) Unpin(p *Pair, dirty Dirtiness, attr Attr) {
	ct.unpinInternal(p, dirty, attr, false, true)
}

// UnpinCtPrelockedNoFlush is the unpin for unlocker callbacks: the
// caller already holds the list lock, and no flow control is applied.
func (ct *CacheTable) UnpinCtPrelockedNoFlush(p *Pair, dirty Dirtiness, attr Attr) {
	ct.unpinInternal(p, dirty, attr, true, false)
}

// UnpinAndRemove removes a pinned pair from the cache entirely. The
// caller holds the value lock. removeKey, if non-nil, runs while the
// pair can no longer be found, letting the upper layer free the block
// number.
func (ct *CacheTable) UnpinAndRemove(p *Pair, removeKey RemoveKeyFunc, removeKeyExtra any) {
	if p == nil {
		panic("cachetable: unpin_and_remove of nil pair")
	}

	p.dirty = Clean // removal, nothing to write
	if p.valueMu.writers() == 0 {
		panic("cachetable: unpin_and_remove of unpinned pair")
	}

	// Take the disk lock so a background clone writer finishes first.
	pairLock(p)
	p.diskMu.lock()
	pairUnlock(p)
	if p.clonedValueData != nil {
		panic("cachetable: clone survived disk lock acquisition")
	}

	ct.list.writeListLock()
	ct.list.readPendingCheapLock()
	forCheckpoint := p.checkpointPending
	p.checkpointPending = false

	// While waiters drain below, the list lock lapses, and a checkpoint
	// or cleaner run could begin. Clean plus zero cache pressure keeps
	// both away from this pair; it is unfindable once removed anyway.
	p.dirty = Clean
	keyToRemove := p.key
	p.attr.CachePressureSize = 0

	if removeKey != nil {
		removeKey(keyToRemove, forCheckpoint, removeKeyExtra)
	}
	ct.list.readPendingCheapUnlock()

	pairLock(p)
	p.valueMu.unlock()
	p.diskMu.unlock()

	// Remove the pair from the table before any waiter wakes: a thread
	// already blocked on the value lock may finish its acquire, observe
	// the cleared flags, and no-op, but no new thread can find the
	// pair.
	removePair(&ct.list, &ct.ev, p)
	ct.list.writeListUnlock()
	if p.valueMu.blockedWriters > 0 {
		p.valueMu.waitForUsers()
		if p.checkpointPending || p.attr.CachePressureSize != 0 {
			panic("cachetable: removed pair was resurrected")
		}
	}
	if p.diskMu.users() != 0 || p.clonedValueData != nil {
		panic("cachetable: removed pair has disk-side work")
	}
	pairUnlock(p)
	freePair(p)
}

// Prefetch warms the cache in the background. Refused silently when the
// cache is over the high watermark. Returns whether a fetch or partial
// fetch was actually scheduled.
func (ct *CacheTable) Prefetch(
	cf *CacheFile,
	key Key,
	fullhash uint32,
	wc WriteCallback,
	fc FetchCallback,
) (doingPrefetch bool, err error) {
	if ct.ev.shouldClientThreadSleep() {
		return false, nil
	}

	ct.list.readListLock()
	p := ct.list.findPair(cf, key, fullhash)
	if p == nil {
		atomic.AddUint64(&ct.prefetches, 1)
		ct.list.readListUnlock()
		ct.list.writeListLock()
		p = ct.list.findPair(cf, key, fullhash)
		if p != nil {
			pairLock(p)
			ct.list.writeListUnlock()
		} else {
			if err := cf.bjm.add(); err != nil {
				ct.list.writeListUnlock()
				return false, err
			}
			p = ct.insertAt(cf, key, nil, fullhash, zeroAttr, wc, Clean)
			pairLock(p)
			p.valueMu.lock()
			pairUnlock(p)
			ct.list.writeListUnlock()

			ct.submit(ct.ctPool, func() {
				ct.fetchPair(cf, p, fc, false)
				cf.bjm.remove()
			})
			return true, nil
		}
	} else {
		pairLock(p)
		ct.list.readListUnlock()
	}

	// p found; p's mutex held, no list lock held.
	if p.valueMu.users() == 0 {
		p.touch()
		p.valueMu.lock()
		pairUnlock(p)
		required := fc.PfReq != nil && fc.PfReq(p.valueData, fc.Extra)
		if required {
			if err := cf.bjm.add(); err != nil {
				pairLock(p)
				p.valueMu.unlock()
				pairUnlock(p)
				return false, err
			}
			ct.submit(ct.ctPool, func() {
				ct.doPartialFetch(cf, p, fc, false)
				cf.bjm.remove()
			})
			return true, nil
		}
		pairLock(p)
		p.valueMu.unlock()
		pairUnlock(p)
	} else {
		pairUnlock(p)
	}
	return false, nil
}

// flushCachefile writes out and frees every pair belonging to cf, or
// every pair when cf is nil (cache table shutdown). The caller must
// ensure no client thread works on the file meanwhile, and that the
// file is not part of a running checkpoint.
func (ct *CacheTable) flushCachefile(cf *CacheFile) {
	var pairs []*Pair
	ct.list.readListLock()
	for i := uint32(0); i < ct.list.tableSize; i++ {
		for p := ct.list.table[i]; p != nil; p = p.hashChain {
			if cf == nil || p.cachefile == cf {
				pairs = append(pairs, p)
			}
		}
	}
	ct.list.readListUnlock()

	// write the dirty ones first
	bjm := newBackgroundJobManager()
	for _, p := range pairs {
		p := p
		pairLock(p)
		if p.valueMu.users() != 0 || p.diskMu.users() != 0 || p.clonedValueData != nil {
			panic("cachetable: flush while pairs are in use")
		}
		if p.dirty == Dirty {
			if err := bjm.add(); err != nil {
				panic(err)
			}
			ct.submit(ct.ctPool, func() {
				onlyWriteLockedData(&ct.ev, p, false, false)
				p.dirty = Clean
				bjm.remove()
			})
		}
		pairUnlock(p)
	}
	bjm.waitForJobs()

	// now get rid of everything
	ct.list.writeListLock()
	for _, p := range pairs {
		pairLock(p)
		if p.valueMu.users() != 0 || p.diskMu.users() != 0 || p.clonedValueData != nil || p.dirty != Clean {
			panic("cachetable: flush left a pair busy or dirty")
		}
		maybeRemoveAndFreePair(&ct.list, &ct.ev, p)
	}
	for i := uint32(0); i < ct.list.tableSize; i++ {
		for p := ct.list.table[i]; p != nil; p = p.hashChain {
			if p.cachefile == cf {
				panic("cachetable: pair survived cachefile flush")
			}
		}
	}
	ct.list.writeListUnlock()
	if cf != nil {
		cf.bjm.reset()
	}
}

// Verify cross-checks the hash table against the clock list.
func (ct *CacheTable) Verify() {
	ct.list.verify()
}

// GetState reports table occupancy and evictor accounting.
func (ct *CacheTable) GetState() (numEntries, hashSize int, sizeCurrent, sizeLimit int64) {
	numEntries, hashSize = ct.list.getState()
	sizeCurrent, sizeLimit = ct.ev.getState()
	return
}

// GetKeyState reports one pair's externally visible state, mainly for
// tests and debugging.
func (ct *CacheTable) GetKeyState(cf *CacheFile, key Key) (value any, dirty Dirtiness, pinned int, size int64, err error) {
	fullhash := Hash(cf, key)
	ct.list.readListLock()
	defer ct.list.readListUnlock()
	p := ct.list.findPair(cf, key, fullhash)
	if p == nil {
		return nil, Clean, 0, 0, moerr.NewInvalidState("pair is not cached")
	}
	pairLock(p)
	defer pairUnlock(p)
	return p.valueData, p.dirty, p.valueMu.writers(), p.attr.Size, nil
}

// AssertAllUnpinned reports how many pairs are currently pinned.
func (ct *CacheTable) AssertAllUnpinned() int {
	somePinned := 0
	ct.list.readListLock()
	for i := uint32(0); i < ct.list.tableSize; i++ {
		for p := ct.list.table[i]; p != nil; p = p.hashChain {
			pairLock(p)
			if p.valueMu.writers() > 0 {
				somePinned++
			}
			pairUnlock(p)
		}
	}
	ct.list.readListUnlock()
	return somePinned
}

// CountPinned reports how many of cf's pairs are pinned.
func (ct *CacheTable) CountPinned(cf *CacheFile) int {
	nPinned := 0
	ct.list.readListLock()
	for i := uint32(0); i < ct.list.tableSize; i++ {
		for p := ct.list.table[i]; p != nil; p = p.hashChain {
			if p.cachefile != cf {
				continue
			}
			pairLock(p)
			if p.valueMu.writers() > 0 {
				nPinned++
			}
			pairUnlock(p)
		}
	}
	ct.list.readListUnlock()
	return nPinned
}
