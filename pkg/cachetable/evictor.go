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
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
)

// The loader may not reserve the last quarter of the budget.
func unreservableMemory(sizeLimit int64) int64 {
	return sizeLimit / 4
}

// evictor owns the size accounting and the background thread that
// shrinks the cache back under its budget. Client threads consult its
// watermark predicates for flow control; write-back workers report
// completed evictions back through decreaseSizeEvicting.
type evictor struct {
	// Watermarks derived from the configured size limit.
	lowSizeWatermark   int64
	lowSizeHysteresis  int64
	highSizeHysteresis int64
	highSizeWatermark  int64

	// sizeCurrent and sizeEvicting are read without locks by the
	// predicates; a little staleness is tolerable there. sizeReserved
	// appears in multi-variable predicates and is guarded by mu.
	sizeCurrent  int64
	sizeEvicting int64
	sizeReserved int64

	sizeNonleaf       int64
	sizeLeaf          int64
	sizeRollback      int64
	sizeCachepressure int64

	pl   *pairList
	pool *ants.Pool
	ct   *CacheTable

	mu              sync.Mutex
	flowControlCond *sync.Cond
	numSleepers     int

	threadRunning bool
	runThread     bool
	period        time.Duration
	poke          chan struct{}
	exited        chan struct{}

	numEvictionThreadRuns int64 // test visibility
}

func (ev *evictor) init(sizeLimit int64, pl *pairList, pool *ants.Pool, ct *CacheTable, period time.Duration) {
	ev.lowSizeWatermark = sizeLimit
	ev.lowSizeHysteresis = 11 * sizeLimit / 10
	ev.highSizeHysteresis = 5 * sizeLimit / 4
	ev.highSizeWatermark = 3 * sizeLimit / 2

	ev.sizeReserved = unreservableMemory(sizeLimit)

	ev.pl = pl
	ev.pool = pool
	ev.ct = ct
	ev.flowControlCond = sync.NewCond(&ev.mu)
	ev.period = period
	ev.poke = make(chan struct{}, 1)
	ev.exited = make(chan struct{})

	ev.runThread = true
	go ev.runEvictionThread()
}

// destroy stops the eviction thread. Requires no evictions in flight.
func (ev *evictor) destroy() {
	if atomic.LoadInt64(&ev.sizeEvicting) != 0 {
		panic("evictor: destroy with evictions in flight")
	}
	ev.mu.Lock()
	ev.runThread = false
	ev.mu.Unlock()
	ev.signalEvictionThread()
	<-ev.exited
}

func (ev *evictor) addPairAttr(attr Attr) {
	if !attr.Valid {
		panic("evictor: invalid attr")
	}
	ev.addToSizeCurrent(attr.Size)
	atomic.AddInt64(&ev.sizeNonleaf, attr.NonleafSize)
	atomic.AddInt64(&ev.sizeLeaf, attr.LeafSize)
	atomic.AddInt64(&ev.sizeRollback, attr.RollbackSize)
	atomic.AddInt64(&ev.sizeCachepressure, attr.CachePressureSize)
}

func (ev *evictor) removePairAttr(attr Attr) {
	if !attr.Valid {
		panic("evictor: invalid attr")
	}
	ev.removeFromSizeCurrent(attr.Size)
	atomic.AddInt64(&ev.sizeNonleaf, -attr.NonleafSize)
	atomic.AddInt64(&ev.sizeLeaf, -attr.LeafSize)
	atomic.AddInt64(&ev.sizeRollback, -attr.RollbackSize)
	atomic.AddInt64(&ev.sizeCachepressure, -attr.CachePressureSize)
}

func (ev *evictor) changePairAttr(oldAttr, newAttr Attr) {
	ev.addPairAttr(newAttr)
	ev.removePairAttr(oldAttr)
}

func (ev *evictor) addToSizeCurrent(size int64) {
	atomic.AddInt64(&ev.sizeCurrent, size)
}

func (ev *evictor) removeFromSizeCurrent(size int64) {
	atomic.AddInt64(&ev.sizeCurrent, -size)
}

// reserveMemory carves fraction of the reservable pool out of the
// budget, accounts it as cache size, and applies flow control to the
// caller.
func (ev *evictor) reserveMemory(fraction float64) int64 {
	ev.mu.Lock()
	reserved := int64(fraction * float64(ev.lowSizeWatermark-ev.sizeReserved))
	ev.sizeReserved += reserved
	ev.addToSizeCurrent(reserved)
	ev.signalEvictionThread()
	ev.mu.Unlock()

	if ev.shouldClientThreadSleep() {
		ev.waitForCachePressureToSubside()
	}
	return reserved
}

func (ev *evictor) releaseReservedMemory(reserved int64) {
	ev.removeFromSizeCurrent(reserved)
	ev.mu.Lock()
	ev.sizeReserved -= reserved
	if ev.numSleepers > 0 {
		ev.signalEvictionThread()
	}
	ev.mu.Unlock()
}

// runEvictionThread sleeps up to one period between passes, waking
// early when signaled, until destroy clears runThread.
func (ev *evictor) runEvictionThread() {
	defer close(ev.exited)
	ev.mu.Lock()
	for ev.runThread {
		ev.numEvictionThreadRuns++
		ev.threadRunning = true
		ev.runEviction()
		ev.threadRunning = false
		if !ev.runThread {
			break
		}
		ev.mu.Unlock()
		if ev.period > 0 {
			timer := time.NewTimer(ev.period)
			select {
			case <-timer.C:
			case <-ev.poke:
				timer.Stop()
			}
		} else {
			<-ev.poke
		}
		ev.mu.Lock()
	}
	ev.mu.Unlock()
}

// runEviction walks the clock until the cache is back under budget or
// until a full revolution finds only busy pairs. Entered and exited
// with ev.mu held; released around the clock walk.
func (ev *evictor) runEviction() {
	var currKey Key
	var currFilenum Filenum
	setVal := false
	exitedEarly := false

	for ev.evictionNeeded() {
		if ev.numSleepers > 0 && ev.shouldSleepingClientsWakeup() {
			ev.flowControlCond.Broadcast()
		}
		ev.mu.Unlock()

		ev.pl.readListLock()
		currInClock := ev.pl.clockHead
		if currInClock == nil {
			ev.pl.readListUnlock()
			ev.mu.Lock()
			exitedEarly = true
			break
		}
		if setVal && currInClock.key == currKey && currInClock.cachefile.filenum == currFilenum {
			// A full revolution with nothing evictable: leave memory
			// over budget rather than spin.
			ev.pl.readListUnlock()
			ev.mu.Lock()
			exitedEarly = true
			break
		}
		evictionRan := ev.runEvictionOnPair(currInClock)
		if evictionRan {
			setVal = false
		} else if !setVal {
			setVal = true
			currKey = ev.pl.clockHead.key
			currFilenum = ev.pl.clockHead.cachefile.filenum
		}
		// If currInClock was fully evicted the removal already advanced
		// the head; otherwise step past it.
		if ev.pl.clockHead != nil && ev.pl.clockHead == currInClock {
			ev.pl.clockHead = ev.pl.clockHead.clockNext
		}
		ev.pl.readListUnlock()

		ev.mu.Lock()
	}

	if ev.numSleepers > 0 && (exitedEarly || ev.shouldSleepingClientsWakeup()) {
		ev.flowControlCond.Broadcast()
	}
}

// runEvictionOnPair runs partial or full eviction on one pair, if it is
// idle. Returns whether any eviction work was started. The list read
// lock is held on entry and exit; the pair mutex is not.
func (ev *evictor) runEvictionOnPair(p *Pair) bool {
	cf := p.cachefile
	if err := cf.bjm.add(); err != nil {
		// file is closing
		return false
	}
	pairLock(p)
	if p.valueMu.users() > 0 || p.diskMu.users() > 0 {
		pairUnlock(p)
		cf.bjm.remove()
		return false
	}

	// The pair mutex pins the pair; the read lock can lapse while the
	// callbacks run.
	ev.pl.readListUnlock()
	if p.count > 0 {
		p.count--
		p.valueMu.lock()
		pairUnlock(p)

		bytesFreed, cost := p.wc.PeEstimate(p.valueData, p.diskData, p.wc.Extra)
		switch cost {
		case PECheap:
			p.sizeEvictingEstimate = 0
			ev.doPartialEviction(p)
			cf.bjm.remove()
		case PEExpensive:
			if bytesFreed > 0 {
				p.sizeEvictingEstimate = bytesFreed
				ev.mu.Lock()
				atomic.AddInt64(&ev.sizeEvicting, bytesFreed)
				ev.mu.Unlock()
				ev.ct.submit(ev.pool, func() {
					ev.doPartialEviction(p)
					cf.bjm.remove()
				})
			} else {
				// A zero estimate is treated as a no-op even though the
				// estimator may later free bytes; the accounting bias
				// is accepted.
				pairLock(p)
				p.valueMu.unlock()
				pairUnlock(p)
				cf.bjm.remove()
			}
		default:
			panic("evictor: bad partial eviction cost")
		}
	} else {
		// tryEvictPair takes over the background job.
		ev.tryEvictPair(p)
	}
	ev.pl.readListLock()
	return true
}

// doPartialEviction applies the partial-eviction callback. The pair is
// pinned on entry and unpinned on exit; its mutex is not held.
func (ev *evictor) doPartialEviction(p *Pair) {
	oldAttr := p.attr
	newAttr, err := p.wc.Pe(p.valueData, oldAttr, p.wc.Extra)
	if err != nil {
		panic(err)
	}
	ev.changePairAttr(oldAttr, newAttr)
	p.attr = newAttr
	ev.decreaseSizeEvicting(p.sizeEvictingEstimate)
	pairLock(p)
	p.valueMu.unlock()
	pairUnlock(p)
}

// tryEvictPair evicts p inline when that requires no io, otherwise
// hands it to a write-back worker. A background job for p's file is
// held on entry; this function sees it removed. p's mutex is held on
// entry, not on exit.
func (ev *evictor) tryEvictPair(p *Pair) {
	cf := p.cachefile
	if p.valueMu.users() != 0 {
		panic("evictor: evicting a pair in use")
	}
	p.valueMu.lock()
	// A dirty pair needs a write, and a held disk lock means a clone
	// writer to wait out; both belong on a worker.
	if p.dirty == Clean && p.diskMu.writers() == 0 {
		p.sizeEvictingEstimate = 0
		ev.evictPair(p, false)
		cf.bjm.remove()
	} else {
		pairUnlock(p)
		ev.mu.Lock()
		p.sizeEvictingEstimate = p.attr.Size
		atomic.AddInt64(&ev.sizeEvicting, p.sizeEvictingEstimate)
		ev.mu.Unlock()
		ev.ct.submit(ev.pool, func() {
			pl := p.list
			pl.readPendingExpLock()
			forCheckpoint := p.checkpointPending
			p.checkpointPending = false
			pairLock(p)
			ev.evictPair(p, forCheckpoint)
			pl.readPendingExpUnlock()
			cf.bjm.remove()
		})
	}
}

// evictPair writes p out if dirty, then removes and frees it. The value
// lock and p's mutex are held on entry; neither is held on exit.
func (ev *evictor) evictPair(p *Pair, forCheckpoint bool) {
	if p.dirty == Dirty {
		pairUnlock(p)
		writeLockedPair(ev, p, forCheckpoint)
		pairLock(p)
	}
	ev.decreaseSizeEvicting(p.sizeEvictingEstimate)
	// Removal needs the list write lock; to take it without deadlock,
	// drop the pair mutex first. The pin keeps the pair alive.
	p.diskMu.lock()
	pairUnlock(p)
	ev.pl.writeListLock()
	pairLock(p)
	p.valueMu.unlock()
	p.diskMu.unlock()
	maybeRemoveAndFreePair(ev.pl, ev, p)
	ev.pl.writeListUnlock()
}

// decreaseSizeEvicting retires finished eviction bytes and, on the
// crossing where waking matters, signals the eviction thread so it can
// release sleeping clients or keep evicting.
func (ev *evictor) decreaseSizeEvicting(sizeEvictingEstimate int64) {
	if sizeEvictingEstimate <= 0 {
		return
	}
	ev.mu.Lock()
	buffer := ev.highSizeHysteresis - ev.lowSizeWatermark
	sizeEvicting := atomic.LoadInt64(&ev.sizeEvicting)
	needToSignal := ev.numSleepers > 0 &&
		!ev.threadRunning &&
		sizeEvicting > buffer &&
		sizeEvicting-sizeEvictingEstimate <= buffer
	atomic.AddInt64(&ev.sizeEvicting, -sizeEvictingEstimate)
	if atomic.LoadInt64(&ev.sizeEvicting) < 0 {
		panic("evictor: size evicting went negative")
	}
	if needToSignal {
		ev.signalEvictionThread()
	}
	ev.mu.Unlock()
}

// waitForCachePressureToSubside parks the caller until the eviction
// thread broadcasts that the cache is back under the wake hysteresis.
func (ev *evictor) waitForCachePressureToSubside() {
	ev.mu.Lock()
	ev.numSleepers++
	ev.signalEvictionThread()
	ev.flowControlCond.Wait()
	ev.numSleepers--
	ev.mu.Unlock()
}

func (ev *evictor) getState() (sizeCurrent, sizeLimit int64) {
	return atomic.LoadInt64(&ev.sizeCurrent), ev.lowSizeWatermark
}

// signalEvictionThread pokes the background thread. Lock-free;
// scheduling is best effort.
func (ev *evictor) signalEvictionThread() {
	select {
	case ev.poke <- struct{}{}:
	default:
	}
}

// The predicates read the counters racily; slightly stale answers are
// tolerable everywhere they are used.

func (ev *evictor) shouldClientThreadSleep() bool {
	return atomic.LoadInt64(&ev.sizeCurrent) > ev.highSizeWatermark
}

func (ev *evictor) shouldSleepingClientsWakeup() bool {
	return atomic.LoadInt64(&ev.sizeCurrent) <= ev.highSizeHysteresis
}

func (ev *evictor) shouldClientWakeEvictionThread() bool {
	return !ev.threadRunning &&
		atomic.LoadInt64(&ev.sizeCurrent)-atomic.LoadInt64(&ev.sizeEvicting) > ev.lowSizeHysteresis
}

func (ev *evictor) evictionNeeded() bool {
	return atomic.LoadInt64(&ev.sizeCurrent)-atomic.LoadInt64(&ev.sizeEvicting) > ev.lowSizeWatermark
}
