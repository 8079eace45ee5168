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
)

// How many clock entries one cleaner probe examines.
const cleanerNToCheck = 8

func cleanerRatePair(p *Pair) int64 {
	return p.attr.CachePressureSize
}

// cleaner periodically picks the pair under the most cache pressure and
// runs its cleaner callback. It walks the same circular list as the
// evictor, on its own cursor.
type cleaner struct {
	iterations uint32
	pl         *pairList
	ct         *CacheTable
	cron       minicron
}

func (cl *cleaner) init(iterations uint32, pl *pairList, ct *CacheTable, period time.Duration) {
	cl.iterations = iterations
	cl.pl = pl
	cl.ct = ct
	cl.cron.setup("cleaner", period, cl.runCleaner)
}

func (cl *cleaner) destroy() {
	cl.cron.stop()
}

func (cl *cleaner) getIterations() uint32 {
	return atomic.LoadUint32(&cl.iterations)
}

func (cl *cleaner) setIterations(iterations uint32) {
	atomic.StoreUint32(&cl.iterations, iterations)
}

func (cl *cleaner) getPeriod() time.Duration {
	return cl.cron.getPeriod()
}

func (cl *cleaner) setPeriod(period time.Duration) {
	cl.cron.changePeriod(period)
}

// runCleaner performs one scheduled run: iterations probes, each
// examining up to cleanerNToCheck unlocked pairs and cleaning the one
// with the highest cache pressure.
//
// A pair rated 0 must NEVER be picked. Rollback and leaf pages rate
// themselves 0 to opt out, and unpin-and-remove zeroes the rating to
// keep the cleaner off a pair it is about to free.
func (cl *cleaner) runCleaner() error {
	numIterations := cl.getIterations()
	for i := uint32(0); i < numIterations; i++ {
		atomic.AddUint64(&cl.ct.cleanerExecutions, 1)
		cl.pl.readListLock()
		var bestPair *Pair
		nSeen := 0
		bestScore := int64(0)
		firstPair := cl.pl.cleanerHead
		if firstPair == nil {
			cl.pl.readListUnlock()
			break
		}
		// Pick the best of the next few unlocked pairs. The candidate's
		// mutex stays held so nobody can grab it while we keep looking.
		for {
			head := cl.pl.cleanerHead
			pairLock(head)
			if head.valueMu.users() > 0 {
				pairUnlock(head)
			} else {
				nSeen++
				if score := cleanerRatePair(head); score > bestScore {
					bestScore = score
					if bestPair != nil {
						pairUnlock(bestPair)
					}
					bestPair = head
				} else {
					pairUnlock(head)
				}
			}
			cl.pl.cleanerHead = cl.pl.cleanerHead.clockNext
			if cl.pl.cleanerHead == firstPair || nSeen >= cleanerNToCheck {
				break
			}
		}
		cl.pl.readListUnlock()

		// bestPair, if any, has its mutex held; no list lock is held.
		if bestPair == nil {
			// An empty round now will likely be an empty round again;
			// wait for the next scheduled run.
			break
		}
		cf := bestPair.cachefile
		// A failed add means the cachefile is flushing; this probe
		// becomes a no-op.
		if err := cf.bjm.add(); err != nil {
			pairUnlock(bestPair)
			continue
		}
		bestPair.valueMu.lock()
		pairUnlock(bestPair)
		if cleanerRatePair(bestPair) <= 0 {
			panic("cleaner: picked a zero-rated pair")
		}
		cl.pl.readPendingCheapLock()
		checkpointPending := bestPair.checkpointPending
		bestPair.checkpointPending = false
		cl.pl.readPendingCheapUnlock()
		if checkpointPending {
			writeLockedPairForCheckpoint(cl.ct, bestPair, true)
		}

		cleanerCallbackCalled := false
		// Writing for checkpoint may have resolved all the pressure;
		// then there is nothing left to clean.
		if cleanerRatePair(bestPair) > 0 {
			if err := bestPair.wc.Cleaner(bestPair.valueData, bestPair.key, bestPair.fullhash, bestPair.wc.Extra); err != nil {
				panic(err)
			}
			cleanerCallbackCalled = true
		}

		// The cleaner callback unpins the pair itself.
		if !cleanerCallbackCalled {
			pairLock(bestPair)
			bestPair.valueMu.unlock()
			pairUnlock(bestPair)
		}
		// The background job held the cachefile open across the
		// callback, even though the callback unlocked the pair.
		cf.bjm.remove()
	}
	return nil
}
