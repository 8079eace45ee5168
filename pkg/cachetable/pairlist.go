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

	"github.com/kestreldb/pagecache/pkg/common/moerr"
)

const initialPairListSize = 4

// pairList indexes every live pair three ways: a power-of-two bucket
// table keyed by fullhash, one circular doubly-linked clock list walked
// by both the evictor (clockHead) and the cleaner (cleanerHead), and
// the pending list of pairs a running checkpoint still has to write.
//
// listLock protects the structure. The two pending locks split reads
// of the pending bit into a cheap path (flip one pair's bit) and an
// expensive path (begin-checkpoint marking every pair): a thread
// clearing a pending bit holds the cheap lock in read mode, the
// checkpointer sets bits under the cheap lock in write mode, and the
// expensive lock fences whole-table transitions. Go's sync.RWMutex
// blocks new readers once a writer is waiting, which gives the
// writer preference the original design requires.
type pairList struct {
	tableSize uint32
	nInTable  uint32
	table     []*Pair

	clockHead   *Pair
	cleanerHead *Pair
	pendingHead *Pair

	listLock             sync.RWMutex
	pendingLockExpensive sync.RWMutex
	pendingLockCheap     sync.RWMutex
}

func (pl *pairList) init() {
	pl.tableSize = initialPairListSize
	pl.table = make([]*Pair, pl.tableSize)
}

// destroy fails if any pair is still in the table.
func (pl *pairList) destroy() error {
	for i := uint32(0); i < pl.tableSize; i++ {
		if pl.table[i] != nil {
			return moerr.NewInvalidState("pair list destroyed while nonempty")
		}
	}
	pl.table = nil
	return nil
}

// put links p into the clock list and the bucket table. Requires the
// list write lock; p must not already be present.
func (pl *pairList) put(p *Pair) {
	if pp := pl.findPair(p.cachefile, p.key, p.fullhash); pp != nil {
		panic("pairList: put of an existing pair")
	}
	pl.addToClock(p)
	h := p.fullhash & (pl.tableSize - 1)
	p.hashChain = pl.table[h]
	pl.table[h] = p
	pl.nInTable++
	if pl.nInTable > pl.tableSize {
		pl.rehash(pl.tableSize * 2)
	}
}

// evict unlinks p from every index. Requires the list write lock.
func (pl *pairList) evict(p *Pair) {
	pl.clockRemove(p)
	pl.pendingPairsRemove(p)

	if pl.nInTable == 0 {
		panic("pairList: evict from empty table")
	}
	pl.nInTable--

	h := p.fullhash & (pl.tableSize - 1)
	pl.table[h] = removeFromHashChain(p, pl.table[h])

	if 4*pl.nInTable < pl.tableSize && pl.tableSize > initialPairListSize {
		pl.rehash(pl.tableSize / 2)
	}
}

func removeFromHashChain(removeMe, chain *Pair) *Pair {
	if chain == removeMe {
		return chain.hashChain
	}
	chain.hashChain = removeFromHashChain(removeMe, chain.hashChain)
	return chain
}

// clockRemove unlinks p from the circular clock list, stepping either
// cursor off p first. Requires the list write lock.
func (pl *pairList) clockRemove(p *Pair) {
	if p.clockPrev == p {
		if pl.clockHead != p || p.clockNext != p || pl.cleanerHead != p {
			panic("pairList: clock list corrupt")
		}
		pl.clockHead = nil
		pl.cleanerHead = nil
	} else {
		if p == pl.clockHead {
			pl.clockHead = pl.clockHead.clockNext
		}
		if p == pl.cleanerHead {
			pl.cleanerHead = pl.cleanerHead.clockNext
		}
		p.clockPrev.clockNext = p.clockNext
		p.clockNext.clockPrev = p.clockPrev
	}
	p.clockNext, p.clockPrev = nil, nil
}

// pendingPairsRemove drops p from the in-progress checkpoint's list.
// The checkpoint thread calls this under the list read lock; everyone
// else must hold the write lock.
func (pl *pairList) pendingPairsRemove(p *Pair) {
	if p.pendingNext != nil {
		p.pendingNext.pendingPrev = p.pendingPrev
	}
	if p.pendingPrev != nil {
		p.pendingPrev.pendingNext = p.pendingNext
	} else if pl.pendingHead == p {
		pl.pendingHead = p.pendingNext
	}
	p.pendingPrev, p.pendingNext = nil, nil
}

// findPair walks the bucket chain. Requires at least the list read
// lock.
func (pl *pairList) findPair(file *CacheFile, key Key, fullhash uint32) *Pair {
	for p := pl.table[fullhash&(pl.tableSize-1)]; p != nil; p = p.hashChain {
		if p.key == key && p.cachefile == file {
			return p
		}
	}
	return nil
}

// rehash resizes the bucket table. Requires the list write lock; must
// not release it, callers insert while holding it.
func (pl *pairList) rehash(newSize uint32) {
	if newSize < initialPairListSize || newSize&(newSize-1) != 0 {
		panic("pairList: bad table size")
	}
	newTable := make([]*Pair, newSize)
	oldSize := pl.tableSize
	pl.tableSize = newSize
	for i := uint32(0); i < oldSize; i++ {
		for pl.table[i] != nil {
			p := pl.table[i]
			pl.table[i] = p.hashChain
			h := p.fullhash & (newSize - 1)
			p.hashChain = newTable[h]
			newTable[h] = p
		}
	}
	pl.table = newTable
}

// addToClock inserts p at the clock tail (just before clockHead) with
// the initial clock count. Requires the list write lock.
func (pl *pairList) addToClock(p *Pair) {
	p.count = clockInitialCount
	if pl.clockHead != nil {
		p.clockNext = pl.clockHead
		p.clockPrev = pl.clockHead.clockPrev
		p.clockPrev.clockNext = p
		p.clockNext.clockPrev = p
	} else {
		pl.clockHead = p
		p.clockNext = p
		p.clockPrev = p
		pl.cleanerHead = p
	}
}

// verify cross-checks the bucket table against the clock list.
func (pl *pairList) verify() {
	pl.writeListLock()
	defer pl.writeListUnlock()

	numFound := uint32(0)
	for i := uint32(0); i < pl.tableSize; i++ {
		for p := pl.table[i]; p != nil; p = p.hashChain {
			numFound++
		}
	}
	if numFound != pl.nInTable {
		panic("pairList: hash chains disagree with count")
	}

	numFound = 0
	if pl.clockHead != nil {
		p := pl.clockHead
		for first := true; first || p != pl.clockHead; p = p.clockNext {
			first = false
			found := false
			for p2 := pl.table[p.fullhash&(pl.tableSize-1)]; p2 != nil; p2 = p2.hashChain {
				if p2 == p {
					found = true
					break
				}
			}
			if !found {
				panic("pairList: clock entry is not hashed")
			}
			numFound++
		}
	}
	if numFound != pl.nInTable {
		panic("pairList: clock list disagrees with count")
	}
}

func (pl *pairList) getState() (numEntries, hashSize int) {
	pl.readListLock()
	defer pl.readListUnlock()
	return int(pl.nInTable), int(pl.tableSize)
}

func (pl *pairList) readListLock()    { pl.listLock.RLock() }
func (pl *pairList) readListUnlock()  { pl.listLock.RUnlock() }
func (pl *pairList) writeListLock()   { pl.listLock.Lock() }
func (pl *pairList) writeListUnlock() { pl.listLock.Unlock() }

func (pl *pairList) readPendingExpLock()    { pl.pendingLockExpensive.RLock() }
func (pl *pairList) readPendingExpUnlock()  { pl.pendingLockExpensive.RUnlock() }
func (pl *pairList) writePendingExpLock()   { pl.pendingLockExpensive.Lock() }
func (pl *pairList) writePendingExpUnlock() { pl.pendingLockExpensive.Unlock() }

func (pl *pairList) readPendingCheapLock()    { pl.pendingLockCheap.RLock() }
func (pl *pairList) readPendingCheapUnlock()  { pl.pendingLockCheap.RUnlock() }
func (pl *pairList) writePendingCheapLock()   { pl.pendingLockCheap.Lock() }
func (pl *pairList) writePendingCheapUnlock() { pl.pendingLockCheap.Unlock() }
