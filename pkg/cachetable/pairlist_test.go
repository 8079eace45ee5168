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
	"testing"

	"github.com/stretchr/testify/require"
)

func newListPair(cf *CacheFile, key Key) *Pair {
	p := &Pair{}
	pairInit(p, cf, key, nil, zeroAttr, Clean, finalMix(uint32(cf.filenum), uint32(uint64(key)>>32), uint32(uint64(key))), WriteCallback{}, nil, nil)
	return p
}

func TestPairListPutFindEvict(t *testing.T) {
	var pl pairList
	pl.init()
	cf := &CacheFile{filenum: 1}

	pairs := make([]*Pair, 10)
	pl.writeListLock()
	for i := range pairs {
		pairs[i] = newListPair(cf, Key(i))
		pl.put(pairs[i])
	}
	pl.writeListUnlock()

	pl.readListLock()
	for i, p := range pairs {
		require.Same(t, p, pl.findPair(cf, Key(i), p.fullhash))
	}
	require.Nil(t, pl.findPair(cf, Key(99), 0))
	// a different file with the same key is a different pair
	require.Nil(t, pl.findPair(&CacheFile{filenum: 2}, Key(1), pairs[1].fullhash))
	pl.readListUnlock()

	// the table grew past the occupancy threshold
	require.Greater(t, pl.tableSize, uint32(initialPairListSize))

	pl.writeListLock()
	for i, p := range pairs {
		pl.evict(p)
		require.Nil(t, pl.findPair(cf, Key(i), p.fullhash))
	}
	pl.writeListUnlock()

	// and shrank back down
	require.EqualValues(t, initialPairListSize, pl.tableSize)
	require.NoError(t, pl.destroy())
}

func TestPairListClockCursors(t *testing.T) {
	var pl pairList
	pl.init()
	cf := &CacheFile{filenum: 1}

	a, b, c := newListPair(cf, 1), newListPair(cf, 2), newListPair(cf, 3)
	pl.writeListLock()
	pl.put(a)
	pl.put(b)
	pl.put(c)

	require.Same(t, a, pl.clockHead)
	require.Same(t, a, pl.cleanerHead)
	// insertion is at the tail, just before the head
	require.Same(t, c, pl.clockHead.clockPrev)
	require.Same(t, b, pl.clockHead.clockNext)

	// removing a cursor's pair steps the cursor forward
	pl.evict(a)
	require.Same(t, b, pl.clockHead)
	require.Same(t, b, pl.cleanerHead)

	pl.cleanerHead = pl.cleanerHead.clockNext
	pl.evict(c)
	require.Same(t, b, pl.cleanerHead)

	pl.evict(b)
	require.Nil(t, pl.clockHead)
	require.Nil(t, pl.cleanerHead)
	pl.writeListUnlock()
	require.NoError(t, pl.destroy())
}

func TestPairListPendingList(t *testing.T) {
	var pl pairList
	pl.init()
	cf := &CacheFile{filenum: 1}

	a, b := newListPair(cf, 1), newListPair(cf, 2)
	pl.writeListLock()
	pl.put(a)
	pl.put(b)

	// splice both onto the pending list the way begin-checkpoint does
	for _, p := range []*Pair{a, b} {
		p.checkpointPending = true
		if pl.pendingHead != nil {
			pl.pendingHead.pendingPrev = p
		}
		p.pendingNext = pl.pendingHead
		p.pendingPrev = nil
		pl.pendingHead = p
	}
	require.Same(t, b, pl.pendingHead)

	pl.pendingPairsRemove(b)
	require.Same(t, a, pl.pendingHead)
	pl.pendingPairsRemove(a)
	require.Nil(t, pl.pendingHead)

	// evict removes from the pending list too
	a.checkpointPending = true
	pl.pendingHead = a
	pl.evict(a)
	require.Nil(t, pl.pendingHead)
	pl.evict(b)
	pl.writeListUnlock()
	require.NoError(t, pl.destroy())
}

func TestPairListDestroyNonempty(t *testing.T) {
	var pl pairList
	pl.init()
	cf := &CacheFile{filenum: 1}
	pl.writeListLock()
	pl.put(newListPair(cf, 1))
	pl.writeListUnlock()
	require.Error(t, pl.destroy())
}

func TestHashStability(t *testing.T) {
	cf := &CacheFile{filenum: 7}
	h1 := Hash(cf, 1234567890123)
	h2 := Hash(cf, 1234567890123)
	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, Hash(cf, 1234567890124))
	require.NotEqual(t, h1, Hash(&CacheFile{filenum: 8}, 1234567890123))

	// low bits spread across a small mask
	buckets := map[uint32]bool{}
	for key := Key(0); key < 64; key++ {
		buckets[Hash(cf, key)&63] = true
	}
	require.Greater(t, len(buckets), 32)
}
