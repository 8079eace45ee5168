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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kestreldb/pagecache/pkg/common/moerr"
)

type flushRecord struct {
	key           Key
	value         any
	writeMe       bool
	keepMe        bool
	forCheckpoint bool
	isClone       bool
	snapshot      string // payload at flush time, for pre-image checks
}

// testClient is a fake index layer: pages are strings, fetches are
// counted, flushes recorded.
type testClient struct {
	mu      sync.Mutex
	flushes []flushRecord

	fetchCount uint64
	fetchValue func(key Key) (any, Attr, Dirtiness)

	cloneCount uint64
	cloneable  bool
}

type testPage struct {
	mu      sync.Mutex
	payload string
}

func (tc *testClient) fetch(cf *CacheFile, p *Pair, fd int, key Key, fullhash uint32, extra any,
) (any, any, Attr, Dirtiness, error) {
	atomic.AddUint64(&tc.fetchCount, 1)
	if tc.fetchValue != nil {
		v, attr, dirty := tc.fetchValue(key)
		return v, nil, attr, dirty, nil
	}
	return &testPage{payload: "fetched"}, nil, MakeAttr(100), Clean, nil
}

func (tc *testClient) flush(cf *CacheFile, fd int, key Key, value any, diskData any, extra any,
	oldAttr Attr, writeMe, keepMe, forCheckpoint, isClone bool,
) (any, Attr, error) {
	rec := flushRecord{
		key:           key,
		value:         value,
		writeMe:       writeMe,
		keepMe:        keepMe,
		forCheckpoint: forCheckpoint,
		isClone:       isClone,
	}
	if pg, ok := value.(*testPage); ok {
		pg.mu.Lock()
		rec.snapshot = pg.payload
		pg.mu.Unlock()
	}
	tc.mu.Lock()
	tc.flushes = append(tc.flushes, rec)
	tc.mu.Unlock()
	return diskData, oldAttr, nil
}

func (tc *testClient) clone(value any, forCheckpoint bool, extra any) (any, Attr, error) {
	atomic.AddUint64(&tc.cloneCount, 1)
	pg := value.(*testPage)
	pg.mu.Lock()
	cloned := &testPage{payload: pg.payload}
	pg.mu.Unlock()
	return cloned, MakeAttr(100), nil
}

func (tc *testClient) writeCallback() WriteCallback {
	wc := WriteCallback{
		Flush: tc.flush,
		PeEstimate: func(value, diskData, extra any) (int64, PartialEvictionCost) {
			return 0, PECheap
		},
		Pe: func(value any, oldAttr Attr, extra any) (Attr, error) {
			return oldAttr, nil
		},
	}
	if tc.cloneable {
		wc.Clone = tc.clone
	}
	return wc
}

func (tc *testClient) fetchCallback() FetchCallback {
	return FetchCallback{Fetch: tc.fetch}
}

func (tc *testClient) flushRecords() []flushRecord {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]flushRecord, len(tc.flushes))
	copy(out, tc.flushes)
	return out
}

func newTestCachetable(t *testing.T, opts *Options) (*CacheTable, *CacheFile) {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	opts.EnvDir = t.TempDir()
	ct, err := New(opts, nil)
	require.NoError(t, err)
	cf, err := ct.OpenFile("test.data", unix.O_CREAT|unix.O_RDWR, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, cf.Close(false, 0))
		require.NoError(t, ct.Close())
	})
	return ct, cf
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMissThenHit(t *testing.T) {
	ct, cf := newTestCachetable(t, &Options{SizeLimit: 1 << 20})
	tc := &testClient{
		fetchValue: func(Key) (any, Attr, Dirtiness) {
			return &testPage{payload: "A"}, MakeAttr(100), Clean
		},
	}

	key := Key(7)
	fullhash := Hash(cf, key)
	p, value, err := ct.GetAndPin(cf, key, fullhash, tc.writeCallback(), tc.fetchCallback(), false)
	require.NoError(t, err)
	require.Equal(t, "A", value.(*testPage).payload)
	require.EqualValues(t, 1, atomic.LoadUint64(&tc.fetchCount))
	ct.Unpin(p, Clean, MakeAttr(100))

	p2, value2, err := ct.GetAndPin(cf, key, fullhash, tc.writeCallback(), tc.fetchCallback(), false)
	require.NoError(t, err)
	require.Same(t, value.(*testPage), value2.(*testPage), "hit must return the cached object")
	require.EqualValues(t, 1, atomic.LoadUint64(&tc.fetchCount), "fetch must not run on a hit")
	require.EqualValues(t, 1, ct.GetStatus().Miss)
	ct.Unpin(p2, Clean, MakeAttr(100))
}

func TestPutThenGetAndPin(t *testing.T) {
	ct, cf := newTestCachetable(t, nil)
	tc := &testClient{}

	key := Key(42)
	fullhash := Hash(cf, key)
	pg := &testPage{payload: "V"}
	p, err := ct.Put(cf, key, fullhash, pg, MakeAttr(64), tc.writeCallback(), func(value any, p *Pair) {})
	require.NoError(t, err)
	ct.Unpin(p, Dirty, MakeAttr(64))

	p2, value, err := ct.GetAndPin(cf, key, fullhash, tc.writeCallback(), tc.fetchCallback(), false)
	require.NoError(t, err)
	require.Same(t, pg, value.(*testPage))
	require.Zero(t, atomic.LoadUint64(&tc.fetchCount))
	ct.Unpin(p2, Clean, MakeAttr(64))
}

func TestPutExistingKey(t *testing.T) {
	ct, cf := newTestCachetable(t, nil)
	tc := &testClient{}

	key := Key(3)
	fullhash := Hash(cf, key)
	p, err := ct.Put(cf, key, fullhash, &testPage{}, MakeAttr(10), tc.writeCallback(), func(any, *Pair) {})
	require.NoError(t, err)
	ct.Unpin(p, Clean, MakeAttr(10))

	_, err = ct.Put(cf, key, fullhash, &testPage{}, MakeAttr(10), tc.writeCallback(), func(any, *Pair) {})
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrKeyAlreadyExists))
}

func TestUnpinAndRemove(t *testing.T) {
	ct, cf := newTestCachetable(t, nil)
	tc := &testClient{}

	key := Key(9)
	fullhash := Hash(cf, key)
	p, err := ct.Put(cf, key, fullhash, &testPage{payload: "old"}, MakeAttr(10), tc.writeCallback(), func(any, *Pair) {})
	require.NoError(t, err)

	removed := false
	ct.UnpinAndRemove(p, func(k Key, forCheckpoint bool, extra any) {
		removed = true
		require.Equal(t, key, k)
	}, nil)
	require.True(t, removed)

	_, _, _, _, err = ct.GetKeyState(cf, key)
	require.Error(t, err, "removed pair must be absent")

	// a fresh pin refetches
	p2, value, err := ct.GetAndPin(cf, key, fullhash, tc.writeCallback(), tc.fetchCallback(), false)
	require.NoError(t, err)
	require.Equal(t, "fetched", value.(*testPage).payload)
	require.EqualValues(t, 1, atomic.LoadUint64(&tc.fetchCount))
	ct.Unpin(p2, Clean, MakeAttr(100))
}

func TestGetAndPinNonblockingMiss(t *testing.T) {
	ct, cf := newTestCachetable(t, nil)
	tc := &testClient{}

	unlockerRuns := 0
	unlockers := &Unlockers{
		Locked: true,
		Fn:     func(extra any) { unlockerRuns++ },
	}

	key := Key(11)
	fullhash := Hash(cf, key)
	_, _, err := ct.GetAndPinNonblocking(cf, key, fullhash, tc.writeCallback(), tc.fetchCallback(), false, unlockers)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrTryAgain))
	require.Equal(t, 1, unlockerRuns, "unlockers run exactly once before try-again")
	require.EqualValues(t, 1, atomic.LoadUint64(&tc.fetchCount), "the miss kicks off the fetch")

	// the retry finds the fetched pair without further io
	unlockers2 := &Unlockers{Locked: true, Fn: func(any) {}}
	p, value, err := ct.GetAndPinNonblocking(cf, key, fullhash, tc.writeCallback(), tc.fetchCallback(), false, unlockers2)
	require.NoError(t, err)
	require.Equal(t, "fetched", value.(*testPage).payload)
	require.EqualValues(t, 1, atomic.LoadUint64(&tc.fetchCount))
	ct.Unpin(p, Clean, MakeAttr(100))
}

func TestUnpinAndRemoveRacingNonblockingPin(t *testing.T) {
	ct, cf := newTestCachetable(t, nil)
	tc := &testClient{}

	key := Key(9)
	fullhash := Hash(cf, key)
	p, err := ct.Put(cf, key, fullhash, &testPage{payload: "doomed"}, MakeAttr(10), tc.writeCallback(), func(any, *Pair) {})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// B: must either try-again or miss-and-refetch; never the freed value.
		for {
			unlockers := &Unlockers{Locked: true, Fn: func(any) {}}
			pb, value, err := ct.GetAndPinNonblocking(cf, key, fullhash, tc.writeCallback(), tc.fetchCallback(), false, unlockers)
			if moerr.IsMoErrCode(err, moerr.ErrTryAgain) {
				continue
			}
			require.NoError(t, err)
			require.NotEqual(t, "doomed", value.(*testPage).payload)
			ct.Unpin(pb, Clean, MakeAttr(100))
			return
		}
	}()

	ct.UnpinAndRemove(p, nil, nil)
	wg.Wait()
}

func TestMaybeGetAndPin(t *testing.T) {
	ct, cf := newTestCachetable(t, nil)
	tc := &testClient{}

	key := Key(5)
	fullhash := Hash(cf, key)

	// absent
	_, _, ok := ct.MaybeGetAndPin(cf, key, fullhash)
	require.False(t, ok)

	p, err := ct.Put(cf, key, fullhash, &testPage{}, MakeAttr(10), tc.writeCallback(), func(any, *Pair) {})
	require.NoError(t, err)

	// contended
	_, _, ok = ct.MaybeGetAndPin(cf, key, fullhash)
	require.False(t, ok)
	ct.Unpin(p, Dirty, MakeAttr(10))

	// dirty and idle
	p2, _, ok := ct.MaybeGetAndPin(cf, key, fullhash)
	require.True(t, ok)
	ct.Unpin(p2, Clean, MakeAttr(10))

	// clean: the dirty-only variant refuses, the clean variant accepts
	writeBackPair(t, ct, cf, key, fullhash)
	_, _, ok = ct.MaybeGetAndPin(cf, key, fullhash)
	require.False(t, ok)
	p3, _, ok := ct.MaybeGetAndPinClean(cf, key, fullhash)
	require.True(t, ok)
	ct.Unpin(p3, Clean, MakeAttr(10))
}

// writeBackPair forces a pair clean by writing it out on the spot.
func writeBackPair(t *testing.T, ct *CacheTable, cf *CacheFile, key Key, fullhash uint32) {
	t.Helper()
	ct.list.readListLock()
	p := ct.list.findPair(cf, key, fullhash)
	ct.list.readListUnlock()
	require.NotNil(t, p)
	pairLock(p)
	p.valueMu.lock()
	pairUnlock(p)
	writeLockedPair(&ct.ev, p, false)
	pairLock(p)
	p.valueMu.unlock()
	pairUnlock(p)
}

func TestPrefetch(t *testing.T) {
	ct, cf := newTestCachetable(t, nil)
	tc := &testClient{}

	key := Key(21)
	fullhash := Hash(cf, key)
	doing, err := ct.Prefetch(cf, key, fullhash, tc.writeCallback(), tc.fetchCallback())
	require.NoError(t, err)
	require.True(t, doing)

	waitCond(t, "prefetch to finish", func() bool {
		return atomic.LoadUint64(&tc.fetchCount) == 1 && ct.AssertAllUnpinned() == 0
	})

	p, value, err := ct.GetAndPin(cf, key, fullhash, tc.writeCallback(), tc.fetchCallback(), false)
	require.NoError(t, err)
	require.Equal(t, "fetched", value.(*testPage).payload)
	require.EqualValues(t, 1, atomic.LoadUint64(&tc.fetchCount), "prefetch already fetched")
	require.Zero(t, ct.GetStatus().Miss)
	require.EqualValues(t, 1, ct.GetStatus().Prefetches)
	ct.Unpin(p, Clean, MakeAttr(100))
}

func TestGetAndPinWithDepPairs(t *testing.T) {
	ct, cf := newTestCachetable(t, nil)
	tc := &testClient{}

	parentKey, childKey := Key(1), Key(2)
	parentHash, childHash := Hash(cf, parentKey), Hash(cf, childKey)
	parent, err := ct.Put(cf, parentKey, parentHash, &testPage{payload: "parent"}, MakeAttr(10), tc.writeCallback(), func(any, *Pair) {})
	require.NoError(t, err)

	// parent stays pinned while the child is pinned with it declared as
	// a dependent
	deps := []DepPair{{CF: cf, Key: parentKey, Fullhash: parentHash, Dirty: Dirty}}
	child, _, err := ct.GetAndPinWithDepPairs(cf, childKey, childHash, tc.writeCallback(), tc.fetchCallback(), true, deps)
	require.NoError(t, err)

	ct.Unpin(child, Clean, MakeAttr(100))
	ct.Unpin(parent, Dirty, MakeAttr(10))
}

func TestVerifyInvariant(t *testing.T) {
	ct, cf := newTestCachetable(t, nil)
	tc := &testClient{}
	for i := 0; i < 20; i++ {
		key := Key(i)
		p, err := ct.Put(cf, key, Hash(cf, key), &testPage{}, MakeAttr(8), tc.writeCallback(), func(any, *Pair) {})
		require.NoError(t, err)
		ct.Unpin(p, Dirty, MakeAttr(8))
	}
	ct.Verify()
	numEntries, hashSize, sizeCurrent, _ := ct.GetState()
	require.Equal(t, 20, numEntries)
	require.GreaterOrEqual(t, hashSize, 20)
	require.EqualValues(t, 20*8, sizeCurrent)
}

func TestCachefileOpenDedup(t *testing.T) {
	ct, cf := newTestCachetable(t, nil)
	cf2, err := ct.OpenFile("test.data", unix.O_RDWR, 0o644)
	require.NoError(t, err)
	require.Same(t, cf, cf2, "same inode must share one cachefile")

	cf3, err := ct.OpenFile("other.data", unix.O_CREAT|unix.O_RDWR, 0o644)
	require.NoError(t, err)
	require.NotSame(t, cf, cf3)
	require.NotEqual(t, cf.Filenum(), cf3.Filenum())

	byName, err := ct.CachefileOfIname("other.data")
	require.NoError(t, err)
	require.Same(t, cf3, byName)
	byNum, err := ct.CachefileOfFilenum(cf3.Filenum())
	require.NoError(t, err)
	require.Same(t, cf3, byNum)

	require.NoError(t, cf3.Close(false, 0))
	_, err = ct.CachefileOfIname("other.data")
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrFileNotFound))
}
