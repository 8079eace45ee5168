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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatermarks(t *testing.T) {
	ct, _ := newTestCachetable(t, &Options{SizeLimit: 1000})
	require.EqualValues(t, 1000, ct.ev.lowSizeWatermark)
	require.EqualValues(t, 1100, ct.ev.lowSizeHysteresis)
	require.EqualValues(t, 1250, ct.ev.highSizeHysteresis)
	require.EqualValues(t, 1500, ct.ev.highSizeWatermark)
	require.EqualValues(t, 250, ct.ev.sizeReserved, "a quarter of the budget is unreservable")
}

func TestEvictionUnderPressure(t *testing.T) {
	ct, cf := newTestCachetable(t, &Options{SizeLimit: 256, EvictionPeriod: 10 * time.Millisecond})
	tc := &testClient{
		fetchValue: func(Key) (any, Attr, Dirtiness) {
			return &testPage{payload: "x"}, MakeAttr(128), Clean
		},
	}

	for _, key := range []Key{1, 2, 3} {
		p, _, err := ct.GetAndPin(cf, key, Hash(cf, key), tc.writeCallback(), tc.fetchCallback(), false)
		require.NoError(t, err)
		ct.Unpin(p, Clean, MakeAttr(128))
	}

	ct.MaybeFlushSome()
	waitCond(t, "evictor to reach the low watermark", func() bool {
		size, _ := ct.ev.getState()
		return size <= 256
	})
	require.GreaterOrEqual(t, ct.GetStatus().Evictions, uint64(1))

	evicted := false
	for _, rec := range tc.flushRecords() {
		if !rec.writeMe && !rec.keepMe {
			evicted = true
		}
	}
	require.True(t, evicted, "eviction must release at least one value")
}

func TestEvictionWritesDirtyPair(t *testing.T) {
	ct, cf := newTestCachetable(t, &Options{SizeLimit: 128, EvictionPeriod: 10 * time.Millisecond})
	tc := &testClient{}

	for _, key := range []Key{1, 2} {
		p, err := ct.Put(cf, key, Hash(cf, key), &testPage{payload: "d"}, MakeAttr(128), tc.writeCallback(), func(any, *Pair) {})
		require.NoError(t, err)
		ct.Unpin(p, Dirty, MakeAttr(128))
	}

	// Puts start with a clock count of 3; the evictor needs a few
	// revolutions before anything reaches zero.
	ct.MaybeFlushSome()
	waitCond(t, "a dirty pair to be written and evicted", func() bool {
		ct.MaybeFlushSome()
		for _, rec := range tc.flushRecords() {
			if rec.writeMe {
				return true
			}
		}
		return false
	})
}

func TestPartialEviction(t *testing.T) {
	peRuns := uint64(0)
	tc := &testClient{}
	wc := tc.writeCallback()
	wc.PeEstimate = func(value, diskData, extra any) (int64, PartialEvictionCost) {
		return 16, PECheap
	}
	wc.Pe = func(value any, oldAttr Attr, extra any) (Attr, error) {
		atomic.AddUint64(&peRuns, 1)
		return MakeAttr(oldAttr.Size - 16), nil
	}

	ct, cf := newTestCachetable(t, &Options{SizeLimit: 128, EvictionPeriod: 10 * time.Millisecond})
	p, err := ct.Put(cf, 1, Hash(cf, 1), &testPage{}, MakeAttr(200), wc, func(any, *Pair) {})
	require.NoError(t, err)
	ct.Unpin(p, Dirty, MakeAttr(200))

	// clock count is 3, so the evictor shrinks the pair in place before
	// it considers full eviction
	ct.MaybeFlushSome()
	waitCond(t, "a cheap partial eviction to run", func() bool {
		ct.MaybeFlushSome()
		return atomic.LoadUint64(&peRuns) > 0
	})
}

func TestReserveMemory(t *testing.T) {
	ct, _ := newTestCachetable(t, &Options{SizeLimit: 1000})

	before, _ := ct.ev.getState()
	reserved := ct.ReserveMemory(0.5)
	require.EqualValues(t, 375, reserved, "half of the reservable 750")
	size, _ := ct.ev.getState()
	require.Equal(t, before+reserved, size)

	ct.ReleaseReservedMemory(reserved)
	size, _ = ct.ev.getState()
	require.Equal(t, before, size)
	require.EqualValues(t, 250, ct.ev.sizeReserved)
}

func TestClientPredicates(t *testing.T) {
	ct, _ := newTestCachetable(t, &Options{SizeLimit: 1000})
	ev := &ct.ev

	atomic.StoreInt64(&ev.sizeCurrent, 1501)
	require.True(t, ev.shouldClientThreadSleep())
	require.False(t, ev.shouldSleepingClientsWakeup())

	atomic.StoreInt64(&ev.sizeCurrent, 1250)
	require.False(t, ev.shouldClientThreadSleep())
	require.True(t, ev.shouldSleepingClientsWakeup())

	atomic.StoreInt64(&ev.sizeCurrent, 1200)
	require.True(t, ev.evictionNeeded())
	atomic.StoreInt64(&ev.sizeEvicting, 300)
	require.False(t, ev.evictionNeeded())

	atomic.StoreInt64(&ev.sizeCurrent, 0)
	atomic.StoreInt64(&ev.sizeEvicting, 0)
}

func TestEvictorSkipsPinnedPairs(t *testing.T) {
	ct, cf := newTestCachetable(t, &Options{SizeLimit: 64, EvictionPeriod: 10 * time.Millisecond})
	tc := &testClient{
		fetchValue: func(Key) (any, Attr, Dirtiness) {
			return &testPage{}, MakeAttr(128), Clean
		},
	}

	p, _, err := ct.GetAndPin(cf, 1, Hash(cf, 1), tc.writeCallback(), tc.fetchCallback(), false)
	require.NoError(t, err)

	// over budget with the only pair pinned: the pass must give up, not
	// spin or evict the pinned pair
	ct.MaybeFlushSome()
	time.Sleep(50 * time.Millisecond)
	_, _, _, size, err := ct.GetKeyState(cf, 1)
	require.NoError(t, err)
	require.EqualValues(t, 128, size)

	ct.Unpin(p, Clean, MakeAttr(128))
	waitCond(t, "unpinned pair to be evicted", func() bool {
		ct.MaybeFlushSome()
		size, _ := ct.ev.getState()
		return size == 0
	})
}
