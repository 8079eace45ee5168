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

import "sync/atomic"

// Status is a point-in-time snapshot of the cache table's counters and
// the evictor's accounting. It is for humans watching system behavior;
// the fields are read racily and need not be mutually consistent.
type Status struct {
	Miss              uint64
	MissTimeMicros    uint64
	Puts              uint64
	Prefetches        uint64
	Evictions         uint64
	CleanerExecutions uint64

	SizeCurrent       int64
	SizeLimit         int64
	SizeWriting       int64
	SizeNonleaf       int64
	SizeLeaf          int64
	SizeRollback      int64
	SizeCachePressure int64

	CleanerPeriodSeconds uint64
	CleanerIterations    uint64
}

// GetStatus snapshots the counters.
func (ct *CacheTable) GetStatus() Status {
	return Status{
		Miss:              atomic.LoadUint64(&ct.miss),
		MissTimeMicros:    atomic.LoadUint64(&ct.missTime),
		Puts:              atomic.LoadUint64(&ct.puts),
		Prefetches:        atomic.LoadUint64(&ct.prefetches),
		Evictions:         atomic.LoadUint64(&ct.evictions),
		CleanerExecutions: atomic.LoadUint64(&ct.cleanerExecutions),

		SizeCurrent:       atomic.LoadInt64(&ct.ev.sizeCurrent),
		SizeLimit:         ct.ev.lowSizeWatermark,
		SizeWriting:       atomic.LoadInt64(&ct.ev.sizeEvicting),
		SizeNonleaf:       atomic.LoadInt64(&ct.ev.sizeNonleaf),
		SizeLeaf:          atomic.LoadInt64(&ct.ev.sizeLeaf),
		SizeRollback:      atomic.LoadInt64(&ct.ev.sizeRollback),
		SizeCachePressure: atomic.LoadInt64(&ct.ev.sizeCachepressure),

		CleanerPeriodSeconds: uint64(ct.cl.getPeriod().Seconds()),
		CleanerIterations:    uint64(ct.cl.getIterations()),
	}
}
