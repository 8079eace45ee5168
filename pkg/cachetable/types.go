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
	"reflect"

	"github.com/kestreldb/pagecache/pkg/wal"
)

// Key is the 64-bit block number half of a pair's identity; the other
// half is the cache file.
type Key int64

// Filenum identifies an open cache file for the lifetime of the cache
// table. It is stable across reopen of the same path only by accident;
// identity on disk is the OS file id.
type Filenum = wal.Filenum

// Dirtiness of a cached pair. A dirty pair must be whole; only clean
// pairs may have partial data missing.
type Dirtiness uint8

const (
	Clean Dirtiness = iota
	Dirty
)

// Attr is the size accounting a pair carries. The evictor tracks the
// per-category totals; CachePressureSize additionally drives cleaner
// selection.
type Attr struct {
	Size              int64
	NonleafSize       int64
	LeafSize          int64
	RollbackSize      int64
	CachePressureSize int64
	Valid             bool
}

// MakeAttr builds an Attr holding only a total size.
func MakeAttr(size int64) Attr {
	return Attr{Size: size, Valid: true}
}

var zeroAttr = Attr{Valid: true}

// PartialEvictionCost is the estimator's verdict on how expensive the
// partial-eviction applier would be to run.
type PartialEvictionCost uint8

const (
	PECheap PartialEvictionCost = iota
	PEExpensive
)

// FlushFunc writes and/or frees a pair's value. writeMe asks for the
// value (or clone, when isClone) to be written to fd; keepMe false asks
// for the in-memory value to be released. When the pair has already
// been removed from the table, cf is nil and fd is -1.
type FlushFunc func(
	cf *CacheFile,
	fd int,
	key Key,
	value any,
	diskData any,
	extra any,
	oldAttr Attr,
	writeMe, keepMe, forCheckpoint, isClone bool,
) (newDiskData any, newAttr Attr, err error)

// FetchFunc materializes a pair's value from disk.
type FetchFunc func(
	cf *CacheFile,
	p *Pair,
	fd int,
	key Key,
	fullhash uint32,
	extra any,
) (value, diskData any, attr Attr, dirty Dirtiness, err error)

// PartialFetchRequiredFunc reports whether value is missing pieces the
// caller needs.
type PartialFetchRequiredFunc func(value, extra any) bool

// PartialFetchFunc loads the missing pieces of a clean pair.
type PartialFetchFunc func(value, diskData, extra any, fd int) (Attr, error)

// PartialEvictionEstimateFunc estimates how many bytes a partial
// eviction of value would free and how costly running it would be.
type PartialEvictionEstimateFunc func(value, diskData, extra any) (bytesFreed int64, cost PartialEvictionCost)

// PartialEvictionFunc sheds sub-page state from value in place.
type PartialEvictionFunc func(value any, oldAttr Attr, extra any) (Attr, error)

// CleanerFunc performs background maintenance on a pinned pair. It MUST
// release the pair's value lock (by unpinning) before returning.
type CleanerFunc func(value any, key Key, fullhash uint32, extra any) error

// CloneFunc produces a detached copy of value that the checkpointer can
// write while clients keep mutating the original. The returned attr
// replaces the pair's attr, mirroring a write-out.
type CloneFunc func(value any, forCheckpoint bool, extra any) (cloned any, attr Attr, err error)

// RemoveKeyFunc lets the upper layer release the block number of a pair
// being removed.
type RemoveKeyFunc func(key Key, forCheckpoint bool, extra any)

// PutFunc runs under the new pair's value lock during put so the caller
// can install back-pointers to the pair.
type PutFunc func(value any, p *Pair)

// KeyAndFullhashFunc picks the key for a put-with-dependent-pairs while
// the list write lock is held.
type KeyAndFullhashFunc func(extra any) (Key, uint32)

// WriteCallback is the write-side capability set a pair keeps for its
// whole lifetime. Extra is passed back to every one of these callbacks
// and must therefore outlive the pair.
type WriteCallback struct {
	Flush      FlushFunc
	PeEstimate PartialEvictionEstimateFunc
	Pe         PartialEvictionFunc
	Cleaner    CleanerFunc
	Clone      CloneFunc
	Extra      any
}

// sameCallbacks is the duplicate-put sanity check: a second put of the
// same key must carry the same write capabilities.
func sameCallbacks(a, b WriteCallback) bool {
	return fnPtr(a.Flush) == fnPtr(b.Flush) &&
		fnPtr(a.Pe) == fnPtr(b.Pe) &&
		fnPtr(a.Cleaner) == fnPtr(b.Cleaner)
}

func fnPtr(f any) uintptr {
	v := reflect.ValueOf(f)
	if !v.IsValid() || v.IsNil() {
		return 0
	}
	return v.Pointer()
}

// UserdataCallbacks are the per-file hooks invoked around close and
// checkpoint.
type UserdataCallbacks struct {
	LogFassociate       func(cf *CacheFile, userdata any) error
	LogSuppressRollback func(cf *CacheFile, userdata any) error
	Close               func(cf *CacheFile, fd int, userdata any, oplsnValid bool, oplsn wal.LSN) error
	Checkpoint          func(cf *CacheFile, fd int, userdata any) error
	BeginCheckpoint     func(lsn wal.LSN, userdata any) error
	EndCheckpoint       func(cf *CacheFile, fd int, userdata any) error
	NotePinByCheckpoint func(cf *CacheFile, userdata any) error
	NoteUnpin           func(cf *CacheFile, userdata any) error
}

// DepPair names an already-pinned pair whose checkpoint-pending state
// must be resolved inside the same critical section as the primary
// operation. Dirty reports whether the caller has dirtied it under its
// pin.
type DepPair struct {
	CF       *CacheFile
	Key      Key
	Fullhash uint32
	Dirty    Dirtiness
}

// Unlockers is the caller's chain of pin releases for the nonblocking
// pin path. The chain is invoked in order, once per call that returns
// ErrTryAgain and never on a successful pin, while the core still holds
// the list lock; clients must tolerate spurious invocations across
// retries.
type Unlockers struct {
	Locked bool
	Fn     func(extra any)
	Extra  any
	Next   *Unlockers
}

func runUnlockers(u *Unlockers) {
	for ; u != nil; u = u.Next {
		if !u.Locked {
			panic("unlocker ran twice")
		}
		u.Locked = false
		u.Fn(u.Extra)
	}
}
